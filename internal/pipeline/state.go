// Package pipeline implements the durable, resumable document ingestion
// state machine: Pipeline State, the Handler Registry, and the Orchestrator
// that dispatches queued work to registered step handlers.
package pipeline

import (
	"fmt"
	"time"

	"github.com/memoryvault/ingest/internal/tag"
)

// StateSchemaVersion is the leading version tag of every persisted state
// record. Readers reject unknown major versions rather than guess at a
// migration.
const StateSchemaVersion = 1

// Status is the lifecycle stage of a document's Pipeline State.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Descendant records one artifact a step produced from a FileRef, e.g. a
// text partition or an embedding derived from a source PDF.
type Descendant struct {
	Step        string `json:"step"`
	ArtifactKey string `json:"artifactKey"`
	ContentType string `json:"contentType"`
}

// FileRef is one source file attached to a document, plus every artifact
// any step has derived from it so far.
type FileRef struct {
	OriginalName string       `json:"originalName"`
	ArtifactKey  string       `json:"artifactKey"`
	MimeType     string       `json:"mimeType"`
	SizeBytes    int64        `json:"sizeBytes"`
	Descendants  []Descendant `json:"descendants,omitempty"`
}

// FailureReason is the structured error recorded when a document transitions
// to StatusFailed.
type FailureReason struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func (f *FailureReason) String() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", f.Stage, f.Message)
}

// State is the persistent record of a single document's progress through
// the ingestion pipeline. One State exists per (Index, DocumentID).
type State struct {
	SchemaVersion int `json:"schemaVersion"`

	Index      string `json:"index"`
	DocumentID string `json:"documentId"`

	CreationTime   time.Time `json:"creationTime"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`

	Tags tag.Collection `json:"tags"`

	Files []FileRef `json:"files"`

	StepsToExecute []string `json:"stepsToExecute"`
	StepsCompleted []string `json:"stepsCompleted"`

	Status        Status         `json:"status"`
	FailureReason *FailureReason `json:"failureReason,omitempty"`
}

// NewState creates a fresh, pending Pipeline State for (index, documentID)
// with the given step plan. now is passed in rather than read from the
// clock so orchestration logic stays deterministic and testable.
func NewState(index, documentID string, steps []string, tags tag.Collection, now time.Time) *State {
	stepsCopy := make([]string, len(steps))
	copy(stepsCopy, steps)

	if tags == nil {
		tags = tag.NewCollection()
	}

	return &State{
		SchemaVersion:  StateSchemaVersion,
		Index:          index,
		DocumentID:     documentID,
		CreationTime:   now,
		LastUpdateTime: now,
		Tags:           tags,
		StepsToExecute: stepsCopy,
		StepsCompleted: []string{},
		Status:         StatusPending,
	}
}

// NextStep returns the step at the head of StepsToExecute, or "" if none
// remain.
func (s *State) NextStep() string {
	if len(s.StepsToExecute) == 0 {
		return ""
	}
	return s.StepsToExecute[0]
}

// AdvanceStep pops the head of StepsToExecute into StepsCompleted,
// preserving invariant 1: StepsCompleted is always a prefix of the
// original plan and StepsToExecute the suffix.
func (s *State) AdvanceStep(now time.Time) {
	if len(s.StepsToExecute) == 0 {
		return
	}
	head := s.StepsToExecute[0]
	s.StepsCompleted = append(s.StepsCompleted, head)
	s.StepsToExecute = s.StepsToExecute[1:]
	s.LastUpdateTime = now
}

// IsTerminal reports whether no further orchestrator work is possible for
// this state: it has either finished, failed, or been cancelled.
func (s *State) IsTerminal() bool {
	return s.Status == StatusComplete || s.Status == StatusFailed || s.Status == StatusCancelled
}

// Ready reports whether the document completed every step of its original
// plan without failure, per the Status Reporter contract.
func (s *State) Ready() bool {
	return s.Status == StatusComplete && len(s.StepsToExecute) == 0
}

// AddFile appends a newly ingested source file to the state.
func (s *State) AddFile(f FileRef, now time.Time) {
	s.Files = append(s.Files, f)
	s.LastUpdateTime = now
}

// AddDescendant records a new derived artifact against the file with the
// given original artifact key. It is a no-op if no such file exists,
// guarding against a handler mistakenly operating on a stale state.
func (s *State) AddDescendant(fileArtifactKey string, d Descendant, now time.Time) {
	for i := range s.Files {
		if s.Files[i].ArtifactKey == fileArtifactKey {
			s.Files[i].Descendants = append(s.Files[i].Descendants, d)
			s.LastUpdateTime = now
			return
		}
	}
}

// Fail transitions the state to StatusFailed with a recorded reason. Per
// §4.E the orchestrator never re-enqueues a failed document.
func (s *State) Fail(stage, message string, now time.Time) {
	s.Status = StatusFailed
	s.FailureReason = &FailureReason{Stage: stage, Message: message}
	s.LastUpdateTime = now
}

// Cancel transitions the state to StatusCancelled. The next worker that
// dequeues a message for this document observes this before invoking any
// handler and acks without work.
func (s *State) Cancel(now time.Time) {
	s.Status = StatusCancelled
	s.LastUpdateTime = now
}

// Clone returns a deep copy, used by stores and tests to avoid callers
// mutating shared state through aliasing.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Tags = s.Tags.Clone()

	out.Files = make([]FileRef, len(s.Files))
	for i, f := range s.Files {
		fc := f
		fc.Descendants = append([]Descendant(nil), f.Descendants...)
		out.Files[i] = fc
	}

	out.StepsToExecute = append([]string(nil), s.StepsToExecute...)
	out.StepsCompleted = append([]string(nil), s.StepsCompleted...)

	if s.FailureReason != nil {
		fr := *s.FailureReason
		out.FailureReason = &fr
	}

	return &out
}
