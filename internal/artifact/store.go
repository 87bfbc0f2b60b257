// Package artifact implements content-addressed blob storage for pipeline
// intermediate files, keyed by hierarchical "{index}/{document_id}/{name}" keys.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("artifact.Store: not found")

// Store is the capability set every artifact backend implements.
// put/get/list/delete map directly onto §4.A of the specification.
type Store interface {
	// Put writes data under key, atomically replacing any prior content.
	Put(ctx context.Context, key string, data []byte) error
	// Get reads the bytes stored under key. Returns ErrNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete recursively and idempotently removes every key with the given prefix.
	Delete(ctx context.Context, prefix string) error
}

// Key builds the canonical hierarchical artifact key for an index/document/name triple.
func Key(index, documentID, name string) string {
	return fmt.Sprintf("%s/%s/%s", index, documentID, name)
}

// SourceName returns the reserved artifact name for the n-th original source file.
func SourceName(n int, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return fmt.Sprintf("source.%d", n)
	}
	return fmt.Sprintf("source.%d.%s", n, ext)
}

// StepOutputName returns the reserved artifact name for the part-th output of
// step applied to fileID.
func StepOutputName(step, fileID string, part int, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return fmt.Sprintf("%s.%s.%d", step, fileID, part)
	}
	return fmt.Sprintf("%s.%s.%d.%s", step, fileID, part, ext)
}

// StateArtifactName is the reserved name for the pipeline state record when
// a backend chooses to mirror it into the artifact store (disk/memory).
const StateArtifactName = "pipeline.state"
