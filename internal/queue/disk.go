package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// diskRecord is the on-disk representation of a queued or leased message.
type diskRecord struct {
	Index        string `json:"index"`
	DocumentID   string `json:"documentId"`
	OrderingKey  string `json:"orderingKey"`
	Seq          string `json:"seq"`
	FailureCount int    `json:"failureCount"`
	VisibleAt    int64  `json:"visibleAtUnixNano"`
	ExpiresAt    int64  `json:"expiresAtUnixNano,omitempty"`
}

// DiskQueue is the durable single-node Queue backend. It uses a directory
// of one file per message and an advisory-lock-by-rename scheme: dequeuing
// a message atomically moves its file from queue/ into leases/, where no
// other consumer will look for it until it is requeued or deleted.
//
// A background sweeper, grounded on the same ticker-driven-cleanup idiom
// used by the in-process embedding cache, periodically reclaims leases
// whose visibility timeout elapsed without an ack or nack.
type DiskQueue struct {
	mu                sync.Mutex
	root              string
	visibilityTimeout time.Duration
	maxAttempts       int
	seq               atomic.Uint64
	stopCh            chan struct{}
}

// NewDiskQueue creates a DiskQueue rooted at dir, creating the queue/,
// leases/, and dead/ subdirectories as needed.
func NewDiskQueue(dir string, visibilityTimeout time.Duration, maxAttempts int) (*DiskQueue, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	for _, sub := range []string{"queue", "leases", "dead"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("queue.NewDiskQueue: %w", err)
		}
	}

	q := &DiskQueue{
		root:              dir,
		visibilityTimeout: visibilityTimeout,
		maxAttempts:       maxAttempts,
		stopCh:            make(chan struct{}),
	}
	go q.sweepLoop()
	return q, nil
}

var _ Queue = (*DiskQueue)(nil)

// Stop halts the background lease-reclamation sweeper.
func (q *DiskQueue) Stop() {
	close(q.stopCh)
}

func (q *DiskQueue) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.reclaimExpiredLeases()
		case <-q.stopCh:
			return
		}
	}
}

func (q *DiskQueue) queueDir() string { return filepath.Join(q.root, "queue") }
func (q *DiskQueue) leaseDir() string { return filepath.Join(q.root, "leases") }
func (q *DiskQueue) deadDir() string  { return filepath.Join(q.root, "dead") }

func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}

func (q *DiskQueue) nextSeq() string {
	n := q.seq.Add(1)
	return fmt.Sprintf("%020d.%020d", time.Now().UnixNano(), n)
}

func writeRecordAtomic(dir, name string, rec diskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: marshal record: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rec-*.tmp")
	if err != nil {
		return fmt.Errorf("queue: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("queue: write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("queue: close record: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("queue: rename record: %w", err)
	}
	return nil
}

func queueFileName(rec diskRecord) string {
	return fmt.Sprintf("%s__%s.json", sanitizeKey(rec.OrderingKey), rec.Seq)
}

func (q *DiskQueue) Enqueue(ctx context.Context, msg Message) error {
	return q.EnqueueDelayed(ctx, msg, 0)
}

func (q *DiskQueue) EnqueueDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := diskRecord{
		Index:       msg.Index,
		DocumentID:  msg.DocumentID,
		OrderingKey: msg.OrderingKey(),
		Seq:         q.nextSeq(),
		VisibleAt:   time.Now().Add(delay).UnixNano(),
	}
	return writeRecordAtomic(q.queueDir(), queueFileName(rec), rec)
}

// reclaimExpiredLeases moves leases whose visibility timeout elapsed back
// into the queue, without touching the failure counter.
func (q *DiskQueue) reclaimExpiredLeases() {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.leaseDir())
	if err != nil {
		return
	}
	now := time.Now().UnixNano()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(q.leaseDir(), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec diskRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.ExpiresAt > now {
			continue
		}
		rec.ExpiresAt = 0
		if err := writeRecordAtomic(q.queueDir(), queueFileName(rec), rec); err != nil {
			continue
		}
		os.Remove(path)
	}
}

// headCandidates lists queue/ entries sorted lexically (which groups by
// ordering key, then by monotonic sequence within a key) and returns only
// the first (head) file seen for each distinct ordering key.
func (q *DiskQueue) headCandidates() ([]string, error) {
	entries, err := os.ReadDir(q.queueDir())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	var heads []string
	for _, name := range names {
		key := name[:strings.Index(name, "__")]
		if seen[key] {
			continue
		}
		seen[key] = true
		heads = append(heads, name)
	}
	return heads, nil
}

func (q *DiskQueue) Dequeue(ctx context.Context) (Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heads, err := q.headCandidates()
	if err != nil {
		return Lease{}, fmt.Errorf("queue.DiskQueue.Dequeue: %w", err)
	}

	now := time.Now().UnixNano()
	for _, name := range heads {
		path := filepath.Join(q.queueDir(), name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec diskRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.VisibleAt > now {
			continue
		}

		token := uuid.New().String()
		rec.ExpiresAt = time.Now().Add(q.visibilityTimeout).UnixNano()
		leasePath := filepath.Join(q.leaseDir(), token+".json")
		if err := writeRecordAtomic(q.leaseDir(), token+".json", rec); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			os.Remove(leasePath)
			continue
		}

		msg := Message{Index: rec.Index, DocumentID: rec.DocumentID, AttemptCount: rec.FailureCount + 1}
		return Lease{Token: token, Message: msg}, nil
	}

	return Lease{}, ErrEmpty
}

func (q *DiskQueue) Ack(ctx context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	path := filepath.Join(q.leaseDir(), token+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue.DiskQueue.Ack: %w", err)
	}
	return nil
}

func (q *DiskQueue) Nack(ctx context.Context, token string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	leasePath := filepath.Join(q.leaseDir(), token+".json")
	data, err := os.ReadFile(leasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("queue.DiskQueue.Nack: %w", err)
	}
	var rec diskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("queue.DiskQueue.Nack: decode: %w", err)
	}

	rec.FailureCount++
	os.Remove(leasePath)

	if rec.FailureCount >= q.maxAttempts {
		return writeRecordAtomic(q.deadDir(), fmt.Sprintf("%s__%s.json", sanitizeKey(rec.OrderingKey), rec.Seq), rec)
	}

	rec.ExpiresAt = 0
	rec.VisibleAt = time.Now().Add(delay).UnixNano()
	return writeRecordAtomic(q.queueDir(), queueFileName(rec), rec)
}

func (q *DiskQueue) DeadLettered(ctx context.Context) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.deadDir())
	if err != nil {
		return nil, fmt.Errorf("queue.DiskQueue.DeadLettered: %w", err)
	}

	var msgs []Message
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.deadDir(), e.Name()))
		if err != nil {
			continue
		}
		var rec diskRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		msgs = append(msgs, Message{Index: rec.Index, DocumentID: rec.DocumentID, AttemptCount: rec.FailureCount})
	}
	return msgs, nil
}
