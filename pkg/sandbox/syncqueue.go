package sandbox

import (
	"context"
	"log/slog"
	"sync"
)

// FileKind tags what a generated file is, for callers that route files
// differently. The sync protocol itself only cares about path/content.
type FileKind int

const (
	KindSource FileKind = iota
	KindConfig
	KindAsset
)

// SyncFile is one generated file headed for the sandbox filesystem.
type SyncFile struct {
	Path    string   `json:"path"`
	Content string   `json:"content"`
	Kind    FileKind `json:"-"`
}

// SyncResult summarizes one complete drain of the queue.
type SyncResult struct {
	SyncedPaths []string
	FailedPaths []string
}

// BatchWriter pushes one batch of files into a sandbox. *Client
// implements it via WriteFiles.
type BatchWriter interface {
	WriteFiles(ctx context.Context, sandboxID string, files []SyncFile) error
}

// SyncQueueOptions configure a queue.
type SyncQueueOptions struct {
	// BatchSize caps files per network call. Defaults to 10.
	BatchSize int
	// OnDrained is invoked once per drain, after the queue empties.
	OnDrained func(SyncResult)
}

// SyncQueue batches and retries pushing generated files into an active
// sandbox, decoupled from generation speed. At most one drain runs at a
// time; Enqueue during a drain appends instead of starting a second one.
type SyncQueue struct {
	writer    BatchWriter
	sandboxID string
	batchSize int
	onDrained func(SyncResult)

	mu        sync.Mutex
	pending   []SyncFile
	draining  bool
	drainDone chan struct{}
	synced    []string
	failed    []string
}

// NewSyncQueue constructs a queue bound to one sandbox.
func NewSyncQueue(writer BatchWriter, sandboxID string, opts *SyncQueueOptions) *SyncQueue {
	if opts == nil {
		opts = &SyncQueueOptions{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	return &SyncQueue{
		writer:    writer,
		sandboxID: sandboxID,
		batchSize: opts.BatchSize,
		onDrained: opts.OnDrained,
	}
}

// Enqueue appends files and starts a drain if none is in progress.
func (q *SyncQueue) Enqueue(ctx context.Context, files ...SyncFile) {
	if len(files) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, files...)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.drainDone = make(chan struct{})
	q.mu.Unlock()

	go q.drain(ctx)
}

// Pending returns the number of files not yet attempted.
func (q *SyncQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until every enqueued file has been attempted and the
// active drain, including its OnDrained callback, has finished. The
// context bounds the wait.
func (q *SyncQueue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.draining && len(q.pending) == 0 {
			q.mu.Unlock()
			return nil
		}
		done := q.drainDone
		q.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *SyncQueue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			result := SyncResult{SyncedPaths: q.synced, FailedPaths: q.failed}
			q.synced = nil
			q.failed = nil
			q.draining = false
			done := q.drainDone
			q.mu.Unlock()

			if q.onDrained != nil {
				q.onDrained(result)
			}
			close(done)
			return
		}

		n := min(q.batchSize, len(q.pending))
		batch := append([]SyncFile(nil), q.pending[:n]...)
		q.pending = q.pending[n:]
		q.mu.Unlock()

		err := q.writer.WriteFiles(ctx, q.sandboxID, batch)

		q.mu.Lock()
		for _, f := range batch {
			if err != nil {
				q.failed = append(q.failed, f.Path)
			} else {
				q.synced = append(q.synced, f.Path)
			}
		}
		q.mu.Unlock()

		if err != nil {
			// Only this batch is marked failed; draining continues.
			slog.WarnContext(ctx, "file batch sync failed",
				slog.String("sandbox_id", q.sandboxID),
				slog.Int("batch_size", len(batch)),
				slog.Any("error", err))
		}
	}
}
