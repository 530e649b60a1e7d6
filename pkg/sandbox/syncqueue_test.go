package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter records batches and can fail selected ones.
type fakeWriter struct {
	mu      sync.Mutex
	batches [][]SyncFile
	failOn  func(batch []SyncFile) error

	inFlight    int
	maxInFlight int
}

func (w *fakeWriter) WriteFiles(ctx context.Context, sandboxID string, files []SyncFile) error {
	w.mu.Lock()
	w.inFlight++
	if w.inFlight > w.maxInFlight {
		w.maxInFlight = w.inFlight
	}
	w.batches = append(w.batches, append([]SyncFile(nil), files...))
	fail := w.failOn
	w.mu.Unlock()

	// Give a concurrent drain, if one were ever started, time to overlap.
	time.Sleep(5 * time.Millisecond)

	var err error
	if fail != nil {
		err = fail(files)
	}

	w.mu.Lock()
	w.inFlight--
	w.mu.Unlock()
	return err
}

func (w *fakeWriter) snapshot() [][]SyncFile {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]SyncFile(nil), w.batches...)
}

func files(paths ...string) []SyncFile {
	fs := make([]SyncFile, len(paths))
	for i, p := range paths {
		fs[i] = SyncFile{Path: p, Content: "content of " + p, Kind: KindSource}
	}
	return fs
}

func waitDrained(t *testing.T, ch <-chan SyncResult) SyncResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("queue never drained")
		return SyncResult{}
	}
}

func TestSyncQueueDrainsInOrder(t *testing.T) {
	w := &fakeWriter{}
	drained := make(chan SyncResult, 1)
	q := NewSyncQueue(w, "sbx-1", &SyncQueueOptions{
		BatchSize: 2,
		OnDrained: func(r SyncResult) { drained <- r },
	})

	q.Enqueue(context.Background(), files("a.tsx", "b.tsx", "c.tsx")...)
	r := waitDrained(t, drained)

	assert.Equal(t, []string{"a.tsx", "b.tsx", "c.tsx"}, r.SyncedPaths)
	assert.Empty(t, r.FailedPaths)
	assert.Equal(t, 0, q.Pending())

	batches := w.snapshot()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
}

func TestSyncQueueBatchSizeCap(t *testing.T) {
	w := &fakeWriter{}
	drained := make(chan SyncResult, 1)
	q := NewSyncQueue(w, "sbx-1", &SyncQueueOptions{
		OnDrained: func(r SyncResult) { drained <- r },
	})

	var many []string
	for i := 0; i < 25; i++ {
		many = append(many, string(rune('a'+i))+".tsx")
	}
	q.Enqueue(context.Background(), files(many...)...)
	r := waitDrained(t, drained)

	assert.Len(t, r.SyncedPaths, 25)
	for _, b := range w.snapshot() {
		assert.LessOrEqual(t, len(b), 10)
	}
}

func TestSyncQueueFailedBatchDoesNotStopDrain(t *testing.T) {
	w := &fakeWriter{
		failOn: func(batch []SyncFile) error {
			if batch[0].Path == "b.tsx" {
				return errors.New("write refused")
			}
			return nil
		},
	}
	drained := make(chan SyncResult, 1)
	q := NewSyncQueue(w, "sbx-1", &SyncQueueOptions{
		BatchSize: 1,
		OnDrained: func(r SyncResult) { drained <- r },
	})

	q.Enqueue(context.Background(), files("a.tsx", "b.tsx", "c.tsx")...)
	r := waitDrained(t, drained)

	assert.Equal(t, []string{"a.tsx", "c.tsx"}, r.SyncedPaths)
	assert.Equal(t, []string{"b.tsx"}, r.FailedPaths)
}

func TestSyncQueueSingleDrainAtATime(t *testing.T) {
	w := &fakeWriter{}
	drained := make(chan SyncResult, 3)
	q := NewSyncQueue(w, "sbx-1", &SyncQueueOptions{
		BatchSize: 1,
		OnDrained: func(r SyncResult) { drained <- r },
	})

	ctx := context.Background()
	q.Enqueue(ctx, files("a.tsx")...)
	// These land while the first drain is mid-batch and must be absorbed
	// by it rather than starting a second one.
	q.Enqueue(ctx, files("b.tsx")...)
	q.Enqueue(ctx, files("c.tsx")...)

	var synced []string
	for len(synced) < 3 {
		synced = append(synced, waitDrained(t, drained).SyncedPaths...)
	}
	assert.ElementsMatch(t, []string{"a.tsx", "b.tsx", "c.tsx"}, synced)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, 1, w.maxInFlight, "writer calls never overlap")
}

func TestSyncQueueEmptyEnqueueIsNoOp(t *testing.T) {
	w := &fakeWriter{}
	q := NewSyncQueue(w, "sbx-1", &SyncQueueOptions{
		OnDrained: func(SyncResult) { t.Error("drain ran for an empty enqueue") },
	})
	q.Enqueue(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, w.snapshot())
	assert.Equal(t, 0, q.Pending())
}

func TestSyncQueueWaitBlocksUntilDrained(t *testing.T) {
	var drains int
	w := &fakeWriter{}
	q := NewSyncQueue(w, "sbx-1", &SyncQueueOptions{
		BatchSize: 1,
		OnDrained: func(SyncResult) { drains++ },
	})

	// Files landing just before a caller decides to exit must not be
	// dropped: Wait returns only after they are attempted.
	q.Enqueue(context.Background(), files("a.tsx", "b.tsx", "c.tsx")...)
	require.NoError(t, q.Wait(context.Background()))

	assert.Equal(t, 0, q.Pending())
	assert.Len(t, w.snapshot(), 3)
	assert.Equal(t, 1, drains, "OnDrained has fired by the time Wait returns")
}

func TestSyncQueueWaitOnIdleQueueReturnsImmediately(t *testing.T) {
	q := NewSyncQueue(&fakeWriter{}, "sbx-1", nil)
	require.NoError(t, q.Wait(context.Background()))
}

func TestSyncQueueWaitHonorsContext(t *testing.T) {
	block := make(chan struct{})
	w := &fakeWriter{
		failOn: func([]SyncFile) error {
			<-block
			return nil
		},
	}
	q := NewSyncQueue(w, "sbx-1", nil)
	q.Enqueue(context.Background(), files("a.tsx")...)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)
	close(block)
}

func TestSyncQueueReusableAfterDrain(t *testing.T) {
	w := &fakeWriter{}
	drained := make(chan SyncResult, 2)
	q := NewSyncQueue(w, "sbx-1", &SyncQueueOptions{
		OnDrained: func(r SyncResult) { drained <- r },
	})

	q.Enqueue(context.Background(), files("a.tsx")...)
	first := waitDrained(t, drained)
	assert.Equal(t, []string{"a.tsx"}, first.SyncedPaths)

	q.Enqueue(context.Background(), files("b.tsx")...)
	second := waitDrained(t, drained)
	assert.Equal(t, []string{"b.tsx"}, second.SyncedPaths, "results do not leak across drains")
}
