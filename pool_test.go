package knowledge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpark/knowledge/store"
)

func newTestPool(t *testing.T) *PoolManager {
	svc, _ := newTestService(t, false)
	m := NewPoolManager(svc)
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPoolProcessDocumentCallback(t *testing.T) {
	m := newTestPool(t)

	var got atomic.Value
	err := m.ProcessDocument("agent-p", AddKnowledgeRequest{
		DocumentID:  "doc-p",
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Content:     "Pool-managed ingestion content.",
	}, func(e WorkerEvent) {
		got.Store(e)
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return got.Load() != nil }, "callback never fired")
	e := got.Load().(WorkerEvent)
	assert.Equal(t, EventKnowledgeAdded, e.Type)
	assert.Equal(t, "doc-p", e.DocumentID)
	require.NotNil(t, e.Result)
	assert.Greater(t, e.Result.Fragments, 0)
}

func TestPoolCallbackFiredOnError(t *testing.T) {
	m := newTestPool(t)

	var got atomic.Value
	err := m.ProcessDocument("agent-p", AddKnowledgeRequest{
		DocumentID:  "doc-err",
		Filename:    "empty.txt",
		ContentType: "text/plain",
		Content:     " ",
	}, func(e WorkerEvent) {
		got.Store(e)
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return got.Load() != nil }, "callback never fired")
	e := got.Load().(WorkerEvent)
	assert.Equal(t, EventProcessingError, e.Type)
	assert.ErrorIs(t, e.Err, ErrNoTextExtracted)
}

func TestPoolCallbackFiresExactlyOnce(t *testing.T) {
	m := newTestPool(t)

	var calls atomic.Int64
	m.OnDocument("doc-twice", func(WorkerEvent) { calls.Add(1) })

	w := m.EnsureWorker("agent-p")
	req := AddKnowledgeRequest{
		DocumentID:  "doc-twice",
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Content:     "Content ingested twice; second run skips.",
	}
	require.NoError(t, w.Send(WorkerMessage{Type: MessageProcessDocument, Request: req}))
	require.NoError(t, w.Send(WorkerMessage{Type: MessageProcessDocument, Request: req}))

	waitFor(t, func() bool { return calls.Load() >= 1 }, "callback never fired")
	// Give the second terminal event time to be routed; the callback must
	// not fire again.
	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPoolPDFCallbackSequence(t *testing.T) {
	m := newTestPool(t)

	var mu sync.Mutex
	var events []EventType
	err := m.ProcessPDF("agent-p", AddKnowledgeRequest{
		DocumentID:  "doc-pdf-seq",
		Filename:    "scan.txt",
		ContentType: "text/plain",
		Content:     "Scanned text that becomes fragments after the document lands.",
	}, func(e WorkerEvent) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})
	require.NoError(t, err)

	// The callback sees the stored document first and the terminal event
	// second; nothing fires after that.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, "callback did not observe both events")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventPDFDocumentStored, EventKnowledgeAdded}, events)
}

// brokenDimStore refuses dimension bootstrap, failing worker init.
type brokenDimStore struct {
	store.MemoryStore
}

func (b *brokenDimStore) EnsureEmbeddingDimension(ctx context.Context, dimension int) error {
	return errors.New("adapter init failed")
}

func TestPoolWorkerErrorDropsWorker(t *testing.T) {
	inner, err := store.NewChromemStore("")
	require.NoError(t, err)
	svc, _ := newTestServiceWith(t, false, WithStore(&brokenDimStore{MemoryStore: inner}))
	m := NewPoolManager(svc)
	t.Cleanup(m.Close)

	w := m.EnsureWorker("agent-x")
	waitFor(t, func() bool {
		m.mu.Lock()
		_, ok := m.workers["agent-x"]
		m.mu.Unlock()
		return !ok
	}, "errored worker never left the pool")

	// The dropped worker refuses queued work instead of processing it.
	waitFor(t, func() bool {
		return w.Send(WorkerMessage{Type: MessageProcessDocument}) != nil
	}, "dropped worker kept accepting work")
}

func TestPoolEnsureWorkerReuses(t *testing.T) {
	m := newTestPool(t)

	w1 := m.EnsureWorker("agent-p")
	w2 := m.EnsureWorker("agent-p")
	assert.Same(t, w1, w2)

	other := m.EnsureWorker("agent-q")
	assert.NotSame(t, w1, other)
}

func TestPoolRespawnReplacesWorker(t *testing.T) {
	m := newTestPool(t)

	w1 := m.EnsureWorker("agent-p")
	w2 := m.RespawnWorker("agent-p")
	assert.NotSame(t, w1, w2)

	// The newest worker is the one the pool routes to now.
	assert.Same(t, w2, m.EnsureWorker("agent-p"))

	// The replaced worker refuses new work once drained.
	waitFor(t, func() bool {
		return w1.Send(WorkerMessage{Type: MessageProcessDocument}) != nil
	}, "old worker never stopped")
}
