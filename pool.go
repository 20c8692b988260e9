package knowledge

import (
	"context"
	"sync"
)

// PoolManager keeps one worker per agent and routes their events. Document
// callbacks registered with OnDocument fire exactly once, on the first
// terminal event for that document.
type PoolManager struct {
	service *Service
	events  chan WorkerEvent
	logger  Logger

	mu        sync.Mutex
	workers   map[string]*Worker
	callbacks map[string]func(WorkerEvent)

	// spawn starts a worker loop; tests replace it to run synchronously.
	spawn func(ctx context.Context, w *Worker)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoolManager creates and starts a pool manager over the given service.
func NewPoolManager(service *Service) *PoolManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &PoolManager{
		service:   service,
		events:    make(chan WorkerEvent, 64),
		logger:    service.logger,
		workers:   make(map[string]*Worker),
		callbacks: make(map[string]func(WorkerEvent)),
		spawn: func(ctx context.Context, w *Worker) {
			go w.run(ctx)
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.pump()
	return m
}

// pump routes worker events to registered callbacks and the log.
func (m *PoolManager) pump() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.events:
			m.dispatch(event)
		}
	}
}

func (m *PoolManager) dispatch(event WorkerEvent) {
	switch event.Type {
	case EventWorkerReady:
		m.logger.Info("worker ready", "agentId", event.AgentID)
	case EventWorkerError:
		m.logger.Error("worker error", "agentId", event.AgentID, "error", event.Err)
		m.dropWorker(event)
	case EventPDFDocumentStored:
		m.logger.Info("document memory stored", "agentId", event.AgentID, "documentId", event.DocumentID)
	case EventProcessingError:
		m.logger.Error("document processing failed",
			"agentId", event.AgentID, "documentId", event.DocumentID, "error", event.Err)
	}

	var callback func(WorkerEvent)
	switch event.Type {
	case EventPDFDocumentStored:
		// Non-terminal: the callback sees the stored document but stays
		// registered for the terminal event.
		m.mu.Lock()
		callback = m.callbacks[event.DocumentID]
		m.mu.Unlock()
	case EventKnowledgeAdded, EventProcessingError:
		m.mu.Lock()
		callback = m.callbacks[event.DocumentID]
		delete(m.callbacks, event.DocumentID)
		m.mu.Unlock()
	}
	if callback != nil {
		callback(event)
	}
}

// dropWorker removes a failed worker from the pool and stops it so queued
// work is refused rather than processed against a broken adapter.
func (m *PoolManager) dropWorker(event WorkerEvent) {
	m.mu.Lock()
	current, ok := m.workers[event.AgentID]
	if ok && current == event.from {
		delete(m.workers, event.AgentID)
	} else {
		current = nil
	}
	m.mu.Unlock()
	if current != nil {
		current.stop()
	}
}

// OnDocument registers a callback fired once when the document finishes,
// successfully or not.
func (m *PoolManager) OnDocument(documentID string, fn func(WorkerEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[documentID] = fn
}

// EnsureWorker returns the agent's worker, spawning one on first use.
func (m *PoolManager) EnsureWorker(agentID string) *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[agentID]; ok {
		return w
	}
	return m.spawnLocked(agentID)
}

// RespawnWorker replaces the agent's worker with a fresh one. The newest
// worker is authoritative; the previous one stops after its current message.
func (m *PoolManager) RespawnWorker(agentID string) *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.workers[agentID]; ok {
		old.stop()
	}
	return m.spawnLocked(agentID)
}

func (m *PoolManager) spawnLocked(agentID string) *Worker {
	w := newWorker(agentID, m.service, m.events, m.service.batchSize())
	m.workers[agentID] = w
	m.spawn(m.ctx, w)
	if err := w.Send(WorkerMessage{Type: MessageInitAdapter}); err != nil {
		m.logger.Error("failed to queue worker init", "agentId", agentID, "error", err)
	}
	return w
}

// ProcessDocument queues a document on the agent's worker. When callback is
// non-nil it fires once with the terminal event; this requires DocumentID to
// be set on the request, since callbacks are keyed by it.
func (m *PoolManager) ProcessDocument(agentID string, req AddKnowledgeRequest, callback func(WorkerEvent)) error {
	return m.submit(agentID, MessageProcessDocument, req, callback)
}

// ProcessPDF queues a PDF; a PDF_MAIN_DOCUMENT_STORED event precedes
// fragment processing.
func (m *PoolManager) ProcessPDF(agentID string, req AddKnowledgeRequest, callback func(WorkerEvent)) error {
	return m.submit(agentID, MessageProcessPDF, req, callback)
}

func (m *PoolManager) submit(agentID string, msgType MessageType, req AddKnowledgeRequest, callback func(WorkerEvent)) error {
	if callback != nil && req.DocumentID != "" {
		m.OnDocument(req.DocumentID, callback)
	}
	w := m.EnsureWorker(agentID)
	return w.Send(WorkerMessage{Type: msgType, Request: req})
}

// Close stops all workers and the event pump.
func (m *PoolManager) Close() {
	m.mu.Lock()
	for _, w := range m.workers {
		w.stop()
	}
	m.mu.Unlock()
	m.cancel()
	<-m.done
}
