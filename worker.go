package knowledge

import (
	"context"
	"fmt"
	"sync"
)

// Message types understood by a worker.
type MessageType string

const (
	// MessageInitAdapter bootstraps the store: probes the embedding
	// dimension and prepares the backend for it.
	MessageInitAdapter MessageType = "INIT_DB_ADAPTER"
	// MessageProcessDocument ingests one document end to end.
	MessageProcessDocument MessageType = "PROCESS_DOCUMENT"
	// MessageProcessPDF ingests a PDF, announcing the stored document
	// memory before fragment processing begins.
	MessageProcessPDF MessageType = "PROCESS_PDF_THEN_FRAGMENTS"
)

// Event types emitted by workers.
type EventType string

const (
	EventWorkerReady       EventType = "WORKER_READY"
	EventWorkerError       EventType = "WORKER_ERROR"
	EventPDFDocumentStored EventType = "PDF_MAIN_DOCUMENT_STORED"
	EventKnowledgeAdded    EventType = "KNOWLEDGE_ADDED"
	EventProcessingError   EventType = "PROCESSING_ERROR"
)

// dimensionProbe is embedded once at startup to discover the width the
// active embedding model actually produces.
const dimensionProbe = "dimension_check_string"

// WorkerMessage is one unit of work sent to an agent's worker.
type WorkerMessage struct {
	Type    MessageType
	Request AddKnowledgeRequest
}

// WorkerEvent reports worker progress and outcomes.
type WorkerEvent struct {
	Type       EventType
	AgentID    string
	DocumentID string
	Result     *AddKnowledgeResult
	Err        error

	// from identifies the emitting worker so the pool only drops the
	// worker that actually failed.
	from *Worker
}

// Worker processes one agent's documents sequentially off its inbox. All
// workers share the service and therefore its rate limiter.
type Worker struct {
	agentID  string
	service  *Service
	inbox    chan WorkerMessage
	events   chan<- WorkerEvent
	quit     chan struct{}
	stopOnce sync.Once
	logger   Logger
}

func newWorker(agentID string, service *Service, events chan<- WorkerEvent, queueSize int) *Worker {
	if queueSize < 1 {
		queueSize = 16
	}
	return &Worker{
		agentID: agentID,
		service: service,
		inbox:   make(chan WorkerMessage, queueSize),
		events:  events,
		quit:    make(chan struct{}),
		logger:  service.logger,
	}
}

// Send queues a message for the worker. It fails when the worker has been
// stopped rather than blocking forever.
func (w *Worker) Send(msg WorkerMessage) error {
	select {
	case <-w.quit:
		return fmt.Errorf("worker for agent %s is stopped", w.agentID)
	default:
	}
	select {
	case <-w.quit:
		return fmt.Errorf("worker for agent %s is stopped", w.agentID)
	case w.inbox <- msg:
		return nil
	}
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case msg := <-w.inbox:
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg WorkerMessage) {
	switch msg.Type {
	case MessageInitAdapter:
		w.initAdapter(ctx)
	case MessageProcessDocument:
		w.process(ctx, msg.Request, false)
	case MessageProcessPDF:
		w.process(ctx, msg.Request, true)
	default:
		w.emit(WorkerEvent{
			Type:    EventWorkerError,
			AgentID: w.agentID,
			Err:     fmt.Errorf("unknown message type %q", msg.Type),
		})
	}
}

// initAdapter discovers the embedding dimension by embedding a probe string,
// then prepares the store for vectors of that width.
func (w *Worker) initAdapter(ctx context.Context) {
	dimension, err := w.service.ProbeEmbeddingDimension(ctx)
	if err != nil {
		w.emit(WorkerEvent{Type: EventWorkerError, AgentID: w.agentID, Err: err})
		return
	}
	if err := w.service.store.EnsureEmbeddingDimension(ctx, dimension); err != nil {
		w.emit(WorkerEvent{Type: EventWorkerError, AgentID: w.agentID, Err: err})
		return
	}
	w.logger.Info("worker ready", "agentId", w.agentID, "dimension", dimension)
	w.emit(WorkerEvent{Type: EventWorkerReady, AgentID: w.agentID})
}

func (w *Worker) process(ctx context.Context, req AddKnowledgeRequest, announceDocument bool) {
	if req.Scope == "" {
		req.Scope = w.agentID
	}
	if announceDocument {
		req.OnDocumentStored = func(documentID string) {
			w.emit(WorkerEvent{
				Type:       EventPDFDocumentStored,
				AgentID:    w.agentID,
				DocumentID: documentID,
			})
		}
	}

	result, err := w.service.AddKnowledge(ctx, req)
	if err != nil {
		w.emit(WorkerEvent{
			Type:       EventProcessingError,
			AgentID:    w.agentID,
			DocumentID: req.DocumentID,
			Err:        err,
		})
		return
	}
	w.emit(WorkerEvent{
		Type:       EventKnowledgeAdded,
		AgentID:    w.agentID,
		DocumentID: result.DocumentID,
		Result:     result,
	})
}

func (w *Worker) emit(event WorkerEvent) {
	event.from = w
	w.events <- event
}

// ProbeEmbeddingDimension embeds a fixed probe string and returns the width
// of the resulting vector.
func (s *Service) ProbeEmbeddingDimension(ctx context.Context) (int, error) {
	embedding, err := s.embedText(ctx, dimensionProbe)
	if err != nil {
		return 0, fmt.Errorf("failed to probe embedding dimension: %w", err)
	}
	if len(embedding) == 0 {
		return 0, fmt.Errorf("embedding probe returned an empty vector")
	}
	return len(embedding), nil
}
