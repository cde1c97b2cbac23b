package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RequestContext carries one inbound request to an Executor.
type RequestContext struct {
	TaskID    string
	ContextID string
	Message   Message
}

// Text returns the inbound message text.
func (rc *RequestContext) Text() string { return rc.Message.Text() }

// Executor handles one inbound task and reports progress through the queue.
// Implementations must close the exchange with a final event.
type Executor interface {
	Execute(ctx context.Context, rc *RequestContext, q *EventQueue) error
}

// EventQueue carries events from an Executor to the transport.
type EventQueue struct {
	ch        chan Event
	closeOnce sync.Once
}

// NewEventQueue creates a queue with a small buffer so executors are not
// blocked by slow consumers on every event.
func NewEventQueue() *EventQueue {
	return &EventQueue{ch: make(chan Event, 16)}
}

// Write enqueues an event, honoring ctx cancellation.
func (q *EventQueue) Write(ctx context.Context, ev Event) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue event: %w", ctx.Err())
	}
}

// Close ends the stream. Safe to call more than once.
func (q *EventQueue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Events exposes the consumer side of the queue.
func (q *EventQueue) Events() <-chan Event { return q.ch }

// WorkingEvent reports task progress with an optional carrier message.
func WorkingEvent(taskID, contextID, text string) Event {
	st := &TaskStatus{State: StateWorking, Timestamp: time.Now().UTC()}
	if text != "" {
		msg := NewAgentMessage(text, contextID)
		st.Message = &msg
	}
	return Event{Kind: KindStatusUpdate, TaskID: taskID, ContextID: contextID, Status: st}
}

// CompletedEvent marks the task finished.
func CompletedEvent(taskID, contextID, text string) Event {
	st := &TaskStatus{State: StateCompleted, Timestamp: time.Now().UTC()}
	if text != "" {
		msg := NewAgentMessage(text, contextID)
		st.Message = &msg
	}
	return Event{Kind: KindStatusUpdate, TaskID: taskID, ContextID: contextID, Status: st, Final: true}
}

// FailedEvent marks the task failed with a reason.
func FailedEvent(taskID, contextID, reason string) Event {
	msg := NewAgentMessage(reason, contextID)
	st := &TaskStatus{State: StateFailed, Message: &msg, Timestamp: time.Now().UTC()}
	return Event{Kind: KindStatusUpdate, TaskID: taskID, ContextID: contextID, Status: st, Final: true}
}

// ArtifactEvent delivers a result artifact.
func ArtifactEvent(taskID, contextID string, artifact Artifact) Event {
	return Event{Kind: KindArtifactUpdate, TaskID: taskID, ContextID: contextID, Artifact: &artifact}
}

// NewArtifact builds a named artifact from parts.
func NewArtifact(name string, parts ...Part) Artifact {
	return Artifact{ArtifactID: uuid.NewString(), Name: name, Parts: parts}
}

// Server exposes an Executor over the protocol: JSON-RPC message/send and
// message/stream on POST /, the agent card on its well-known path.
type Server struct {
	card AgentCard
	exec Executor
	mux  *http.ServeMux
}

// NewServer creates a protocol server around exec.
func NewServer(card AgentCard, exec Executor) *Server {
	s := &Server{card: card, exec: exec, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /.well-known/agent-card.json", s.handleCard)
	s.mux.HandleFunc("POST /", s.handleRPC)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleCard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.card); err != nil {
		log.Error().Err(err).Msg("write agent card")
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, codeParseError, "invalid json")
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPCError(w, req.ID, codeInvalidRequest, "unsupported jsonrpc version")
		return
	}

	var params SendParams
	switch req.Method {
	case MethodSend, MethodStream:
		if err := json.Unmarshal(req.Params, &params); err != nil || len(params.Message.Parts) == 0 {
			writeRPCError(w, req.ID, codeInvalidParams, "message with parts required")
			return
		}
	default:
		writeRPCError(w, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
		return
	}

	rc := &RequestContext{
		TaskID:    uuid.NewString(),
		ContextID: params.Message.ContextID,
		Message:   params.Message,
	}
	if rc.ContextID == "" {
		rc.ContextID = uuid.NewString()
	}
	log.Info().
		Str("method", req.Method).
		Str("task_id", rc.TaskID).
		Str("context_id", rc.ContextID).
		Msg("inbound task")

	if req.Method == MethodStream {
		s.stream(w, r, req.ID, rc)
		return
	}
	s.sendBlocking(w, r, req.ID, rc)
}

// stream runs the executor and relays its events as SSE frames.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, id any, rc *RequestContext) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeRPCError(w, id, codeInternalError, err.Error())
		return
	}

	q := NewEventQueue()
	done := make(chan error, 1)
	go func() {
		defer q.Close()
		done <- s.exec.Execute(r.Context(), rc, q)
	}()

	for ev := range q.Events() {
		if err := sse.send(rpcResponse{JSONRPC: "2.0", ID: id, Result: mustMarshal(ev)}); err != nil {
			log.Warn().Err(err).Str("task_id", rc.TaskID).Msg("client went away mid-stream")
			<-done
			return
		}
	}
	if err := <-done; err != nil {
		log.Error().Err(err).Str("task_id", rc.TaskID).Msg("executor failed")
		fail := FailedEvent(rc.TaskID, rc.ContextID, err.Error())
		_ = sse.send(rpcResponse{JSONRPC: "2.0", ID: id, Result: mustMarshal(fail)})
	}
}

// sendBlocking runs the executor to completion and responds with the
// assembled task.
func (s *Server) sendBlocking(w http.ResponseWriter, r *http.Request, id any, rc *RequestContext) {
	q := NewEventQueue()
	done := make(chan error, 1)
	go func() {
		defer q.Close()
		done <- s.exec.Execute(r.Context(), rc, q)
	}()

	task := Task{
		ID:        rc.TaskID,
		ContextID: rc.ContextID,
		Status:    TaskStatus{State: StateSubmitted, Timestamp: time.Now().UTC()},
		History:   []Message{rc.Message},
	}
	for ev := range q.Events() {
		switch ev.Kind {
		case KindStatusUpdate:
			if ev.Status != nil {
				task.Status = *ev.Status
			}
		case KindArtifactUpdate:
			if ev.Artifact != nil {
				task.Artifacts = append(task.Artifacts, *ev.Artifact)
			}
		case KindMessage:
			if ev.Message != nil {
				task.History = append(task.History, *ev.Message)
			}
		}
	}
	if err := <-done; err != nil {
		log.Error().Err(err).Str("task_id", rc.TaskID).Msg("executor failed")
		msg := NewAgentMessage(err.Error(), rc.ContextID)
		task.Status = TaskStatus{State: StateFailed, Message: &msg, Timestamp: time.Now().UTC()}
	}

	ev := Event{Kind: KindTask, TaskID: task.ID, ContextID: task.ContextID, Task: &task, Final: true}
	writeRPCResult(w, id, ev)
}

func writeRPCResult(w http.ResponseWriter, id any, result any) {
	w.Header().Set("Content-Type", "application/json")
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Result: mustMarshal(result)}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("write rpc response")
	}
}

func writeRPCError(w http.ResponseWriter, id any, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("write rpc error")
	}
}
