// Package a2a implements the agent-to-agent message protocol used between the
// harness and the agents under test: JSON-RPC over HTTP for requests, SSE for
// streamed task updates, and the agent card discovery document.
package a2a

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a remote task.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input-required"
	StateCompleted     TaskState = "completed"
	StateFailed        TaskState = "failed"
	StateCanceled      TaskState = "canceled"
	StateRejected      TaskState = "rejected"
)

// Final reports whether the state ends the task.
func (s TaskState) Final() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateRejected:
		return true
	}
	return false
}

// Part is one segment of a message or artifact. Kind is "text" for plain text
// and "data" for structured payloads.
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// NewTextPart wraps text in a Part.
func NewTextPart(text string) Part { return Part{Kind: "text", Text: text} }

// NewDataPart wraps a structured payload in a Part.
func NewDataPart(data map[string]any) Part { return Part{Kind: "data", Data: data} }

// Message is one protocol message in a conversation.
type Message struct {
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}

// NewUserMessage builds a user-role text message bound to contextID. An empty
// contextID starts a new conversation.
func NewUserMessage(text, contextID string) Message {
	return Message{
		MessageID: uuid.NewString(),
		Role:      "user",
		Parts:     []Part{NewTextPart(text)},
		ContextID: contextID,
	}
}

// NewAgentMessage builds an agent-role text message.
func NewAgentMessage(text, contextID string) Message {
	return Message{
		MessageID: uuid.NewString(),
		Role:      "agent",
		Parts:     []Part{NewTextPart(text)},
		ContextID: contextID,
	}
}

// Text joins the message's text parts.
func (m Message) Text() string {
	var parts []string
	for _, p := range m.Parts {
		if p.Kind == "text" && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// TaskStatus is a point-in-time task state with an optional carrier message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a named result produced by a task.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Text joins the artifact's text parts.
func (a Artifact) Text() string {
	var parts []string
	for _, p := range a.Parts {
		if p.Kind == "text" && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Task is the server-side view of one request's lifecycle.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	History   []Message  `json:"history,omitempty"`
}

// Event kinds carried on the stream.
const (
	KindTask           = "task"
	KindMessage        = "message"
	KindStatusUpdate   = "status-update"
	KindArtifactUpdate = "artifact-update"
)

// Event is one streamed update. Exactly one of Task, Message, Status or
// Artifact is set depending on Kind. Final marks the last event of a stream.
type Event struct {
	Kind      string      `json:"kind"`
	TaskID    string      `json:"taskId,omitempty"`
	ContextID string      `json:"contextId,omitempty"`
	Task      *Task       `json:"task,omitempty"`
	Message   *Message    `json:"message,omitempty"`
	Status    *TaskStatus `json:"status,omitempty"`
	Artifact  *Artifact   `json:"artifact,omitempty"`
	Final     bool        `json:"final,omitempty"`
}

// AgentCard is the discovery document served at /.well-known/agent-card.json.
type AgentCard struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	URL          string       `json:"url"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
	Skills       []Skill      `json:"skills,omitempty"`
}

// Capabilities advertises optional protocol features.
type Capabilities struct {
	Streaming bool `json:"streaming"`
}

// Skill advertises one thing the agent can do.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// SendParams is the payload of message/send and message/stream.
type SendParams struct {
	Message Message `json:"message"`
}

const (
	// MethodSend requests a single blocking exchange.
	MethodSend = "message/send"
	// MethodStream requests a streamed exchange over SSE.
	MethodStream = "message/stream"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)
