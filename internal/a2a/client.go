package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrRoundLimit is returned when a conversation exceeds its round budget.
var ErrRoundLimit = errors.New("conversation round limit exceeded")

// ErrAgentFailed is returned when the remote agent reports a terminal failure.
var ErrAgentFailed = errors.New("agent task failed")

// StatusFunc observes intermediate task status updates during an exchange.
type StatusFunc func(state TaskState, text string)

// Reply is the final result of one exchange round.
type Reply struct {
	// Text is the agent's final answer text, assembled from the terminal
	// message, status message and text artifacts.
	Text string
	// Data holds structured artifact payloads, e.g. the agent's trajectory.
	Data      []map[string]any
	TaskID    string
	ContextID string
}

// Messenger sends messages to remote agents and consumes their streamed
// updates. It carries the transport and the exchange limits; dialogue state
// lives in the Conversation handles it hands out. Safe for concurrent use.
type Messenger struct {
	hc        *http.Client
	maxRounds int
	timeout   time.Duration
}

// MessengerOption configures a Messenger.
type MessengerOption func(*Messenger)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) MessengerOption {
	return func(m *Messenger) { m.hc = hc }
}

// WithMaxRounds caps the number of exchanges per conversation.
// Zero means no cap.
func WithMaxRounds(n int) MessengerOption {
	return func(m *Messenger) { m.maxRounds = n }
}

// WithTimeout bounds the wall-clock duration of a single exchange.
func WithTimeout(d time.Duration) MessengerOption {
	return func(m *Messenger) { m.timeout = d }
}

// NewMessenger creates a Messenger.
func NewMessenger(opts ...MessengerOption) *Messenger {
	m := &Messenger{hc: &http.Client{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Conversation opens a fresh dialogue with the agent at agentURL. The handle
// starts with no context id and a zeroed round counter.
func (m *Messenger) Conversation(agentURL string) *Conversation {
	return &Conversation{m: m, agentURL: agentURL}
}

// Conversation is one dialogue with an agent. Each handle keeps its own
// context id and round budget, so concurrent conversations with the same
// agent never share state.
type Conversation struct {
	m        *Messenger
	agentURL string

	mu        sync.Mutex
	contextID string
	rounds    int
}

// ContextID returns the agent-assigned conversation id, empty before the
// first reply.
func (c *Conversation) ContextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contextID
}

// Send delivers text to the agent and waits for the exchange to finish.
// Intermediate status updates are forwarded to status when non-nil. Send
// returns ErrRoundLimit once the conversation's round budget is spent.
func (c *Conversation) Send(ctx context.Context, text string, status StatusFunc) (Reply, error) {
	c.mu.Lock()
	contextID := c.contextID
	c.rounds++
	round := c.rounds
	c.mu.Unlock()

	if c.m.maxRounds > 0 && round > c.m.maxRounds {
		return Reply{}, fmt.Errorf("round %d against %s: %w", round, c.agentURL, ErrRoundLimit)
	}

	if c.m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.m.timeout)
		defer cancel()
	}

	msg := NewUserMessage(text, contextID)
	log.Debug().
		Str("agent_url", c.agentURL).
		Str("context_id", contextID).
		Int("round", round).
		Int("chars", len(text)).
		Msg("sending message")

	reply, err := c.m.exchange(ctx, c.agentURL, msg, status)
	if err != nil {
		return Reply{}, err
	}

	if reply.ContextID != "" {
		c.mu.Lock()
		c.contextID = reply.ContextID
		c.mu.Unlock()
	}

	log.Debug().
		Str("agent_url", c.agentURL).
		Str("task_id", reply.TaskID).
		Int("chars", len(reply.Text)).
		Msg("received reply")
	return reply, nil
}

func (m *Messenger) exchange(ctx context.Context, agentURL string, msg Message, status StatusFunc) (Reply, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  MethodStream,
		Params:  mustMarshal(SendParams{Message: msg}),
	})
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := m.hc.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("send to %s: %w", agentURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Reply{}, fmt.Errorf("send to %s: unexpected status %s", agentURL, resp.Status)
	}

	collector := &replyCollector{status: status}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		err = readSSE(resp.Body, func(data []byte) error {
			return collector.consume(data)
		})
	} else {
		var single rpcResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&single); decErr != nil {
			return Reply{}, fmt.Errorf("decode response: %w", decErr)
		}
		err = collector.consumeResponse(single)
	}
	if err != nil {
		return Reply{}, err
	}
	return collector.reply(), nil
}

// replyCollector folds streamed events into a final Reply.
type replyCollector struct {
	status StatusFunc

	taskID     string
	contextID  string
	finalText  []string
	artifacts  []string
	data       []map[string]any
	failDetail string
	failed     bool
}

func (c *replyCollector) consume(data []byte) error {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode stream frame: %w", err)
	}
	return c.consumeResponse(resp)
}

func (c *replyCollector) consumeResponse(resp rpcResponse) error {
	if resp.Error != nil {
		return fmt.Errorf("agent error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var ev Event
	if err := json.Unmarshal(resp.Result, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	c.apply(ev)
	if c.failed {
		return fmt.Errorf("%w: %s", ErrAgentFailed, c.failDetail)
	}
	return nil
}

func (c *replyCollector) apply(ev Event) {
	if ev.TaskID != "" {
		c.taskID = ev.TaskID
	}
	if ev.ContextID != "" {
		c.contextID = ev.ContextID
	}
	switch ev.Kind {
	case KindStatusUpdate:
		if ev.Status == nil {
			return
		}
		text := ""
		if ev.Status.Message != nil {
			text = ev.Status.Message.Text()
		}
		switch {
		case ev.Status.State == StateFailed, ev.Status.State == StateRejected:
			c.failed = true
			c.failDetail = text
			if c.failDetail == "" {
				c.failDetail = string(ev.Status.State)
			}
		case ev.Status.State.Final():
			if text != "" {
				c.finalText = append(c.finalText, text)
			}
		default:
			if c.status != nil {
				c.status(ev.Status.State, text)
			}
		}
	case KindArtifactUpdate:
		if ev.Artifact == nil {
			return
		}
		c.applyArtifact(*ev.Artifact)
	case KindMessage:
		if ev.Message == nil {
			return
		}
		if ev.Message.ContextID != "" {
			c.contextID = ev.Message.ContextID
		}
		if text := ev.Message.Text(); text != "" {
			c.finalText = append(c.finalText, text)
		}
	case KindTask:
		if ev.Task == nil {
			return
		}
		c.taskID = ev.Task.ID
		c.contextID = ev.Task.ContextID
		for _, a := range ev.Task.Artifacts {
			c.applyArtifact(a)
		}
		if ev.Task.Status.Message != nil {
			if text := ev.Task.Status.Message.Text(); text != "" {
				c.finalText = append(c.finalText, text)
			}
		}
	}
}

func (c *replyCollector) applyArtifact(a Artifact) {
	if text := a.Text(); text != "" {
		c.artifacts = append(c.artifacts, text)
	}
	for _, p := range a.Parts {
		if p.Kind == "data" && p.Data != nil {
			c.data = append(c.data, p.Data)
		}
	}
}

func (c *replyCollector) reply() Reply {
	text := strings.Join(c.finalText, "\n")
	if text == "" {
		text = strings.Join(c.artifacts, "\n")
	}
	return Reply{
		Text:      text,
		Data:      c.data,
		TaskID:    c.taskID,
		ContextID: c.contextID,
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
