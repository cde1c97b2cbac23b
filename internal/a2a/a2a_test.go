package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoExecutor records inbound message context ids and replies with a fixed
// script.
type echoExecutor struct {
	mu       sync.Mutex
	contexts []string
	delay    time.Duration
	fail     bool
}

func (e *echoExecutor) Execute(ctx context.Context, rc *RequestContext, q *EventQueue) error {
	e.mu.Lock()
	e.contexts = append(e.contexts, rc.Message.ContextID)
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.fail {
		return errors.New("model backend unavailable")
	}

	if err := q.Write(ctx, WorkingEvent(rc.TaskID, rc.ContextID, "looking up the chart")); err != nil {
		return err
	}
	artifact := NewArtifact("trajectory",
		NewTextPart("observation fetched"),
		NewDataPart(map[string]any{"rounds": 1}),
	)
	if err := q.Write(ctx, ArtifactEvent(rc.TaskID, rc.ContextID, artifact)); err != nil {
		return err
	}
	return q.Write(ctx, CompletedEvent(rc.TaskID, rc.ContextID, "FINISH([1.2])"))
}

func TestConversationStreamRoundTrip(t *testing.T) {
	t.Parallel()

	exec := &echoExecutor{}
	srv := httptest.NewServer(NewServer(AgentCard{Name: "stub"}, exec))
	defer srv.Close()

	var statuses []string
	m := NewMessenger(WithHTTPClient(srv.Client()))
	conv := m.Conversation(srv.URL)
	assert.Empty(t, conv.ContextID())

	reply, err := conv.Send(context.Background(), "what is the magnesium level?", func(state TaskState, text string) {
		statuses = append(statuses, string(state)+":"+text)
	})
	require.NoError(t, err)

	assert.Equal(t, "FINISH([1.2])", reply.Text)
	require.Len(t, reply.Data, 1)
	assert.EqualValues(t, 1, reply.Data[0]["rounds"])
	require.Len(t, statuses, 1)
	assert.Equal(t, "working:looking up the chart", statuses[0])
	assert.NotEmpty(t, reply.ContextID)
	assert.Equal(t, reply.ContextID, conv.ContextID())
}

func TestConversationReusesContext(t *testing.T) {
	t.Parallel()

	exec := &echoExecutor{}
	srv := httptest.NewServer(NewServer(AgentCard{Name: "stub"}, exec))
	defer srv.Close()

	m := NewMessenger(WithHTTPClient(srv.Client()))
	conv := m.Conversation(srv.URL)
	first, err := conv.Send(context.Background(), "round one", nil)
	require.NoError(t, err)
	_, err = conv.Send(context.Background(), "round two", nil)
	require.NoError(t, err)

	exec.mu.Lock()
	require.Len(t, exec.contexts, 2)
	assert.Equal(t, first.ContextID, exec.contexts[1])
	exec.mu.Unlock()
}

func TestConversationsDoNotShareContext(t *testing.T) {
	t.Parallel()

	exec := &echoExecutor{}
	srv := httptest.NewServer(NewServer(AgentCard{Name: "stub"}, exec))
	defer srv.Close()

	m := NewMessenger(WithHTTPClient(srv.Client()))
	first, err := m.Conversation(srv.URL).Send(context.Background(), "dialogue one", nil)
	require.NoError(t, err)
	second, err := m.Conversation(srv.URL).Send(context.Background(), "dialogue two", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ContextID, second.ContextID)
	exec.mu.Lock()
	require.Len(t, exec.contexts, 2)
	// Each dialogue opened with no inherited context id.
	assert.Empty(t, exec.contexts[0])
	assert.Empty(t, exec.contexts[1])
	exec.mu.Unlock()
}

func TestConversationEnforcesRoundLimit(t *testing.T) {
	t.Parallel()

	exec := &echoExecutor{}
	srv := httptest.NewServer(NewServer(AgentCard{Name: "stub"}, exec))
	defer srv.Close()

	m := NewMessenger(WithHTTPClient(srv.Client()), WithMaxRounds(1))
	conv := m.Conversation(srv.URL)
	_, err := conv.Send(context.Background(), "round one", nil)
	require.NoError(t, err)
	_, err = conv.Send(context.Background(), "round two", nil)
	require.ErrorIs(t, err, ErrRoundLimit)

	// The budget is per conversation: a sibling dialogue has its own.
	_, err = m.Conversation(srv.URL).Send(context.Background(), "fresh dialogue", nil)
	require.NoError(t, err)
}

func TestConversationSurfacesAgentFailure(t *testing.T) {
	t.Parallel()

	exec := &echoExecutor{fail: true}
	srv := httptest.NewServer(NewServer(AgentCard{Name: "stub"}, exec))
	defer srv.Close()

	m := NewMessenger(WithHTTPClient(srv.Client()))
	_, err := m.Conversation(srv.URL).Send(context.Background(), "hello", nil)
	require.ErrorIs(t, err, ErrAgentFailed)
	assert.Contains(t, err.Error(), "model backend unavailable")
}

func TestConversationTimesOut(t *testing.T) {
	t.Parallel()

	exec := &echoExecutor{delay: 2 * time.Second}
	srv := httptest.NewServer(NewServer(AgentCard{Name: "stub"}, exec))
	defer srv.Close()

	m := NewMessenger(WithHTTPClient(srv.Client()), WithTimeout(100*time.Millisecond))
	start := time.Now()
	_, err := m.Conversation(srv.URL).Send(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestServerBlockingSend(t *testing.T) {
	t.Parallel()

	exec := &echoExecutor{}
	srv := httptest.NewServer(NewServer(AgentCard{Name: "stub"}, exec))
	defer srv.Close()

	params, err := json.Marshal(SendParams{Message: NewUserMessage("hello", "")})
	require.NoError(t, err)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: MethodSend, Params: params})
	require.NoError(t, err)

	resp, err := srv.Client().Post(srv.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpc rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	require.Nil(t, rpc.Error)

	var ev Event
	require.NoError(t, json.Unmarshal(rpc.Result, &ev))
	require.Equal(t, KindTask, ev.Kind)
	require.NotNil(t, ev.Task)
	assert.Equal(t, StateCompleted, ev.Task.Status.State)
	require.Len(t, ev.Task.Artifacts, 1)
	assert.Equal(t, "trajectory", ev.Task.Artifacts[0].Name)
}

func TestServerRejectsUnknownMethod(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewServer(AgentCard{Name: "stub"}, &echoExecutor{}))
	defer srv.Close()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "tasks/steal"})
	require.NoError(t, err)
	resp, err := srv.Client().Post(srv.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpc rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	require.NotNil(t, rpc.Error)
	assert.Equal(t, codeMethodNotFound, rpc.Error.Code)
}

func TestServerServesAgentCard(t *testing.T) {
	t.Parallel()

	card := AgentCard{
		Name:         "medbench",
		URL:          "http://localhost:8080",
		Version:      "0.1.0",
		Capabilities: Capabilities{Streaming: true},
		Skills:       []Skill{{ID: "lab_lookup", Name: "lab_lookup"}},
	}
	srv := httptest.NewServer(NewServer(card, &echoExecutor{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/.well-known/agent-card.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got AgentCard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, card.Name, got.Name)
	assert.True(t, got.Capabilities.Streaming)
	require.Len(t, got.Skills, 1)
}
