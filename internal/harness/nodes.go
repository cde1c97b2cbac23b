package harness

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/medbench/internal/a2a"
	"github.com/metalagman/medbench/internal/answer"
	"github.com/metalagman/medbench/internal/flow"
	"github.com/metalagman/medbench/internal/report"
	"github.com/metalagman/medbench/internal/score"
	"github.com/metalagman/medbench/internal/task"
	"github.com/metalagman/medbench/internal/tools"
)

const (
	outcomeValid   flow.Outcome = "valid"
	outcomeInvalid flow.Outcome = "invalid"
)

// loadTaskNode fetches the task definition from the catalogue.
type loadTaskNode struct {
	flow.Base
	source task.Source
}

func newLoadTaskNode(source task.Source) *loadTaskNode {
	return &loadTaskNode{
		Base:   flow.Base{Policy: flow.Policy{MaxRetries: 2, Wait: time.Second}},
		source: source,
	}
}

func (n *loadTaskNode) Name() string { return "load_task" }

func (n *loadTaskNode) Prep(s *State) (any, error) {
	if s.TaskID == "" {
		return nil, flow.MissingInput("task_id")
	}
	return s.TaskID, nil
}

func (n *loadTaskNode) Exec(ctx context.Context, in any) (any, error) {
	t, err := n.source.Get(ctx, in.(string))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, flow.Fatal(err)
		}
		return nil, err
	}
	return t, nil
}

func (n *loadTaskNode) Post(s *State, _, out any) (flow.Outcome, error) {
	s.Task = out.(task.Task)
	return flow.OutcomeDefault, nil
}

// discoverToolsNode lists the agent's tool capabilities from the MCP server.
type discoverToolsNode struct {
	flow.Base
	disc *tools.Discoverer
}

func newDiscoverToolsNode(disc *tools.Discoverer) *discoverToolsNode {
	return &discoverToolsNode{
		Base: flow.Base{Policy: flow.Policy{MaxRetries: 2, Wait: time.Second}},
		disc: disc,
	}
}

func (n *discoverToolsNode) Name() string { return "discover_tools" }

func (n *discoverToolsNode) Prep(_ *State) (any, error) { return nil, nil }

func (n *discoverToolsNode) Exec(ctx context.Context, _ any) (any, error) {
	if n.disc == nil {
		return []tools.Tool(nil), nil
	}
	return n.disc.Discover(ctx)
}

func (n *discoverToolsNode) Post(s *State, _, out any) (flow.Outcome, error) {
	s.ToolsText = tools.FormatCatalogue(out.([]tools.Tool))
	return flow.OutcomeDefault, nil
}

// buildPromptNode renders the outbound instruction message.
type buildPromptNode struct {
	flow.Base
}

type promptInput struct {
	task      task.Task
	toolsText string
}

func (n *buildPromptNode) Name() string { return "build_prompt" }

func (n *buildPromptNode) Prep(s *State) (any, error) {
	if s.Task.ID == "" {
		return nil, flow.MissingInput("task")
	}
	return promptInput{task: s.Task, toolsText: s.ToolsText}, nil
}

func (n *buildPromptNode) Exec(_ context.Context, in any) (any, error) {
	pi := in.(promptInput)
	return buildPrompt(pi.task, pi.toolsText), nil
}

func (n *buildPromptNode) Post(s *State, _, out any) (flow.Outcome, error) {
	s.Prompt = out.(string)
	return flow.OutcomeDefault, nil
}

// dispatchNode sends the prompt over the task's conversation and collects
// the agent's streamed reply.
type dispatchNode struct {
	flow.Base
}

type dispatchInput struct {
	conv   *a2a.Conversation
	prompt string
	status a2a.StatusFunc
}

func newDispatchNode() *dispatchNode {
	return &dispatchNode{
		Base: flow.Base{Policy: flow.Policy{MaxRetries: 1, Wait: 5 * time.Second}},
	}
}

func (n *dispatchNode) Name() string { return "dispatch" }

func (n *dispatchNode) Prep(s *State) (any, error) {
	if s.Conv == nil {
		return nil, flow.MissingInput("conversation")
	}
	if s.Prompt == "" {
		return nil, flow.MissingInput("prompt")
	}
	return dispatchInput{conv: s.Conv, prompt: s.Prompt, status: s.Status}, nil
}

func (n *dispatchNode) Exec(ctx context.Context, in any) (any, error) {
	di := in.(dispatchInput)
	reply, err := di.conv.Send(ctx, di.prompt, di.status)
	if err != nil {
		// A spent round budget or a terminal agent failure will not heal on
		// a retry of the same round.
		if errors.Is(err, a2a.ErrRoundLimit) || errors.Is(err, a2a.ErrAgentFailed) {
			return nil, flow.Fatal(err)
		}
		return nil, err
	}
	return reply, nil
}

func (n *dispatchNode) Post(s *State, _, out any) (flow.Outcome, error) {
	s.Reply = out.(a2a.Reply)
	s.Writes = extractWrites(s.Reply.Data)
	return flow.OutcomeDefault, nil
}

// extractWrites pulls the agent's recorded record-store operations out of
// its trajectory artifacts.
func extractWrites(data []map[string]any) []score.WriteRecord {
	var out []score.WriteRecord
	for _, d := range data {
		if reqs, ok := d["requests"].([]any); ok {
			for _, r := range reqs {
				if m, ok := r.(map[string]any); ok {
					out = append(out, writeRecord(m))
				}
			}
			continue
		}
		if _, ok := d["method"]; ok {
			out = append(out, writeRecord(d))
		}
	}
	return out
}

func writeRecord(m map[string]any) score.WriteRecord {
	rec := score.WriteRecord{}
	rec.Method, _ = m["method"].(string)
	rec.URL, _ = m["url"].(string)
	if body, ok := m["body"].(map[string]any); ok {
		rec.Body = body
	}
	return rec
}

// validateNode checks the reply envelope against the task's answer contract.
type validateNode struct {
	flow.Base
}

type validateInput struct {
	raw        string
	expected   int
	allowEmpty bool
}

func (n *validateNode) Name() string { return "validate" }

func (n *validateNode) Prep(s *State) (any, error) {
	if s.Task.ID == "" {
		return nil, flow.MissingInput("task")
	}
	return validateInput{
		raw:        s.Reply.Text,
		expected:   s.Task.ExpectedAnswers,
		allowEmpty: s.Task.AllowEmptyAnswer,
	}, nil
}

func (n *validateNode) Exec(_ context.Context, in any) (any, error) {
	vi := in.(validateInput)
	return answer.Validate(vi.raw, vi.expected, vi.allowEmpty), nil
}

func (n *validateNode) Post(s *State, _, out any) (flow.Outcome, error) {
	s.Verdict = out.(answer.Verdict)
	if s.Verdict.Valid {
		return outcomeValid, nil
	}
	return outcomeInvalid, nil
}

// scoreNode evaluates a validated answer.
type scoreNode struct {
	flow.Base
	registry *score.Registry
}

func (n *scoreNode) Name() string { return "score" }

func (n *scoreNode) Prep(s *State) (any, error) {
	if !s.Verdict.Valid {
		return nil, flow.MissingInput("valid verdict")
	}
	return score.Input{Task: s.Task, Answers: s.Verdict.Answers, Writes: s.Writes}, nil
}

func (n *scoreNode) Exec(ctx context.Context, in any) (any, error) {
	out, err := n.registry.Evaluate(ctx, in.(score.Input))
	if err != nil {
		// Evaluator lookup and routine errors are configuration problems.
		return nil, flow.Fatal(err)
	}
	return out, nil
}

func (n *scoreNode) Post(s *State, _, out any) (flow.Outcome, error) {
	s.Outcome = out.(score.Outcome)
	return flow.OutcomeDefault, nil
}

// recordFailureNode notes a rejected reply before reporting.
type recordFailureNode struct {
	flow.Base
}

func (n *recordFailureNode) Name() string { return "record_failure" }

func (n *recordFailureNode) Prep(s *State) (any, error) {
	return s.Verdict, nil
}

func (n *recordFailureNode) Exec(_ context.Context, in any) (any, error) {
	return in, nil
}

func (n *recordFailureNode) Post(s *State, _, out any) (flow.Outcome, error) {
	v := out.(answer.Verdict)
	log.Warn().
		Str("task_id", s.Task.ID).
		Str("reason", string(v.Reason)).
		Str("detail", v.Detail).
		Msg("reply rejected")
	return flow.OutcomeDefault, nil
}

// reportNode closes the run with a per-task report, whatever branch led
// here.
type reportNode struct {
	flow.Base
}

type reportInput struct {
	task      task.Task
	verdict   answer.Verdict
	outcome   score.Outcome
	startedAt time.Time
}

func (n *reportNode) Name() string { return "report" }

func (n *reportNode) Prep(s *State) (any, error) {
	return reportInput{task: s.Task, verdict: s.Verdict, outcome: s.Outcome, startedAt: s.StartedAt}, nil
}

func (n *reportNode) Exec(_ context.Context, in any) (any, error) {
	ri := in.(reportInput)
	if ri.verdict.Valid {
		return report.Scored(ri.task, ri.verdict, ri.outcome, ri.startedAt), nil
	}
	return report.Invalid(ri.task, ri.verdict, ri.startedAt), nil
}

func (n *reportNode) Post(s *State, _, out any) (flow.Outcome, error) {
	s.Report = out.(report.TaskReport)
	return flow.OutcomeDefault, nil
}
