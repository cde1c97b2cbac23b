package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/metalagman/medbench/internal/a2a"
	"github.com/metalagman/medbench/internal/flow"
	"github.com/metalagman/medbench/internal/report"
	"github.com/metalagman/medbench/internal/score"
	"github.com/metalagman/medbench/internal/task"
	"github.com/metalagman/medbench/internal/tools"
)

// EvalRequest is the inbound evaluation request, carried as JSON in the
// request message text.
type EvalRequest struct {
	// Participants names the agents taking part; "agent" is the agent under
	// test.
	Participants map[string]string `json:"participants"`
	Config       EvalConfig        `json:"config"`
}

// EvalConfig selects what to evaluate. Exactly one of TaskID, TaskType or
// All must be set.
type EvalConfig struct {
	TaskID      string `json:"task_id,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
	All         bool   `json:"all,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// AgentURL returns the endpoint of the agent under test.
func (r EvalRequest) AgentURL() string { return r.Participants["agent"] }

func parseEvalRequest(text string) (EvalRequest, error) {
	var req EvalRequest
	if err := json.Unmarshal([]byte(text), &req); err != nil {
		return EvalRequest{}, fmt.Errorf("decode eval request: %w", err)
	}
	if req.AgentURL() == "" {
		return EvalRequest{}, errors.New("eval request names no agent participant")
	}
	selectors := 0
	if req.Config.TaskID != "" {
		selectors++
	}
	if req.Config.TaskType != "" {
		selectors++
	}
	if req.Config.All {
		selectors++
	}
	if selectors != 1 {
		return EvalRequest{}, errors.New("eval request must set exactly one of task_id, task_type or all")
	}
	return req, nil
}

// Deps are the collaborators an orchestrator works with.
type Deps struct {
	Source     task.Source
	Scorer     *score.Registry
	Messenger  *a2a.Messenger
	Discoverer *tools.Discoverer
	// Store is optional; without it reports are not persisted.
	Store       *report.Store
	Concurrency int
}

// Orchestrator executes evaluation requests for one conversation. Runs for
// the same conversation are serialized; distinct orchestrators run freely in
// parallel.
type Orchestrator struct {
	contextID string
	deps      Deps
	prep      *flow.Flow[*State]
	eval      *flow.Flow[*State]

	mu sync.Mutex
}

// NewOrchestrator builds the pipelines once and reuses them across requests.
func NewOrchestrator(contextID string, deps Deps) (*Orchestrator, error) {
	if deps.Concurrency <= 0 {
		deps.Concurrency = 4
	}
	prep, err := buildPrepPipeline(deps.Source, deps.Discoverer)
	if err != nil {
		return nil, fmt.Errorf("build preparation pipeline: %w", err)
	}
	eval, err := buildEvalPipeline(deps.Scorer)
	if err != nil {
		return nil, fmt.Errorf("build evaluation pipeline: %w", err)
	}
	return &Orchestrator{contextID: contextID, deps: deps, prep: prep, eval: eval}, nil
}

// Execute implements a2a.Executor.
func (o *Orchestrator) Execute(ctx context.Context, rc *a2a.RequestContext, q *a2a.EventQueue) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	req, err := parseEvalRequest(rc.Text())
	if err != nil {
		return err
	}

	startedAt := time.Now()
	batchID := rc.TaskID
	ids, err := o.selectTasks(ctx, req.Config)
	if err != nil {
		return err
	}
	log.Info().
		Str("batch_id", batchID).
		Str("agent_url", req.AgentURL()).
		Int("tasks", len(ids)).
		Msg("evaluation started")
	_ = q.Write(ctx, a2a.WorkingEvent(rc.TaskID, rc.ContextID,
		fmt.Sprintf("evaluating %d task(s)", len(ids))))

	reports := o.runAll(ctx, rc, q, req, ids)
	batch := report.BuildBatch(batchID, req.AgentURL(), reports, startedAt)
	o.persist(ctx, batch)

	artifact, err := batchArtifact(batch)
	if err != nil {
		return err
	}
	if err := q.Write(ctx, a2a.ArtifactEvent(rc.TaskID, rc.ContextID, artifact)); err != nil {
		return err
	}
	return q.Write(ctx, a2a.CompletedEvent(rc.TaskID, rc.ContextID,
		fmt.Sprintf("%d/%d correct", batch.Correct, batch.Total)))
}

// selectTasks resolves the request's task selector to task ids.
func (o *Orchestrator) selectTasks(ctx context.Context, cfg EvalConfig) ([]string, error) {
	if cfg.TaskID != "" {
		t, err := o.deps.Source.Get(ctx, cfg.TaskID)
		if err != nil {
			return nil, fmt.Errorf("resolve task: %w", err)
		}
		return []string{t.ID}, nil
	}
	tasks, err := o.deps.Source.List(ctx, cfg.TaskType)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks match selector %q", cfg.TaskType)
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids, nil
}

// runAll fans the batch out over a bounded worker group. A failing task is
// reported, never aborts the batch.
func (o *Orchestrator) runAll(ctx context.Context, rc *a2a.RequestContext, q *a2a.EventQueue, req EvalRequest, ids []string) []report.TaskReport {
	concurrency := req.Config.Concurrency
	if concurrency <= 0 {
		concurrency = o.deps.Concurrency
	}

	reports := make([]report.TaskReport, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for i, id := range ids {
		g.Go(func() error {
			reports[i] = o.runTask(ctx, rc, q, req.AgentURL(), id)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// runTask executes one task through both pipelines over a fresh State.
func (o *Orchestrator) runTask(ctx context.Context, rc *a2a.RequestContext, q *a2a.EventQueue, agentURL, taskID string) report.TaskReport {
	startedAt := time.Now()
	o.audit(ctx, rc.TaskID, "task_started", taskID, "")

	// Every task runs in its own conversation with its own round budget;
	// nothing from a sibling task's dialogue leaks into this one.
	s := &State{
		TaskID:    taskID,
		AgentURL:  agentURL,
		Conv:      o.deps.Messenger.Conversation(agentURL),
		StartedAt: startedAt,
		Status: func(_ a2a.TaskState, text string) {
			_ = q.Write(ctx, a2a.WorkingEvent(rc.TaskID, rc.ContextID,
				fmt.Sprintf("[%s] %s", taskID, text)))
		},
	}

	var r report.TaskReport
	if err := o.runPipelines(ctx, s); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("task execution failed")
		r = report.Failed(s.Task, classifyFailure(err), err.Error(), startedAt)
		if r.TaskID == "" {
			r.TaskID = taskID
		}
	} else {
		r = s.Report
	}

	data, _ := json.Marshal(map[string]any{"correct": r.Correct, "failure": r.FailureKey()})
	o.audit(ctx, rc.TaskID, "task_finished", taskID, string(data))
	return r
}

func (o *Orchestrator) runPipelines(ctx context.Context, s *State) error {
	if err := o.prep.Run(ctx, s); err != nil {
		return err
	}
	return o.eval.Run(ctx, s)
}

func classifyFailure(err error) string {
	switch {
	case errors.Is(err, a2a.ErrRoundLimit):
		return report.FailureRoundLimit
	case errors.Is(err, context.DeadlineExceeded):
		return report.FailureTimeout
	case errors.Is(err, a2a.ErrAgentFailed):
		return report.FailureAgentError
	case flow.IsMissingInput(err), errors.Is(err, task.ErrNotFound):
		return report.FailureConfiguration
	}
	return report.FailureInternal
}

// persist stores the batch; storage failures are logged, never escalated.
func (o *Orchestrator) persist(ctx context.Context, b report.Batch) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SaveBatch(ctx, b); err != nil {
		log.Warn().Err(err).Str("batch_id", b.BatchID).Msg("batch not persisted")
	}
}

// audit appends a lifecycle event; failures are logged, never escalated.
func (o *Orchestrator) audit(ctx context.Context, batchID, typ, message, dataJSON string) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.AppendEvent(ctx, batchID, typ, message, dataJSON); err != nil {
		log.Warn().Err(err).Str("batch_id", batchID).Msg("audit event not persisted")
	}
}

// batchArtifact renders the batch report as a result artifact with a short
// text summary and the full report as structured data.
func batchArtifact(b report.Batch) (a2a.Artifact, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return a2a.Artifact{}, fmt.Errorf("marshal batch report: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return a2a.Artifact{}, fmt.Errorf("decode batch report: %w", err)
	}
	summary := fmt.Sprintf("batch %s: %d/%d correct (accuracy %.2f)",
		b.BatchID, b.Correct, b.Total, b.Accuracy)
	return a2a.NewArtifact("report",
		a2a.NewTextPart(summary),
		a2a.NewDataPart(data),
	), nil
}
