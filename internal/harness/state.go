// Package harness orchestrates task evaluations: it receives evaluation
// requests over the protocol endpoint, drives the agent under test through
// the pipeline, and turns the results into reports.
package harness

import (
	"time"

	"github.com/metalagman/medbench/internal/a2a"
	"github.com/metalagman/medbench/internal/answer"
	"github.com/metalagman/medbench/internal/report"
	"github.com/metalagman/medbench/internal/score"
	"github.com/metalagman/medbench/internal/task"
)

// State is the shared context of one task execution. Each execution gets a
// fresh instance owned exclusively by its pipeline run; nodes communicate
// only through it. Fields are laid out in pipeline order, and downstream
// nodes treat upstream fields as read-only.
type State struct {
	// Inputs, set by the orchestrator before the run. Conv is the task's own
	// dialogue with the agent under test; conversations are never shared
	// between task executions.
	TaskID   string
	AgentURL string
	Conv     *a2a.Conversation
	Status   a2a.StatusFunc

	// Preparation.
	Task      task.Task
	ToolsText string
	Prompt    string

	// Exchange.
	Reply  a2a.Reply
	Writes []score.WriteRecord

	// Evaluation.
	Verdict answer.Verdict
	Outcome score.Outcome
	Report  report.TaskReport

	StartedAt time.Time
}
