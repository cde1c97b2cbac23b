// Package report assembles evaluation results into per-task and batch
// reports. Every task execution yields exactly one report, whether it was
// scored, rejected by validation or aborted by an error.
package report

import (
	"time"

	"github.com/metalagman/medbench/internal/answer"
	"github.com/metalagman/medbench/internal/score"
	"github.com/metalagman/medbench/internal/task"
)

// Failure reasons recorded when a task never reaches scoring.
const (
	FailureRoundLimit    = "round_limit"
	FailureTimeout       = "timeout"
	FailureAgentError    = "agent_error"
	FailureConfiguration = "configuration"
	FailureInternal      = "internal"
)

// TaskReport is the result of one task execution.
type TaskReport struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`

	Correct bool `json:"correct"`
	// Valid reports whether the agent's reply passed validation.
	Valid         bool          `json:"valid"`
	InvalidReason answer.Reason `json:"invalid_reason,omitempty"`

	Answers  []string      `json:"answers,omitempty"`
	Expected []string      `json:"expected,omitempty"`
	Issues   []score.Issue `json:"issues,omitempty"`
	// GroundTruthUnavailable marks tasks that could not be scored because
	// the record store was unreachable.
	GroundTruthUnavailable bool `json:"ground_truth_unavailable,omitempty"`

	// FailureReason is set when the execution aborted before a verdict.
	FailureReason string `json:"failure_reason,omitempty"`
	Detail        string `json:"detail,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Scored builds the report for a task that reached the scorer.
func Scored(t task.Task, v answer.Verdict, out score.Outcome, startedAt time.Time) TaskReport {
	return TaskReport{
		TaskID:                 t.ID,
		TaskType:               t.Type,
		Correct:                out.Correct,
		Valid:                  true,
		Answers:                v.Answers,
		Expected:               out.Expected,
		Issues:                 out.Issues,
		GroundTruthUnavailable: out.GroundTruthUnavailable,
		Detail:                 out.Detail,
		StartedAt:              startedAt,
		Duration:               time.Since(startedAt),
	}
}

// Invalid builds the report for a reply rejected by validation.
func Invalid(t task.Task, v answer.Verdict, startedAt time.Time) TaskReport {
	return TaskReport{
		TaskID:        t.ID,
		TaskType:      t.Type,
		Valid:         false,
		InvalidReason: v.Reason,
		Answers:       v.Answers,
		Detail:        v.Detail,
		StartedAt:     startedAt,
		Duration:      time.Since(startedAt),
	}
}

// Failed builds the report for an execution that aborted before a verdict.
func Failed(t task.Task, reason, detail string, startedAt time.Time) TaskReport {
	return TaskReport{
		TaskID:        t.ID,
		TaskType:      t.Type,
		FailureReason: reason,
		Detail:        detail,
		StartedAt:     startedAt,
		Duration:      time.Since(startedAt),
	}
}

// FailureKey is the histogram bucket a report falls into, empty for reports
// with nothing to count against.
func (r TaskReport) FailureKey() string {
	switch {
	case r.FailureReason != "":
		return r.FailureReason
	case !r.Valid && r.InvalidReason != "":
		return string(r.InvalidReason)
	case r.GroundTruthUnavailable:
		return "ground_truth_unavailable"
	}
	return ""
}

// TypeSummary aggregates results for one task type.
type TypeSummary struct {
	Count    int     `json:"count"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// Batch is the aggregate report for a multi-task evaluation.
type Batch struct {
	BatchID   string                 `json:"batch_id"`
	AgentURL  string                 `json:"agent_url,omitempty"`
	Reports   []TaskReport           `json:"reports"`
	Total     int                    `json:"total"`
	Correct   int                    `json:"correct"`
	Accuracy  float64                `json:"accuracy"`
	ByType    map[string]TypeSummary `json:"by_type"`
	Failures  map[string]int         `json:"failures,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
}

// BuildBatch folds per-task reports into a batch summary. Failed tasks count
// toward totals and the failure histogram; they never abort aggregation.
func BuildBatch(batchID, agentURL string, reports []TaskReport, startedAt time.Time) Batch {
	b := Batch{
		BatchID:   batchID,
		AgentURL:  agentURL,
		Reports:   reports,
		Total:     len(reports),
		ByType:    make(map[string]TypeSummary),
		Failures:  make(map[string]int),
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
	}
	for _, r := range reports {
		ts := b.ByType[r.TaskType]
		ts.Count++
		if r.Correct {
			ts.Correct++
			b.Correct++
		}
		ts.Accuracy = float64(ts.Correct) / float64(ts.Count)
		b.ByType[r.TaskType] = ts
		if key := r.FailureKey(); key != "" {
			b.Failures[key]++
		}
	}
	if b.Total > 0 {
		b.Accuracy = float64(b.Correct) / float64(b.Total)
	}
	return b
}
