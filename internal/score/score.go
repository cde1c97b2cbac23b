// Package score turns a validated answer into a scored outcome. Evaluator
// routines are looked up by the name each task declares; read-only routines
// compare answers against ground truth resolved live from the record store,
// write routines verify the agent's recorded write operations.
package score

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/medbench/internal/fhir"
	"github.com/metalagman/medbench/internal/task"
)

// Issue is one concrete discrepancy between expected and observed behavior.
type Issue struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Outcome is the scorer's verdict for one task execution. Correct holds
// exactly when no issues were found and ground truth was reachable.
type Outcome struct {
	Correct bool    `json:"correct"`
	Issues  []Issue `json:"issues,omitempty"`
	// Expected is the resolved ground-truth answer, kept for reporting.
	Expected []string `json:"expected,omitempty"`
	// GroundTruthUnavailable marks outcomes where the record store could not
	// be consulted. Distinct from an incorrect answer.
	GroundTruthUnavailable bool   `json:"ground_truth_unavailable,omitempty"`
	Detail                 string `json:"detail,omitempty"`
}

// WriteRecord is one write operation the agent performed, as reported in its
// trajectory.
type WriteRecord struct {
	Method string         `json:"method"`
	URL    string         `json:"url"`
	Body   map[string]any `json:"body,omitempty"`
}

// Input bundles everything an evaluator needs.
type Input struct {
	Task    task.Task
	Answers []string
	Writes  []WriteRecord
}

// EvaluateFunc is one scoring routine.
type EvaluateFunc func(ctx context.Context, in Input) (Outcome, error)

// Registry routes tasks to their scoring routine.
type Registry struct {
	fc       *fhir.Client
	routines map[string]EvaluateFunc
}

// Evaluator names known to the registry.
const (
	EvaluatorReadOnly         = "readonly"
	EvaluatorWrite            = "write"
	EvaluatorConditionalWrite = "conditional_write"
)

// NewRegistry creates a registry with the built-in routines, resolving live
// ground truth through fc.
func NewRegistry(fc *fhir.Client) *Registry {
	r := &Registry{fc: fc, routines: make(map[string]EvaluateFunc)}
	r.Register(EvaluatorReadOnly, r.evalReadOnly)
	r.Register(EvaluatorWrite, r.evalWrite)
	r.Register(EvaluatorConditionalWrite, r.evalConditionalWrite)
	return r
}

// Register adds or replaces a routine.
func (r *Registry) Register(name string, fn EvaluateFunc) {
	r.routines[name] = fn
}

// Evaluate runs the routine the task declares. An unknown evaluator name is a
// configuration error.
func (r *Registry) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	fn, ok := r.routines[in.Task.Evaluator]
	if !ok {
		return Outcome{}, fmt.Errorf("task %s: unknown evaluator %q", in.Task.ID, in.Task.Evaluator)
	}
	out, err := fn(ctx, in)
	if err != nil {
		return Outcome{}, err
	}
	out.Correct = len(out.Issues) == 0 && !out.GroundTruthUnavailable
	log.Debug().
		Str("task_id", in.Task.ID).
		Bool("correct", out.Correct).
		Int("issues", len(out.Issues)).
		Msg("task scored")
	return out, nil
}

func (r *Registry) evalReadOnly(ctx context.Context, in Input) (Outcome, error) {
	expected, available, err := r.groundTruth(ctx, in.Task)
	if err != nil {
		return Outcome{}, err
	}
	if !available {
		return unavailable(in.Task), nil
	}

	out := Outcome{Expected: expected}
	out.Issues = compareAnswers(expected, in.Answers, in.Task.Tolerance, in.Task.Unordered)
	if posts := writeOps(in.Writes); len(posts) > 0 {
		out.Issues = append(out.Issues, Issue{
			Field:    "writes.count",
			Expected: "0",
			Actual:   fmt.Sprintf("%d", len(posts)),
		})
	}
	return out, nil
}

// groundTruth resolves the task's expected answers. The second return is
// false when the record store was unreachable.
func (r *Registry) groundTruth(ctx context.Context, t task.Task) ([]string, bool, error) {
	gt := t.GroundTruth
	window := 24 * time.Hour
	if gt.WindowHours > 0 {
		window = time.Duration(gt.WindowHours) * time.Hour
	}

	switch gt.Mode {
	case task.GroundTruthStatic:
		return gt.Solution, true, nil

	case task.GroundTruthLatestObservation:
		obs, ok, err := r.fc.Latest(ctx, t.MRN(), gt.Code)
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("ground truth unavailable")
			return nil, false, nil
		}
		if !ok {
			return []string{"-1"}, true, nil
		}
		return []string{formatNumber(obs.Value)}, true, nil

	case task.GroundTruthWindowedObservation:
		obs, ok, err := r.fc.LatestWithin(ctx, t.MRN(), gt.Code, window)
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("ground truth unavailable")
			return nil, false, nil
		}
		if !ok {
			return []string{"-1"}, true, nil
		}
		return []string{formatNumber(obs.Value)}, true, nil

	case task.GroundTruthAverageObservation:
		avg, ok, err := r.fc.AverageWithin(ctx, t.MRN(), gt.Code, window)
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("ground truth unavailable")
			return nil, false, nil
		}
		if !ok {
			return []string{"-1"}, true, nil
		}
		return []string{formatNumber(avg)}, true, nil

	case task.GroundTruthPatientAge:
		age, err := r.fc.PatientAge(ctx, t.MRN())
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("ground truth unavailable")
			return nil, false, nil
		}
		return []string{fmt.Sprintf("%d", age)}, true, nil
	}

	return nil, false, fmt.Errorf("task %s: unknown ground truth mode %q", t.ID, gt.Mode)
}

func unavailable(t task.Task) Outcome {
	return Outcome{
		GroundTruthUnavailable: true,
		Detail:                 fmt.Sprintf("record store unreachable while resolving ground truth for task %s", t.ID),
	}
}
