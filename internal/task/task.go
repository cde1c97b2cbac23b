// Package task defines the evaluation task model and the task source
// collaborator the orchestrator reads from.
package task

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a task id is not in the catalogue.
var ErrNotFound = errors.New("task not found")

// GroundTruthMode selects how the expected answer is obtained at scoring time.
type GroundTruthMode string

const (
	// GroundTruthStatic uses the solution embedded in the task definition.
	GroundTruthStatic GroundTruthMode = "static"
	// GroundTruthLatestObservation queries the record store for the most
	// recent observation of the task's code.
	GroundTruthLatestObservation GroundTruthMode = "latest_observation"
	// GroundTruthWindowedObservation is LatestObservation restricted to the
	// task's lookback window.
	GroundTruthWindowedObservation GroundTruthMode = "windowed_observation"
	// GroundTruthAverageObservation averages observations over the window.
	GroundTruthAverageObservation GroundTruthMode = "average_observation"
	// GroundTruthPatientAge derives the answer from the patient's birth date.
	GroundTruthPatientAge GroundTruthMode = "patient_age"
)

// GroundTruth describes how to compute the expected answer for a task.
type GroundTruth struct {
	Mode        GroundTruthMode `json:"mode"`
	Code        string          `json:"code,omitempty"`
	WindowHours int             `json:"window_hours,omitempty"`
	// Solution is the fixed answer for GroundTruthStatic.
	Solution []string `json:"solution,omitempty"`
}

// Write condition kinds.
const (
	// ConditionThreshold requires the writes when the latest value for Code
	// compares against Threshold per Op.
	ConditionThreshold = "threshold"
	// ConditionStaleness requires the writes when the latest observation for
	// Code is absent or older than the window.
	ConditionStaleness = "staleness"
)

// Threshold comparison operators.
const (
	// CompareLTE triggers at or below the threshold. The default.
	CompareLTE = "lte"
	// CompareLT triggers strictly below the threshold.
	CompareLT = "lt"
)

// WriteCondition gates expected writes on a live measurement.
type WriteCondition struct {
	// Kind is ConditionThreshold (default) or ConditionStaleness.
	Kind string `json:"kind,omitempty"`
	Code string `json:"code"`
	// Threshold and Op apply to ConditionThreshold.
	Threshold float64 `json:"threshold,omitempty"`
	Op        string  `json:"op,omitempty"`
	// WindowHours is the observation lookback for ConditionThreshold and the
	// staleness horizon for ConditionStaleness (24 when unset).
	WindowHours int `json:"window_hours,omitempty"`
}

// ExpectedWrite describes one resource the agent must have created, with the
// field values the scorer checks.
type ExpectedWrite struct {
	Resource string            `json:"resource"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Task is the immutable description of one evaluation unit. Instances are
// loaded from the catalogue and never mutated; a pipeline run only reads them.
type Task struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Question     string `json:"question"`
	Instructions string `json:"instructions,omitempty"`
	// PatientRef is the target record, e.g. "Patient/S2874099".
	PatientRef string `json:"patient_ref"`
	ReadOnly   bool   `json:"readonly"`
	// Evaluator names the scoring routine registered for this task.
	Evaluator string `json:"evaluator"`
	// ExpectedAnswers is the answer cardinality the validator enforces.
	ExpectedAnswers int `json:"expected_answers"`
	// AllowEmptyAnswer accepts FINISH([]) for check-and-act tasks.
	AllowEmptyAnswer bool `json:"allow_empty_answer,omitempty"`
	// Unordered relaxes answer-order sensitivity. Order is significant by
	// default.
	Unordered bool `json:"unordered,omitempty"`
	// Tolerance widens numeric comparison, e.g. 0.1 for averaged values.
	Tolerance float64 `json:"tolerance,omitempty"`

	GroundTruth GroundTruth     `json:"ground_truth"`
	Writes      []ExpectedWrite `json:"writes,omitempty"`
	// WriteCondition, when set, makes Writes conditional on a measurement.
	WriteCondition *WriteCondition `json:"write_condition,omitempty"`
}

// ExpectedWriteCount is the number of write operations the agent must perform
// when the writes are unconditionally or conditionally required.
func (t Task) ExpectedWriteCount() int { return len(t.Writes) }

// MRN strips the "Patient/" prefix from the target record reference.
func (t Task) MRN() string {
	const prefix = "Patient/"
	if len(t.PatientRef) > len(prefix) && t.PatientRef[:len(prefix)] == prefix {
		return t.PatientRef[len(prefix):]
	}
	return t.PatientRef
}

// Source is the read-only task catalogue collaborator.
type Source interface {
	// Get returns the task for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Task, error)
	// List returns all tasks of the given type; an empty type lists the
	// whole catalogue.
	List(ctx context.Context, taskType string) ([]Task, error)
	// Types returns the distinct task types in the catalogue, sorted.
	Types() []string
}
