package score

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/medbench/internal/fhir"
	"github.com/metalagman/medbench/internal/task"
)

type storeFixture struct {
	observations []map[string]any
	birthDate    string
	down         bool
}

func (f *storeFixture) client(t *testing.T) *fhir.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /Observation", func(w http.ResponseWriter, _ *http.Request) {
		if f.down {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"entry": f.observations})
	})
	mux.HandleFunc("GET /Patient", func(w http.ResponseWriter, _ *http.Request) {
		if f.down {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"entry": []map[string]any{
			{"resource": map[string]any{"birthDate": f.birthDate}},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fhir.NewClient(srv.URL, fhir.WithHTTPClient(srv.Client()))
}

func obsEntry(value float64, effective string) map[string]any {
	return map[string]any{"resource": map[string]any{
		"effectiveDateTime": effective,
		"valueQuantity":     map[string]any{"value": value, "unit": "mg/dL"},
	}}
}

func labTask() task.Task {
	return task.Task{
		ID:              "lab_lookup_1",
		Type:            "lab_lookup",
		Question:        "What is the most recent magnesium level within 24h?",
		PatientRef:      "Patient/S2874099",
		ReadOnly:        true,
		Evaluator:       EvaluatorReadOnly,
		ExpectedAnswers: 1,
		GroundTruth: task.GroundTruth{
			Mode:        task.GroundTruthWindowedObservation,
			Code:        "MG",
			WindowHours: 24,
		},
	}
}

func TestReadOnlyCorrectAnswer(t *testing.T) {
	t.Parallel()

	store := &storeFixture{observations: []map[string]any{
		obsEntry(1.2, "2023-11-13T01:15:00+00:00"),
		obsEntry(1.9, "2023-11-10T08:00:00+00:00"),
	}}
	r := NewRegistry(store.client(t))

	out, err := r.Evaluate(context.Background(), Input{Task: labTask(), Answers: []string{"1.2"}})
	require.NoError(t, err)
	assert.True(t, out.Correct)
	assert.Empty(t, out.Issues)
	assert.Equal(t, []string{"1.2"}, out.Expected)
}

func TestReadOnlyWrongAnswer(t *testing.T) {
	t.Parallel()

	store := &storeFixture{observations: []map[string]any{
		obsEntry(1.2, "2023-11-13T01:15:00+00:00"),
	}}
	r := NewRegistry(store.client(t))

	out, err := r.Evaluate(context.Background(), Input{Task: labTask(), Answers: []string{"1.9"}})
	require.NoError(t, err)
	assert.False(t, out.Correct)
	require.Len(t, out.Issues, 1)
	assert.Equal(t, "answers[0]", out.Issues[0].Field)
	assert.Equal(t, "1.2", out.Issues[0].Expected)
}

func TestReadOnlyNoObservationInWindow(t *testing.T) {
	t.Parallel()

	store := &storeFixture{observations: []map[string]any{
		obsEntry(1.9, "2023-11-01T08:00:00+00:00"),
	}}
	r := NewRegistry(store.client(t))

	out, err := r.Evaluate(context.Background(), Input{Task: labTask(), Answers: []string{"-1"}})
	require.NoError(t, err)
	assert.True(t, out.Correct)
	assert.Equal(t, []string{"-1"}, out.Expected)
}

func TestReadOnlyPenalizesWrites(t *testing.T) {
	t.Parallel()

	store := &storeFixture{observations: []map[string]any{
		obsEntry(1.2, "2023-11-13T01:15:00+00:00"),
	}}
	r := NewRegistry(store.client(t))

	out, err := r.Evaluate(context.Background(), Input{
		Task:    labTask(),
		Answers: []string{"1.9"},
		Writes: []WriteRecord{
			{Method: "POST", URL: "http://fhir.local/r4/Observation", Body: map[string]any{}},
		},
	})
	require.NoError(t, err)
	assert.False(t, out.Correct)
	// Both the wrong answer and the forbidden write are reported.
	require.Len(t, out.Issues, 2)
	assert.Equal(t, "answers[0]", out.Issues[0].Field)
	assert.Equal(t, "writes.count", out.Issues[1].Field)
}

func TestReadOnlyGroundTruthUnavailable(t *testing.T) {
	t.Parallel()

	store := &storeFixture{down: true}
	r := NewRegistry(store.client(t))

	out, err := r.Evaluate(context.Background(), Input{Task: labTask(), Answers: []string{"1.2"}})
	require.NoError(t, err)
	assert.False(t, out.Correct)
	assert.True(t, out.GroundTruthUnavailable)
	assert.Empty(t, out.Issues)
}

func TestReadOnlyAverageWithTolerance(t *testing.T) {
	t.Parallel()

	store := &storeFixture{observations: []map[string]any{
		obsEntry(100, "2023-11-13T02:00:00+00:00"),
		obsEntry(141, "2023-11-12T20:00:00+00:00"),
	}}
	r := NewRegistry(store.client(t))

	tk := labTask()
	tk.Tolerance = 0.1
	tk.GroundTruth = task.GroundTruth{Mode: task.GroundTruthAverageObservation, Code: "GLU", WindowHours: 24}

	out, err := r.Evaluate(context.Background(), Input{Task: tk, Answers: []string{"120.45"}})
	require.NoError(t, err)
	assert.True(t, out.Correct, "issues: %v", out.Issues)
}

func TestReadOnlyPatientAge(t *testing.T) {
	t.Parallel()

	store := &storeFixture{birthDate: "1980-03-02"}
	r := NewRegistry(store.client(t))

	tk := labTask()
	tk.GroundTruth = task.GroundTruth{Mode: task.GroundTruthPatientAge}

	out, err := r.Evaluate(context.Background(), Input{Task: tk, Answers: []string{"43"}})
	require.NoError(t, err)
	assert.True(t, out.Correct, "issues: %v", out.Issues)
}

func medicationTask() task.Task {
	return task.Task{
		ID:              "med_order_1",
		Type:            "med_order",
		Question:        "Order IV magnesium replacement.",
		PatientRef:      "Patient/S2874099",
		Evaluator:       EvaluatorWrite,
		ExpectedAnswers: 1,
		GroundTruth:     task.GroundTruth{Mode: task.GroundTruthStatic, Solution: []string{"ordered"}},
		Writes: []task.ExpectedWrite{{
			Resource: "MedicationRequest",
			Fields: map[string]string{
				"status":            "active",
				"subject.reference": "Patient/S2874099",
				"dosageInstruction.0.route.text":                          "IV",
				"dosageInstruction.0.doseAndRate.0.doseQuantity.value":    "0.4",
			},
		}},
	}
}

func medicationPayload(route string, dose float64) map[string]any {
	return map[string]any{
		"status":  "active",
		"subject": map[string]any{"reference": "Patient/S2874099"},
		"dosageInstruction": []any{map[string]any{
			"route": map[string]any{"text": route},
			"doseAndRate": []any{map[string]any{
				"doseQuantity": map[string]any{"value": dose},
			}},
		}},
	}
}

func TestWriteTaskAccepted(t *testing.T) {
	t.Parallel()

	r := NewRegistry((&storeFixture{}).client(t))
	out, err := r.Evaluate(context.Background(), Input{
		Task:    medicationTask(),
		Answers: []string{"ordered"},
		Writes: []WriteRecord{{
			Method: "POST",
			URL:    "http://fhir.local/r4/MedicationRequest",
			Body:   medicationPayload("IV", 0.4),
		}},
	})
	require.NoError(t, err)
	assert.True(t, out.Correct, "issues: %v", out.Issues)
}

func TestWriteTaskReportsEveryFieldIssue(t *testing.T) {
	t.Parallel()

	r := NewRegistry((&storeFixture{}).client(t))
	out, err := r.Evaluate(context.Background(), Input{
		Task:    medicationTask(),
		Answers: []string{"ordered"},
		Writes: []WriteRecord{{
			Method: "POST",
			URL:    "http://fhir.local/r4/MedicationRequest",
			Body:   medicationPayload("oral", 0.2),
		}},
	})
	require.NoError(t, err)
	assert.False(t, out.Correct)
	// Wrong route and wrong dose are both reported, no short-circuit.
	require.Len(t, out.Issues, 2)
	assert.Contains(t, out.Issues[0].Field, "doseQuantity.value")
	assert.Contains(t, out.Issues[1].Field, "route.text")
}

func TestWriteTaskCountMismatch(t *testing.T) {
	t.Parallel()

	r := NewRegistry((&storeFixture{}).client(t))
	out, err := r.Evaluate(context.Background(), Input{
		Task:    medicationTask(),
		Answers: []string{"ordered"},
	})
	require.NoError(t, err)
	assert.False(t, out.Correct)
	require.NotEmpty(t, out.Issues)
	assert.Equal(t, "writes.MedicationRequest.count", out.Issues[0].Field)
	assert.Equal(t, "1", out.Issues[0].Expected)
	assert.Equal(t, "0", out.Issues[0].Actual)
}

func potassiumTask() task.Task {
	return task.Task{
		ID:               "k_check_1",
		Type:             "k_check",
		Question:         "Check potassium and order replacement if below 3.5.",
		PatientRef:       "Patient/S2874099",
		Evaluator:        EvaluatorConditionalWrite,
		ExpectedAnswers:  1,
		AllowEmptyAnswer: true,
		GroundTruth:      task.GroundTruth{Mode: task.GroundTruthLatestObservation, Code: "K"},
		WriteCondition:   &task.WriteCondition{Code: "K", Threshold: 3.5},
		Writes: []task.ExpectedWrite{{
			Resource: "MedicationRequest",
			Fields:   map[string]string{"status": "active"},
		}},
	}
}

func TestConditionalWriteBelowThresholdRequiresOrder(t *testing.T) {
	t.Parallel()

	store := &storeFixture{observations: []map[string]any{
		obsEntry(3.1, "2023-11-13T01:00:00+00:00"),
	}}
	r := NewRegistry(store.client(t))

	out, err := r.Evaluate(context.Background(), Input{Task: potassiumTask()})
	require.NoError(t, err)
	assert.False(t, out.Correct)
	require.NotEmpty(t, out.Issues)
	assert.Equal(t, "writes.MedicationRequest.count", out.Issues[0].Field)

	out, err = r.Evaluate(context.Background(), Input{
		Task: potassiumTask(),
		Writes: []WriteRecord{{
			Method: "POST",
			URL:    "http://fhir.local/r4/MedicationRequest",
			Body:   map[string]any{"status": "active"},
		}},
	})
	require.NoError(t, err)
	assert.True(t, out.Correct, "issues: %v", out.Issues)
}

func TestConditionalWriteAboveThresholdForbidsOrder(t *testing.T) {
	t.Parallel()

	store := &storeFixture{observations: []map[string]any{
		obsEntry(4.2, "2023-11-13T01:00:00+00:00"),
	}}
	r := NewRegistry(store.client(t))

	// No order placed, empty answer: correct.
	out, err := r.Evaluate(context.Background(), Input{Task: potassiumTask()})
	require.NoError(t, err)
	assert.True(t, out.Correct, "issues: %v", out.Issues)

	// An order placed anyway is an issue.
	out, err = r.Evaluate(context.Background(), Input{
		Task: potassiumTask(),
		Writes: []WriteRecord{{
			Method: "POST",
			URL:    "http://fhir.local/r4/MedicationRequest",
			Body:   map[string]any{"status": "active"},
		}},
	})
	require.NoError(t, err)
	assert.False(t, out.Correct)
	require.NotEmpty(t, out.Issues)
	assert.Equal(t, "writes.MedicationRequest.count", out.Issues[0].Field)
	assert.Equal(t, "0", out.Issues[0].Expected)
}

func TestConditionalWriteThresholdBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	// Value exactly at the threshold still triggers the order.
	store := &storeFixture{observations: []map[string]any{
		obsEntry(3.5, "2023-11-13T01:00:00+00:00"),
	}}
	r := NewRegistry(store.client(t))

	out, err := r.Evaluate(context.Background(), Input{Task: potassiumTask()})
	require.NoError(t, err)
	assert.False(t, out.Correct)
	require.NotEmpty(t, out.Issues)
	assert.Equal(t, "writes.MedicationRequest.count", out.Issues[0].Field)

	out, err = r.Evaluate(context.Background(), Input{
		Task: potassiumTask(),
		Writes: []WriteRecord{{
			Method: "POST",
			URL:    "http://fhir.local/r4/MedicationRequest",
			Body:   map[string]any{"status": "active"},
		}},
	})
	require.NoError(t, err)
	assert.True(t, out.Correct, "issues: %v", out.Issues)
}

func TestConditionalWriteStrictOperator(t *testing.T) {
	t.Parallel()

	store := &storeFixture{observations: []map[string]any{
		obsEntry(3.5, "2023-11-13T01:00:00+00:00"),
	}}
	r := NewRegistry(store.client(t))

	tk := potassiumTask()
	tk.WriteCondition.Op = task.CompareLT

	// Strictly-below: the boundary value does not require an order.
	out, err := r.Evaluate(context.Background(), Input{Task: tk})
	require.NoError(t, err)
	assert.True(t, out.Correct, "issues: %v", out.Issues)
}

func glucoseStalenessTask() task.Task {
	return task.Task{
		ID:               "glu_recheck_1",
		Type:             "glu_recheck",
		Question:         "Report the latest glucose and when it was taken; order a new test if it is older than 24h.",
		PatientRef:       "Patient/S2874099",
		Evaluator:        EvaluatorConditionalWrite,
		ExpectedAnswers:  2,
		AllowEmptyAnswer: true,
		WriteCondition: &task.WriteCondition{
			Kind:        task.ConditionStaleness,
			Code:        "GLU",
			WindowHours: 24,
		},
		Writes: []task.ExpectedWrite{{
			Resource: "ServiceRequest",
			Fields:   map[string]string{"status": "active"},
		}},
	}
}

func TestStalenessFreshObservationForbidsOrder(t *testing.T) {
	t.Parallel()

	store := &storeFixture{observations: []map[string]any{
		obsEntry(118, "2023-11-13T01:15:00+00:00"),
	}}
	r := NewRegistry(store.client(t))

	out, err := r.Evaluate(context.Background(), Input{
		Task:    glucoseStalenessTask(),
		Answers: []string{"118", "2023-11-13T01:15:00+00:00"},
	})
	require.NoError(t, err)
	assert.True(t, out.Correct, "issues: %v", out.Issues)
	assert.Equal(t, []string{"118", "2023-11-13T01:15:00Z"}, out.Expected)

	// Ordering a fresh test anyway is an issue.
	out, err = r.Evaluate(context.Background(), Input{
		Task:    glucoseStalenessTask(),
		Answers: []string{"118", "2023-11-13T01:15:00+00:00"},
		Writes: []WriteRecord{{
			Method: "POST",
			URL:    "http://fhir.local/r4/ServiceRequest",
			Body:   map[string]any{"status": "active"},
		}},
	})
	require.NoError(t, err)
	assert.False(t, out.Correct)
	require.NotEmpty(t, out.Issues)
	assert.Equal(t, "writes.ServiceRequest.count", out.Issues[0].Field)
}

func TestStalenessOldObservationRequiresOrder(t *testing.T) {
	t.Parallel()

	store := &storeFixture{observations: []map[string]any{
		obsEntry(129, "2023-11-10T08:00:00+00:00"),
	}}
	r := NewRegistry(store.client(t))

	out, err := r.Evaluate(context.Background(), Input{
		Task:    glucoseStalenessTask(),
		Answers: []string{"129", "2023-11-10T08:00:00+00:00"},
		Writes: []WriteRecord{{
			Method: "POST",
			URL:    "http://fhir.local/r4/ServiceRequest",
			Body:   map[string]any{"status": "active"},
		}},
	})
	require.NoError(t, err)
	assert.True(t, out.Correct, "issues: %v", out.Issues)

	// The missing order is reported.
	out, err = r.Evaluate(context.Background(), Input{
		Task:    glucoseStalenessTask(),
		Answers: []string{"129", "2023-11-10T08:00:00+00:00"},
	})
	require.NoError(t, err)
	assert.False(t, out.Correct)
	require.NotEmpty(t, out.Issues)
	assert.Equal(t, "writes.ServiceRequest.count", out.Issues[0].Field)
}

func TestConditionalWriteStoreDownIsUnavailable(t *testing.T) {
	t.Parallel()

	r := NewRegistry((&storeFixture{down: true}).client(t))
	out, err := r.Evaluate(context.Background(), Input{Task: potassiumTask()})
	require.NoError(t, err)
	assert.True(t, out.GroundTruthUnavailable)
	assert.False(t, out.Correct)
}

func TestUnknownEvaluatorIsAnError(t *testing.T) {
	t.Parallel()

	r := NewRegistry((&storeFixture{}).client(t))
	tk := labTask()
	tk.Evaluator = "nope"
	_, err := r.Evaluate(context.Background(), Input{Task: tk})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown evaluator")
}
