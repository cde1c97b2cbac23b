package report

import (
	"testing"
	"time"

	"github.com/metalagman/medbench/internal/answer"
	"github.com/metalagman/medbench/internal/score"
	"github.com/metalagman/medbench/internal/task"
)

func TestBuildBatchSummarizesByType(t *testing.T) {
	t.Parallel()

	started := time.Now().Add(-time.Second)
	lab := task.Task{ID: "lab_1", Type: "lab_lookup"}
	med := task.Task{ID: "med_1", Type: "med_order"}

	reports := []TaskReport{
		Scored(lab, answer.Verdict{Valid: true, Answers: []string{"1.2"}}, score.Outcome{Correct: true}, started),
		Scored(task.Task{ID: "lab_2", Type: "lab_lookup"}, answer.Verdict{Valid: true},
			score.Outcome{Issues: []score.Issue{{Field: "answers[0]"}}}, started),
		Invalid(med, answer.Verdict{Reason: answer.ReasonMalformedEnvelope}, started),
		Failed(task.Task{ID: "med_2", Type: "med_order"}, FailureRoundLimit, "round 9", started),
	}

	b := BuildBatch("batch-1", "http://agent.local", reports, started)

	if b.Total != 4 || b.Correct != 1 {
		t.Fatalf("total/correct = %d/%d, want 4/1", b.Total, b.Correct)
	}
	if b.Accuracy != 0.25 {
		t.Fatalf("accuracy = %v, want 0.25", b.Accuracy)
	}

	labs := b.ByType["lab_lookup"]
	if labs.Count != 2 || labs.Correct != 1 || labs.Accuracy != 0.5 {
		t.Fatalf("lab summary = %+v", labs)
	}
	meds := b.ByType["med_order"]
	if meds.Count != 2 || meds.Correct != 0 {
		t.Fatalf("med summary = %+v", meds)
	}

	if b.Failures["malformed_envelope"] != 1 || b.Failures["round_limit"] != 1 {
		t.Fatalf("failures = %v", b.Failures)
	}
}

func TestBuildBatchEmpty(t *testing.T) {
	t.Parallel()

	b := BuildBatch("batch-empty", "", nil, time.Now())
	if b.Total != 0 || b.Accuracy != 0 {
		t.Fatalf("batch = %+v, want empty", b)
	}
}

func TestFailureKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		report TaskReport
		want   string
	}{
		{name: "scored correct", report: TaskReport{Valid: true, Correct: true}, want: ""},
		{name: "scored wrong", report: TaskReport{Valid: true}, want: ""},
		{name: "invalid", report: TaskReport{InvalidReason: answer.ReasonNotParseable}, want: "not_parseable"},
		{name: "failed", report: TaskReport{FailureReason: FailureTimeout}, want: "timeout"},
		{name: "ground truth gone", report: TaskReport{Valid: true, GroundTruthUnavailable: true}, want: "ground_truth_unavailable"},
	}
	for _, tc := range tests {
		if got := tc.report.FailureKey(); got != tc.want {
			t.Errorf("%s: FailureKey() = %q, want %q", tc.name, got, tc.want)
		}
	}
}
