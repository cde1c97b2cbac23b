package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/metalagman/medbench/internal/answer"
	"github.com/metalagman/medbench/internal/score"
)

// ErrNotFound is returned when a batch id has no stored report.
var ErrNotFound = errors.New("batch not found")

// Store persists batches, per-task reports and lifecycle events.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on top of an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveBatch writes the batch, its per-task reports and a batch_completed
// event in one transaction.
func (s *Store) SaveBatch(ctx context.Context, b Batch) error {
	summary, err := json.Marshal(b.ByType)
	if err != nil {
		return fmt.Errorf("marshal batch summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin save batch: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO batches(batch_id, agent_url, status, started_at, duration_ms, total, correct, accuracy, summary_json)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.AgentURL, "completed", b.StartedAt.UTC().Format(time.RFC3339),
		b.Duration.Milliseconds(), b.Total, b.Correct, b.Accuracy, string(summary)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert batch: %w", err)
	}
	for _, r := range b.Reports {
		if err := insertReport(ctx, tx, b.BatchID, r); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := insertEvent(ctx, tx, b.BatchID, "batch_completed",
		fmt.Sprintf("%d/%d correct", b.Correct, b.Total), ""); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save batch: %w", err)
	}
	return nil
}

func insertReport(ctx context.Context, tx *sql.Tx, batchID string, r TaskReport) error {
	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	expected, err := json.Marshal(r.Expected)
	if err != nil {
		return fmt.Errorf("marshal expected: %w", err)
	}
	issues, err := json.Marshal(r.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_reports(batch_id, task_id, task_type, correct, valid, invalid_reason, failure_reason, detail, answers_json, expected_json, issues_json, ground_truth_unavailable, started_at, duration_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batchID, r.TaskID, r.TaskType, r.Correct, r.Valid,
		nullableString(string(r.InvalidReason)), nullableString(r.FailureReason), nullableString(r.Detail),
		string(answers), string(expected), string(issues), r.GroundTruthUnavailable,
		r.StartedAt.UTC().Format(time.RFC3339), r.Duration.Milliseconds()); err != nil {
		return fmt.Errorf("insert task report: %w", err)
	}
	return nil
}

// AppendEvent records one lifecycle or audit event for a batch.
func (s *Store) AppendEvent(ctx context.Context, batchID, typ, message, dataJSON string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	if err := insertEvent(ctx, tx, batchID, typ, message, dataJSON); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append event: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, batchID, typ, message, dataJSON string) error {
	seq, err := nextSeq(ctx, tx, batchID)
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(batch_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		batchID, seq, ts, typ, message, nullableString(dataJSON)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx, batchID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE batch_id=?`, batchID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read event seq: %w", err)
	}
	return seq + 1, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// BatchRow is a stored batch summary without its per-task reports.
type BatchRow struct {
	BatchID   string
	AgentURL  string
	Status    string
	StartedAt time.Time
	Duration  time.Duration
	Total     int
	Correct   int
	Accuracy  float64
}

// ListBatches returns stored batches, newest first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]BatchRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT batch_id, agent_url, status, started_at, duration_ms, total, correct, accuracy
		FROM batches ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRow
	for rows.Next() {
		var (
			row        BatchRow
			startedAt  string
			durationMS int64
		)
		if err := rows.Scan(&row.BatchID, &row.AgentURL, &row.Status, &startedAt, &durationMS, &row.Total, &row.Correct, &row.Accuracy); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		row.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		row.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return out, nil
}

// GetBatch loads one batch with its per-task reports.
func (s *Store) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	var (
		b          Batch
		startedAt  string
		durationMS int64
		summary    sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `SELECT batch_id, agent_url, started_at, duration_ms, total, correct, accuracy, summary_json
		FROM batches WHERE batch_id=?`, batchID)
	if err := row.Scan(&b.BatchID, &b.AgentURL, &startedAt, &durationMS, &b.Total, &b.Correct, &b.Accuracy, &summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Batch{}, fmt.Errorf("%w: %s", ErrNotFound, batchID)
		}
		return Batch{}, fmt.Errorf("read batch: %w", err)
	}
	b.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	b.Duration = time.Duration(durationMS) * time.Millisecond
	b.ByType = make(map[string]TypeSummary)
	if summary.Valid && summary.String != "" {
		if err := json.Unmarshal([]byte(summary.String), &b.ByType); err != nil {
			return Batch{}, fmt.Errorf("decode batch summary: %w", err)
		}
	}

	reports, err := s.reportsFor(ctx, batchID)
	if err != nil {
		return Batch{}, err
	}
	b.Reports = reports
	b.Failures = make(map[string]int)
	for _, r := range reports {
		if key := r.FailureKey(); key != "" {
			b.Failures[key]++
		}
	}
	return b, nil
}

func (s *Store) reportsFor(ctx context.Context, batchID string) ([]TaskReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, task_type, correct, valid, invalid_reason, failure_reason, detail, answers_json, expected_json, issues_json, ground_truth_unavailable, started_at, duration_ms
		FROM task_reports WHERE batch_id=? ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list task reports: %w", err)
	}
	defer rows.Close()

	var out []TaskReport
	for rows.Next() {
		var (
			r                                      TaskReport
			invalidReason, failureReason, detail   sql.NullString
			answersJSON, expectedJSON, issuesJSON  sql.NullString
			startedAt                              string
			durationMS                             int64
		)
		if err := rows.Scan(&r.TaskID, &r.TaskType, &r.Correct, &r.Valid, &invalidReason, &failureReason, &detail,
			&answersJSON, &expectedJSON, &issuesJSON, &r.GroundTruthUnavailable, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan task report: %w", err)
		}
		r.InvalidReason = answer.Reason(invalidReason.String)
		r.FailureReason = failureReason.String
		r.Detail = detail.String
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if err := decodeJSON(answersJSON, &r.Answers); err != nil {
			return nil, err
		}
		if err := decodeJSON(expectedJSON, &r.Expected); err != nil {
			return nil, err
		}
		var issues []score.Issue
		if err := decodeJSON(issuesJSON, &issues); err != nil {
			return nil, err
		}
		r.Issues = issues
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task reports: %w", err)
	}
	return out, nil
}

func decodeJSON(col sql.NullString, v any) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		return fmt.Errorf("decode stored json: %w", err)
	}
	return nil
}

// Prune deletes batches that started before cutoff, cascading to their
// task reports, and drops their events.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE batch_id IN (SELECT batch_id FROM batches WHERE started_at < ?)`, ts); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prune events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE started_at < ?`, ts)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prune batches: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}
