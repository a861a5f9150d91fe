package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

var jobColumns = []string{
	"id", "user_id", "type", "status", "input_json", "output_json", "error_log",
	"estimated_cost", "actual_cost", "created_at", "updated_at", "completed_at",
}

func (s *Store) CreateJob(ctx context.Context, j Job) (Job, error) {
	if j.ID == "" {
		j.ID = ulid.Make().String()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	if len(j.Input) == 0 {
		j.Input = json.RawMessage("{}")
	}
	now := s.now()
	j.CreatedAt, j.UpdatedAt = now, now

	ins := s.sql.Insert("jobs").
		Columns(jobColumns...).
		Values(j.ID, j.UserID, j.Type, j.Status, string(j.Input), nullRaw(j.Output), nullString(j.ErrorLog),
			j.EstimatedCost, j.ActualCost, j.CreatedAt, j.UpdatedAt, nil)
	if _, err := exec(ctx, s.db, ins, "insert job"); err != nil {
		return Job{}, err
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, userID, id string) (Job, error) {
	q := s.sql.Select(jobColumns...).From("jobs").Where(sq.Eq{"user_id": userID, "id": id})
	query, args, err := q.ToSql()
	if err != nil {
		return Job{}, fmt.Errorf("build get job query: %w", err)
	}
	j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, userID string, limit uint64) ([]Job, error) {
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select(jobColumns...).
		From("jobs").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(limit)
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// TransitionJob applies t atomically. ok is false when the job exists but is
// not in one of t.From; ErrNotFound when the user has no such job.
func (s *Store) TransitionJob(ctx context.Context, t JobTransition) (job Job, ok bool, err error) {
	now := s.now()
	upd := s.sql.Update("jobs").
		Set("status", t.To).
		Set("updated_at", now).
		Where(sq.Eq{"user_id": t.UserID, "id": t.ID, "status": t.From})
	if len(t.Output) > 0 {
		upd = upd.Set("output_json", string(t.Output))
	}
	if t.ErrorLog != nil {
		upd = upd.Set("error_log", *t.ErrorLog)
	}
	if t.ActualCost.Valid {
		upd = upd.Set("actual_cost", t.ActualCost)
	}
	switch t.To {
	case JobCompleted, JobFailed, JobCancelled:
		upd = upd.Set("completed_at", now)
	}

	n, err := exec(ctx, s.db, upd, "transition job")
	if err != nil {
		return Job{}, false, err
	}
	job, err = s.GetJob(ctx, t.UserID, t.ID)
	if err != nil {
		return Job{}, false, err
	}
	return job, n == 1, nil
}

// FailStaleJobs fails every processing job last touched before cutoff.
func (s *Store) FailStaleJobs(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	now := s.now()
	upd := s.sql.Update("jobs").
		Set("status", JobFailed).
		Set("error_log", reason).
		Set("updated_at", now).
		Set("completed_at", now).
		Where(sq.Eq{"status": JobProcessing}).
		Where(sq.Lt{"updated_at": cutoff.UTC()})
	return exec(ctx, s.db, upd, "fail stale jobs")
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var input string
	var output, errLog sql.NullString
	var estimated decimal.Decimal
	var actual decimal.NullDecimal
	var completedAt sql.NullTime
	if err := r.Scan(
		&j.ID,
		&j.UserID,
		&j.Type,
		&j.Status,
		&input,
		&output,
		&errLog,
		&estimated,
		&actual,
		&j.CreatedAt,
		&j.UpdatedAt,
		&completedAt,
	); err != nil {
		return Job{}, err
	}
	j.Input = json.RawMessage(input)
	if output.Valid {
		j.Output = json.RawMessage(output.String)
	}
	j.ErrorLog = stringPtr(errLog)
	j.EstimatedCost = estimated
	j.ActualCost = actual
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
