package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/database"
)

// SQLStore keeps jobs in the shared database. Finished jobs are retained.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(ctx context.Context, db *database.DB) (*SQLStore, error) {
	err := db.Migrate(ctx,
		`CREATE TABLE IF NOT EXISTS batch_jobs (
			id TEXT PRIMARY KEY,
			institution_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			version BIGINT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS batch_jobs_status ON batch_jobs (status, created_at)`,
	)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Create(ctx context.Context, j *Job) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO batch_jobs (id, institution_id, status, created_at, version, doc)
		VALUES (?, ?, ?, ?, ?, ?)`),
		j.ID, j.InstitutionID, string(j.Status), j.CreatedAt.UnixNano(), j.Version, string(doc))
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT doc FROM batch_jobs WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(doc)
}

func (s *SQLStore) Update(ctx context.Context, j *Job) error {
	expected := j.Version
	j.Version++
	doc, err := json.Marshal(j)
	if err != nil {
		j.Version = expected
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE batch_jobs SET status = ?, version = ?, doc = ? WHERE id = ? AND version = ?`),
		string(j.Status), j.Version, string(doc), j.ID, expected)
	if err != nil {
		j.Version = expected
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		j.Version = expected
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n == 0 {
		j.Version = expected
		if _, err := s.Get(ctx, j.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT doc FROM batch_jobs WHERE status IN (`+strings.Join(marks, ", ")+`) ORDER BY created_at`), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Evict keeps every job; finished jobs stay available for polling.
func (s *SQLStore) Evict(context.Context, time.Time) ([]string, error) { return nil, nil }

func decodeJob(doc string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(doc), &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
