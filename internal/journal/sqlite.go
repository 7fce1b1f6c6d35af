package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// Store is the SQLite-backed Journal.
type Store struct {
	db *sql.DB
}

var _ Journal = (*Store)(nil)

// Open opens (creating if needed) the journal database at path and applies
// pending migrations. The parent directory is created with 0700 because
// the journal reveals which secrets exist.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := "file:" + clean + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Begin(ctx context.Context, r *model.Rollout) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("rollout id is required")
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	services, labels, err := encodeLists(r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollout %s: %w", r.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO rollouts (
	id, kind, strategy, name, final_name, original_id,
	temp_name, temp_id, final_id, services, labels,
	phase, progress, error, started_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), string(r.Strategy), r.Name, r.FinalName, r.OriginalID,
		r.TempName, r.TempID, r.FinalID, services, labels,
		string(r.Phase), string(r.Progress), r.Error, r.StartedAt.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert rollout %s: %w", r.ID, err)
	}
	if err := insertStep(ctx, tx, r.ID, r.Phase, "rollout started"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Advance(ctx context.Context, r *model.Rollout, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("advance rollout %s: %w", r.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateRollout(ctx, tx, r); err != nil {
		return err
	}
	if err := insertStep(ctx, tx, r.ID, r.Phase, detail); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Finish(ctx context.Context, r *model.Rollout) error {
	now := time.Now().UTC()
	r.FinishedAt = &now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish rollout %s: %w", r.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateRollout(ctx, tx, r); err != nil {
		return err
	}
	detail := "rollout finished"
	if r.Error != "" {
		detail = r.Error
	}
	if err := insertStep(ctx, tx, r.ID, r.Phase, detail); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*model.Rollout, []model.RolloutStep, error) {
	row := s.db.QueryRowContext(ctx, selectRollout+` WHERE id = ?`, id)
	r, err := scanRollout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get rollout %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT rollout_id, phase, detail, at
FROM rollout_steps
WHERE rollout_id = ?
ORDER BY id`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list steps of rollout %s: %w", id, err)
	}
	defer rows.Close()

	var steps []model.RolloutStep
	for rows.Next() {
		var (
			step  model.RolloutStep
			phase string
			at    int64
		)
		if err := rows.Scan(&step.RolloutID, &phase, &step.Detail, &at); err != nil {
			return nil, nil, fmt.Errorf("scan step: %w", err)
		}
		step.Phase = model.RolloutPhase(phase)
		step.At = time.UnixMilli(at).UTC()
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate steps: %w", err)
	}
	return r, steps, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]model.Rollout, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, selectRollout+` ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
}

func (s *Store) Active(ctx context.Context, kind model.Kind, name string) (*model.Rollout, error) {
	candidates, err := s.query(ctx, selectRollout+`
WHERE kind = ? AND (name = ? OR final_name = ?) AND phase NOT IN (?, ?)
ORDER BY started_at DESC`,
		string(kind), name, name, string(model.PhaseCompleted), string(model.PhaseRolledBack))
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if candidates[i].Resumable() {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

func (s *Store) Incomplete(ctx context.Context) ([]model.Rollout, error) {
	return s.query(ctx, selectRollout+` WHERE phase NOT IN (?, ?) ORDER BY started_at`,
		string(model.PhaseCompleted), string(model.PhaseRolledBack))
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]model.Rollout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rollouts: %w", err)
	}
	defer rows.Close()

	var out []model.Rollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollout: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rollouts: %w", err)
	}
	return out, nil
}

const selectRollout = `
SELECT id, kind, strategy, name, final_name, original_id,
	temp_name, temp_id, final_id, services, labels,
	phase, progress, error, started_at, finished_at
FROM rollouts`

type scanner interface {
	Scan(dest ...any) error
}

func scanRollout(row scanner) (*model.Rollout, error) {
	var (
		r                               model.Rollout
		kind, strategy, phase, progress string
		services, labels                string
		startedAt                       int64
		finishedAt                      sql.NullInt64
	)
	if err := row.Scan(
		&r.ID, &kind, &strategy, &r.Name, &r.FinalName, &r.OriginalID,
		&r.TempName, &r.TempID, &r.FinalID, &services, &labels,
		&phase, &progress, &r.Error, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	r.Kind = model.Kind(kind)
	r.Strategy = model.RolloutStrategy(strategy)
	r.Phase = model.RolloutPhase(phase)
	r.Progress = model.RolloutPhase(progress)
	r.StartedAt = time.UnixMilli(startedAt).UTC()
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		r.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(services), &r.Services); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &r.Labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	return &r, nil
}

func updateRollout(ctx context.Context, tx *sql.Tx, r *model.Rollout) error {
	services, labels, err := encodeLists(r)
	if err != nil {
		return err
	}
	var finishedAt any
	if r.FinishedAt != nil {
		finishedAt = r.FinishedAt.UTC().UnixMilli()
	}

	res, err := tx.ExecContext(ctx, `
UPDATE rollouts SET
	temp_name = ?, temp_id = ?, final_id = ?, services = ?, labels = ?,
	phase = ?, progress = ?, error = ?, finished_at = ?
WHERE id = ?`,
		r.TempName, r.TempID, r.FinalID, services, labels,
		string(r.Phase), string(r.Progress), r.Error, finishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update rollout %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, id string, phase model.RolloutPhase, detail string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rollout_steps (rollout_id, phase, detail, at) VALUES (?, ?, ?, ?)`,
		id, string(phase), detail, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record step of rollout %s: %w", id, err)
	}
	return nil
}

func encodeLists(r *model.Rollout) (string, string, error) {
	services := r.Services
	if services == nil {
		services = []string{}
	}
	s, err := json.Marshal(services)
	if err != nil {
		return "", "", fmt.Errorf("encode services: %w", err)
	}
	labels := r.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	l, err := json.Marshal(labels)
	if err != nil {
		return "", "", fmt.Errorf("encode labels: %w", err)
	}
	return string(s), string(l), nil
}
