package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/stay-ledger/backend/internal/storage/models"
)

// RunRepository is the append-only sync and enrichment log.
// A run is written once when it starts and completed once when it finishes.
type RunRepository struct {
	BaseRepository
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// RunFilter narrows a run listing. Empty fields match everything.
type RunFilter struct {
	Kind    string
	ScopeID string
	Limit   int
}

const runColumns = `id, kind, scope_type, scope_id, started_at, finished_at, status,
	events_found, processed, matched, errors, detail`

func scanRun(s rowScanner, run *models.SyncRun) error {
	return s.Scan(
		&run.ID, &run.Kind, &run.ScopeType, &run.ScopeID, &run.StartedAt, &run.FinishedAt, &run.Status,
		&run.EventsFound, &run.Processed, &run.Matched, &run.Errors, &run.Detail,
	)
}

// Start records the beginning of a run.
func (r *RunRepository) Start(ctx context.Context, kind, scopeType, scopeID string) (*models.SyncRun, error) {
	run := &models.SyncRun{
		ID:        GenerateID(),
		Kind:      kind,
		ScopeType: scopeType,
		ScopeID:   scopeID,
		StartedAt: r.Now(),
		Status:    models.RunStatusRunning,
	}

	_, err := r.Conn().ExecContext(ctx, `
		INSERT INTO sync_runs (id, kind, scope_type, scope_id, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Kind, run.ScopeType, run.ScopeID, run.StartedAt, run.Status)
	if err != nil {
		return nil, fmt.Errorf("inserting sync run: %w", err)
	}

	return run, nil
}

// Finish completes a run with its outcome and counters.
func (r *RunRepository) Finish(ctx context.Context, run *models.SyncRun) error {
	finished := r.Now()
	run.FinishedAt = &finished

	result, err := r.Conn().ExecContext(ctx, `
		UPDATE sync_runs SET
			finished_at = ?, status = ?, events_found = ?, processed = ?, matched = ?, errors = ?, detail = ?
		WHERE id = ? AND finished_at IS NULL
	`, run.FinishedAt, run.Status, run.EventsFound, run.Processed, run.Matched, run.Errors, run.Detail, run.ID)
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("sync run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

// Record writes a run that was decided without doing any work, such as one
// declined by the concurrency guard.
func (r *RunRepository) Record(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" {
		run.ID = GenerateID()
	}
	now := r.Now()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.FinishedAt = &now

	_, err := r.Conn().ExecContext(ctx, `
		INSERT INTO sync_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.Kind, run.ScopeType, run.ScopeID, run.StartedAt, run.FinishedAt, run.Status,
		run.EventsFound, run.Processed, run.Matched, run.Errors, run.Detail,
	)
	if err != nil {
		return fmt.Errorf("inserting sync run: %w", err)
	}

	return nil
}

// LatestSuccess returns the finish time of the most recent successful run for
// a scope, or nil when there is none.
func (r *RunRepository) LatestSuccess(ctx context.Context, kind, scopeType, scopeID string) (*time.Time, error) {
	var finished time.Time

	err := r.Conn().QueryRowContext(ctx, `
		SELECT finished_at FROM sync_runs
		WHERE kind = ? AND scope_type = ? AND scope_id = ? AND status = ? AND finished_at IS NOT NULL
		ORDER BY finished_at DESC
		LIMIT 1
	`, kind, scopeType, scopeID, models.RunStatusSuccess).Scan(&finished)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest successful run: %w", err)
	}

	return &finished, nil
}

// List retrieves runs newest first.
func (r *RunRepository) List(ctx context.Context, filter RunFilter) ([]models.SyncRun, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.ScopeID != "" {
		conds = append(conds, "scope_id = ?")
		args = append(args, filter.ScopeID)
	}

	query := `SELECT ` + runColumns + ` FROM sync_runs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY started_at DESC, id`

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := r.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sync runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		var run models.SyncRun
		if err := scanRun(rows, &run); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// prefixed qualifies every column of a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
