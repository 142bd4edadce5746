package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stay-ledger/backend/internal/storage/models"
)

// PropertyRepository provides data access for properties and their feeds.
type PropertyRepository struct {
	BaseRepository
}

// NewPropertyRepository creates a new property repository.
func NewPropertyRepository(db *DB) *PropertyRepository {
	return &PropertyRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// WithTx returns a repository whose statements run inside tx.
func (r *PropertyRepository) WithTx(tx *sql.Tx) *PropertyRepository {
	return &PropertyRepository{BaseRepository: r.BaseRepository.bind(tx)}
}

// Create inserts a new property.
func (r *PropertyRepository) Create(ctx context.Context, p *models.Property) error {
	if p.ID == "" {
		p.ID = GenerateID()
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	p.CreatedAt = r.Now()
	p.UpdatedAt = p.CreatedAt

	_, err := r.Conn().ExecContext(ctx, `
		INSERT INTO properties (id, workspace_id, name, timezone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.WorkspaceID, p.Name, p.Timezone, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting property: %w", err)
	}

	return nil
}

// GetByID retrieves a property by its ID. It returns nil when none exists.
func (r *PropertyRepository) GetByID(ctx context.Context, id string) (*models.Property, error) {
	p := &models.Property{}

	err := r.Conn().QueryRowContext(ctx, `
		SELECT id, workspace_id, name, timezone, created_at, updated_at
		FROM properties WHERE id = ?
	`, id).Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Timezone, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying property: %w", err)
	}

	return p, nil
}

// List retrieves all properties.
func (r *PropertyRepository) List(ctx context.Context) ([]models.Property, error) {
	return r.listWhere(ctx, "", nil)
}

// ListWithActiveFeeds retrieves properties that have at least one active feed.
func (r *PropertyRepository) ListWithActiveFeeds(ctx context.Context) ([]models.Property, error) {
	return r.listWhere(ctx, "WHERE EXISTS (SELECT 1 FROM feeds f WHERE f.property_id = p.id AND f.active = 1)", nil)
}

// ListByWorkspace retrieves the properties of one workspace.
func (r *PropertyRepository) ListByWorkspace(ctx context.Context, workspaceID string) ([]models.Property, error) {
	return r.listWhere(ctx, "WHERE p.workspace_id = ?", []any{workspaceID})
}

func (r *PropertyRepository) listWhere(ctx context.Context, where string, args []any) ([]models.Property, error) {
	rows, err := r.Conn().QueryContext(ctx, `
		SELECT p.id, p.workspace_id, p.name, p.timezone, p.created_at, p.updated_at
		FROM properties p `+where+`
		ORDER BY p.name
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying properties: %w", err)
	}
	defer rows.Close()

	var properties []models.Property
	for rows.Next() {
		var p models.Property
		if err := rows.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Timezone, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning property: %w", err)
		}
		properties = append(properties, p)
	}

	return properties, rows.Err()
}

const feedColumns = `id, property_id, label, url, platform, active, sync_interval_min,
	last_sync_at, sync_status, sync_error, created_at, updated_at`

// CreateFeed inserts a new feed for a property.
func (r *PropertyRepository) CreateFeed(ctx context.Context, f *models.Feed) error {
	if f.ID == "" {
		f.ID = GenerateID()
	}
	f.CreatedAt = r.Now()
	f.UpdatedAt = f.CreatedAt
	f.SyncStatus = models.SyncStatusPending

	_, err := r.Conn().ExecContext(ctx, `
		INSERT INTO feeds (
			id, property_id, label, url, platform, active, sync_interval_min,
			sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID, f.PropertyID, f.Label, f.URL, f.Platform, f.Active, f.SyncIntervalMin,
		f.SyncStatus, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting feed: %w", err)
	}

	return nil
}

// GetFeed retrieves a feed by its ID. It returns nil when none exists.
func (r *PropertyRepository) GetFeed(ctx context.Context, id string) (*models.Feed, error) {
	f := &models.Feed{}

	err := r.Conn().QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id).Scan(
		&f.ID, &f.PropertyID, &f.Label, &f.URL, &f.Platform, &f.Active, &f.SyncIntervalMin,
		&f.LastSyncAt, &f.SyncStatus, &f.SyncError, &f.CreatedAt, &f.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying feed: %w", err)
	}

	return f, nil
}

// ListFeeds retrieves every feed of a property.
func (r *PropertyRepository) ListFeeds(ctx context.Context, propertyID string) ([]models.Feed, error) {
	return r.listFeeds(ctx, `WHERE property_id = ?`, propertyID)
}

// ListActiveFeeds retrieves the active feeds of a property in a stable order.
func (r *PropertyRepository) ListActiveFeeds(ctx context.Context, propertyID string) ([]models.Feed, error) {
	return r.listFeeds(ctx, `WHERE property_id = ? AND active = 1`, propertyID)
}

func (r *PropertyRepository) listFeeds(ctx context.Context, where string, args ...any) ([]models.Feed, error) {
	rows, err := r.Conn().QueryContext(ctx, `
		SELECT `+feedColumns+` FROM feeds `+where+`
		ORDER BY created_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying feeds: %w", err)
	}
	defer rows.Close()

	var feeds []models.Feed
	for rows.Next() {
		var f models.Feed
		if err := rows.Scan(
			&f.ID, &f.PropertyID, &f.Label, &f.URL, &f.Platform, &f.Active, &f.SyncIntervalMin,
			&f.LastSyncAt, &f.SyncStatus, &f.SyncError, &f.CreatedAt, &f.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feeds = append(feeds, f)
	}

	return feeds, rows.Err()
}

// SetFeedActive flips the active flag of a feed.
func (r *PropertyRepository) SetFeedActive(ctx context.Context, id string, active bool) error {
	result, err := r.Conn().ExecContext(ctx, `
		UPDATE feeds SET active = ?, updated_at = ? WHERE id = ?
	`, active, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating feed: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("feed %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpdateSyncStatus updates the sync status of a feed.
func (r *PropertyRepository) UpdateSyncStatus(ctx context.Context, id string, status string, syncError *string) error {
	now := time.Now().UTC()
	var lastSyncAt *time.Time
	if status == models.SyncStatusSuccess {
		lastSyncAt = &now
	}

	_, err := r.Conn().ExecContext(ctx, `
		UPDATE feeds SET
			sync_status = ?, sync_error = ?, last_sync_at = COALESCE(?, last_sync_at), updated_at = ?
		WHERE id = ?
	`, status, syncError, lastSyncAt, now, id)
	if err != nil {
		return fmt.Errorf("updating sync status: %w", err)
	}

	return nil
}
