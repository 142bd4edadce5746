package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stay-ledger/backend/internal/storage/models"
)

// BookingRepository provides data access for the booking ledger.
// Rows are never hard-deleted: cancellation and resets clear is_active.
type BookingRepository struct {
	BaseRepository
}

// NewBookingRepository creates a new booking repository.
func NewBookingRepository(db *DB) *BookingRepository {
	return &BookingRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// WithTx returns a repository whose statements run inside tx.
func (r *BookingRepository) WithTx(tx *sql.Tx) *BookingRepository {
	return &BookingRepository{BaseRepository: r.BaseRepository.bind(tx)}
}

const bookingColumns = `id, property_id, external_id, source_type, feed_id, check_in, check_out,
	all_day, guest_name, guest_count, is_active, manual_guest_name, manual_connection_id,
	enriched_at, enrichment_fact_id, last_synced_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(s rowScanner, b *models.Booking) error {
	return s.Scan(
		&b.ID, &b.PropertyID, &b.ExternalID, &b.SourceType, &b.FeedID, &b.CheckIn, &b.CheckOut,
		&b.AllDay, &b.GuestName, &b.GuestCount, &b.IsActive, &b.ManualGuestName, &b.ManualConnectionID,
		&b.EnrichedAt, &b.EnrichmentFactID, &b.LastSyncedAt, &b.CreatedAt, &b.UpdatedAt,
	)
}

// Create inserts a new booking.
func (r *BookingRepository) Create(ctx context.Context, b *models.Booking) error {
	if b.ID == "" {
		b.ID = GenerateID()
	}
	b.CreatedAt = r.Now()
	b.UpdatedAt = b.CreatedAt
	b.CheckIn = b.CheckIn.UTC()
	b.CheckOut = b.CheckOut.UTC()

	_, err := r.Conn().ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.PropertyID, b.ExternalID, b.SourceType, b.FeedID, b.CheckIn, b.CheckOut,
		b.AllDay, b.GuestName, b.GuestCount, b.IsActive, b.ManualGuestName, b.ManualConnectionID,
		b.EnrichedAt, b.EnrichmentFactID, b.LastSyncedAt, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting booking: %w", err)
	}

	return nil
}

// GetByID retrieves a booking by its ID. It returns nil when none exists.
func (r *BookingRepository) GetByID(ctx context.Context, id string) (*models.Booking, error) {
	b := &models.Booking{}

	err := scanBooking(r.Conn().QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE id = ?
	`, id), b)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying booking: %w", err)
	}

	return b, nil
}

// GetActiveByExternalID retrieves the active booking a feed produced for an event UID.
func (r *BookingRepository) GetActiveByExternalID(ctx context.Context, propertyID, feedID, externalID string) (*models.Booking, error) {
	b := &models.Booking{}

	err := scanBooking(r.Conn().QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE property_id = ? AND feed_id = ? AND external_id = ? AND is_active = 1
		ORDER BY created_at, id
		LIMIT 1
	`, propertyID, feedID, externalID), b)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying booking by external id: %w", err)
	}

	return b, nil
}

// ListActiveByProperty retrieves the active ledger of a property ordered by stay.
func (r *BookingRepository) ListActiveByProperty(ctx context.Context, propertyID string) ([]models.Booking, error) {
	return r.list(ctx, `WHERE property_id = ? AND is_active = 1`, propertyID)
}

// ListByProperty retrieves every booking of a property, including soft-deleted rows.
func (r *BookingRepository) ListByProperty(ctx context.Context, propertyID string) ([]models.Booking, error) {
	return r.list(ctx, `WHERE property_id = ?`, propertyID)
}

// ListActiveByFeed retrieves the active bookings a feed produced.
func (r *BookingRepository) ListActiveByFeed(ctx context.Context, feedID string) ([]models.Booking, error) {
	return r.list(ctx, `WHERE feed_id = ? AND is_active = 1`, feedID)
}

// ListActiveWithSameStay retrieves active bookings of a property with the given
// check-in and check-out, whatever feed they came from.
func (r *BookingRepository) ListActiveWithSameStay(ctx context.Context, propertyID string, checkIn, checkOut time.Time) ([]models.Booking, error) {
	active, err := r.ListActiveByProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}

	// Compared in Go so that equality is on instants rather than on the
	// driver's text encoding.
	var same []models.Booking
	for _, b := range active {
		if b.CheckIn.Equal(checkIn) && b.CheckOut.Equal(checkOut) {
			same = append(same, b)
		}
	}
	return same, nil
}

func (r *BookingRepository) list(ctx context.Context, where string, args ...any) ([]models.Booking, error) {
	rows, err := r.Conn().QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings `+where+`
		ORDER BY check_in, created_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying bookings: %w", err)
	}
	defer rows.Close()

	var bookings []models.Booking
	for rows.Next() {
		var b models.Booking
		if err := scanBooking(rows, &b); err != nil {
			return nil, fmt.Errorf("scanning booking: %w", err)
		}
		bookings = append(bookings, b)
	}

	return bookings, rows.Err()
}

// UpdateFromCalendar writes the calendar-owned fields of a booking: stay
// window, provisional name, origin and last-synced time. Enrichment and
// manual-override columns are not part of this statement.
func (r *BookingRepository) UpdateFromCalendar(ctx context.Context, b *models.Booking) error {
	b.UpdatedAt = r.Now()

	result, err := r.Conn().ExecContext(ctx, `
		UPDATE bookings SET
			external_id = ?, source_type = ?, feed_id = ?, check_in = ?, check_out = ?,
			all_day = ?, guest_name = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ?
	`,
		b.ExternalID, b.SourceType, b.FeedID, b.CheckIn.UTC(), b.CheckOut.UTC(),
		b.AllDay, b.GuestName, b.LastSyncedAt, b.UpdatedAt, b.ID,
	)
	if err != nil {
		return fmt.Errorf("updating booking: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("booking %s: %w", b.ID, ErrNotFound)
	}

	return nil
}

// TouchSynced stamps last_synced_at without changing anything else.
func (r *BookingRepository) TouchSynced(ctx context.Context, id string, at time.Time) error {
	_, err := r.Conn().ExecContext(ctx, `
		UPDATE bookings SET last_synced_at = ? WHERE id = ?
	`, at, id)
	if err != nil {
		return fmt.Errorf("touching booking: %w", err)
	}
	return nil
}

// Deactivate soft-deletes one booking. It reports whether the row was active.
func (r *BookingRepository) Deactivate(ctx context.Context, id string) (bool, error) {
	result, err := r.Conn().ExecContext(ctx, `
		UPDATE bookings SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1
	`, r.Now(), id)
	if err != nil {
		return false, fmt.Errorf("deactivating booking: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// DeactivateByFeed soft-deletes every active booking a feed produced.
func (r *BookingRepository) DeactivateByFeed(ctx context.Context, feedID string) (int, error) {
	result, err := r.Conn().ExecContext(ctx, `
		UPDATE bookings SET is_active = 0, updated_at = ? WHERE feed_id = ? AND is_active = 1
	`, r.Now(), feedID)
	if err != nil {
		return 0, fmt.Errorf("deactivating bookings for feed: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected), nil
}

// DeactivateImported soft-deletes every active non-direct booking of a property.
func (r *BookingRepository) DeactivateImported(ctx context.Context, propertyID string) (int, error) {
	result, err := r.Conn().ExecContext(ctx, `
		UPDATE bookings SET is_active = 0, updated_at = ?
		WHERE property_id = ? AND is_active = 1 AND source_type != ?
	`, r.Now(), propertyID, models.SourceTypeDirect)
	if err != nil {
		return 0, fmt.Errorf("deactivating imported bookings: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected), nil
}

// ApplyEnrichment writes guest detail taken from a reservation fact.
// Manual-override columns are not part of this statement.
func (r *BookingRepository) ApplyEnrichment(ctx context.Context, b *models.Booking) error {
	b.UpdatedAt = r.Now()

	_, err := r.Conn().ExecContext(ctx, `
		UPDATE bookings SET
			guest_name = ?, guest_count = ?, enriched_at = ?, enrichment_fact_id = ?, updated_at = ?
		WHERE id = ? AND is_active = 1
	`, b.GuestName, b.GuestCount, b.EnrichedAt, b.EnrichmentFactID, b.UpdatedAt, b.ID)
	if err != nil {
		return fmt.Errorf("applying enrichment: %w", err)
	}

	return nil
}

// ListFactClaims maps each reservation fact backing an active booking in the
// workspace to that booking's id.
func (r *BookingRepository) ListFactClaims(ctx context.Context, workspaceID string) (map[string]string, error) {
	rows, err := r.Conn().QueryContext(ctx, `
		SELECT b.enrichment_fact_id, b.id
		FROM bookings b
		JOIN properties p ON p.id = b.property_id
		WHERE p.workspace_id = ? AND b.is_active = 1 AND b.enrichment_fact_id IS NOT NULL
		ORDER BY b.created_at, b.id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("querying fact claims: %w", err)
	}
	defer rows.Close()

	claims := make(map[string]string)
	for rows.Next() {
		var factID, bookingID string
		if err := rows.Scan(&factID, &bookingID); err != nil {
			return nil, fmt.Errorf("scanning fact claim: %w", err)
		}
		if _, ok := claims[factID]; !ok {
			claims[factID] = bookingID
		}
	}

	return claims, rows.Err()
}

// SetManualOverride records a user-entered guest identity.
func (r *BookingRepository) SetManualOverride(ctx context.Context, id, guestName string, connectionID *string) error {
	result, err := r.Conn().ExecContext(ctx, `
		UPDATE bookings SET manual_guest_name = ?, manual_connection_id = ?, updated_at = ?
		WHERE id = ?
	`, guestName, connectionID, r.Now(), id)
	if err != nil {
		return fmt.Errorf("setting manual override: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}

	return nil
}

// ClearEnrichment is the explicit reset: it drops the manual override and any
// automated enrichment so the booking returns to the unmatched state.
func (r *BookingRepository) ClearEnrichment(ctx context.Context, id string) error {
	result, err := r.Conn().ExecContext(ctx, `
		UPDATE bookings SET
			manual_guest_name = NULL, manual_connection_id = NULL,
			enriched_at = NULL, enrichment_fact_id = NULL, updated_at = ?
		WHERE id = ?
	`, r.Now(), id)
	if err != nil {
		return fmt.Errorf("clearing enrichment: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}

	return nil
}
