package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stay-ledger/backend/internal/storage/models"
)

// MailRepository provides data access for mail connections, the messages the
// mail collaborator hands over, and the reservation facts extracted from them.
type MailRepository struct {
	BaseRepository
}

// NewMailRepository creates a new mail repository.
func NewMailRepository(db *DB) *MailRepository {
	return &MailRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// WithTx returns a repository whose statements run inside tx.
func (r *MailRepository) WithTx(tx *sql.Tx) *MailRepository {
	return &MailRepository{BaseRepository: r.BaseRepository.bind(tx)}
}

// CreateConnection inserts a new mail connection.
func (r *MailRepository) CreateConnection(ctx context.Context, c *models.MailConnection) error {
	if c.ID == "" {
		c.ID = GenerateID()
	}
	c.CreatedAt = r.Now()

	_, err := r.Conn().ExecContext(ctx, `
		INSERT INTO mail_connections (id, workspace_id, property_id, label, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.WorkspaceID, c.PropertyID, c.Label, c.Active, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting mail connection: %w", err)
	}

	return nil
}

// GetConnection retrieves a mail connection by its ID. It returns nil when none exists.
func (r *MailRepository) GetConnection(ctx context.Context, id string) (*models.MailConnection, error) {
	c := &models.MailConnection{}

	err := r.Conn().QueryRowContext(ctx, `
		SELECT id, workspace_id, property_id, label, active, created_at
		FROM mail_connections WHERE id = ?
	`, id).Scan(&c.ID, &c.WorkspaceID, &c.PropertyID, &c.Label, &c.Active, &c.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying mail connection: %w", err)
	}

	return c, nil
}

// ListActiveConnections retrieves all active mail connections.
func (r *MailRepository) ListActiveConnections(ctx context.Context) ([]models.MailConnection, error) {
	rows, err := r.Conn().QueryContext(ctx, `
		SELECT id, workspace_id, property_id, label, active, created_at
		FROM mail_connections WHERE active = 1
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying mail connections: %w", err)
	}
	defer rows.Close()

	var conns []models.MailConnection
	for rows.Next() {
		var c models.MailConnection
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.PropertyID, &c.Label, &c.Active, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning mail connection: %w", err)
		}
		conns = append(conns, c)
	}

	return conns, rows.Err()
}

// AddMessage stores a message handed over by the mail collaborator.
// A message id already known for the connection is ignored; the return
// value reports whether a row was inserted.
func (r *MailRepository) AddMessage(ctx context.Context, m *models.MailMessage) (bool, error) {
	if m.ID == "" {
		m.ID = GenerateID()
	}
	m.ReceivedAt = m.ReceivedAt.UTC()

	result, err := r.Conn().ExecContext(ctx, `
		INSERT INTO mail_messages (id, connection_id, message_id, subject, sender, body, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, message_id) DO NOTHING
	`, m.ID, m.ConnectionID, m.MessageID, m.Subject, m.Sender, m.Body, m.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("inserting mail message: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// ListMessages retrieves the messages of a connection in arrival order.
// With pendingOnly set, messages already processed are left out.
func (r *MailRepository) ListMessages(ctx context.Context, connectionID string, pendingOnly bool) ([]models.MailMessage, error) {
	query := `
		SELECT id, connection_id, message_id, subject, sender, body, received_at, processed_at
		FROM mail_messages WHERE connection_id = ?`
	if pendingOnly {
		query += ` AND processed_at IS NULL`
	}
	query += ` ORDER BY received_at, id`

	rows, err := r.Conn().QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("querying mail messages: %w", err)
	}
	defer rows.Close()

	var messages []models.MailMessage
	for rows.Next() {
		var m models.MailMessage
		err := rows.Scan(&m.ID, &m.ConnectionID, &m.MessageID, &m.Subject, &m.Sender, &m.Body, &m.ReceivedAt, &m.ProcessedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning mail message: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// MarkProcessed stamps a message as handled by the extractor.
func (r *MailRepository) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.Conn().ExecContext(ctx, `
		UPDATE mail_messages SET processed_at = ? WHERE id = ?
	`, r.Now(), id)
	if err != nil {
		return fmt.Errorf("marking message processed: %w", err)
	}
	return nil
}

const factColumns = `id, connection_id, property_id, message_ref, platform, check_in, check_out,
	guest_name, guest_count, name_confidence, count_confidence, dates_confidence,
	platform_confidence, extracted_at, updated_at`

func scanFact(s rowScanner, f *models.ReservationFact) error {
	return s.Scan(
		&f.ID, &f.ConnectionID, &f.PropertyID, &f.MessageRef, &f.Platform, &f.CheckIn, &f.CheckOut,
		&f.GuestName, &f.GuestCount, &f.NameConfidence, &f.CountConfidence, &f.DatesConfidence,
		&f.PlatformConfidence, &f.ExtractedAt, &f.UpdatedAt,
	)
}

// GetFactByMessageRef retrieves the fact extracted from a message. It returns nil when none exists.
func (r *MailRepository) GetFactByMessageRef(ctx context.Context, connectionID, messageRef string) (*models.ReservationFact, error) {
	f := &models.ReservationFact{}

	err := scanFact(r.Conn().QueryRowContext(ctx, `
		SELECT `+factColumns+` FROM reservation_facts
		WHERE connection_id = ? AND message_ref = ?
	`, connectionID, messageRef), f)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying reservation fact: %w", err)
	}

	return f, nil
}

// CreateFact inserts a newly extracted fact.
func (r *MailRepository) CreateFact(ctx context.Context, f *models.ReservationFact) error {
	if f.ID == "" {
		f.ID = GenerateID()
	}
	f.ExtractedAt = r.Now()
	f.UpdatedAt = f.ExtractedAt

	_, err := r.Conn().ExecContext(ctx, `
		INSERT INTO reservation_facts (`+factColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID, f.ConnectionID, f.PropertyID, f.MessageRef, f.Platform, f.CheckIn, f.CheckOut,
		f.GuestName, f.GuestCount, f.NameConfidence, f.CountConfidence, f.DatesConfidence,
		f.PlatformConfidence, f.ExtractedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting reservation fact: %w", err)
	}

	return nil
}

// UpdateFact writes a merged fact back. Callers produce the row through the
// field-level merge, so this statement never sees a field being cleared.
func (r *MailRepository) UpdateFact(ctx context.Context, f *models.ReservationFact) error {
	f.UpdatedAt = r.Now()

	_, err := r.Conn().ExecContext(ctx, `
		UPDATE reservation_facts SET
			property_id = ?, platform = ?, check_in = ?, check_out = ?, guest_name = ?, guest_count = ?,
			name_confidence = ?, count_confidence = ?, dates_confidence = ?, platform_confidence = ?,
			updated_at = ?
		WHERE id = ?
	`,
		f.PropertyID, f.Platform, f.CheckIn, f.CheckOut, f.GuestName, f.GuestCount,
		f.NameConfidence, f.CountConfidence, f.DatesConfidence, f.PlatformConfidence,
		f.UpdatedAt, f.ID,
	)
	if err != nil {
		return fmt.Errorf("updating reservation fact: %w", err)
	}

	return nil
}

// ListFactsForProperty retrieves the facts a property's bookings may be matched
// against: facts assigned to the property, plus unassigned facts from any
// connection in the same workspace.
func (r *MailRepository) ListFactsForProperty(ctx context.Context, propertyID, workspaceID string) ([]models.ReservationFact, error) {
	rows, err := r.Conn().QueryContext(ctx, `
		SELECT `+prefixed("f", factColumns)+`
		FROM reservation_facts f
		JOIN mail_connections c ON c.id = f.connection_id
		WHERE f.property_id = ?
		   OR (f.property_id IS NULL AND c.workspace_id = ?)
		ORDER BY f.extracted_at DESC, f.id
	`, propertyID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("querying reservation facts: %w", err)
	}
	defer rows.Close()

	var facts []models.ReservationFact
	for rows.Next() {
		var f models.ReservationFact
		if err := scanFact(rows, &f); err != nil {
			return nil, fmt.Errorf("scanning reservation fact: %w", err)
		}
		facts = append(facts, f)
	}

	return facts, rows.Err()
}
