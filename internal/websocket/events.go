package websocket

import (
	"github.com/sirupsen/logrus"

	"github.com/stay-ledger/backend/internal/storage/models"
)

// EventBroadcaster handles broadcasting WebSocket events.
type EventBroadcaster struct {
	hub    *Hub
	logger logrus.FieldLogger
}

// NewEventBroadcaster creates a new event broadcaster. A nil hub yields a
// broadcaster that drops every event.
func NewEventBroadcaster(hub *Hub, logger logrus.FieldLogger) *EventBroadcaster {
	return &EventBroadcaster{hub: hub, logger: logger}
}

// BroadcastCalendarSync sends the outcome of a property calendar sync.
func (b *EventBroadcaster) BroadcastCalendarSync(summary *models.SyncSummary) {
	payload := CalendarSyncPayload{
		RunID:       summary.RunID,
		PropertyID:  summary.PropertyID,
		Status:      summary.Status,
		EventsFound: summary.EventsFound,
		Matched:     summary.Matched,
		Failures:    len(summary.Failures),
	}
	for _, f := range summary.Feeds {
		payload.Created += f.Created
		payload.Updated += f.Updated
		payload.Cancelled += f.Cancelled
	}

	msgType := TypeCalendarSyncCompleted
	if summary.Skipped {
		msgType = TypeCalendarSyncSkipped
	}
	b.broadcast(NewMessage(msgType, payload))
}

// BroadcastEmailSync sends the outcome of a mail connection sync.
func (b *EventBroadcaster) BroadcastEmailSync(summary *models.EmailSummary) {
	payload := EmailSyncPayload{
		RunID:           summary.RunID,
		ConnectionID:    summary.ConnectionID,
		Status:          summary.Status,
		MessagesFound:   summary.MessagesFound,
		FactsCreated:    summary.FactsCreated,
		FactsUpdated:    summary.FactsUpdated,
		BookingsMatched: summary.BookingsMatched,
	}
	b.broadcast(NewMessage(TypeEmailSyncCompleted, payload))
}

// BroadcastSyncError sends a run failure event.
func (b *EventBroadcaster) BroadcastSyncError(kind, scopeType, scopeID string, err error) {
	msgType := TypeCalendarSyncError
	if kind == models.RunKindEmail {
		msgType = TypeEmailSyncError
	}
	payload := SyncErrorPayload{
		ScopeType: scopeType,
		ScopeID:   scopeID,
		Error:     "sync_error",
		Message:   err.Error(),
	}
	b.broadcast(NewMessage(msgType, payload))
}

// BroadcastBookingsEnriched sends the number of bookings a matcher pass changed.
func (b *EventBroadcaster) BroadcastBookingsEnriched(propertyID string, matched int) {
	b.broadcast(NewMessage(TypeBookingsEnriched, BookingsPayload{
		ScopeType: models.ScopeProperty,
		ScopeID:   propertyID,
		Count:     matched,
	}))
}

// BroadcastBookingsReset sends the number of bookings a reset deactivated.
func (b *EventBroadcaster) BroadcastBookingsReset(scopeType, scopeID string, deactivated int) {
	b.broadcast(NewMessage(TypeBookingsReset, BookingsPayload{
		ScopeType: scopeType,
		ScopeID:   scopeID,
		Count:     deactivated,
	}))
}

// BroadcastNotification sends a notification to all connected clients.
func (b *EventBroadcaster) BroadcastNotification(level, title, message string) {
	payload := NotificationPayload{
		Level:       level,
		Title:       title,
		Message:     message,
		Dismissible: true,
	}
	b.broadcast(NewMessage(TypeNotification, payload))
}

// broadcast sends a message to all connected clients.
func (b *EventBroadcaster) broadcast(msg Message) {
	if b == nil || b.hub == nil {
		return
	}

	data, err := msg.JSON()
	if err != nil {
		b.logger.WithError(err).Error("Error encoding WebSocket message")
		return
	}

	b.hub.Broadcast(data)
}
