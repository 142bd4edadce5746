// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"net/http"

	"github.com/stay-ledger/backend/internal/calendar"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/websocket"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check.
func HealthCheck(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbConnected := db.PingContext(r.Context()) == nil

		status := "healthy"
		code := http.StatusOK
		if !dbConnected {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, HealthResponse{Status: status, DBConnected: dbConnected})
	}
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	PropertiesCount     int `json:"properties_count"`
	ActiveFeedsCount    int `json:"active_feeds_count"`
	ActiveBookings      int `json:"active_bookings"`
	UnmatchedBookings   int `json:"unmatched_bookings"`
	PendingMessages     int `json:"pending_messages"`
	ScheduledProperties int `json:"scheduled_properties"`
	ConnectedClients    int `json:"connected_clients"`
}

// Status returns a handler that provides system status information.
func Status(db *storage.DB, hub *websocket.Hub, scheduler *calendar.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var resp StatusResponse

		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM properties").Scan(&resp.PropertiesCount)
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM feeds WHERE active = 1").Scan(&resp.ActiveFeedsCount)
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bookings WHERE is_active = 1").Scan(&resp.ActiveBookings)
		db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM bookings
			WHERE is_active = 1 AND manual_guest_name IS NULL AND enriched_at IS NULL
		`).Scan(&resp.UnmatchedBookings)
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mail_messages WHERE processed_at IS NULL").Scan(&resp.PendingMessages)

		if scheduler != nil {
			resp.ScheduledProperties = len(scheduler.ScheduledProperties())
		}
		if hub != nil {
			resp.ConnectedClients = hub.ClientCount()
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
