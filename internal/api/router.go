// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/stay-ledger/backend/internal/api/handlers"
	"github.com/stay-ledger/backend/internal/api/middleware"
	"github.com/stay-ledger/backend/internal/calendar"
	"github.com/stay-ledger/backend/internal/enrich"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/websocket"
)

// Services bundles what the handlers need. Scheduler may be nil.
type Services struct {
	DB          *storage.DB
	Hub         *websocket.Hub
	Broadcaster *websocket.EventBroadcaster
	Properties  *storage.PropertyRepository
	Bookings    *storage.BookingRepository
	Mail        *storage.MailRepository
	Runs        *storage.RunRepository
	Reconciler  *calendar.Reconciler
	Sync        *calendar.SyncService
	Resetter    *calendar.Resetter
	Scheduler   *calendar.Scheduler
	Matcher     *enrich.Matcher
	Email       *enrich.EmailService
	StaticDir   string
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(s Services, logger logrus.FieldLogger) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging(logger))
	r.Use(middleware.ErrorRecovery(logger))

	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", handlers.HealthCheck(s.DB)).Methods("GET")
	api.HandleFunc("/status", handlers.Status(s.DB, s.Hub, s.Scheduler)).Methods("GET")

	// WebSocket endpoint
	if s.Hub != nil {
		api.HandleFunc("/ws", handlers.WebSocketUpgrade(s.Hub, logger)).Methods("GET")
	}

	api.HandleFunc("/sync", handlers.SyncAll(s.Sync, s.Email, s.Broadcaster)).Methods("POST")

	// Property endpoints
	api.HandleFunc("/properties", handlers.ListProperties(s.Properties)).Methods("GET")
	api.HandleFunc("/properties", handlers.CreateProperty(s.Properties)).Methods("POST")
	api.HandleFunc("/properties/{id}", handlers.GetProperty(s.Properties, s.Scheduler)).Methods("GET")
	api.HandleFunc("/properties/{id}/sync", handlers.SyncProperty(s.Sync, s.Broadcaster)).Methods("POST")
	api.HandleFunc("/properties/{id}/reset", handlers.ResetProperty(s.Resetter, s.Broadcaster)).Methods("POST")
	api.HandleFunc("/properties/{id}/enrich", handlers.EnrichProperty(s.Matcher, s.Broadcaster)).Methods("POST")
	api.HandleFunc("/properties/{id}/bookings", handlers.ListBookings(s.Bookings)).Methods("GET")
	api.HandleFunc("/properties/{id}/bookings", handlers.CreateBooking(s.Properties, s.Reconciler)).Methods("POST")

	// Feed endpoints
	api.HandleFunc("/properties/{id}/feeds", handlers.ListFeeds(s.Properties)).Methods("GET")
	api.HandleFunc("/properties/{id}/feeds", handlers.CreateFeed(s.Properties, s.Scheduler)).Methods("POST")
	api.HandleFunc("/feeds/{id}/disable", handlers.DisableFeed(s.Resetter, s.Broadcaster)).Methods("POST")

	// Booking endpoints
	api.HandleFunc("/bookings/{id}/override", handlers.SetOverride(s.Matcher)).Methods("PUT")
	api.HandleFunc("/bookings/{id}/override", handlers.ClearOverride(s.Matcher)).Methods("DELETE")

	// Mail endpoints
	api.HandleFunc("/connections", handlers.CreateConnection(s.Mail, s.Properties)).Methods("POST")
	api.HandleFunc("/connections/{id}/messages", handlers.AddMessages(s.Mail)).Methods("POST")
	api.HandleFunc("/connections/{id}/sync", handlers.SyncConnection(s.Email, s.Broadcaster)).Methods("POST")

	// Audit log
	api.HandleFunc("/runs", handlers.ListRuns(s.Runs)).Methods("GET")

	// Serve static frontend files
	if s.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.StaticDir)))
	}

	return r
}
