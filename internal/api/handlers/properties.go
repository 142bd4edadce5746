package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stay-ledger/backend/internal/api/middleware"
	"github.com/stay-ledger/backend/internal/calendar"
	"github.com/stay-ledger/backend/internal/enrich"
	"github.com/stay-ledger/backend/internal/guest"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
	"github.com/stay-ledger/backend/internal/websocket"
)

// Property request types

type CreatePropertyRequest struct {
	WorkspaceID string `json:"workspace_id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Timezone    string `json:"timezone" validate:"omitempty,timezone"`
}

type CreateFeedRequest struct {
	Label           string `json:"label" validate:"required"`
	URL             string `json:"url" validate:"required,url"`
	Platform        string `json:"platform" validate:"omitempty,oneof=airbnb vrbo booking_com ical"`
	SyncIntervalMin int    `json:"sync_interval_min" validate:"omitempty,min=5,max=1440"`
	Active          *bool  `json:"active"`
}

type CreateBookingRequest struct {
	CheckIn    time.Time `json:"check_in" validate:"required"`
	CheckOut   time.Time `json:"check_out" validate:"required,gtfield=CheckIn"`
	AllDay     bool      `json:"all_day"`
	GuestName  string    `json:"guest_name"`
	GuestCount int       `json:"guest_count" validate:"min=0,max=50"`
}

// BookingResponse adds the derived enrichment fields to a booking.
type BookingResponse struct {
	models.Booking
	DisplayGuestName string `json:"display_guest_name"`
	EnrichmentStatus string `json:"enrichment_status"`
}

func bookingResponse(b *models.Booking) BookingResponse {
	return BookingResponse{
		Booking:          *b,
		DisplayGuestName: b.DisplayGuestName(),
		EnrichmentStatus: b.EnrichmentStatus(),
	}
}

// ListProperties returns all properties.
func ListProperties(properties *storage.PropertyRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := properties.List(r.Context())
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query properties")
			return
		}
		if list == nil {
			list = []models.Property{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// CreateProperty adds a new property.
func CreateProperty(properties *storage.PropertyRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreatePropertyRequest
		if !decodeValid(w, r, &req) {
			return
		}

		p := &models.Property{WorkspaceID: req.WorkspaceID, Name: req.Name, Timezone: req.Timezone}
		if err := properties.Create(r.Context(), p); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create property")
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

// PropertyResponse adds the next scheduled sync to a property.
type PropertyResponse struct {
	models.Property
	NextSyncAt *time.Time `json:"next_sync_at,omitempty"`
}

// GetProperty returns a single property by ID.
func GetProperty(properties *storage.PropertyRepository, scheduler *calendar.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := properties.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query property")
			return
		}
		if p == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Property not found")
			return
		}

		resp := PropertyResponse{Property: *p}
		if scheduler != nil {
			resp.NextSyncAt = scheduler.NextRun(p.ID)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ListFeeds returns every feed of a property.
func ListFeeds(properties *storage.PropertyRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feeds, err := properties.ListFeeds(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feeds")
			return
		}
		if feeds == nil {
			feeds = []models.Feed{}
		}
		writeJSON(w, http.StatusOK, feeds)
	}
}

// CreateFeed adds a feed to a property and schedules the property.
func CreateFeed(properties *storage.PropertyRepository, scheduler *calendar.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		propertyID := mux.Vars(r)["id"]
		ctx := r.Context()

		var req CreateFeedRequest
		if !decodeValid(w, r, &req) {
			return
		}

		p, err := properties.GetByID(ctx, propertyID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query property")
			return
		}
		if p == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Property not found")
			return
		}

		feed := &models.Feed{
			PropertyID:      propertyID,
			Label:           req.Label,
			URL:             req.URL,
			Platform:        req.Platform,
			Active:          req.Active == nil || *req.Active,
			SyncIntervalMin: req.SyncIntervalMin,
		}
		if feed.Platform == "" {
			feed.Platform = guest.PlatformFromURL(req.URL)
		}
		if feed.SyncIntervalMin == 0 {
			feed.SyncIntervalMin = 15
		}

		if err := properties.CreateFeed(ctx, feed); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create feed")
			return
		}

		if scheduler != nil && feed.Active {
			if feeds, err := properties.ListActiveFeeds(ctx, propertyID); err == nil {
				scheduler.ScheduleProperty(propertyID, feeds)
			}
			scheduler.TriggerSync(propertyID)
		}

		writeJSON(w, http.StatusCreated, feed)
	}
}

// DisableFeed deactivates a feed and soft-deletes the bookings it produced.
func DisableFeed(resetter *calendar.Resetter, broadcaster *websocket.EventBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feedID := mux.Vars(r)["id"]

		n, err := resetter.DisableFeed(r.Context(), feedID)
		if err != nil {
			writeServiceError(w, err, "Feed")
			return
		}

		broadcaster.BroadcastBookingsReset(models.ScopeFeed, feedID, n)
		writeJSON(w, http.StatusOK, map[string]any{"feed_id": feedID, "deactivated": n})
	}
}

// SyncProperty runs a calendar sync for a property, or for one of its feeds
// when feed_id is given, and returns the run summary.
func SyncProperty(syncService *calendar.SyncService, broadcaster *websocket.EventBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		propertyID := mux.Vars(r)["id"]
		feedID := r.URL.Query().Get("feed_id")

		if syncService == nil {
			middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ErrInternalError, "Sync service not available")
			return
		}

		summary, err := syncService.SyncProperty(r.Context(), propertyID, feedID)
		if err != nil {
			broadcaster.BroadcastSyncError(models.RunKindCalendar, models.ScopeProperty, propertyID, err)
			writeServiceError(w, err, "Property")
			return
		}

		broadcaster.BroadcastCalendarSync(summary)
		writeJSON(w, http.StatusOK, summary)
	}
}

// SyncAllResponse lists the summaries of a full sync.
type SyncAllResponse struct {
	Properties  []*models.SyncSummary  `json:"properties"`
	Connections []*models.EmailSummary `json:"connections"`
}

// SyncAll runs every property with an active feed and then every active mail
// connection.
func SyncAll(syncService *calendar.SyncService, emailService *enrich.EmailService, broadcaster *websocket.EventBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := SyncAllResponse{
			Properties:  []*models.SyncSummary{},
			Connections: []*models.EmailSummary{},
		}

		summaries, err := syncService.SyncAll(ctx)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to sync properties")
			return
		}
		for _, summary := range summaries {
			broadcaster.BroadcastCalendarSync(summary)
			resp.Properties = append(resp.Properties, summary)
		}

		if emailService != nil {
			emails, err := emailService.SyncAll(ctx)
			if err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to sync mail connections")
				return
			}
			resp.Connections = append(resp.Connections, emails...)
		}

		broadcaster.BroadcastNotification("info", "Sync completed",
			fmt.Sprintf("%d properties and %d mail connections synced", len(resp.Properties), len(resp.Connections)))
		writeJSON(w, http.StatusOK, resp)
	}
}

// ResetProperty soft-deletes every imported booking of a property.
func ResetProperty(resetter *calendar.Resetter, broadcaster *websocket.EventBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		propertyID := mux.Vars(r)["id"]

		n, err := resetter.ResetProperty(r.Context(), propertyID)
		if err != nil {
			writeServiceError(w, err, "Property")
			return
		}

		broadcaster.BroadcastBookingsReset(models.ScopeProperty, propertyID, n)
		writeJSON(w, http.StatusOK, map[string]any{"property_id": propertyID, "deactivated": n})
	}
}

// EnrichProperty runs the enrichment matcher for a property.
func EnrichProperty(matcher *enrich.Matcher, broadcaster *websocket.EventBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		propertyID := mux.Vars(r)["id"]

		result, err := matcher.EnrichProperty(r.Context(), propertyID)
		if err != nil {
			writeServiceError(w, err, "Property")
			return
		}

		if result.Matched > 0 {
			broadcaster.BroadcastBookingsEnriched(propertyID, result.Matched)
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// ListBookings returns a property's active bookings, or every booking when
// all=true is given.
func ListBookings(bookings *storage.BookingRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		propertyID := mux.Vars(r)["id"]
		ctx := r.Context()

		var (
			list []models.Booking
			err  error
		)
		if r.URL.Query().Get("all") == "true" {
			list, err = bookings.ListByProperty(ctx, propertyID)
		} else {
			list, err = bookings.ListActiveByProperty(ctx, propertyID)
		}
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query bookings")
			return
		}

		response := make([]BookingResponse, 0, len(list))
		for i := range list {
			response = append(response, bookingResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, response)
	}
}

// CreateBooking adds a direct booking to a property.
func CreateBooking(properties *storage.PropertyRepository, reconciler *calendar.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		propertyID := mux.Vars(r)["id"]
		ctx := r.Context()

		var req CreateBookingRequest
		if !decodeValid(w, r, &req) {
			return
		}

		p, err := properties.GetByID(ctx, propertyID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query property")
			return
		}
		if p == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Property not found")
			return
		}

		b, err := reconciler.CreateDirect(ctx, calendar.DirectBooking{
			PropertyID: propertyID,
			CheckIn:    req.CheckIn,
			CheckOut:   req.CheckOut,
			AllDay:     req.AllDay,
			GuestName:  req.GuestName,
			GuestCount: req.GuestCount,
		})
		if err != nil {
			writeServiceError(w, err, "Property")
			return
		}

		writeJSON(w, http.StatusCreated, bookingResponse(b))
	}
}
