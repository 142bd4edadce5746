package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stay-ledger/backend/internal/enrich"
)

type OverrideRequest struct {
	GuestName    string  `json:"guest_name" validate:"required"`
	ConnectionID *string `json:"connection_id"`
}

// SetOverride records a manual guest name for a booking.
func SetOverride(matcher *enrich.Matcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OverrideRequest
		if !decodeValid(w, r, &req) {
			return
		}

		b, err := matcher.SetManualOverride(r.Context(), mux.Vars(r)["id"], req.GuestName, req.ConnectionID)
		if err != nil {
			writeServiceError(w, err, "Booking")
			return
		}

		writeJSON(w, http.StatusOK, bookingResponse(b))
	}
}

// ClearOverride resets a booking to the unmatched state.
func ClearOverride(matcher *enrich.Matcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := matcher.ClearOverride(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeServiceError(w, err, "Booking")
			return
		}

		writeJSON(w, http.StatusOK, bookingResponse(b))
	}
}
