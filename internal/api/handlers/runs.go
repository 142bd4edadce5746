package handlers

import (
	"net/http"
	"strconv"

	"github.com/stay-ledger/backend/internal/api/middleware"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
)

// ListRuns returns the sync audit log, newest first.
func ListRuns(runs *storage.RunRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := storage.RunFilter{
			Kind:    q.Get("kind"),
			ScopeID: q.Get("scope_id"),
		}
		if v := q.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 0 {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "limit must be a positive integer")
				return
			}
			filter.Limit = limit
		}

		list, err := runs.List(r.Context(), filter)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query runs")
			return
		}
		if list == nil {
			list = []models.SyncRun{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}
