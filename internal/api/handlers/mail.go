package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stay-ledger/backend/internal/api/middleware"
	"github.com/stay-ledger/backend/internal/enrich"
	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
	"github.com/stay-ledger/backend/internal/websocket"
)

// Mail request types

type CreateConnectionRequest struct {
	WorkspaceID string  `json:"workspace_id" validate:"required"`
	PropertyID  *string `json:"property_id"`
	Label       string  `json:"label" validate:"required"`
}

type MessageRequest struct {
	MessageID  string    `json:"message_id" validate:"required"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body" validate:"required"`
	ReceivedAt time.Time `json:"received_at" validate:"required"`
}

type AddMessagesRequest struct {
	Messages []MessageRequest `json:"messages" validate:"required,min=1,dive"`
}

// CreateConnection registers a mail connection.
func CreateConnection(mail *storage.MailRepository, properties *storage.PropertyRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req CreateConnectionRequest
		if !decodeValid(w, r, &req) {
			return
		}

		if req.PropertyID != nil {
			p, err := properties.GetByID(ctx, *req.PropertyID)
			if err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query property")
				return
			}
			if p == nil || p.WorkspaceID != req.WorkspaceID {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Property is not part of the workspace")
				return
			}
		}

		conn := &models.MailConnection{
			WorkspaceID: req.WorkspaceID,
			PropertyID:  req.PropertyID,
			Label:       req.Label,
			Active:      true,
		}
		if err := mail.CreateConnection(ctx, conn); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create connection")
			return
		}

		writeJSON(w, http.StatusCreated, conn)
	}
}

// AddMessages stores messages handed over by the mail collaborator. Message
// ids already known for the connection are counted as duplicates.
func AddMessages(mail *storage.MailRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := mux.Vars(r)["id"]
		ctx := r.Context()

		var req AddMessagesRequest
		if !decodeValid(w, r, &req) {
			return
		}

		conn, err := mail.GetConnection(ctx, connectionID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query connection")
			return
		}
		if conn == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Connection not found")
			return
		}

		inserted, duplicates := 0, 0
		for _, m := range req.Messages {
			ok, err := mail.AddMessage(ctx, &models.MailMessage{
				ConnectionID: connectionID,
				MessageID:    m.MessageID,
				Subject:      m.Subject,
				Sender:       m.Sender,
				Body:         m.Body,
				ReceivedAt:   m.ReceivedAt,
			})
			if err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to store message")
				return
			}
			if ok {
				inserted++
			} else {
				duplicates++
			}
		}

		writeJSON(w, http.StatusAccepted, map[string]int{"inserted": inserted, "duplicates": duplicates})
	}
}

// SyncConnection runs email ingestion for a connection. reprocess=true
// re-extracts messages that were already processed.
func SyncConnection(emailService *enrich.EmailService, broadcaster *websocket.EventBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := mux.Vars(r)["id"]
		reprocess := r.URL.Query().Get("reprocess") == "true"

		summary, err := emailService.SyncConnection(r.Context(), connectionID, reprocess)
		if err != nil {
			broadcaster.BroadcastSyncError(models.RunKindEmail, models.ScopeConnection, connectionID, err)
			writeServiceError(w, err, "Connection")
			return
		}

		if !summary.Skipped {
			broadcaster.BroadcastEmailSync(summary)
		}
		writeJSON(w, http.StatusOK, summary)
	}
}
