package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

// RecordsHandler serves the read-only activity, failure and external queues
type RecordsHandler struct {
	activity interfaces.ActivityLogStorage
	failures interfaces.FailureStorage
	external interfaces.ExternalQueueStorage
	logger   arbor.ILogger
}

// NewRecordsHandler creates a new RecordsHandler
func NewRecordsHandler(activity interfaces.ActivityLogStorage, failures interfaces.FailureStorage, external interfaces.ExternalQueueStorage, logger arbor.ILogger) *RecordsHandler {
	return &RecordsHandler{
		activity: activity,
		failures: failures,
		external: external,
		logger:   logger,
	}
}

// ActivityHandler handles GET /api/activity?config_id=&limit=
func (h *RecordsHandler) ActivityHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	entries, err := h.activity.ListActivityByConfig(r.Context(), r.URL.Query().Get("config_id"), GetLimitParam(r, 50, 500))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list activity")
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if entries == nil {
		entries = []*models.ActivityLogEntry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}

// FailuresHandler handles GET /api/failures?user_id=&limit=
func (h *RecordsHandler) FailuresHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	records, err := h.failures.ListFailures(r.Context(), r.URL.Query().Get("user_id"), GetLimitParam(r, 100, 1000))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list failures")
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if records == nil {
		records = []*models.FailureRecord{}
	}
	WriteJSON(w, http.StatusOK, records)
}

// ExternalHandler handles GET /api/external?user_id=
func (h *RecordsHandler) ExternalHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	items, err := h.external.ListExternal(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list external applications")
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if items == nil {
		items = []*models.ExternalApplication{}
	}
	WriteJSON(w, http.StatusOK, items)
}
