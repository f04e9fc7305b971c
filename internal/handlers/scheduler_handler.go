package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
	"github.com/ternarybob/autoapply/internal/services/scheduler"
)

// SchedulerHandler handles schedule definition and manual triggers
type SchedulerHandler struct {
	scheduler      ScheduleService
	defaultHandler string
	logger         arbor.ILogger
}

// NewSchedulerHandler creates a new scheduler handler; schedules posted without a
// handler bind to defaultHandler
func NewSchedulerHandler(schedulerService ScheduleService, defaultHandler string, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler:      schedulerService,
		defaultHandler: defaultHandler,
		logger:         logger,
	}
}

// scheduleRequest is the body of POST /api/schedules
type scheduleRequest struct {
	Name          string `json:"name"`
	Expression    string `json:"expression"`
	Handler       string `json:"handler,omitempty"`
	MisfirePolicy string `json:"misfire_policy,omitempty"`
	MisfireGrace  string `json:"misfire_grace,omitempty"`
}

// ListSchedulesHandler handles GET /api/schedules
func (h *SchedulerHandler) ListSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.scheduler.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list schedules")
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*models.ScheduledJob{}
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// CreateScheduleHandler handles POST /api/schedules
func (h *SchedulerHandler) CreateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	policy, err := models.ParseMisfirePolicy(req.MisfirePolicy)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var grace time.Duration
	if req.MisfireGrace != "" {
		grace, err = time.ParseDuration(req.MisfireGrace)
		if err != nil || grace < 0 {
			WriteError(w, http.StatusBadRequest, "misfire_grace must be a positive duration")
			return
		}
	}

	handler := req.Handler
	if handler == "" {
		handler = h.defaultHandler
	}

	id, err := h.scheduler.Schedule(r.Context(), scheduler.TriggerSpec{
		Name:          req.Name,
		Handler:       handler,
		Expression:    req.Expression,
		MisfirePolicy: policy,
		MisfireGrace:  grace,
	})
	if err != nil {
		var cfgErr *common.ConfigurationError
		if errors.As(err, &cfgErr) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("name", req.Name).Msg("Failed to create schedule")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job, err := h.scheduler.Get(r.Context(), id)
	if err != nil {
		WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

// TriggerHandler handles POST /api/schedules/{id}/trigger
func (h *SchedulerHandler) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/schedules/"), "/trigger")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusBadRequest, "Schedule ID is required")
		return
	}

	job, err := h.scheduler.TriggerNow(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Schedule not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to trigger schedule")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info().Str("job_id", id).Msg("Schedule triggered via API")
	WriteJSON(w, http.StatusAccepted, job)
}
