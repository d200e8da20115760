package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/services/schedules"
)

// ScheduleRunner lists and triggers recurring report schedules
type ScheduleRunner interface {
	Statuses() []schedules.Status
	Trigger(ctx context.Context, name string) (string, error)
}

// ScheduleHandler exposes the cron schedules
type ScheduleHandler struct {
	schedules ScheduleRunner
	logger    arbor.ILogger
}

func NewScheduleHandler(schedules ScheduleRunner, logger arbor.ILogger) *ScheduleHandler {
	return &ScheduleHandler{
		schedules: schedules,
		logger:    logger,
	}
}

// ListSchedulesHandler returns every schedule with its last and next run
// GET /api/schedules
func (h *ScheduleHandler) ListSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	statuses := h.schedules.Statuses()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": statuses,
		"count":     len(statuses),
	})
}

// TriggerHandler submits a schedule's job immediately
// POST /api/schedules/{name}/trigger
func (h *ScheduleHandler) TriggerHandler(w http.ResponseWriter, r *http.Request, name string) {
	jobID, err := h.schedules.Trigger(r.Context(), name)
	if err != nil {
		if errors.Is(err, schedules.ErrScheduleNotFound) {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Warn().Err(err).Str("schedule", name).Msg("Manual schedule trigger failed")
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}
