package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/flashsched/internal/scheduler"
)

// Recomputer runs one allocator cycle on demand.
type Recomputer interface {
	Recompute(ctx context.Context) (scheduler.Result, error)
}

// SchedulerHandler exposes the allocator to operators.
type SchedulerHandler struct {
	sched  Recomputer
	mode   string
	logger *slog.Logger
}

func NewSchedulerHandler(sched Recomputer, mode string, logger *slog.Logger) *SchedulerHandler {
	return &SchedulerHandler{sched: sched, mode: mode, logger: logger}
}

type changeView struct {
	StrategyID string `json:"strategy_id"`
	FromMs     int64  `json:"from_ms"`
	ToMs       int64  `json:"to_ms"`
}

// Recompute runs one allocator cycle and reports what it changed. Residual
// overage is reported in the body, not as an HTTP error.
// POST /api/scheduler/recompute
func (h *SchedulerHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "handler: recompute requested")
	res, err := h.sched.Recompute(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: recompute failed", slog.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	changes := make([]changeView, 0, len(res.Changes))
	for _, c := range res.Changes {
		changes = append(changes, changeView{StrategyID: c.StrategyID, FromMs: c.FromMs, ToMs: c.ToMs})
	}
	body := map[string]any{
		"mode":          h.mode,
		"action":        string(res.Action),
		"capacity":      res.Capacity,
		"demand_before": res.DemandBefore,
		"demand_after":  res.DemandAfter,
		"residual":      res.Residual,
		"changes":       changes,
		"at":            res.At.UTC().Format(time.RFC3339),
	}
	if capErr := res.Err(); capErr != nil {
		body["warning"] = capErr.Error()
	}
	writeJSON(w, http.StatusOK, body)
}
