package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// ExecutionReader is the read side of the execution record log.
type ExecutionReader interface {
	GetByID(ctx context.Context, id string) (domain.ExecutionRecord, error)
	ListByStrategy(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.ExecutionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error)
	Stats(ctx context.Context, strategyID string, since time.Time) (domain.ExecutionStats, error)
}

// StreamReader replays a capped event stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// ExecutionHandler serves execution records, aggregates and the replayable
// execution event stream.
type ExecutionHandler struct {
	store  ExecutionReader
	events StreamReader
	stream string
	logger *slog.Logger
}

func NewExecutionHandler(store ExecutionReader, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, logger: logger}
}

// WithEventStream enables GET /api/executions/events over the named stream.
func (h *ExecutionHandler) WithEventStream(events StreamReader, stream string) *ExecutionHandler {
	h.events = events
	h.stream = stream
	return h
}

// ListExecutions returns recent records, newest first, optionally for one
// strategy.
// GET /api/executions?strategy=arb-eth&limit=50
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	var (
		recs []domain.ExecutionRecord
		err  error
	)
	if strategy := r.URL.Query().Get("strategy"); strategy != "" {
		recs, err = h.store.ListByStrategy(r.Context(), strategy, domain.ListOpts{Limit: limit})
	} else {
		recs, err = h.store.ListRecent(r.Context(), limit)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list executions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if recs == nil {
		recs = []domain.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs})
}

// GetExecution returns a single record.
// GET /api/executions/{id}
func (h *ExecutionHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get execution failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Stats aggregates records since a date (default: the last 24 hours).
// GET /api/executions/stats?strategy=arb-eth&since=2026-01-01
func (h *ExecutionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be YYYY-MM-DD")
			return
		}
		since = t
	}
	stats, err := h.store.Stats(r.Context(), r.URL.Query().Get("strategy"), since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: execution stats failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since": since.Format(time.RFC3339),
		"stats": stats,
	})
}

type streamEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// Events replays execution events after a stream id. Clients page by passing
// the last id they saw as ?after=.
// GET /api/executions/events?after=0&limit=100
func (h *ExecutionHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotImplemented, "execution event stream not configured")
		return
	}
	after := r.URL.Query().Get("after")
	msgs, err := h.events.StreamRead(r.Context(), h.stream, after, parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read execution events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	out := make([]streamEvent, 0, len(msgs))
	next := after
	for _, m := range msgs {
		payload := json.RawMessage(m.Payload)
		if !json.Valid(payload) {
			payload = json.RawMessage("null")
		}
		out = append(out, streamEvent{ID: m.ID, Event: payload})
		next = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"next":   next,
	})
}
