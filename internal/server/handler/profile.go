package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// ProfileSource exposes the live strategy profiles.
type ProfileSource interface {
	Profiles() []domain.StrategyProfile
}

// ProfileHandler serves the scheduler's current view of every strategy.
type ProfileHandler struct {
	source ProfileSource
}

func NewProfileHandler(source ProfileSource) *ProfileHandler {
	return &ProfileHandler{source: source}
}

type profileView struct {
	ID                     string    `json:"id"`
	CurrentIntervalMs      int64     `json:"current_interval_ms"`
	MinIntervalMs          int64     `json:"min_interval_ms"`
	MaxIntervalMs          int64     `json:"max_interval_ms"`
	RequestsPerTrade       float64   `json:"requests_per_trade"`
	RequestsPerHealthCheck float64   `json:"requests_per_health_check"`
	HealthCheckIntervalMs  int64     `json:"health_check_interval_ms"`
	MaxTradesPerDay        int       `json:"max_trades_per_day"`
	DemandPerHour          float64   `json:"demand_per_hour"`
	SuccessRate            float64   `json:"success_rate"`
	ProfitPerTrade         float64   `json:"profit_per_trade"`
	Attempts               int64     `json:"attempts"`
	Successes              int64     `json:"successes"`
	CumulativeProfit       float64   `json:"cumulative_profit"`
	UpdatedAt              time.Time `json:"updated_at"`
}

func newProfileView(p domain.StrategyProfile) profileView {
	return profileView{
		ID:                     p.ID,
		CurrentIntervalMs:      p.CurrentIntervalMs,
		MinIntervalMs:          p.MinIntervalMs,
		MaxIntervalMs:          p.MaxIntervalMs,
		RequestsPerTrade:       p.RequestsPerTrade,
		RequestsPerHealthCheck: p.RequestsPerHealthCheck,
		HealthCheckIntervalMs:  p.HealthCheckIntervalMs,
		MaxTradesPerDay:        p.MaxTradesPerDay,
		DemandPerHour:          p.RequestsPerHour(),
		SuccessRate:            p.SuccessRate,
		ProfitPerTrade:         p.ProfitPerTrade,
		Attempts:               p.Attempts,
		Successes:              p.Successes,
		CumulativeProfit:       p.CumulativeProfit,
		UpdatedAt:              p.UpdatedAt,
	}
}

// ListProfiles returns every strategy profile ordered by id.
// GET /api/profiles
func (h *ProfileHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := h.source.Profiles()
	out := make([]profileView, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, newProfileView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
}
