package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/genbridge/gateway/internal/store"
)

// PoolView is the subset of *store.Store the status route reads.
type PoolView interface {
	GetHealthSummary(now time.Time) store.HealthSummary
}

// SelectorMetrics is the subset of *selector.Selector the status route
// surfaces: the aggregate telemetry SnapshotMetrics accumulates but nothing
// else in the gateway ever reads.
type SelectorMetrics interface {
	SnapshotMetrics() (selectTotal int64, avgScore float64)
}

// StatusHandler serves GET /internal/pool/status, the Supplemented Feature
// (SPEC_FULL.md §3) that exposes account_manager.py's get_health_summary
// plus the Selector's own decision telemetry for operator visibility.
type StatusHandler struct {
	pool     PoolView
	selector SelectorMetrics
}

func NewStatusHandler(pool PoolView, selector SelectorMetrics) *StatusHandler {
	return &StatusHandler{pool: pool, selector: selector}
}

func (h *StatusHandler) Status(c *gin.Context) {
	summary := h.pool.GetHealthSummary(time.Now())

	cooldowns := make(map[string]int, len(summary.CooldownByReason))
	for reason, count := range summary.CooldownByReason {
		cooldowns[string(reason)] = count
	}

	resp := gin.H{
		"usable_count":       summary.UsableCount,
		"total":              summary.Total,
		"cooldown_by_reason": cooldowns,
	}
	if h.selector != nil {
		selectTotal, avgScore := h.selector.SnapshotMetrics()
		resp["selector_select_total"] = selectTotal
		resp["selector_avg_score"] = avgScore
	}
	c.JSON(http.StatusOK, resp)
}
