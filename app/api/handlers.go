package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dropwatch/dropwatch/app/cache"
	"github.com/dropwatch/dropwatch/app/cfg"
	"github.com/dropwatch/dropwatch/app/dedup"
)

// Handler serves the observability endpoints: health, cache and dedup
// stats, and the latest cycle summary.
type Handler struct {
	tracker   *Tracker
	cache     *cache.Manager
	dedup     *dedup.Engine
	startedAt time.Time
}

func NewHandler(tracker *Tracker, cacheMgr *cache.Manager, dedupEngine *dedup.Engine) *Handler {
	return &Handler{
		tracker:   tracker,
		cache:     cacheMgr,
		dedup:     dedupEngine,
		startedAt: time.Now().UTC(),
	}
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": cfg.GetVersion(),
		"uptime":  time.Since(h.startedAt).Truncate(time.Second).String(),
	})
}

func (h *Handler) GetStats(c *gin.Context) {
	phase, phaseAt, counters := h.tracker.Phase()

	cacheStats := make(map[string]gin.H)
	for tier, stats := range h.cache.Stats() {
		cacheStats[string(tier)] = gin.H{
			"entries":   stats.Entries,
			"bytes":     stats.Bytes,
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"evictions": stats.Evictions,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"phase":        phase,
		"phase_at":     phaseAt,
		"counters":     counters,
		"cache":        cacheStats,
		"dedup_window": h.dedup.WindowSize(),
	})
}

func (h *Handler) GetLatestCycle(c *gin.Context) {
	summary := h.tracker.LastSummary()
	if summary == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no completed cycle yet"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cycle_id":    summary.CycleID,
		"started_at":  summary.StartedAt,
		"finished_at": summary.FinishedAt,
		"incomplete":  summary.Incomplete,
		"counters":    summary.Counters,
	})
}
