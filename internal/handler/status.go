package handler

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"crlogger/internal/service"
)

type CheckpointSource interface {
	Checkpoints() map[string]time.Time
}

type StatusHandler struct {
	Supervisor  StatusSource
	Checkpoints CheckpointSource
	Lag         *service.LagReporter
	Tap         http.Handler
}

type checkpointView struct {
	Table      string    `json:"table"`
	Checkpoint time.Time `json:"checkpoint"`
}

func (h *StatusHandler) Register(r *gin.Engine) {
	g := r.Group("/v1")
	g.GET("/status", h.status)
	g.GET("/checkpoints", h.listCheckpoints)
	g.GET("/checkpoints/:table", h.getCheckpoint)
	g.GET("/lag", h.lag)
	if h.Tap != nil {
		g.GET("/tap", gin.WrapH(h.Tap))
	}
}

func (h *StatusHandler) status(c *gin.Context) {
	if h.Supervisor == nil {
		Error(c, http.StatusInternalServerError, "supervisor unavailable", nil)
		return
	}
	Ok(c, h.Supervisor.Status(), nil)
}

func (h *StatusHandler) listCheckpoints(c *gin.Context) {
	if h.Checkpoints == nil {
		Error(c, http.StatusInternalServerError, "checkpoints unavailable", nil)
		return
	}
	tables := h.Checkpoints.Checkpoints()
	items := make([]checkpointView, 0, len(tables))
	for name, ts := range tables {
		items = append(items, checkpointView{Table: name, Checkpoint: ts})
	}
	slices.SortFunc(items, func(a, b checkpointView) int { return strings.Compare(a.Table, b.Table) })
	Ok(c, items, map[string]any{"total": len(items), "loaded": tables != nil})
}

func (h *StatusHandler) getCheckpoint(c *gin.Context) {
	if h.Checkpoints == nil {
		Error(c, http.StatusInternalServerError, "checkpoints unavailable", nil)
		return
	}
	table := strings.TrimSpace(c.Param("table"))
	ts, ok := h.Checkpoints.Checkpoints()[table]
	if !ok {
		Error(c, http.StatusNotFound, "table not tracked", nil)
		return
	}
	Ok(c, checkpointView{Table: table, Checkpoint: ts}, nil)
}

func (h *StatusHandler) lag(c *gin.Context) {
	if h.Lag == nil {
		Error(c, http.StatusNotFound, "lag report disabled", nil)
		return
	}
	Ok(c, h.Lag.Lags(), nil)
}
