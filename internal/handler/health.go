package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"crlogger/internal/service"
)

// StatusSource exposes the supervisor state to HTTP readers.
type StatusSource interface {
	Status() service.Status
}

type HealthHandler struct {
	Supervisor StatusSource
	// DB is set when checkpoints live in postgres.
	DB *gorm.DB
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
}

func (h *HealthHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ready reports 200 once the latest pass succeeded.
func (h *HealthHandler) ready(c *gin.Context) {
	if h.Supervisor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "supervisor_missing"})
		return
	}
	if h.DB != nil {
		sqlDB, err := h.DB.DB()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_error"})
			return
		}
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
			return
		}
	}
	st := h.Supervisor.Status()
	if st.LastSuccessAt == nil || st.ConsecutiveFailures > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":               "not_ready",
			"state":                st.State,
			"consecutive_failures": st.ConsecutiveFailures,
			"last_error":           st.LastError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "state": st.State})
}
