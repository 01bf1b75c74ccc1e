package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// envelope wraps every JSON body served under /v1.
type envelope struct {
	Code       int            `json:"code"`
	Message    string         `json:"message"`
	Data       any            `json:"data,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	ServerTime time.Time      `json:"server_time"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, envelope{
		Message:    "ok",
		Data:       data,
		Meta:       meta,
		ServerTime: time.Now().UTC(),
	})
}

// Error uses the HTTP status as the body code.
func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, envelope{
		Code:       status,
		Message:    message,
		Meta:       meta,
		ServerTime: time.Now().UTC(),
	})
}
