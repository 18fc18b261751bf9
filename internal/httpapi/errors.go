package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentforge/dispatchd/internal/dispatcher"
	"github.com/agentforge/dispatchd/internal/store"
)

// respondError maps a store/dispatcher error to an HTTP status and JSON
// body, mirroring the teacher's mapServiceError (one place that translates
// internal sentinel errors to wire-level responses).
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, dispatcher.ErrJobNotInDeadLetter):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found in dead-letter queue"})
	default:
		slog.Error("httpapi: unexpected error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
