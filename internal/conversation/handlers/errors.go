package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/orchestrator"
)

// statusForKind maps orchestrator error kinds to HTTP statuses.
func statusForKind(kind orchestrator.Kind) int {
	switch kind {
	case orchestrator.KindInvalidRequest:
		return http.StatusBadRequest
	case orchestrator.KindNotFound, orchestrator.KindTurnNotFound:
		return http.StatusNotFound
	case orchestrator.KindPermissionDenied:
		return http.StatusForbidden
	case orchestrator.KindConflict:
		return http.StatusConflict
	case orchestrator.KindTimeout:
		return http.StatusRequestTimeout
	case orchestrator.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, log *logger.Logger, err error) {
	kind := orchestrator.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "request failed", "kind": string(kind)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(kind)})
}
