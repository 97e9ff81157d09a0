package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/services/dca"
)

// Sweeper runs one scheduler pass
type Sweeper interface {
	Tick(ctx context.Context, now time.Time) (*dca.TickSummary, error)
}

// InternalHandlers serves service-to-service endpoints
type InternalHandlers struct {
	sweeper Sweeper
	logger  *zap.Logger
	now     func() time.Time
}

func NewInternalHandlers(sweeper Sweeper, logger *zap.Logger) *InternalHandlers {
	return &InternalHandlers{sweeper: sweeper, logger: logger, now: time.Now}
}

// Sweep executes every due order. Used by external cron triggers when the
// in-process scheduler is disabled.
// POST /internal/v1/sweep
func (h *InternalHandlers) Sweep(c *gin.Context) {
	summary, err := h.sweeper.Tick(c.Request.Context(), h.now().UTC())
	if err != nil {
		h.logger.Error("Sweep failed",
			zap.String("request_id", getRequestID(c)),
			zap.Error(err))
		respondDomainError(c, err)
		return
	}

	h.logger.Info("Sweep completed",
		zap.Int("checked", summary.CheckedCount),
		zap.Int("executed", summary.ExecutedCount),
		zap.Int("failed", summary.FailedCount))
	c.JSON(http.StatusOK, summary)
}
