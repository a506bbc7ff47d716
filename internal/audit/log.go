package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-authcore/internal/models"
)

// LogRecorder writes events to a structured logger under the "audit" name.
type LogRecorder struct {
	log *zap.Logger
}

func NewLogRecorder(log *zap.Logger) *LogRecorder {
	return &LogRecorder{log: log.Named("audit")}
}

func (r *LogRecorder) Record(_ context.Context, e *models.SecurityEvent) error {
	r.log.Info("security event",
		zap.String("event_id", e.ID),
		zap.String("event_type", e.EventType),
		zap.String("identifier", e.Identifier),
		zap.String("user_id", e.UserID),
		zap.String("ip_address", e.IPAddress),
		zap.String("details", e.Details),
		zap.Time("created_at", e.CreatedAt),
	)
	return nil
}
