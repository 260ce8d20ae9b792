package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/roadassist/internal/assist/domain"
)

// LogNotifier writes notifications to the log. Used when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n domain.Notification) error {
	l.logger.Info("notification",
		zap.String("event", string(n.EventType)),
		zap.String("recipient_id", n.RecipientID.String()),
		zap.String("request_id", n.RequestID.String()),
		zap.Time("at", n.At))
	return nil
}
