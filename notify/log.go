package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/contravention-engine/engine"
)

// LogPublisher writes each notification as a structured log line. It is the
// default driver when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, n engine.Notification) error {
	p.logger.Info("notification",
		zap.String("kind", string(n.Kind)),
		zap.Time("at", n.At),
		zap.Any("payload", n.Payload),
	)
	return nil
}
