package quizapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/quizforge/quizforge/pkg/credits"
)

type zapOperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger adapts a zap logger to the credits operation hook.
func NewOperationLogger(logger *zap.Logger) credits.OperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("identity", entry.Identity.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.SessionID != nil {
		fields = append(fields, zap.String("session_id", entry.SessionID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("credits operation failed", fields...)
		return
	}
	adapter.logger.Info("credits operation", fields...)
}
