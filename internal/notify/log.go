package notify

import (
	"context"
	"log/slog"
	"time"
)

// Log writes notifications to the logger instead of a broker.
type Log struct {
	log *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{log: logger}
}

func (l *Log) Notify(ctx context.Context, patientID, event string, payload map[string]any) error {
	body, err := encode(patientID, event, payload, time.Now())
	if err != nil {
		return err
	}
	l.log.InfoContext(ctx, "notification",
		slog.String("event", event),
		slog.String("patient_id", patientID),
		slog.String("body", string(body)),
	)
	return nil
}
