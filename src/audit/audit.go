// Package audit records guard verdicts for later review.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Easy-Infra-Ltd/easy-guard/src/sanitizer"
)

// Event is the audit record of one pipeline run. It carries scores and
// scanner names only, never the screened text.
type Event struct {
	ID         uuid.UUID           `json:"id"`
	ExchangeID string              `json:"exchange_id"`
	Direction  sanitizer.Direction `json:"direction"`
	Valid      bool                `json:"is_valid"`
	EarlyExit  bool                `json:"early_exit"`
	Scores     map[string]float64  `json:"scores"`
	Rejected   []string            `json:"rejected,omitempty"`
	Failed     []string            `json:"failed,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// EventFromVerdict summarizes v for exchangeID.
func EventFromVerdict(exchangeID string, v sanitizer.Verdict) Event {
	e := Event{
		ID:         uuid.New(),
		ExchangeID: exchangeID,
		Direction:  v.Direction,
		Valid:      v.Valid,
		EarlyExit:  v.EarlyExit,
		Scores:     v.Scores(),
		Rejected:   v.Rejected(),
		CreatedAt:  time.Now().UTC(),
	}
	for _, f := range v.Findings {
		if f.Failed {
			e.Failed = append(e.Failed, f.Scanner)
		}
	}
	return e
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// LogRecorder writes events to a structured logger.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With("area", "audit")}
}

func (r *LogRecorder) Record(ctx context.Context, e Event) error {
	r.logger.LogAttrs(ctx, slog.LevelInfo, "verdict",
		slog.String("event_id", e.ID.String()),
		slog.String("exchange_id", e.ExchangeID),
		slog.String("direction", string(e.Direction)),
		slog.Bool("valid", e.Valid),
		slog.Bool("early_exit", e.EarlyExit),
		slog.Any("scores", e.Scores),
		slog.Any("rejected", e.Rejected),
		slog.Any("failed", e.Failed),
	)
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
