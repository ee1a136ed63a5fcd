package logger

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	runIDKey contextKey = iota
	phaseIDKey
)

// WithRun returns a context carrying the run ID for log records.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithPhase returns a context carrying the phase ID for log records.
func WithPhase(ctx context.Context, phaseID string) context.Context {
	return context.WithValue(ctx, phaseIDKey, phaseID)
}

// RunID extracts the run ID from the context, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// PhaseID extracts the phase ID from the context, or "".
func PhaseID(ctx context.Context) string {
	id, _ := ctx.Value(phaseIDKey).(string)
	return id
}

// contextHandler adds run_id and phase_id from the context to each record.
// It must sit outside AsyncHandler, which drops the context.
type contextHandler struct {
	inner slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if id := RunID(ctx); id != "" {
		rec.AddAttrs(slog.String("run_id", id))
	}
	if id := PhaseID(ctx); id != "" {
		rec.AddAttrs(slog.String("phase_id", id))
	}
	return h.inner.Handle(ctx, rec)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name)}
}
