package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const engineTracerName = "github.com/tmobile/percy-cake-sub001/internal/engine"

// track opens a span for op and returns the func that closes it, records
// the outcome in metrics and logs failures.
func (e *Engine) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	tracer := otel.Tracer(engineTracerName)
	attrs = append(attrs,
		attribute.String("percy.repo", e.meta.Folder()),
		attribute.String("percy.branch", e.meta.BranchName),
	)
	ctx, span := tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(err error) {
		e.metrics.observe(op, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if !IsConflict(err) {
				e.logger.Debug("operation failed", "op", op, "error", err)
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
