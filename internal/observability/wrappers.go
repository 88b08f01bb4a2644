package observability

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Observe runs fn inside an OTel span named op and feeds the outcome to the
// anomaly detector. Both tracer and anomaly may be nil.
func Observe(ctx context.Context, tracer trace.Tracer, anomaly *AnomalyDetector, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	if tracer != nil {
		var span trace.Span
		ctx, span = tracer.Start(ctx, op, trace.WithAttributes(attrs...))
		defer span.End()

		err := fn(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			anomaly.RecordError(op)
			return err
		}
		anomaly.RecordSuccess(op)
		return nil
	}

	err := fn(ctx)
	if err != nil {
		anomaly.RecordError(op)
		return err
	}
	anomaly.RecordSuccess(op)
	return nil
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
