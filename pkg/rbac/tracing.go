package rbac

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/platinummonkey/rolegate/pkg/rbac"

func (o Options) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.TracerProvider.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err with its kind so traces separate business rejections from
// storage failures
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("rbac.error_kind", string(KindOf(err))))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func principalAttr(id int64) attribute.KeyValue {
	return attribute.Int64("rbac.principal_id", id)
}

func roleAttr(id int64) attribute.KeyValue {
	return attribute.Int64("rbac.role_id", id)
}

func assignmentAttr(id int64) attribute.KeyValue {
	return attribute.Int64("rbac.assignment_id", id)
}
