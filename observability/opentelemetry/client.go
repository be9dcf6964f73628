package opentelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartClientSpan 为一次对远端认证服务的调用创建客户端span
func StartClientSpan(ctx context.Context, tracer trace.Tracer, endpoint string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	attrs = append(attrs,
		attribute.String("rpc.system", "http"),
		attribute.String("auth.endpoint", endpoint),
	)
	return tracer.Start(ctx, "auth"+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan 根据调用结果设置span状态并结束span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}
