package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/umt-project/umt/pkg/models"
)

const tracerName = "github.com/umt-project/umt/pkg/agent"

// injectTrace stamps the current span context onto an outbound envelope.
func injectTrace(ctx context.Context, msg *models.Message) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		msg.TraceContext = carrier
	}
}

// startSpan continues the producer's trace (when the envelope carries one)
// and opens a consumer span for the dispatch.
func startSpan(ctx context.Context, agentID string, msg *models.Message) (context.Context, trace.Span) {
	if len(msg.TraceContext) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.TraceContext))
	}

	name := "event " + msg.EventType
	switch msg.Kind() {
	case models.KindTask:
		name = "task " + msg.TaskType
	case models.KindResponse:
		name = "response"
	}

	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.MessageID),
			attribute.String("messaging.consumer.id", agentID),
			attribute.String("messaging.sender.id", msg.SenderAgentID),
		))
}
