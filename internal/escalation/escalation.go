// Package escalation delivers ESCALATE events to the external Planner
// agent adapter over NATS, propagating trace context in the message
// header. When no NATS connection is configured the sink degrades to
// logging the escalation and keeping it DLQ-resident only.
package escalation

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/pipeline/internal/task"
)

var propagator = propagation.TraceContext{}

// Sink publishes an escalation somewhere the Planner adapter can consume
// it.
type Sink func(ctx context.Context, e task.Event, failureChain []string)

// NoopSink logs the escalation and does nothing else, used when no NATS
// connection was configured.
func NoopSink(ctx context.Context, e task.Event, failureChain []string) {
	slog.Warn("escalation sink not configured, logging only",
		"task_id", e.TaskID, "failures", failureChain)
}

// NATSSink publishes e as JSON to subject over nc, injecting the
// current trace context into the message header.
func NATSSink(nc *nats.Conn, subject string) Sink {
	tracer := otel.Tracer("pipeline-escalation")
	return func(ctx context.Context, e task.Event, failureChain []string) {
		ctx, span := tracer.Start(ctx, "escalation.publish")
		defer span.End()

		data, err := json.Marshal(e)
		if err != nil {
			slog.Error("escalation: marshal event failed", "error", err)
			return
		}

		hdr := nats.Header{}
		propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
		msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
		if err := nc.PublishMsg(msg); err != nil {
			slog.Error("escalation: nats publish failed", "error", err, "subject", subject)
			return
		}
		slog.Info("escalation published", "task_id", e.TaskID, "subject", subject)
	}
}

// Subscribe registers handler on subject, extracting trace context
// from each inbound message, for Planner adapters that want to consume
// escalations back into this process (e.g. an in-process test double
// for the external Planner).
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	tracer := otel.Tracer("pipeline-escalation")
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		ctx, span := tracer.Start(ctx, "escalation.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
