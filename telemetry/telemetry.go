// Package telemetry exports the engine's resolution events as OpenTelemetry
// traces. Spans are derived from eventbus events, so the core packages carry
// no tracing dependency: one span per tick, one child span per batch-source
// call, one child span per outgoing gRPC call.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	eventbus "github.com/hanpama/graphload/internal/eventbus"
	events "github.com/hanpama/graphload/internal/events"
	execid "github.com/hanpama/graphload/internal/execid"
)

// Setup configures OpenTelemetry tracing and attaches eventbus subscribers.
// It installs the global event bus, so it must run before the first
// dispatch. If endpoint is empty, no telemetry is configured and the
// returned shutdown is a no-op.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	eventbus.Use(eventbus.New())
	sub := &subscriber{tracer: otel.Tracer("graphload")}
	sub.register()

	return tp.Shutdown, nil
}

type subscriber struct {
	tracer     trace.Tracer
	tickSpans  sync.Map // execution id -> trace.Span
	fetchSpans sync.Map // fetchKey -> trace.Span
	grpcSpans  sync.Map // grpcKey -> trace.Span
}

// One batch-source call per fetcher per tick, so {execution, fetcher}
// identifies the span.
type fetchKey struct {
	eid     int64
	fetcher string
}

type grpcKey struct {
	eid    int64
	method string
	target string
}

func (s *subscriber) register() {
	eventbus.Subscribe(func(ctx context.Context, e events.TickStart) {
		eid, _ := execid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "graphload.tick")
		span.SetAttributes(
			attribute.Int("graphload.tick.placeholders", e.Placeholders),
			attribute.Int("graphload.tick.partitions", e.Partitions),
		)
		s.tickSpans.Store(eid, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.TickFinish) {
		eid, _ := execid.FromContext(ctx)
		v, ok := s.tickSpans.LoadAndDelete(eid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("graphload.tick.errors", e.Errors))
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.SourceCallStart) {
		eid, _ := execid.FromContext(ctx)
		parent := ctx
		if v, ok := s.tickSpans.Load(eid); ok {
			parent = trace.ContextWithSpan(ctx, v.(trace.Span))
		}
		_, span := s.tracer.Start(parent, "graphload.fetch")
		span.SetAttributes(
			attribute.String("graphload.fetcher", e.Fetcher),
			attribute.Int("graphload.fetch.keys", e.Keys),
		)
		s.fetchSpans.Store(fetchKey{eid, e.Fetcher}, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.SourceCallFinish) {
		eid, _ := execid.FromContext(ctx)
		v, ok := s.fetchSpans.LoadAndDelete(fetchKey{eid, e.Fetcher})
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("graphload.fetch.found", e.Found))
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.GRPCClientStart) {
		eid, _ := execid.FromContext(ctx)
		parent := ctx
		if v, ok := s.tickSpans.Load(eid); ok {
			parent = trace.ContextWithSpan(ctx, v.(trace.Span))
		}
		_, span := s.tracer.Start(parent, "grpc.client")
		span.SetAttributes(
			semconv.RPCServiceKey.String(e.Service),
			semconv.RPCMethodKey.String(e.Method),
			attribute.String("net.peer.name", e.Target),
		)
		s.grpcSpans.Store(grpcKey{eid, e.Service + "/" + e.Method, e.Target}, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.GRPCClientFinish) {
		eid, _ := execid.FromContext(ctx)
		v, ok := s.grpcSpans.LoadAndDelete(grpcKey{eid, e.Service + "/" + e.Method, e.Target})
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.String("grpc.code", e.Code.String()))
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})
}
