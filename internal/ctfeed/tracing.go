package ctfeed

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
)

// ConfigureTracing wires up an OTLP-over-gRPC batch exporter and the W3C
// TraceContext+Baggage propagator set. Returns a shutdown func that main
// defers.
func ConfigureTracing() func() {
	ctx := context.Background()

	client := otlptracegrpc.NewClient()
	exp, err := otlptrace.New(ctx, client)
	if err != nil {
		log.Printf("tracing: failed to initialize exporter, tracing disabled: %v", err)
		return func() {}
	}

	tp := trace.NewTracerProvider(trace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return func() {
		_ = exp.Shutdown(ctx)
		_ = tp.Shutdown(ctx)
	}
}

// newTracedHTTPClient builds the shared outbound client used by both the
// registry and every follower: otelhttp-wrapped for spans, with the
// connect/read timeouts from spec §5 (30s connect, 60s read, 30s overall
// request for STH polling — the per-request overall timeout is applied by
// each caller via context.WithTimeout).
func newTracedHTTPClient() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 60 * time.Second,
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
	}
}
