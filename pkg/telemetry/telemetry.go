// pkg/telemetry/telemetry.go
package telemetry

import (
	"context"
	"os"
	"path/filepath"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	cerr "github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var tracer trace.Tracer = noop.NewTracerProvider().Tracer(shared.ServiceName)

// Init configures OpenTelemetry. With enabled=false a noop provider is
// installed; otherwise spans are appended as JSON lines to file.
// The returned func flushes and stops the provider.
func Init(enabled bool, file string) (func(context.Context) error, error) {
	if !enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		tracer = tp.Tracer(shared.ServiceName)
		return func(context.Context) error { return nil }, nil
	}

	if file == "" {
		file = filepath.Join(os.TempDir(), shared.ServiceName, "telemetry.jsonl")
	}
	if err := os.MkdirAll(filepath.Dir(file), shared.DirPermOwnerRWX); err != nil {
		return nil, cerr.Wrap(err, "failed to create telemetry directory")
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, shared.FilePermOwnerReadWrite)
	if err != nil {
		return nil, cerr.Wrap(err, "failed to open telemetry file")
	}

	exp, err := stdouttrace.New(
		stdouttrace.WithWriter(f),
		stdouttrace.WithoutTimestamps(),
	)
	if err != nil {
		_ = f.Close()
		return nil, cerr.Wrap(err, "failed to create file exporter")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", shared.ServiceName),
			attribute.String("service.version", shared.Version),
			attribute.String("host.name", hostname()),
		)),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(shared.ServiceName)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		_ = f.Close()
		return err
	}, nil
}

// Start opens a span with optional attributes.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}
