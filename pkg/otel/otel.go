// Package otel installs the global tracer provider for the daemon.
package otel

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls tracing for one sync daemon.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Environment becomes deployment.environment (dev, staging, device...).
	Environment string
	// APIBaseURL is the household backend the gateway talks to.
	APIBaseURL string
	// SampleRatio in (0,1) samples that share of root spans; anything else samples all.
	SampleRatio float64
	// UseStdout enables stdout trace exporter (suitable for local dev/tests).
	UseStdout bool
}

// Init configures a global tracer provider and returns a shutdown func.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if cfg.UseStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp,
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithBatchTimeout(200*time.Millisecond),
		))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newResource(ctx context.Context, cfg Config) (*sdkresource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pantrysync"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = os.Getenv("PANTRYSYNC_VERSION")
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	if cfg.APIBaseURL != "" {
		attrs = append(attrs, attribute.String("pantrysync.api.base_url", cfg.APIBaseURL))
	}
	return sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithProcess(),
		sdkresource.WithHost(),
		sdkresource.WithAttributes(attrs...),
	)
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio > 0 && ratio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
	return sdktrace.AlwaysSample()
}
