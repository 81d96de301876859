package telemetry

import (
	"context"
	"fmt"
	"os"

	"github.com/aws-observability/aws-otel-go/exporters/xrayudp"
	lambdadetector "go.opentelemetry.io/contrib/detectors/aws/lambda"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// NewTracerProvider installs a global tracer provider exporting to the X-Ray
// daemon. serviceName is used outside Lambda, where the function name is unset.
func NewTracerProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	res, err := buildResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	exp, err := xrayudp.NewSpanExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot create xray udp exporter: %w", err)
	}

	processor := sdktrace.NewBatchSpanProcessor(exp)
	if inLambda() {
		// Lambda freezes between invocations; spans must leave synchronously.
		processor = sdktrace.NewSimpleSpanProcessor(exp)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(xray.Propagator{})

	return tp, nil
}

func inLambda() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}

// buildResource creates a merged OTEL resource with Lambda detection and custom attributes.
func buildResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	base := resource.Empty()
	if inLambda() {
		detected, err := lambdadetector.NewResourceDetector().Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot detect lambda resource: %w", err)
		}
		base = detected
		serviceName = os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
	}

	attributes := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	customResource := resource.NewWithAttributes(semconv.SchemaURL, attributes...)

	mergedResource, err := resource.Merge(base, customResource)
	if err != nil {
		return nil, fmt.Errorf("cannot merge otel resources: %w", err)
	}

	return mergedResource, nil
}
