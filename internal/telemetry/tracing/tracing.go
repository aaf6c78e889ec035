package tracing

import (
	"fmt"

	"github.com/2beens/fitsync/internal/apperrors"

	"github.com/honeycombio/honeycomb-opentelemetry-go"
	"github.com/honeycombio/otel-config-go/otelconfig"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var GlobalTracer = otel.Tracer("fitsync-core")

// EndSpanWithErrCheck ends the span, marking it failed when err is set.
// Not-found and validation errors are expected outcomes and only annotated.
func EndSpanWithErrCheck(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}

	kind := apperrors.KindOf(err)
	span.SetAttributes(attribute.String("error.kind", kind.String()))
	if kind == apperrors.KindNotFound || kind == apperrors.KindValidation {
		return
	}
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}

// HoneycombSetup configures the global tracer provider to export to Honeycomb.
// The API key and service name come from the HONEYCOMB_API_KEY and
// OTEL_SERVICE_NAME env vars. The returned func flushes and stops the exporter.
func HoneycombSetup() (func(), error) {
	bsp := honeycomb.NewBaggageSpanProcessor()
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithSpanProcessor(bsp),
	)
	if err != nil {
		return nil, fmt.Errorf("configure open telemetry: %w", err)
	}
	log.Println("honeycomb tracing set up")
	return otelShutdown, nil
}

// SpanAttrs is a helper for the common user/resource attributes.
func SpanAttrs(userID string, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(extra)+1)
	if userID != "" {
		attrs = append(attrs, attribute.String("user.id", userID))
	}
	return append(attrs, extra...)
}
