// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package telem

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otel_codes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	controller "go.opentelemetry.io/otel/sdk/metric/controller/basic"
	processor "go.opentelemetry.io/otel/sdk/metric/processor/basic"
	"go.opentelemetry.io/otel/sdk/metric/selector/simple"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/lachlanorr/kscope/version"
)

const instrumentationName = "kscope"

var (
	gTraceExporter  *otlptrace.Exporter
	gMetricExporter *otlpmetric.Exporter
	gTp             *sdktrace.TracerProvider
	gPusher         *controller.Controller
)

// Initialize points the global tracer and meter providers at an otel
// collector. Without it every span and instrument is a no-op.
func Initialize(ctx context.Context, otelcolEndpoint string) error {
	var err error

	gTraceExporter, err = otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(otelcolEndpoint),
	)
	if err != nil {
		return err
	}

	gMetricExporter, err = otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithEndpoint(otelcolEndpoint),
	)
	if err != nil {
		gTraceExporter.Shutdown(ctx)
		return err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("kscope"),
		semconv.ServiceVersionKey.String(version.GitCommit),
	)

	gTp = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			gTraceExporter,
			// add following two options to ensure flush
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(10),
		),
	)
	otel.SetTracerProvider(gTp)

	gPusher = controller.New(
		processor.NewFactory(
			simple.NewWithInexpensiveDistribution(),
			gMetricExporter,
		),
		controller.WithExporter(gMetricExporter),
		controller.WithResource(res),
		controller.WithCollectPeriod(2*time.Second),
	)
	global.SetMeterProvider(gPusher)

	if err := gPusher.Start(ctx); err != nil {
		gMetricExporter.Shutdown(ctx)
		gTraceExporter.Shutdown(ctx)
		return err
	}

	log.Info().
		Str("Endpoint", otelcolEndpoint).
		Msg("Telemetry initialized")
	return nil
}

func Shutdown(ctx context.Context) error {
	var errs *multierror.Error
	if gPusher != nil {
		errs = multierror.Append(errs, gPusher.Stop(ctx))
	}
	if gTp != nil {
		errs = multierror.Append(errs, gTp.Shutdown(ctx))
	}
	if gMetricExporter != nil {
		errs = multierror.Append(errs, gMetricExporter.Shutdown(ctx))
	}
	if gTraceExporter != nil {
		errs = multierror.Append(errs, gTraceExporter.Shutdown(ctx))
	}
	return errs.ErrorOrNil()
}

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(otel_codes.Error, err.Error())
}

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func funcName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip + 1)
	var funcName string
	if ok {
		fn := runtime.FuncForPC(pc)
		if fn != nil {
			funcName = fn.Name()
		}
	}
	lastSlash := strings.LastIndex(funcName, "/")
	if lastSlash != -1 {
		funcName = funcName[lastSlash+1:]
	}

	return funcName
}

func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func StartFunc(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, funcName(1), trace.WithAttributes(attrs...))
}

//------------------------------------------------------------------------------
// Instruments. These bind to the global meter provider lazily, so they are
// safe to use before Initialize and stay no-ops if it is never called.

var (
	meter = metric.Must(global.Meter(instrumentationName))

	sessionsStarted = meter.NewInt64Counter(
		"kscope.sessions.started",
		metric.WithDescription("Streaming sessions started"),
	)
	sessionsEnded = meter.NewInt64Counter(
		"kscope.sessions.ended",
		metric.WithDescription("Streaming sessions ended, by final state"),
	)
	messagesStreamed = meter.NewInt64Counter(
		"kscope.messages.streamed",
		metric.WithDescription("Messages delivered to session subscribers"),
	)
	offsetsResolved = meter.NewInt64Counter(
		"kscope.offsets.resolved",
		metric.WithDescription("Partition offsets resolved, by request type"),
	)
	groupLag = meter.NewInt64Histogram(
		"kscope.group.lag",
		metric.WithDescription("Total consumer group lag per lag report"),
	)
)

func SessionStarted(ctx context.Context, topic string) {
	sessionsStarted.Add(ctx, 1, attribute.String("kscope.topic", topic))
}

func SessionEnded(ctx context.Context, topic string, state string) {
	sessionsEnded.Add(ctx, 1, attribute.String("kscope.topic", topic), attribute.String("kscope.state", state))
}

func MessageStreamed(ctx context.Context, topic string) {
	messagesStreamed.Add(ctx, 1, attribute.String("kscope.topic", topic))
}

func OffsetsResolved(ctx context.Context, requestType string, count int) {
	offsetsResolved.Add(ctx, int64(count), attribute.String("kscope.request", requestType))
}

func GroupLag(ctx context.Context, group string, lag int64) {
	groupLag.Record(ctx, lag, attribute.String("kscope.group", group))
}
