package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	moveEventName   = "board.mutation"
	moveEventDomain = "sprint-tracker"
	moveSpanName    = "api.board.mutation"
	tracerName      = "sprint-tracker/api"
)

// moveRequestMetrics records one mutation request as a span plus a single
// structured "observability.event" log record carrying the same attributes.
type moveRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	route            string
	action           string
	authDuration     time.Duration
	storeDuration    time.Duration
	broadcastReached bool
	broadcastSet     bool
	errorStage       string
}

func newMoveRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*moveRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, moveSpanName)
	return &moveRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		route:  route,
	}, spanCtx
}

func (m *moveRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *moveRequestMetrics) ObserveStore(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.storeDuration = duration
}

func (m *moveRequestMetrics) SetAction(action string) {
	m.action = action
}

func (m *moveRequestMetrics) SetBroadcastReached(reached bool) {
	m.broadcastReached = reached
	m.broadcastSet = true
}

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log emits the observability event and ends the span. It must be called
// exactly once, after the response status is known.
func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}
	defer m.span.End()

	total := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("sprint.move.total_ms", total),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("sprint.move.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("sprint.move.store_ms", durationToMillis(m.storeDuration)))
	}
	if m.action != "" {
		attrs = append(attrs, attribute.String("sprint.move.action", m.action))
	}
	if m.broadcastSet {
		attrs = append(attrs, attribute.Bool("sprint.move.broadcast_reached", m.broadcastReached))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("sprint.move.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	m.span.SetAttributes(attrs...)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", moveEventName),
		attribute.String("event.domain", moveEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))

	if err != nil || status >= 500 {
		msg := "request failed"
		if err != nil {
			msg = err.Error()
		}
		m.span.SetStatus(codes.Error, msg)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}

	fields := log.Fields{
		"event.name":      moveEventName,
		"event.domain":    moveEventDomain,
		"attributes":      attributesAsMap(attrs),
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	m.logger.WithFields(fields).Info("observability.event")
}

// severityForStatus maps an HTTP outcome to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func attributesAsMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
