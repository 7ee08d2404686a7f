package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vgrid/tokengate/internal/observability"
)

// Logger records audit events for token exchanges.
type Logger interface {
	// LogEvent writes a single audit event.
	LogEvent(ctx context.Context, event *Event)

	// LogExchangeSuccess records a completed token exchange.
	LogExchangeSuccess(ctx context.Context, userID, email, provider, clientIP, userAgent string)

	// LogExchangeFailure records a failed token exchange.
	LogExchangeFailure(ctx context.Context, provider, clientIP, userAgent, errorCode, errorMessage string)

	// LogRateLimitExceeded records a rejected request.
	LogRateLimitExceeded(ctx context.Context, key, clientIP, userAgent string)

	// LogVerificationFailure records a signature or claim validation failure.
	LogVerificationFailure(ctx context.Context, provider, clientIP, userAgent, errorCode, errorMessage string)

	// LogProviderMismatch records a token whose issuer matched no
	// configured provider.
	LogProviderMismatch(ctx context.Context, issuer, clientIP, userAgent string)

	// LogDevelopmentTokenGenerated records issuance of an anonymous
	// development session.
	LogDevelopmentTokenGenerated(ctx context.Context, userID, clientIP, userAgent string)

	// Close releases the underlying writer.
	Close() error
}

// Metrics contains audit metrics.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
}

// NewMetrics creates audit metrics registered with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates audit metrics registered with the
// provided registerer.
func NewMetricsWithRegisterer(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokengate",
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Total number of audit events",
			},
			[]string{"type", "outcome"},
		),
	}

	m.eventsTotal = observability.RegisterOrReuse(registerer, m.eventsTotal)

	m.init()

	return m
}

// init pre-populates label combinations so the Vec appears in /metrics
// output immediately after startup.
func (m *Metrics) init() {
	if m.eventsTotal == nil {
		return
	}
	types := []EventType{
		EventTypeTokenExchangeSuccess,
		EventTypeTokenExchangeFailure,
		EventTypeRateLimitExceeded,
		EventTypeJWTVerificationFailure,
		EventTypeProviderMismatch,
		EventTypeDevelopmentTokenGranted,
	}
	outcomes := []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeDenied}
	for _, t := range types {
		for _, o := range outcomes {
			m.eventsTotal.WithLabelValues(string(t), string(o))
		}
	}
}

// RecordEvent records an audit event metric.
func (m *Metrics) RecordEvent(eventType EventType, outcome Outcome) {
	if m.eventsTotal == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(eventType), string(outcome)).Inc()
}

// logger implements Logger, writing one JSON line per event.
type logger struct {
	enabled bool
	writer  io.Writer
	closer  io.Closer
	mu      sync.Mutex
	logger  observability.Logger
	metrics *Metrics
}

// LoggerOption is a functional option for the audit logger.
type LoggerOption func(*logger)

// WithLoggerLogger sets the diagnostic logger.
func WithLoggerLogger(l observability.Logger) LoggerOption {
	return func(lg *logger) {
		lg.logger = l
	}
}

// WithLoggerMetrics sets the metrics.
func WithLoggerMetrics(metrics *Metrics) LoggerOption {
	return func(lg *logger) {
		lg.metrics = metrics
	}
}

// WithLoggerWriter sets the writer.
func WithLoggerWriter(writer io.Writer) LoggerOption {
	return func(lg *logger) {
		lg.writer = writer
	}
}

// Config holds audit logger configuration.
type Config struct {
	// Enabled enables audit logging.
	Enabled bool `yaml:"enabled"`

	// Output is the destination: stdout, stderr, or a file path.
	Output string `yaml:"output,omitempty"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Output:  "stdout",
	}
}

// NewLogger creates an audit logger.
func NewLogger(config *Config, opts ...LoggerOption) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	l := &logger{
		enabled: config.Enabled,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.metrics == nil {
		l.metrics = NewMetrics()
	}

	if l.writer == nil {
		writer, closer, err := openOutput(config.Output)
		if err != nil {
			return nil, err
		}
		l.writer = writer
		l.closer = closer
	}

	return l, nil
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		return file, file, nil
	}
}

// LogEvent writes one audit event. Correlation and trace identifiers are
// filled from the context when the event does not carry them.
func (l *logger) LogEvent(ctx context.Context, event *Event) {
	if !l.enabled {
		return
	}

	if event.TraceID == "" {
		event.TraceID = extractTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = extractSpanID(ctx)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = observability.RequestIDFromContext(ctx)
	}

	redactEvent(event)

	l.metrics.RecordEvent(event.Type, event.Outcome)

	l.writeEvent(event)
}

func (l *logger) writeEvent(event *Event) {
	output, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("failed to marshal audit event", observability.Error(err))
		return
	}
	output = append(output, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(output); err != nil {
		l.logger.Error("failed to write audit event", observability.Error(err))
	}
}

// LogExchangeSuccess records a completed token exchange.
func (l *logger) LogExchangeSuccess(ctx context.Context, userID, email, provider, clientIP, userAgent string) {
	event := NewEvent(EventTypeTokenExchangeSuccess, OutcomeSuccess).
		WithSubject(userID, email).
		WithProvider(provider).
		WithClient(clientIP, userAgent)
	l.LogEvent(ctx, event)
}

// LogExchangeFailure records a failed token exchange.
func (l *logger) LogExchangeFailure(ctx context.Context, provider, clientIP, userAgent, errorCode, errorMessage string) {
	event := NewEvent(EventTypeTokenExchangeFailure, OutcomeFailure).
		WithProvider(provider).
		WithClient(clientIP, userAgent).
		WithError(errorCode, errorMessage)
	l.LogEvent(ctx, event)
}

// LogRateLimitExceeded records a rejected request. The key is the
// composite rate-limit identity, never a raw token.
func (l *logger) LogRateLimitExceeded(ctx context.Context, key, clientIP, userAgent string) {
	event := NewEvent(EventTypeRateLimitExceeded, OutcomeDenied).
		WithClient(clientIP, userAgent).
		WithMetadata("rate_limit_key", key)
	l.LogEvent(ctx, event)
}

// LogVerificationFailure records a signature or claim validation failure.
func (l *logger) LogVerificationFailure(ctx context.Context, provider, clientIP, userAgent, errorCode, errorMessage string) {
	event := NewEvent(EventTypeJWTVerificationFailure, OutcomeFailure).
		WithProvider(provider).
		WithClient(clientIP, userAgent).
		WithError(errorCode, errorMessage)
	l.LogEvent(ctx, event)
}

// LogProviderMismatch records a token whose issuer matched no configured
// provider.
func (l *logger) LogProviderMismatch(ctx context.Context, issuer, clientIP, userAgent string) {
	event := NewEvent(EventTypeProviderMismatch, OutcomeFailure).
		WithClient(clientIP, userAgent).
		WithMetadata("issuer", issuer)
	l.LogEvent(ctx, event)
}

// LogDevelopmentTokenGenerated records issuance of an anonymous
// development session.
func (l *logger) LogDevelopmentTokenGenerated(ctx context.Context, userID, clientIP, userAgent string) {
	event := NewEvent(EventTypeDevelopmentTokenGranted, OutcomeSuccess).
		WithSubject(userID, "").
		WithClient(clientIP, userAgent)
	l.LogEvent(ctx, event)
}

// Close closes the logger.
func (l *logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func extractTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func extractSpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// noopLogger drops all events.
type noopLogger struct{}

// NewNoopLogger creates an audit logger that drops all events.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *noopLogger) LogEvent(_ context.Context, _ *Event) {}
func (l *noopLogger) LogExchangeSuccess(_ context.Context, _, _, _, _, _ string)      {}
func (l *noopLogger) LogExchangeFailure(_ context.Context, _, _, _, _, _ string)      {}
func (l *noopLogger) LogRateLimitExceeded(_ context.Context, _, _, _ string)          {}
func (l *noopLogger) LogVerificationFailure(_ context.Context, _, _, _, _, _ string)  {}
func (l *noopLogger) LogProviderMismatch(_ context.Context, _, _, _ string)           {}
func (l *noopLogger) LogDevelopmentTokenGenerated(_ context.Context, _, _, _ string)  {}
func (l *noopLogger) Close() error                                                   { return nil }

// Ensure implementations satisfy the interface.
var (
	_ Logger = (*logger)(nil)
	_ Logger = (*noopLogger)(nil)
)
