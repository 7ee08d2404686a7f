package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vgrid/tokengate/internal/observability"
)

func newBufferLogger(t *testing.T) (Logger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	l, err := NewLogger(
		&Config{Enabled: true},
		WithLoggerWriter(&buf),
		WithLoggerMetrics(NewMetricsWithRegisterer(prometheus.NewRegistry())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, &buf
}

func decodeEvents(t *testing.T, buf *bytes.Buffer) []Event {
	t.Helper()

	var events []Event
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var event Event
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		events = append(events, event)
	}
	return events
}

func TestLoggerExchangeSuccess(t *testing.T) {
	t.Parallel()

	l, buf := newBufferLogger(t)
	l.LogExchangeSuccess(context.Background(),
		"auth0|507f1f77bcf86cd799439011", "alice@example.com", "auth0", "203.0.113.7", "curl/8.5.0")

	events := decodeEvents(t, buf)
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, EventTypeTokenExchangeSuccess, event.Type)
	assert.Equal(t, OutcomeSuccess, event.Outcome)
	assert.Equal(t, LevelInfo, event.Level)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, "auth0", event.Provider)
	assert.Equal(t, "203.0.113.7", event.ClientIP)

	// Identity fields are redacted on the wire.
	assert.Equal(t, "auth0|50...", event.UserID)
	assert.Equal(t, "example.com", event.Email)
	assert.NotContains(t, buf.String(), "alice@example.com")
}

func TestLoggerExchangeFailure(t *testing.T) {
	t.Parallel()

	l, buf := newBufferLogger(t)
	l.LogExchangeFailure(context.Background(), "supabase", "203.0.113.7", "curl/8.5.0",
		"Expired", "token is expired")

	events := decodeEvents(t, buf)
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, EventTypeTokenExchangeFailure, event.Type)
	assert.Equal(t, OutcomeFailure, event.Outcome)
	assert.Equal(t, LevelWarn, event.Level)
	assert.Equal(t, "Expired", event.ErrorCode)
	assert.Equal(t, "token is expired", event.ErrorMessage)
}

func TestLoggerRateLimitExceeded(t *testing.T) {
	t.Parallel()

	l, buf := newBufferLogger(t)
	l.LogRateLimitExceeded(context.Background(), "user:alice", "203.0.113.7", "curl/8.5.0")

	events := decodeEvents(t, buf)
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, EventTypeRateLimitExceeded, event.Type)
	assert.Equal(t, OutcomeDenied, event.Outcome)
	assert.Equal(t, "user:alice", event.Metadata["rate_limit_key"])
}

func TestLoggerProviderMismatch(t *testing.T) {
	t.Parallel()

	l, buf := newBufferLogger(t)
	l.LogProviderMismatch(context.Background(), "https://rogue.example.com", "", "curl/8.5.0")

	events := decodeEvents(t, buf)
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, EventTypeProviderMismatch, event.Type)
	assert.Equal(t, "https://rogue.example.com", event.Metadata["issuer"])
	assert.Equal(t, "unknown", event.ClientIP)
}

func TestLoggerCorrelationFromContext(t *testing.T) {
	t.Parallel()

	l, buf := newBufferLogger(t)
	ctx := observability.ContextWithRequestID(context.Background(), "req-42")
	l.LogExchangeFailure(ctx, "auth0", "203.0.113.7", "", "InvalidSignature", "bad signature")

	events := decodeEvents(t, buf)
	require.Len(t, events, 1)
	assert.Equal(t, "req-42", events[0].CorrelationID)
}

func TestLoggerDisabled(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := NewLogger(
		&Config{Enabled: false},
		WithLoggerWriter(&buf),
		WithLoggerMetrics(NewMetricsWithRegisterer(prometheus.NewRegistry())),
	)
	require.NoError(t, err)

	l.LogExchangeSuccess(context.Background(), "user", "a@b.c", "auth0", "1.2.3.4", "ua")
	assert.Zero(t, buf.Len())
}

func TestMetricsSharedRegistry(t *testing.T) {
	t.Parallel()

	// Two instances on one registry must count into the same series, not
	// into an orphaned Vec the registry never scrapes.
	registry := prometheus.NewRegistry()
	first := NewMetricsWithRegisterer(registry)
	second := NewMetricsWithRegisterer(registry)

	second.RecordEvent(EventTypeTokenExchangeSuccess, OutcomeSuccess)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		first.eventsTotal.WithLabelValues(
			string(EventTypeTokenExchangeSuccess), string(OutcomeSuccess))))
}

func TestMetricsPrepopulatesAllEventTypes(t *testing.T) {
	t.Parallel()

	// Six event types crossed with three outcomes, all visible on a fresh
	// registry before any event is recorded.
	m := NewMetricsWithRegisterer(prometheus.NewRegistry())
	assert.Equal(t, 18, testutil.CollectAndCount(m.eventsTotal))
}

func TestNoopLogger(t *testing.T) {
	t.Parallel()

	l := NewNoopLogger()
	l.LogEvent(context.Background(), NewEvent(EventTypeTokenExchangeSuccess, OutcomeSuccess))
	l.LogExchangeSuccess(context.Background(), "u", "e", "p", "ip", "ua")
	assert.NoError(t, l.Close())
}
