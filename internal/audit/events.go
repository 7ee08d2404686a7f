package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of audit event.
type EventType string

// Event types emitted by the exchange pipeline.
const (
	EventTypeTokenExchangeSuccess     EventType = "token_exchange_success"
	EventTypeTokenExchangeFailure     EventType = "token_exchange_failure"
	EventTypeRateLimitExceeded        EventType = "rate_limit_exceeded"
	EventTypeJWTVerificationFailure   EventType = "jwt_verification_failure"
	EventTypeProviderMismatch         EventType = "provider_mismatch"
	EventTypeDevelopmentTokenGranted  EventType = "development_token_generated"
)

// Outcome represents the outcome of an audited exchange.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Level represents the audit log level.
type Level string

// Audit levels.
const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one audit record. Every terminal state of a token exchange
// produces exactly one Event.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred, in UTC.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Outcome is the outcome of the exchange.
	Outcome Outcome `json:"outcome"`

	// Level is the audit level.
	Level Level `json:"level"`

	// CorrelationID ties the event to the originating request.
	CorrelationID string `json:"correlation_id,omitempty"`

	// UserID is the subject identifier, redacted before writing.
	UserID string `json:"user_id,omitempty"`

	// Email is the subject email, reduced to its domain before writing.
	Email string `json:"email,omitempty"`

	// Provider is the identity provider that issued the inbound token.
	Provider string `json:"provider,omitempty"`

	// ClientIP is the caller's address, or "unknown".
	ClientIP string `json:"client_ip"`

	// UserAgent is the caller's user agent, truncated before writing.
	UserAgent string `json:"user_agent,omitempty"`

	// ErrorCode is the machine-readable failure code.
	ErrorCode string `json:"error_code,omitempty"`

	// ErrorMessage is the failure detail, truncated before writing.
	ErrorMessage string `json:"error_message,omitempty"`

	// TraceID is the trace ID for distributed tracing.
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the span ID for distributed tracing.
	SpanID string `json:"span_id,omitempty"`

	// Metadata holds additional event details.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates an audit event with default values.
func NewEvent(eventType EventType, outcome Outcome) *Event {
	level := LevelInfo
	if outcome != OutcomeSuccess {
		level = LevelWarn
	}
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Outcome:   outcome,
		Level:     level,
	}
}

// WithSubject sets the user identity fields.
func (e *Event) WithSubject(userID, email string) *Event {
	e.UserID = userID
	e.Email = email
	return e
}

// WithProvider sets the identity provider.
func (e *Event) WithProvider(provider string) *Event {
	e.Provider = provider
	return e
}

// WithClient sets the caller address and user agent.
func (e *Event) WithClient(ip, userAgent string) *Event {
	e.ClientIP = ip
	e.UserAgent = userAgent
	return e
}

// WithError sets the failure code and message.
func (e *Event) WithError(code, message string) *Event {
	e.ErrorCode = code
	e.ErrorMessage = message
	return e
}

// WithCorrelationID sets the correlation ID.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithMetadata adds a metadata entry.
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}
