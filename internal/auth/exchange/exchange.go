// Package exchange orchestrates the token exchange flow: rate limit,
// decode, provider detection, verification, session minting, and audit.
package exchange

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vgrid/tokengate/internal/audit"
	"github.com/vgrid/tokengate/internal/auth"
	"github.com/vgrid/tokengate/internal/auth/provider"
	"github.com/vgrid/tokengate/internal/auth/session"
	"github.com/vgrid/tokengate/internal/auth/verify"
	"github.com/vgrid/tokengate/internal/observability"
	"github.com/vgrid/tokengate/internal/ratelimit"
	"github.com/vgrid/tokengate/internal/token"
)

// Mode controls how the gateway treats requests without a provider token.
type Mode string

// Exchange modes.
const (
	// ModeStrict requires a valid provider token on every exchange.
	ModeStrict Mode = "strict"

	// ModeAuto behaves like strict for exchanges; it relaxes provider
	// declaration requirements at configuration time only.
	ModeAuto Mode = "auto"

	// ModeDev additionally grants anonymous sessions when no
	// Authorization header is present. Never enabled by default.
	ModeDev Mode = "dev"
)

// Request carries one inbound exchange attempt.
type Request struct {
	// Token is the raw bearer token. Empty when the Authorization
	// header was absent.
	Token string

	// ClientIP is the caller address after trusted-proxy resolution.
	ClientIP string

	// UserAgent is the caller's User-Agent header.
	UserAgent string
}

// Response is a successful exchange result.
type Response struct {
	// SessionToken is the minted internal session JWT.
	SessionToken string

	// ExpiresAt is when the session token expires.
	ExpiresAt time.Time

	// Provider is the identity provider that vouched for the caller.
	Provider string
}

// RateLimitedError carries the limiter decision alongside the taxonomy
// error so the HTTP boundary can report usage.
type RateLimitedError struct {
	Result *ratelimit.Result
}

func (e *RateLimitedError) Error() string {
	return "rate limit exceeded"
}

// Exchanger performs token exchanges.
type Exchanger interface {
	Exchange(ctx context.Context, req *Request) (*Response, error)
}

// Service implements Exchanger.
type Service struct {
	registry *provider.Registry
	verifier *verify.Verifier
	sessions session.Issuer
	limiter  ratelimit.Limiter
	audit    audit.Logger
	logger   observability.Logger
	metrics  *Metrics
	mode     Mode
}

// Option is a functional option for the exchange service.
type Option func(*Service)

// WithMode sets the exchange mode.
func WithMode(mode Mode) Option {
	return func(s *Service) {
		s.mode = mode
	}
}

// WithLimiter sets the rate limiter.
func WithLimiter(limiter ratelimit.Limiter) Option {
	return func(s *Service) {
		s.limiter = limiter
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(s *Service) {
		s.audit = logger
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// NewService creates an exchange service.
func NewService(
	registry *provider.Registry,
	verifier *verify.Verifier,
	sessions session.Issuer,
	opts ...Option,
) *Service {
	s := &Service{
		registry: registry,
		verifier: verifier,
		sessions: sessions,
		limiter:  ratelimit.NewNoopLimiter(),
		audit:    audit.NewNoopLogger(),
		logger:   observability.NopLogger(),
		mode:     ModeStrict,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	return s
}

// Exchange walks the exchange flow. Exactly one audit event is emitted
// per terminal state.
func (s *Service) Exchange(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	// Decode is attempted up front so the rate-limit key can use the
	// unverified subject. A decode failure is not terminal yet; the
	// limiter must see the request either way.
	decoded, decodeErr := token.Decode(req.Token)

	if err := s.checkLimit(ctx, req, decoded); err != nil {
		s.record("", "rate_limited", start)
		return nil, err
	}

	if req.Token == "" {
		if s.mode == ModeDev {
			return s.issueDevSession(ctx, req, start)
		}
		err := auth.E(auth.CodeInvalidFormat, "missing bearer token", nil)
		s.audit.LogExchangeFailure(ctx, "", req.ClientIP, req.UserAgent,
			string(auth.CodeInvalidFormat), err.Message)
		s.record("", "invalid_format", start)
		return nil, err
	}

	if decodeErr != nil {
		s.audit.LogExchangeFailure(ctx, "", req.ClientIP, req.UserAgent,
			string(auth.CodeOf(decodeErr)), decodeErr.Error())
		s.record("", "invalid_format", start)
		return nil, decodeErr
	}

	issuer := decoded.Issuer()
	if issuer == "" {
		err := auth.E(auth.CodeInvalidFormat, "token has no issuer claim", nil)
		s.audit.LogExchangeFailure(ctx, "", req.ClientIP, req.UserAgent,
			string(auth.CodeInvalidFormat), err.Message)
		s.record("", "invalid_format", start)
		return nil, err
	}

	policy, err := s.registry.Detect(issuer)
	if err != nil {
		s.audit.LogProviderMismatch(ctx, issuer, req.ClientIP, req.UserAgent)
		s.record("", "invalid_issuer", start)
		return nil, err
	}

	claims, err := s.verifier.Verify(ctx, req.Token, policy)
	if err != nil {
		code := auth.CodeOf(err)
		s.audit.LogVerificationFailure(ctx, string(policy.Type), req.ClientIP,
			req.UserAgent, string(code), err.Error())
		s.record(string(policy.Type), "verification_failed", start)
		return nil, err
	}

	sess, err := s.sessions.Issue(session.Identity{
		UserID:   claims.Subject,
		Email:    claims.Email,
		Provider: string(policy.Type),
	})
	if err != nil {
		s.logger.Error("session minting failed",
			observability.String("provider", string(policy.Type)),
			observability.Error(err))
		s.audit.LogExchangeFailure(ctx, string(policy.Type), req.ClientIP,
			req.UserAgent, string(auth.CodeUnexpectedError), "session minting failed")
		s.record(string(policy.Type), "error", start)
		return nil, auth.E(auth.CodeUnexpectedError, "failed to issue session", err)
	}

	s.audit.LogExchangeSuccess(ctx, claims.Subject, claims.Email,
		string(policy.Type), req.ClientIP, req.UserAgent)
	s.record(string(policy.Type), "success", start)

	return &Response{
		SessionToken: sess.Token,
		ExpiresAt:    sess.ExpiresAt,
		Provider:     string(policy.Type),
	}, nil
}

// checkLimit applies the rate limiter. Limiter backend failures are
// logged and the request is allowed through; an unavailable limiter
// store must not take authentication down with it.
func (s *Service) checkLimit(ctx context.Context, req *Request, decoded *token.Decoded) error {
	key := ratelimit.ExchangeKey(unverifiedSubject(decoded), req.Token)

	result, err := s.limiter.Allow(ctx, key)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing request",
			observability.Error(err))
		return nil
	}
	if result.Allowed {
		return nil
	}

	s.audit.LogRateLimitExceeded(ctx, key, req.ClientIP, req.UserAgent)
	return auth.E(auth.CodeRateLimited, "too many token exchange attempts",
		&RateLimitedError{Result: result})
}

// issueDevSession grants an anonymous short-lived session. Reachable
// only in dev mode with no Authorization header present.
func (s *Service) issueDevSession(ctx context.Context, req *Request, start time.Time) (*Response, error) {
	userID := "dev-" + uuid.New().String()

	sess, err := s.sessions.Issue(session.Identity{
		UserID:   userID,
		Provider: "development",
	})
	if err != nil {
		s.audit.LogExchangeFailure(ctx, "development", req.ClientIP,
			req.UserAgent, string(auth.CodeUnexpectedError), "session minting failed")
		s.record("development", "error", start)
		return nil, auth.E(auth.CodeUnexpectedError, "failed to issue session", err)
	}

	s.audit.LogDevelopmentTokenGenerated(ctx, userID, req.ClientIP, req.UserAgent)
	s.record("development", "success", start)

	return &Response{
		SessionToken: sess.Token,
		ExpiresAt:    sess.ExpiresAt,
		Provider:     "development",
	}, nil
}

func (s *Service) record(provider, outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordExchange(provider, outcome, time.Since(start))
}

// unverifiedSubject pulls the sub claim from a decoded but unverified
// token. Good enough as a limiter key; never trusted for identity.
func unverifiedSubject(decoded *token.Decoded) string {
	if decoded == nil {
		return ""
	}
	sub, _ := decoded.Payload["sub"].(string)
	return sub
}

// Ensure Service implements Exchanger.
var _ Exchanger = (*Service)(nil)
