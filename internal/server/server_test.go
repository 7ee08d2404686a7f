package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vgrid/tokengate/internal/auth/exchange"
	"github.com/vgrid/tokengate/internal/auth/jwks"
	"github.com/vgrid/tokengate/internal/auth/provider"
	"github.com/vgrid/tokengate/internal/auth/session"
	"github.com/vgrid/tokengate/internal/auth/verify"
	"github.com/vgrid/tokengate/internal/ratelimit"
)

const (
	testJWTSecret     = "0123456789abcdef0123456789abcdef"
	testSessionSecret = "session-secret-session-secret-32"
	testIssuer        = "https://abc.supabase.co/auth/v1"
)

func signHS256(t *testing.T, payload map[string]interface{}) string {
	t.Helper()

	encode := func(v interface{}) string {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(data)
	}

	input := encode(map[string]string{"alg": "HS256", "typ": "JWT"}) + "." + encode(payload)
	mac := hmac.New(sha256.New, []byte(testJWTSecret))
	mac.Write([]byte(input))
	return input + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func validToken(t *testing.T) string {
	t.Helper()
	return signHS256(t, map[string]interface{}{
		"iss":   testIssuer,
		"sub":   "user-123",
		"email": "alice@example.com",
		"exp":   float64(time.Now().Add(time.Hour).Unix()),
	})
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter) *Server {
	t.Helper()

	registry, err := provider.NewRegistry([]provider.Config{
		{Supabase: &provider.SupabaseConfig{
			URL:       "https://abc.supabase.co",
			JWTSecret: testJWTSecret,
		}},
	})
	require.NoError(t, err)

	sessions, err := session.NewIssuer(&session.Config{Secret: testSessionSecret})
	require.NoError(t, err)

	opts := []exchange.Option{}
	if limiter != nil {
		opts = append(opts, exchange.WithLimiter(limiter))
	}
	svc := exchange.NewService(registry, verify.NewVerifier(jwks.NewCache()), sessions, opts...)

	return New(DefaultConfig(), svc,
		WithSessionIssuer(sessions),
		WithGatherer(prometheus.NewRegistry()),
	)
}

func doExchange(t *testing.T, srv *Server, token string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/auth/exchange", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "tokengate-test/1.0")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestHandleExchange(t *testing.T) {
	t.Parallel()

	t.Run("valid token returns a session", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, nil)
		rec := doExchange(t, srv, validToken(t))
		require.Equal(t, http.StatusOK, rec.Code)

		var body exchangeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body.SessionToken)
		assert.Equal(t, "supabase", body.Provider)
		assert.True(t, body.ExpiresAt.After(time.Now()))
	})

	t.Run("missing token", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, nil)
		rec := doExchange(t, srv, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Unauthorized", body.Error)
		assert.Equal(t, http.StatusUnauthorized, body.StatusCode)
		assert.NotEmpty(t, body.Message)
	})

	t.Run("expired token", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, nil)
		expired := signHS256(t, map[string]interface{}{
			"iss": testIssuer,
			"sub": "user-123",
			"exp": float64(time.Now().Add(-time.Hour).Unix()),
		})
		rec := doExchange(t, srv, expired)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "TokenExpired", body.Error)
	})

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, nil)
		raw := validToken(t)
		tampered := raw[:len(raw)-4] + "AAAA"
		rec := doExchange(t, srv, tampered)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "InvalidSignature", body.Error)
	})

	t.Run("unknown issuer", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, nil)
		raw := signHS256(t, map[string]interface{}{
			"iss": "https://rogue.example.com",
			"sub": "user-123",
			"exp": float64(time.Now().Add(time.Hour).Unix()),
		})
		rec := doExchange(t, srv, raw)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "InvalidIssuer", body.Error)
	})

	t.Run("rate limited reports usage", func(t *testing.T) {
		t.Parallel()

		limiter := ratelimit.NewMemoryLimiter(&ratelimit.Config{
			Requests: 1,
			Window:   time.Minute,
			MaxKeys:  10,
		})
		t.Cleanup(limiter.Stop)
		srv := newTestServer(t, limiter)

		raw := validToken(t)
		rec := doExchange(t, srv, raw)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doExchange(t, srv, raw)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "RateLimited", body.Error)
		require.NotNil(t, body.Usage)
		assert.Equal(t, 1, body.Usage.Limit)
		assert.Zero(t, body.Usage.Remaining)
		assert.False(t, body.Usage.ResetAt.IsZero())
	})
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleMetrics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSessionInfo(t *testing.T) {
	t.Parallel()

	t.Run("valid session", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, nil)
		rec := doExchange(t, srv, validToken(t))
		require.Equal(t, http.StatusOK, rec.Code)

		var exchanged exchangeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exchanged))

		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.Header.Set("Authorization", "Bearer "+exchanged.SessionToken)
		rec = httptest.NewRecorder()
		srv.Engine().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var info map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
		assert.Equal(t, "user-123", info["userId"])
		assert.Equal(t, "supabase", info["provider"])
	})

	t.Run("missing session token", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		rec := httptest.NewRecorder()
		srv.Engine().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("provider token is not a session token", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.Header.Set("Authorization", "Bearer "+validToken(t))
		rec := httptest.NewRecorder()
		srv.Engine().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequestIDPropagation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
