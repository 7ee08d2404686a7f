package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vgrid/tokengate/internal/auth/session"
	"github.com/vgrid/tokengate/internal/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestClientIPExtractor(t *testing.T) {
	t.Parallel()

	newRequest := func(remoteAddr, xff string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remoteAddr
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		return req
	}

	tests := []struct {
		name       string
		trusted    []string
		remoteAddr string
		xff        string
		want       string
	}{
		{
			name:       "no trusted proxies ignores the header",
			trusted:    nil,
			remoteAddr: "203.0.113.7:1234",
			xff:        "198.51.100.1",
			want:       "203.0.113.7",
		},
		{
			name:       "untrusted remote ignores the header",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "203.0.113.7:1234",
			xff:        "198.51.100.1",
			want:       "203.0.113.7",
		},
		{
			name:       "trusted proxy takes the forwarded address",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.0.0.5:1234",
			xff:        "198.51.100.1",
			want:       "198.51.100.1",
		},
		{
			name:       "walks past chained trusted proxies",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.0.0.5:1234",
			xff:        "198.51.100.1, 10.0.0.6, 10.0.0.7",
			want:       "198.51.100.1",
		},
		{
			name:       "every hop trusted falls back to remote",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.0.0.5:1234",
			xff:        "10.0.0.1, 10.0.0.2",
			want:       "10.0.0.5",
		},
		{
			name:       "single ip trust entry",
			trusted:    []string{"10.0.0.5"},
			remoteAddr: "10.0.0.5:1234",
			xff:        "198.51.100.1",
			want:       "198.51.100.1",
		},
		{
			name:       "empty header falls back to remote",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.0.0.5:1234",
			xff:        "",
			want:       "10.0.0.5",
		},
		{
			name:       "garbage in trusted list is skipped",
			trusted:    []string{"not-an-ip", "10.0.0.0/8"},
			remoteAddr: "10.0.0.5:1234",
			xff:        "198.51.100.1",
			want:       "198.51.100.1",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := NewClientIPExtractor(tt.trusted)
			assert.Equal(t, tt.want, e.Extract(newRequest(tt.remoteAddr, tt.xff)))
		})
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	t.Run("generates an id and propagates it", func(t *testing.T) {
		t.Parallel()

		engine := gin.New()
		engine.Use(RequestID())

		var fromGin, fromCtx string
		engine.GET("/", func(c *gin.Context) {
			fromGin = GetRequestID(c)
			fromCtx = observability.RequestIDFromContext(c.Request.Context())
			c.Status(http.StatusOK)
		})

		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		header := rec.Header().Get(RequestIDHeader)
		assert.NotEmpty(t, header)
		assert.Equal(t, header, fromGin)
		assert.Equal(t, header, fromCtx)
	})

	t.Run("honors a caller-provided id", func(t *testing.T) {
		t.Parallel()

		engine := gin.New()
		engine.Use(RequestID())
		engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "caller-chosen-id")
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		assert.Equal(t, "caller-chosen-id", rec.Header().Get(RequestIDHeader))
	})
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "bearer token", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "missing header", header: "", want: ""},
		{name: "wrong scheme", header: "Basic abc", want: ""},
		{name: "lowercase scheme", header: "bearer abc", want: ""},
		{name: "prefix only", header: "Bearer ", want: ""},
		{name: "surrounding whitespace trimmed", header: "Bearer  abc ", want: "abc"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, BearerToken(c))
		})
	}
}

func TestSessionAuth(t *testing.T) {
	t.Parallel()

	const secret = "0123456789abcdef0123456789abcdef"

	newEngine := func(t *testing.T, issuer session.Issuer) *gin.Engine {
		t.Helper()
		engine := gin.New()
		engine.GET("/protected", SessionAuth(issuer), func(c *gin.Context) {
			claims := GetSessionClaims(c)
			require.NotNil(t, claims)
			c.JSON(http.StatusOK, gin.H{"sub": claims.Subject})
		})
		return engine
	}

	issuer, err := session.NewIssuer(&session.Config{Secret: secret})
	require.NoError(t, err)

	t.Run("valid session passes", func(t *testing.T) {
		t.Parallel()

		sess, err := issuer.Issue(session.Identity{UserID: "user-1", Provider: "auth0"})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+sess.Token)
		rec := httptest.NewRecorder()
		newEngine(t, issuer).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "user-1")
	})

	t.Run("missing token", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		newEngine(t, issuer).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Unauthorized")
	})

	t.Run("expired session", func(t *testing.T) {
		t.Parallel()

		past := time.Now().Add(-3 * time.Hour)
		expiredIssuer, err := session.NewIssuer(&session.Config{Secret: secret},
			session.WithTimeSource(func() time.Time { return past }))
		require.NoError(t, err)

		sess, err := expiredIssuer.Issue(session.Identity{UserID: "user-1"})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+sess.Token)
		rec := httptest.NewRecorder()
		newEngine(t, issuer).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "TokenExpired")
	})

	t.Run("tampered session", func(t *testing.T) {
		t.Parallel()

		sess, err := issuer.Issue(session.Identity{UserID: "user-1"})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+sess.Token+"AAAA")
		rec := httptest.NewRecorder()
		newEngine(t, issuer).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	engine := gin.New()
	engine.Use(Recovery(observability.NopLogger()))
	engine.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "InternalError")
}
