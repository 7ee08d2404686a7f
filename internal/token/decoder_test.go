package token

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vgrid/tokengate/internal/auth"
)

func encodeSegment(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(data)
}

func makeToken(t *testing.T, header, payload interface{}) string {
	t.Helper()
	sig := base64.RawURLEncoding.EncodeToString([]byte("signature"))
	return encodeSegment(t, header) + "." + encodeSegment(t, payload) + "." + sig
}

func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("valid token", func(t *testing.T) {
		t.Parallel()

		raw := makeToken(t,
			map[string]string{"alg": "RS256", "kid": "key-1", "typ": "JWT"},
			map[string]interface{}{"iss": "https://issuer.example.com", "sub": "user-1"},
		)

		decoded, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, "RS256", decoded.Header.Algorithm)
		assert.Equal(t, "key-1", decoded.Header.KeyID)
		assert.Equal(t, "https://issuer.example.com", decoded.Issuer())
		assert.Equal(t, "user-1", decoded.Payload["sub"])
		assert.Equal(t, []byte("signature"), decoded.Signature())
	})

	t.Run("signing input covers header and payload", func(t *testing.T) {
		t.Parallel()

		raw := makeToken(t, map[string]string{"alg": "HS256"}, map[string]string{"iss": "x"})
		decoded, err := Decode(raw)
		require.NoError(t, err)

		parts := raw[:len(raw)-len(".c2lnbmF0dXJl")]
		assert.Equal(t, parts, decoded.SigningInput())
	})

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty string", raw: ""},
		{name: "two segments", raw: "aaa.bbb"},
		{name: "four segments", raw: "aaa.bbb.ccc.ddd"},
		{name: "empty segment", raw: "aaa..ccc"},
		{name: "header not base64", raw: "!!!.bbb.ccc"},
		{name: "payload not base64", raw: "eyJhbGciOiJSUzI1NiJ9.!!!.ccc"},
		{name: "signature not base64", raw: "eyJhbGciOiJSUzI1NiJ9.eyJpc3MiOiJ4In0.!!!"},
		{
			name: "header not JSON",
			raw: base64.RawURLEncoding.EncodeToString([]byte("not json")) +
				".eyJpc3MiOiJ4In0.c2ln",
		},
		{
			name: "payload not JSON",
			raw: "eyJhbGciOiJSUzI1NiJ9." +
				base64.RawURLEncoding.EncodeToString([]byte("not json")) + ".c2ln",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			decoded, err := Decode(tt.raw)
			assert.Nil(t, decoded)
			require.Error(t, err)
			assert.Equal(t, auth.CodeInvalidFormat, auth.CodeOf(err))
		})
	}
}

func TestExtractIssuer(t *testing.T) {
	t.Parallel()

	t.Run("returns issuer", func(t *testing.T) {
		t.Parallel()

		raw := makeToken(t, map[string]string{"alg": "RS256"},
			map[string]string{"iss": "https://tenant.auth0.com/"})
		iss, err := ExtractIssuer(raw)
		require.NoError(t, err)
		assert.Equal(t, "https://tenant.auth0.com/", iss)
	})

	t.Run("missing issuer is a format error", func(t *testing.T) {
		t.Parallel()

		raw := makeToken(t, map[string]string{"alg": "RS256"},
			map[string]string{"sub": "user-1"})
		_, err := ExtractIssuer(raw)
		require.Error(t, err)
		assert.Equal(t, auth.CodeInvalidFormat, auth.CodeOf(err))
	})

	t.Run("non-string issuer is a format error", func(t *testing.T) {
		t.Parallel()

		raw := makeToken(t, map[string]string{"alg": "RS256"},
			map[string]interface{}{"iss": 42})
		_, err := ExtractIssuer(raw)
		require.Error(t, err)
		assert.Equal(t, auth.CodeInvalidFormat, auth.CodeOf(err))
	})
}
