package jwks

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// marshalJWKS builds a JWKS document from RSA public keys using jwx.
func marshalJWKS(t *testing.T, kids []string, keys []*rsa.PrivateKey) []byte {
	t.Helper()

	set := jwk.NewSet()
	for i, priv := range keys {
		key, err := jwk.FromRaw(priv.Public())
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, kids[i]))
		require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
		require.NoError(t, set.AddKey(key))
	}

	data, err := json.Marshal(set)
	require.NoError(t, err)
	return data
}

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func TestParseKeySet(t *testing.T) {
	t.Parallel()

	t.Run("valid set", func(t *testing.T) {
		t.Parallel()

		priv := generateRSAKey(t)
		data := marshalJWKS(t, []string{"key-1"}, []*rsa.PrivateKey{priv})

		set, err := ParseKeySet(data)
		require.NoError(t, err)
		require.Len(t, set.Keys, 1)
		assert.Equal(t, "key-1", set.Keys[0].Kid)
		assert.Equal(t, "RSA", set.Keys[0].Kty)
	})

	t.Run("empty set is an error", func(t *testing.T) {
		t.Parallel()

		_, err := ParseKeySet([]byte(`{"keys":[]}`))
		require.Error(t, err)
	})

	t.Run("malformed body is an error", func(t *testing.T) {
		t.Parallel()

		_, err := ParseKeySet([]byte(`not json`))
		require.Error(t, err)
	})
}

func TestKeySetLookup(t *testing.T) {
	t.Parallel()

	set := &KeySet{Keys: []Key{
		{Kty: "RSA", Kid: "a"},
		{Kty: "RSA", Kid: "b"},
	}}

	t.Run("by kid", func(t *testing.T) {
		t.Parallel()

		key, ok := set.Lookup("b")
		require.True(t, ok)
		assert.Equal(t, "b", key.Kid)
	})

	t.Run("missing kid", func(t *testing.T) {
		t.Parallel()

		_, ok := set.Lookup("c")
		assert.False(t, ok)
	})

	t.Run("empty kid with multiple keys does not match", func(t *testing.T) {
		t.Parallel()

		_, ok := set.Lookup("")
		assert.False(t, ok)
	})

	t.Run("empty kid matches single-key set", func(t *testing.T) {
		t.Parallel()

		single := &KeySet{Keys: []Key{{Kty: "RSA", Kid: "only"}}}
		key, ok := single.Lookup("")
		require.True(t, ok)
		assert.Equal(t, "only", key.Kid)
	})
}

func TestKeyRSAPublicKey(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		priv := generateRSAKey(t)
		data := marshalJWKS(t, []string{"key-1"}, []*rsa.PrivateKey{priv})

		set, err := ParseKeySet(data)
		require.NoError(t, err)

		pub, err := set.Keys[0].RSAPublicKey()
		require.NoError(t, err)
		assert.Equal(t, priv.PublicKey.N, pub.N)
		assert.Equal(t, priv.PublicKey.E, pub.E)
	})

	t.Run("non-RSA key rejected", func(t *testing.T) {
		t.Parallel()

		key := &Key{Kty: "EC"}
		_, err := key.RSAPublicKey()
		require.Error(t, err)
	})

	t.Run("zero exponent rejected", func(t *testing.T) {
		t.Parallel()

		key := &Key{Kty: "RSA", N: "AQAB", E: "AA"}
		_, err := key.RSAPublicKey()
		require.Error(t, err)
	})
}

func TestParseRSAPublicKeyFromPEM(t *testing.T) {
	t.Parallel()

	priv := generateRSAKey(t)

	t.Run("PKIX", func(t *testing.T) {
		t.Parallel()

		der, err := x509.MarshalPKIXPublicKey(priv.Public())
		require.NoError(t, err)
		pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

		pub, err := ParseRSAPublicKeyFromPEM(pemData)
		require.NoError(t, err)
		assert.Equal(t, priv.PublicKey.N, pub.N)
	})

	t.Run("PKCS1", func(t *testing.T) {
		t.Parallel()

		der := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
		pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der})

		pub, err := ParseRSAPublicKeyFromPEM(pemData)
		require.NoError(t, err)
		assert.Equal(t, priv.PublicKey.N, pub.N)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		t.Parallel()

		_, err := ParseRSAPublicKeyFromPEM([]byte("not pem"))
		require.Error(t, err)
	})
}
