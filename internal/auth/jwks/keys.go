package jwks

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

// KeySet represents a JSON Web Key Set as published by an identity provider.
type KeySet struct {
	Keys []Key `json:"keys"`
}

// Key represents a single JSON Web Key. Only the fields the supported
// providers publish are modeled.
type Key struct {
	// Kty is the key type, e.g. "RSA".
	Kty string `json:"kty"`
	// Kid is the key identifier.
	Kid string `json:"kid,omitempty"`
	// Alg is the intended algorithm.
	Alg string `json:"alg,omitempty"`
	// Use is the intended key use, e.g. "sig".
	Use string `json:"use,omitempty"`

	// N and E are the RSA public key components.
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// X5c is the X.509 certificate chain.
	X5c []string `json:"x5c,omitempty"`
}

// Lookup returns the key with the given kid. An empty kid matches a
// single-key set.
func (s *KeySet) Lookup(kid string) (*Key, bool) {
	for i := range s.Keys {
		if s.Keys[i].Kid == kid {
			return &s.Keys[i], true
		}
	}
	if kid == "" && len(s.Keys) == 1 {
		return &s.Keys[0], true
	}
	return nil, false
}

// ParseKeySet parses a JWKS document. A set with no usable keys is an
// error: an empty body must count as a fetch failure, never as a silently
// accepted empty key set.
func ParseKeySet(data []byte) (*KeySet, error) {
	var set KeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, errors.New("JWKS contains no keys")
	}
	return &set, nil
}

// RSAPublicKey converts the JWK to an RSA public key.
func (k *Key) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("key type is not RSA: %s", k.Kty)
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)

	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	if e == 0 {
		return nil, errors.New("exponent is zero")
	}

	return &rsa.PublicKey{N: n, E: e}, nil
}

// ParseRSAPublicKeyFromPEM parses an RSA public key from PEM-encoded data.
// Both PKIX and PKCS#1 encodings are accepted.
func ParseRSAPublicKeyFromPEM(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return rsaPub, nil
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}

	return rsaPub, nil
}
