// Package verify validates provider token signatures and standard claims.
// Dispatch is by the algorithm family the provider policy allow-lists, so a
// token presenting the wrong family (or alg "none") is rejected before any
// key material is touched.
package verify

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"time"

	"github.com/vgrid/tokengate/internal/auth"
	"github.com/vgrid/tokengate/internal/auth/jwks"
	"github.com/vgrid/tokengate/internal/auth/provider"
	"github.com/vgrid/tokengate/internal/observability"
	"github.com/vgrid/tokengate/internal/token"
)

// DefaultClockSkew is the default tolerance for exp and nbf evaluation.
const DefaultClockSkew = 5 * time.Second

// Verifier validates tokens against provider policies.
type Verifier struct {
	cache     *jwks.Cache
	clockSkew time.Duration
	logger    observability.Logger
	metrics   *Metrics
	now       func() time.Time
}

// VerifierOption is a functional option for the verifier.
type VerifierOption func(*Verifier)

// WithClockSkew sets the clock skew tolerance.
func WithClockSkew(skew time.Duration) VerifierOption {
	return func(v *Verifier) {
		if skew >= 0 {
			v.clockSkew = skew
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) VerifierOption {
	return func(v *Verifier) {
		v.metrics = metrics
	}
}

// WithTimeSource sets the time source. Tests use this to pin the clock.
func WithTimeSource(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier resolving JWKS keys through the given cache.
func NewVerifier(cache *jwks.Cache, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		cache:     cache,
		clockSkew: DefaultClockSkew,
		logger:    observability.NopLogger(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.metrics == nil {
		v.metrics = NewMetrics("tokengate")
	}

	return v
}

// Verify validates the raw token against the policy and returns canonical
// claims. Every failure maps onto the exchange taxonomy.
func (v *Verifier) Verify(ctx context.Context, raw string, policy *provider.Policy) (*Claims, error) {
	start := v.now()

	decoded, err := token.Decode(raw)
	if err != nil {
		v.metrics.RecordVerification("error", "malformed", time.Since(start))
		return nil, err
	}

	alg := decoded.Header.Algorithm

	// Algorithm confusion defense: the family check happens before any
	// key lookup. "none" is never allow-listed.
	if alg == "" || alg == "none" || !policy.AllowsAlgorithm(alg) {
		v.metrics.RecordVerification("error", alg, time.Since(start))
		return nil, auth.E(auth.CodeInvalidSignature,
			fmt.Sprintf("algorithm %q is not allowed for %s provider", alg, policy.Type), auth.ErrInvalidSignature)
	}

	if err := v.verifySignature(ctx, decoded, policy); err != nil {
		v.metrics.RecordVerification("error", alg, time.Since(start))
		return nil, err
	}

	claims, err := v.validateClaims(decoded, policy)
	if err != nil {
		v.metrics.RecordVerification("error", alg, time.Since(start))
		return nil, err
	}

	v.metrics.RecordVerification("success", alg, time.Since(start))
	v.logger.Debug("token verified",
		observability.String("provider", string(policy.Type)),
		observability.String("issuer", claims.Issuer),
	)

	return claims, nil
}

// verifySignature checks the token signature against the key the policy
// designates.
func (v *Verifier) verifySignature(ctx context.Context, decoded *token.Decoded, policy *provider.Policy) error {
	alg := decoded.Header.Algorithm

	switch alg {
	case provider.AlgHS256:
		return verifyHMAC(policy.Secret, decoded, sha256.New)
	case provider.AlgHS384:
		return verifyHMAC(policy.Secret, decoded, sha512.New384)
	case provider.AlgHS512:
		return verifyHMAC(policy.Secret, decoded, sha512.New)
	case provider.AlgRS256:
		return v.verifyRSA(ctx, decoded, policy, crypto.SHA256)
	case provider.AlgRS384:
		return v.verifyRSA(ctx, decoded, policy, crypto.SHA384)
	case provider.AlgRS512:
		return v.verifyRSA(ctx, decoded, policy, crypto.SHA512)
	default:
		return auth.E(auth.CodeInvalidSignature, fmt.Sprintf("unsupported algorithm %q", alg), auth.ErrInvalidSignature)
	}
}

// verifyHMAC verifies a shared-secret signature in constant time.
func verifyHMAC(secret []byte, decoded *token.Decoded, hashFunc func() hash.Hash) error {
	if len(secret) == 0 {
		return auth.E(auth.CodeProviderNotConfigured, "no shared secret configured", auth.ErrProviderNotConfigured)
	}

	mac := hmac.New(hashFunc, secret)
	mac.Write([]byte(decoded.SigningInput()))
	expected := mac.Sum(nil)

	if !hmac.Equal(decoded.Signature(), expected) {
		return auth.E(auth.CodeInvalidSignature, "HMAC signature verification failed", auth.ErrInvalidSignature)
	}

	return nil
}

// verifyRSA resolves the RSA public key per policy and verifies a PKCS#1
// v1.5 signature.
func (v *Verifier) verifyRSA(
	ctx context.Context, decoded *token.Decoded, policy *provider.Policy, hashAlg crypto.Hash,
) error {
	pub, err := v.resolveRSAKey(ctx, decoded.Header.KeyID, policy)
	if err != nil {
		return err
	}

	h := hashAlg.New()
	h.Write([]byte(decoded.SigningInput()))
	hashed := h.Sum(nil)

	if err := rsa.VerifyPKCS1v15(pub, hashAlg, hashed, decoded.Signature()); err != nil {
		return auth.E(auth.CodeInvalidSignature, "RSA signature verification failed", auth.ErrInvalidSignature)
	}

	return nil
}

// resolveRSAKey returns the public key the policy designates: a remote JWKS
// key by kid, or a static PEM key.
func (v *Verifier) resolveRSAKey(ctx context.Context, kid string, policy *provider.Policy) (*rsa.PublicKey, error) {
	if policy.UsesJWKS() {
		key, err := v.cache.GetOrCreate(policy.JWKSURI).Resolve(ctx, kid)
		if err != nil {
			return nil, err
		}
		pub, err := key.RSAPublicKey()
		if err != nil {
			return nil, auth.E(auth.CodeUnknownKeyID, "JWKS key is not a usable RSA key", auth.ErrUnknownKeyID)
		}
		return pub, nil
	}

	if len(policy.PublicKeyPEM) > 0 {
		pub, err := jwks.ParseRSAPublicKeyFromPEM(policy.PublicKeyPEM)
		if err != nil {
			return nil, auth.E(auth.CodeProviderNotConfigured, "configured public key is not parseable", auth.ErrProviderNotConfigured)
		}
		return pub, nil
	}

	return nil, auth.E(auth.CodeProviderNotConfigured, "no asymmetric key source configured", auth.ErrProviderNotConfigured)
}

// validateClaims checks temporal, issuer and audience claims, then builds
// the canonical claims with provider extensions.
func (v *Verifier) validateClaims(decoded *token.Decoded, policy *provider.Policy) (*Claims, error) {
	payload := decoded.Payload
	now := v.now()

	sub, _ := payload["sub"].(string)
	iss, _ := payload["iss"].(string)

	exp := parseNumericDate(payload["exp"])
	if exp == nil {
		return nil, auth.E(auth.CodeInvalidFormat, "exp claim is missing", auth.ErrInvalidFormat)
	}
	if now.After(exp.Add(v.clockSkew)) {
		return nil, auth.E(auth.CodeExpired, "token has expired", auth.ErrExpired)
	}

	if nbf := parseNumericDate(payload["nbf"]); nbf != nil {
		if now.Add(v.clockSkew).Before(nbf.Time) {
			return nil, auth.E(auth.CodeNotYetValid, "token is not yet valid", auth.ErrNotYetValid)
		}
	}

	aud := parseAudience(payload["aud"])

	// Firebase binds both iss and aud to the project; a mismatch on
	// either is a project mismatch, not a generic issuer/audience error.
	if policy.Type == provider.TypeFirebase {
		if iss != policy.Issuer || !aud.Contains(policy.ProjectID) {
			return nil, auth.E(auth.CodeProjectIDMismatch, "token is bound to a different Firebase project", auth.ErrProjectIDMismatch)
		}
	} else {
		// Exact string equality, never a pattern match.
		if iss != policy.Issuer {
			return nil, auth.E(auth.CodeInvalidIssuer,
				fmt.Sprintf("issuer %q does not match expected %q", iss, policy.Issuer), auth.ErrInvalidIssuer)
		}

		if len(policy.Audience) > 0 && !aud.ContainsAny(policy.Audience...) {
			return nil, auth.E(auth.CodeAudienceMismatch, "token audience does not match", auth.ErrAudienceMismatch)
		}
	}

	email, _ := payload["email"].(string)

	return &Claims{
		Subject:    sub,
		Issuer:     iss,
		Audience:   aud,
		ExpiresAt:  exp,
		IssuedAt:   parseNumericDate(payload["iat"]),
		NotBefore:  parseNumericDate(payload["nbf"]),
		Email:      email,
		Provider:   policy.Type,
		Extensions: extractExtensions(policy.Type, payload),
	}, nil
}
