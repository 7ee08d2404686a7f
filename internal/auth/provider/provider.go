// Package provider maps token issuers onto verification policy. Providers
// form a closed variant set; adding a provider means adding a variant arm,
// not extending an open dispatch table.
package provider

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vgrid/tokengate/internal/auth"
)

// Well-known algorithm names used in provider allow lists.
const (
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
)

// firebaseIssuerPrefix is the fixed issuer prefix for Firebase secure tokens.
const firebaseIssuerPrefix = "https://securetoken.google.com/"

// firebaseJWKSURI is Google's published key set for secure token signatures.
const firebaseJWKSURI = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

// Policy is the verification policy derived from one provider config. It is
// built once at registry construction and immutable afterwards.
type Policy struct {
	// Type is the provider variant this policy belongs to.
	Type Type

	// Issuer is the exact expected iss value. Verification compares with
	// string equality, never a pattern.
	Issuer string

	// JWKSURI is the key-set endpoint, empty for secret- or PEM-based policies.
	JWKSURI string

	// Secret is the shared HMAC secret for symmetric policies.
	Secret []byte

	// PublicKeyPEM is a static PEM key for asymmetric policies without JWKS.
	PublicKeyPEM []byte

	// Audience is the set of accepted audiences. Empty means not enforced.
	Audience []string

	// Algorithms is the allow-listed signing algorithm family. A token
	// whose header alg falls outside this list is rejected before any key
	// lookup.
	Algorithms []string

	// ProjectID is set for Firebase and checked against aud and iss.
	ProjectID string

	// issuerPattern is an optional anchored regexp used only for
	// detection; nil means exact-equality detection.
	issuerPattern *regexp.Regexp
}

// CanHandle reports whether this policy is responsible for tokens from the
// given issuer. Matching is exact string equality or an anchored pattern.
func (p *Policy) CanHandle(issuer string) bool {
	if issuer == "" {
		return false
	}
	if p.issuerPattern != nil {
		return p.issuerPattern.MatchString(issuer)
	}
	return issuer == p.Issuer
}

// UsesJWKS reports whether this policy resolves keys from a remote key set.
func (p *Policy) UsesJWKS() bool {
	return p.JWKSURI != ""
}

// AllowsAlgorithm reports whether alg is in the policy's allow list.
func (p *Policy) AllowsAlgorithm(alg string) bool {
	for _, allowed := range p.Algorithms {
		if alg == allowed {
			return true
		}
	}
	return false
}

// Registry holds the configured providers in priority order. It is built
// once at process start and shared read-only across concurrent exchanges.
type Registry struct {
	policies []*Policy
}

// NewRegistry validates the given configs and builds the provider registry.
// Configuration errors are fatal here so per-request paths never see an
// invalid policy. Two configs claiming the same issuer are rejected rather
// than resolved by precedence guessing.
func NewRegistry(configs []Config) (*Registry, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("at least one provider must be configured")
	}

	policies := make([]*Policy, 0, len(configs))
	seen := make(map[string]Type, len(configs))

	for i := range configs {
		cfg := &configs[i]
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("provider %d: %w", i, err)
		}

		policy, err := buildPolicy(cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %d: %w", i, err)
		}

		if prev, ok := seen[policy.Issuer]; ok {
			return nil, fmt.Errorf("provider %d: issuer %q already claimed by %s provider", i, policy.Issuer, prev)
		}
		seen[policy.Issuer] = policy.Type

		policies = append(policies, policy)
	}

	return &Registry{policies: policies}, nil
}

// Detect returns the first configured policy whose issuer matches, in
// configuration order. An unmatched issuer yields InvalidIssuer without any
// network activity.
func (r *Registry) Detect(issuer string) (*Policy, error) {
	for _, policy := range r.policies {
		if policy.CanHandle(issuer) {
			return policy, nil
		}
	}
	return nil, auth.E(auth.CodeInvalidIssuer, fmt.Sprintf("no provider configured for issuer %q", issuer), auth.ErrInvalidIssuer)
}

// Policies returns the configured policies in priority order.
func (r *Registry) Policies() []*Policy {
	return r.policies
}

// buildPolicy derives the immutable verification policy for one variant.
func buildPolicy(cfg *Config) (*Policy, error) {
	arm, err := cfg.arm()
	if err != nil {
		return nil, err
	}

	switch arm {
	case TypeAuth0:
		issuer := "https://" + cfg.Auth0.Domain + "/"
		return &Policy{
			Type:       TypeAuth0,
			Issuer:     issuer,
			JWKSURI:    issuer + ".well-known/jwks.json",
			Audience:   audienceList(cfg.Auth0.Audience),
			Algorithms: []string{AlgRS256},
		}, nil

	case TypeSupabase:
		return &Policy{
			Type:       TypeSupabase,
			Issuer:     strings.TrimSuffix(cfg.Supabase.URL, "/") + "/auth/v1",
			Secret:     []byte(cfg.Supabase.JWTSecret),
			Algorithms: []string{AlgHS256},
		}, nil

	case TypeFirebase:
		return &Policy{
			Type:       TypeFirebase,
			Issuer:     firebaseIssuerPrefix + cfg.Firebase.ProjectID,
			JWKSURI:    firebaseJWKSURI,
			Audience:   []string{cfg.Firebase.ProjectID},
			Algorithms: []string{AlgRS256},
			ProjectID:  cfg.Firebase.ProjectID,
		}, nil

	case TypeClerk:
		issuer := "https://" + cfg.Clerk.Domain
		return &Policy{
			Type:       TypeClerk,
			Issuer:     issuer,
			JWKSURI:    issuer + "/.well-known/jwks.json",
			Audience:   audienceList(cfg.Clerk.Audience),
			Algorithms: []string{AlgRS256},
		}, nil

	case TypeCustomOIDC:
		policy := &Policy{
			Type:     TypeCustomOIDC,
			Issuer:   cfg.OIDC.Issuer,
			Audience: audienceList(cfg.OIDC.Audience),
		}

		switch {
		case cfg.OIDC.JWKSURI != "":
			policy.JWKSURI = cfg.OIDC.JWKSURI
			policy.Algorithms = []string{AlgRS256, AlgRS384, AlgRS512}
		case cfg.OIDC.PublicKey != "":
			policy.PublicKeyPEM = []byte(cfg.OIDC.PublicKey)
			policy.Algorithms = []string{AlgRS256, AlgRS384, AlgRS512}
		default:
			policy.Secret = []byte(cfg.OIDC.Secret)
			policy.Algorithms = []string{AlgHS256, AlgHS384, AlgHS512}
		}

		if cfg.OIDC.IssuerPattern != "" {
			pattern, err := compileAnchored(cfg.OIDC.IssuerPattern)
			if err != nil {
				return nil, err
			}
			policy.issuerPattern = pattern
		}

		return policy, nil

	default:
		return nil, fmt.Errorf("unknown provider type %q", arm)
	}
}

// audienceList converts an optional scalar audience to a list.
func audienceList(aud string) []string {
	if aud == "" {
		return nil
	}
	return []string{aud}
}
