package provider

import (
	"fmt"
	"regexp"
	"strings"
)

// Type identifies a provider variant.
type Type string

// Provider types, in default detection priority order.
const (
	TypeAuth0      Type = "auth0"
	TypeSupabase   Type = "supabase"
	TypeFirebase   Type = "firebase"
	TypeClerk      Type = "clerk"
	TypeCustomOIDC Type = "oidc"
)

// firebaseProjectIDPattern matches valid Firebase project IDs: 6 to 30
// lowercase letters, digits or hyphens, starting with a letter.
var firebaseProjectIDPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{5,29}$`)

// minSupabaseSecretLength is the minimum accepted Supabase JWT secret size.
const minSupabaseSecretLength = 32

// Config is the closed tagged variant describing one identity provider.
// Exactly one arm must be set. Configs are validated once at startup and
// immutable afterwards.
type Config struct {
	Auth0    *Auth0Config    `yaml:"auth0,omitempty" json:"auth0,omitempty"`
	Supabase *SupabaseConfig `yaml:"supabase,omitempty" json:"supabase,omitempty"`
	Firebase *FirebaseConfig `yaml:"firebase,omitempty" json:"firebase,omitempty"`
	Clerk    *ClerkConfig    `yaml:"clerk,omitempty" json:"clerk,omitempty"`
	OIDC     *OIDCConfig     `yaml:"oidc,omitempty" json:"oidc,omitempty"`
}

// Auth0Config configures an Auth0 tenant.
type Auth0Config struct {
	// Domain is the Auth0 tenant domain, e.g. "tenant.auth0.com".
	Domain string `yaml:"domain" json:"domain"`

	// Audience is the expected API audience. Optional.
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`
}

// SupabaseConfig configures a Supabase project.
type SupabaseConfig struct {
	// URL is the Supabase project URL, e.g. "https://abc.supabase.co".
	URL string `yaml:"url" json:"url"`

	// JWTSecret is the shared HMAC secret, at least 32 characters.
	JWTSecret string `yaml:"jwtSecret" json:"jwtSecret"`
}

// FirebaseConfig configures a Firebase project.
type FirebaseConfig struct {
	// ProjectID is the Firebase project identifier.
	ProjectID string `yaml:"projectId" json:"projectId"`
}

// ClerkConfig configures a Clerk instance.
type ClerkConfig struct {
	// Domain is the Clerk frontend API domain, e.g. "clerk.example.com".
	Domain string `yaml:"domain" json:"domain"`

	// Audience is the expected audience. Optional.
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`
}

// OIDCConfig configures a generic OIDC issuer. Exactly one of JWKSURI,
// PublicKey or Secret must be set.
type OIDCConfig struct {
	// Issuer is the exact expected iss value.
	Issuer string `yaml:"issuer" json:"issuer"`

	// IssuerPattern is an optional anchored regular expression matched
	// against incoming issuers in place of exact equality during
	// detection. Verification still requires iss to equal Issuer exactly.
	IssuerPattern string `yaml:"issuerPattern,omitempty" json:"issuerPattern,omitempty"`

	// JWKSURI is the key-set endpoint for asymmetric verification.
	JWKSURI string `yaml:"jwksUri,omitempty" json:"jwksUri,omitempty"`

	// PublicKey is a PEM-encoded RSA public key for asymmetric verification.
	PublicKey string `yaml:"publicKey,omitempty" json:"publicKey,omitempty"`

	// Secret is a shared HMAC secret for symmetric verification.
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`

	// Audience is the expected audience. Optional.
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`
}

// arm returns the single set variant arm, or an error when zero or more
// than one arm is configured.
func (c *Config) arm() (Type, error) {
	var set []Type
	if c.Auth0 != nil {
		set = append(set, TypeAuth0)
	}
	if c.Supabase != nil {
		set = append(set, TypeSupabase)
	}
	if c.Firebase != nil {
		set = append(set, TypeFirebase)
	}
	if c.Clerk != nil {
		set = append(set, TypeClerk)
	}
	if c.OIDC != nil {
		set = append(set, TypeCustomOIDC)
	}

	switch len(set) {
	case 1:
		return set[0], nil
	case 0:
		return "", fmt.Errorf("provider config has no variant set")
	default:
		return "", fmt.Errorf("provider config has multiple variants set: %v", set)
	}
}

// Validate performs structural validation of the configured variant. It is
// called once at load time so per-request paths never revalidate.
func (c *Config) Validate() error {
	arm, err := c.arm()
	if err != nil {
		return err
	}

	switch arm {
	case TypeAuth0:
		return c.Auth0.validate()
	case TypeSupabase:
		return c.Supabase.validate()
	case TypeFirebase:
		return c.Firebase.validate()
	case TypeClerk:
		return c.Clerk.validate()
	case TypeCustomOIDC:
		return c.OIDC.validate()
	default:
		return fmt.Errorf("unknown provider type %q", arm)
	}
}

func (c *Auth0Config) validate() error {
	if c.Domain == "" {
		return fmt.Errorf("auth0: domain is required")
	}
	if strings.Contains(c.Domain, "://") || strings.Contains(c.Domain, "/") {
		return fmt.Errorf("auth0: domain must be a bare host, got %q", c.Domain)
	}
	return nil
}

func (c *SupabaseConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("supabase: url is required")
	}
	if !strings.HasPrefix(c.URL, "https://") && !strings.HasPrefix(c.URL, "http://") {
		return fmt.Errorf("supabase: url must include scheme, got %q", c.URL)
	}
	if len(c.JWTSecret) < minSupabaseSecretLength {
		return fmt.Errorf("supabase: jwtSecret must be at least %d characters", minSupabaseSecretLength)
	}
	return nil
}

func (c *FirebaseConfig) validate() error {
	if !firebaseProjectIDPattern.MatchString(c.ProjectID) {
		return fmt.Errorf("firebase: projectId %q must be 6-30 lowercase letters, digits or hyphens", c.ProjectID)
	}
	return nil
}

func (c *ClerkConfig) validate() error {
	if c.Domain == "" {
		return fmt.Errorf("clerk: domain is required")
	}
	if strings.Contains(c.Domain, "://") || strings.Contains(c.Domain, "/") {
		return fmt.Errorf("clerk: domain must be a bare host, got %q", c.Domain)
	}
	return nil
}

func (c *OIDCConfig) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("oidc: issuer is required")
	}

	sources := 0
	if c.JWKSURI != "" {
		sources++
	}
	if c.PublicKey != "" {
		sources++
	}
	if c.Secret != "" {
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("oidc: exactly one of jwksUri, publicKey or secret must be set, got %d", sources)
	}

	if c.IssuerPattern != "" {
		if _, err := compileAnchored(c.IssuerPattern); err != nil {
			return fmt.Errorf("oidc: invalid issuerPattern: %w", err)
		}
	}

	return nil
}

// compileAnchored compiles a pattern forced to match the whole issuer
// string. Loose substring matches would let an attacker embed a configured
// issuer inside a hostile one.
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern += "$"
	}
	return regexp.Compile(pattern)
}
