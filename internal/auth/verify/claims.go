package verify

import (
	"encoding/json"
	"time"

	"github.com/vgrid/tokengate/internal/auth/provider"
)

// Claims is the canonical identity produced by a successful verification.
// It is immutable once returned.
type Claims struct {
	// Subject is the verified sub claim.
	Subject string

	// Issuer is the verified iss claim.
	Issuer string

	// Audience is the verified aud claim.
	Audience Audience

	// ExpiresAt is the exp claim.
	ExpiresAt *NumericDate

	// IssuedAt is the iat claim, when present.
	IssuedAt *NumericDate

	// NotBefore is the nbf claim, when present.
	NotBefore *NumericDate

	// Email is the email claim, when present.
	Email string

	// Provider is the variant that verified this token.
	Provider provider.Type

	// Extensions carries provider-specific fields: role, app_metadata,
	// user_metadata and amr for Supabase; firebase and uid for Firebase;
	// profile fields for OIDC. Populated only after generic verification
	// succeeds.
	Extensions map[string]interface{}
}

// NumericDate is a JWT NumericDate timestamp.
type NumericDate struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *NumericDate) UnmarshalJSON(data []byte) error {
	var timestamp float64
	if err := json.Unmarshal(data, &timestamp); err != nil {
		return err
	}
	t.Time = time.Unix(int64(timestamp), 0)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t NumericDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Unix())
}

// Audience represents the aud claim, which providers encode as either a
// string or an array.
type Audience []string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}

	var multiple []string
	if err := json.Unmarshal(data, &multiple); err != nil {
		return err
	}
	*a = Audience(multiple)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// Contains checks if the audience contains a specific value.
func (a Audience) Contains(aud string) bool {
	for _, v := range a {
		if v == aud {
			return true
		}
	}
	return false
}

// ContainsAny checks if the audience contains any of the given values.
func (a Audience) ContainsAny(auds ...string) bool {
	for _, aud := range auds {
		if a.Contains(aud) {
			return true
		}
	}
	return false
}

// parseAudience parses the aud claim from a decoded payload value.
func parseAudience(value interface{}) Audience {
	switch v := value.(type) {
	case string:
		return Audience{v}
	case []string:
		return Audience(v)
	case []interface{}:
		result := make(Audience, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

// parseNumericDate parses a NumericDate from a decoded payload value.
func parseNumericDate(value interface{}) *NumericDate {
	switch v := value.(type) {
	case float64:
		return &NumericDate{Time: time.Unix(int64(v), 0)}
	case int64:
		return &NumericDate{Time: time.Unix(v, 0)}
	case int:
		return &NumericDate{Time: time.Unix(int64(v), 0)}
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return &NumericDate{Time: time.Unix(i, 0)}
		}
		return nil
	default:
		return nil
	}
}

// supabaseExtensionClaims are the payload fields surfaced for Supabase tokens.
var supabaseExtensionClaims = []string{"role", "app_metadata", "user_metadata", "amr", "session_id"}

// firebaseExtensionClaims are the payload fields surfaced for Firebase tokens.
var firebaseExtensionClaims = []string{"firebase", "user_id", "auth_time", "email_verified"}

// oidcExtensionClaims are the standard profile fields surfaced for OIDC tokens.
var oidcExtensionClaims = []string{"name", "given_name", "family_name", "picture", "locale", "preferred_username", "email_verified"}

// extractExtensions pulls provider-specific claims from the payload. Called
// only after generic verification succeeds.
func extractExtensions(providerType provider.Type, payload map[string]interface{}) map[string]interface{} {
	var names []string
	switch providerType {
	case provider.TypeSupabase:
		names = supabaseExtensionClaims
	case provider.TypeFirebase:
		names = firebaseExtensionClaims
	case provider.TypeCustomOIDC, provider.TypeAuth0, provider.TypeClerk:
		names = oidcExtensionClaims
	default:
		return nil
	}

	ext := make(map[string]interface{})
	for _, name := range names {
		if v, ok := payload[name]; ok {
			ext[name] = v
		}
	}
	if len(ext) == 0 {
		return nil
	}
	return ext
}
