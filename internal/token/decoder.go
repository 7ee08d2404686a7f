// Package token parses JWT structure without verifying signatures. The
// decode-before-verify split lets the exchange orchestrator reject tokens
// from unrecognized issuers before any network activity.
package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/vgrid/tokengate/internal/auth"
)

// Header represents the decoded JWT header.
type Header struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid,omitempty"`
	Type      string `json:"typ,omitempty"`
}

// Decoded holds the parsed but unverified parts of a JWT. It is ephemeral,
// built per call and never persisted.
type Decoded struct {
	Header  Header
	Payload map[string]interface{}

	signingInput string
	signature    []byte
}

// SigningInput returns the header.payload portion the signature covers.
func (d *Decoded) SigningInput() string {
	return d.signingInput
}

// Signature returns the decoded signature bytes.
func (d *Decoded) Signature() []byte {
	return d.signature
}

// Issuer returns the iss claim, or an empty string when absent or not a string.
func (d *Decoded) Issuer() string {
	iss, _ := d.Payload["iss"].(string)
	return iss
}

// Decode parses a compact JWT into its header and payload without verifying
// the signature. The token must consist of exactly three non-empty
// base64url segments.
func Decode(raw string) (*Decoded, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, auth.E(auth.CodeInvalidFormat, "token must have three segments", auth.ErrInvalidFormat)
	}
	for _, part := range parts {
		if part == "" {
			return nil, auth.E(auth.CodeInvalidFormat, "token segment is empty", auth.ErrInvalidFormat)
		}
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, auth.E(auth.CodeInvalidFormat, "header is not valid base64url", auth.ErrInvalidFormat)
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, auth.E(auth.CodeInvalidFormat, "header is not valid JSON", auth.ErrInvalidFormat)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, auth.E(auth.CodeInvalidFormat, "payload is not valid base64url", auth.ErrInvalidFormat)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, auth.E(auth.CodeInvalidFormat, "payload is not valid JSON", auth.ErrInvalidFormat)
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, auth.E(auth.CodeInvalidFormat, "signature is not valid base64url", auth.ErrInvalidFormat)
	}

	return &Decoded{
		Header:       header,
		Payload:      payload,
		signingInput: parts[0] + "." + parts[1],
		signature:    signature,
	}, nil
}

// ExtractIssuer decodes a token and returns its iss claim. A missing or
// non-string issuer is a format error, not an issuer mismatch: the token
// never names an authority to match against.
func ExtractIssuer(raw string) (string, error) {
	decoded, err := Decode(raw)
	if err != nil {
		return "", err
	}

	iss := decoded.Issuer()
	if iss == "" {
		return "", auth.E(auth.CodeInvalidFormat, "iss claim is missing or not a string", auth.ErrInvalidFormat)
	}

	return iss, nil
}
