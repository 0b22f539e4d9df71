package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/agora/backend/internal/core"
)

// Envelope is a verified signed token: the resolved signer plus the decoded
// canonical payload. Payload always carries at least an "action" key.
type Envelope struct {
	SignerID string
	Payload  map[string]interface{}
}

// Action returns the declared action, or "" if absent.
func (e *Envelope) Action() string {
	s, _ := e.Payload["action"].(string)
	return s
}

// String reads a string payload field. Missing or mistyped fields come back
// as typed request errors so handlers can pass them straight through.
func (e *Envelope) String(key string) (string, error) {
	v, ok := e.Payload[key]
	if !ok {
		return "", core.MissingField(key)
	}
	s, ok := v.(string)
	if !ok {
		return "", core.InvalidFieldType(key, "string")
	}
	return s, nil
}

// Int64 reads an integer payload field. JSON numbers decode as float64; a
// fractional value is a type error, not a truncation.
func (e *Envelope) Int64(key string) (int64, error) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, core.MissingField(key)
	}
	f, ok := v.(float64)
	if !ok || f != float64(int64(f)) {
		return 0, core.InvalidFieldType(key, "integer")
	}
	return int64(f), nil
}

// RequireAction enforces the endpoint's declared action, preventing a token
// signed for one operation from being replayed against another.
func (e *Envelope) RequireAction(action string) error {
	if e.Action() != action {
		return core.InvalidPayload("payload action must be " + action)
	}
	return nil
}

type envelopeHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Verifier checks compact signed tokens against the registry's keys.
type Verifier struct {
	registry *Registry
	alg      string
}

func NewVerifier(registry *Registry, algorithm string) *Verifier {
	return &Verifier{registry: registry, alg: algorithm}
}

// Verify parses and checks a compact three-part token. The signature covers
// the ASCII bytes `header_b64 + "." + payload_b64`; the payload is canonical
// JSON so the signed bytes are reproducible by any client.
func (v *Verifier) Verify(ctx context.Context, token string) (*Envelope, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, core.InvalidJWS("token must have three dot-separated parts")
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, core.InvalidJWS("header is not valid base64url")
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, core.InvalidJWS("payload is not valid base64url")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, core.InvalidJWS("signature is not valid base64url")
	}

	var header envelopeHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, core.InvalidJWS("header is not valid JSON")
	}
	if header.Alg != v.alg {
		return nil, core.InvalidJWS("unsupported algorithm " + header.Alg)
	}
	if header.Kid == "" {
		return nil, core.InvalidJWS("header missing kid")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(payloadRaw, &payload); err != nil {
		return nil, core.InvalidJWS("payload is not a JSON object")
	}
	if _, ok := payload["action"].(string); !ok {
		return nil, core.InvalidJWS("payload missing action")
	}

	pub, err := v.registry.publicKeyOf(ctx, header.Kid)
	if err != nil {
		return nil, err
	}

	signed := []byte(parts[0] + "." + parts[1])
	if !ed25519.Verify(pub, signed, sig) {
		return nil, core.Forbidden("envelope signature does not verify")
	}

	return &Envelope{SignerID: header.Kid, Payload: payload}, nil
}

// Peek structurally parses a token without checking its signature. The Task
// Board uses it to cross-validate the escrow token it forwards to the Ledger;
// the Ledger remains the verifying authority.
func Peek(token string) (kid string, payload map[string]interface{}, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", nil, core.InvalidJWS("token must have three dot-separated parts")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", nil, core.InvalidJWS("header is not valid base64url")
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, core.InvalidJWS("payload is not valid base64url")
	}
	var header envelopeHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return "", nil, core.InvalidJWS("header is not valid JSON")
	}
	if err := json.Unmarshal(payloadRaw, &payload); err != nil {
		return "", nil, core.InvalidJWS("payload is not a JSON object")
	}
	return header.Kid, payload, nil
}

// VerifyDetached checks a raw signature over arbitrary payload bytes, both
// base64-encoded. An empty payload with a valid signature is valid.
func (v *Verifier) VerifyDetached(ctx context.Context, agentID, payloadB64, signatureB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, core.Base64Invalid("signature")
	}
	if len(sig) != v.registry.keys.SignatureBytes {
		return false, core.SignatureLengthInvalid(len(sig), v.registry.keys.SignatureBytes)
	}
	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return false, core.Base64Invalid("payload")
	}

	pub, err := v.registry.publicKeyOf(ctx, agentID)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, payload, sig), nil
}
