package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Signer produces compact signed envelopes for a single principal. The
// platform notary holds one; the SDK gives every agent its own.
type Signer struct {
	agentID string
	alg     string
	priv    ed25519.PrivateKey
}

// NewSigner wraps an existing private key.
func NewSigner(agentID, algorithm string, priv ed25519.PrivateKey) *Signer {
	return &Signer{agentID: agentID, alg: algorithm, priv: priv}
}

// LoadSigner reads a base64url-encoded 32-byte Ed25519 seed from path. The
// notary's key is loaded once at startup and only read thereafter.
func LoadSigner(agentID, algorithm, path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer: read key file: %w", err)
	}
	seed, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("signer: decode key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewSigner(agentID, algorithm, ed25519.NewKeyFromSeed(seed)), nil
}

// AgentID returns the signing principal.
func (s *Signer) AgentID() string { return s.agentID }

// PublicKeyB64 returns the raw public key, base64url-encoded without prefix.
func (s *Signer) PublicKeyB64() string {
	return base64.RawURLEncoding.EncodeToString(s.priv.Public().(ed25519.PublicKey))
}

// Sign builds a compact envelope for the given action. The action key is
// forced into the payload; json.Marshal over a map emits sorted keys with
// tight separators, which is exactly the canonical form verifiers expect.
func (s *Signer) Sign(action string, payload map[string]interface{}) (string, error) {
	body := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["action"] = action

	headerRaw, err := json.Marshal(envelopeHeader{Alg: s.alg, Kid: s.agentID})
	if err != nil {
		return "", fmt.Errorf("signer: marshal header: %w", err)
	}
	payloadRaw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("signer: marshal payload: %w", err)
	}

	h64 := base64.RawURLEncoding.EncodeToString(headerRaw)
	p64 := base64.RawURLEncoding.EncodeToString(payloadRaw)
	sig := ed25519.Sign(s.priv, []byte(h64+"."+p64))

	return h64 + "." + p64 + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}
