// Package identity is the agent registry and the signature authority. Every
// value-bearing action on the platform resolves its principal here.
package identity

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"filippo.io/edwards25519"
	"github.com/google/uuid"

	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/store"
)

// Agent is a registered principal. Immutable after registration.
type Agent struct {
	AgentID      string    `json:"agent_id"`
	DisplayName  string    `json:"display_name"`
	PublicKey    string    `json:"public_key"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Summary omits the public key for listings.
type Summary struct {
	AgentID      string    `json:"agent_id"`
	DisplayName  string    `json:"display_name"`
	RegisteredAt time.Time `json:"registered_at"`
}

// KeyConfig pins the wire format of keys and signatures.
type KeyConfig struct {
	PublicKeyPrefix string
	PublicKeyBytes  int
	SignatureBytes  int
}

// Registry stores agents and caches their decoded public keys. The cache is
// write-through on registration and never stale: keys are immutable.
type Registry struct {
	coord  *store.Coordinator
	readDB *sql.DB
	keys   KeyConfig
	logger *log.Logger

	mu       sync.RWMutex
	keyCache map[string]ed25519.PublicKey
}

func NewRegistry(coord *store.Coordinator, readDB *sql.DB, keys KeyConfig) *Registry {
	return &Registry{
		coord:    coord,
		readDB:   readDB,
		keys:     keys,
		logger:   log.New(log.Writer(), "[Identity] ", log.LstdFlags),
		keyCache: make(map[string]ed25519.PublicKey),
	}
}

// Register validates and stores a new agent. The agent id is always
// server-generated; any client-supplied id or timestamp is ignored upstream.
func (r *Registry) Register(ctx context.Context, displayName, publicKey string) (*Agent, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, core.InvalidName()
	}
	if _, err := r.decodeKey(publicKey); err != nil {
		return nil, err
	}

	agent := &Agent{
		AgentID:      "a-" + uuid.New().String(),
		DisplayName:  displayName,
		PublicKey:    publicKey,
		RegisteredAt: time.Now().UTC(),
	}

	_, err := r.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		// The write lane is serialized, so this pre-check cannot race with
		// another registration.
		var existing string
		err := tx.QueryRow("SELECT agent_id FROM agents WHERE public_key = ?", publicKey).Scan(&existing)
		if err == nil {
			return nil, nil, core.PublicKeyExists()
		}
		if err != sql.ErrNoRows {
			return nil, nil, fmt.Errorf("identity: check key: %w", err)
		}

		_, err = tx.Exec(`INSERT INTO agents (agent_id, display_name, public_key, registered_at)
			VALUES (?, ?, ?, ?)`,
			agent.AgentID, agent.DisplayName, agent.PublicKey,
			agent.RegisteredAt.Format(time.RFC3339Nano))
		if err != nil {
			return nil, nil, fmt.Errorf("identity: insert agent: %w", err)
		}

		return nil, &eventlog.Spec{
			Source:  "identity",
			Type:    "agent.registered",
			AgentID: agent.AgentID,
			Summary: fmt.Sprintf("agent %s registered", displayName),
			Payload: map[string]interface{}{"agent_id": agent.AgentID, "display_name": displayName},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	// Write-through key cache.
	raw, _ := r.decodeKey(publicKey)
	r.mu.Lock()
	r.keyCache[agent.AgentID] = raw
	r.mu.Unlock()

	r.logger.Printf("Registered agent %s (%s)", agent.AgentID, displayName)
	return agent, nil
}

// EnsureAgent installs an agent under a fixed id, used at startup to make
// the platform notary's envelopes verifiable. Idempotent: an existing row
// under the same id is left untouched.
func (r *Registry) EnsureAgent(ctx context.Context, agentID, displayName, publicKey string) error {
	raw, err := r.decodeKey(publicKey)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	_, err = r.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		var existing string
		err := tx.QueryRow("SELECT agent_id FROM agents WHERE agent_id = ?", agentID).Scan(&existing)
		if err == nil {
			return nil, nil, nil
		}
		if err != sql.ErrNoRows {
			return nil, nil, fmt.Errorf("identity: check agent: %w", err)
		}

		if _, err := tx.Exec(`INSERT INTO agents (agent_id, display_name, public_key, registered_at)
			VALUES (?, ?, ?, ?)`,
			agentID, displayName, publicKey, now.Format(time.RFC3339Nano)); err != nil {
			return nil, nil, fmt.Errorf("identity: insert agent: %w", err)
		}
		return nil, &eventlog.Spec{
			Source:  "identity",
			Type:    "agent.registered",
			AgentID: agentID,
			Summary: fmt.Sprintf("agent %s registered", displayName),
			Payload: map[string]interface{}{"agent_id": agentID, "display_name": displayName},
		}, nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.keyCache[agentID] = raw
	r.mu.Unlock()
	return nil
}

// Get returns the agent record.
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	var (
		a  Agent
		ts string
	)
	err := r.readDB.QueryRowContext(ctx,
		"SELECT agent_id, display_name, public_key, registered_at FROM agents WHERE agent_id = ?",
		agentID).Scan(&a.AgentID, &a.DisplayName, &a.PublicKey, &ts)
	if err == sql.ErrNoRows {
		return nil, core.AgentNotFound(agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("identity: get agent: %w", err)
	}
	a.RegisteredAt, _ = time.Parse(time.RFC3339Nano, ts)
	return &a, nil
}

// List returns agent summaries (public keys omitted).
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	rows, err := r.readDB.QueryContext(ctx,
		"SELECT agent_id, display_name, registered_at FROM agents ORDER BY registered_at ASC")
	if err != nil {
		return nil, fmt.Errorf("identity: list agents: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var (
			s  Summary
			ts string
		)
		if err := rows.Scan(&s.AgentID, &s.DisplayName, &ts); err != nil {
			return nil, fmt.Errorf("identity: scan agent: %w", err)
		}
		s.RegisteredAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Exists reports whether an agent id is registered.
func (r *Registry) Exists(ctx context.Context, agentID string) (bool, error) {
	r.mu.RLock()
	_, cached := r.keyCache[agentID]
	r.mu.RUnlock()
	if cached {
		return true, nil
	}
	var one int
	err := r.readDB.QueryRowContext(ctx, "SELECT 1 FROM agents WHERE agent_id = ?", agentID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("identity: check agent: %w", err)
	}
	return true, nil
}

// Count returns the number of registered agents.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM agents").Scan(&n); err != nil {
		return 0, fmt.Errorf("identity: count agents: %w", err)
	}
	return n, nil
}

// publicKeyOf resolves an agent's decoded key, consulting the cache first.
func (r *Registry) publicKeyOf(ctx context.Context, agentID string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	key, ok := r.keyCache[agentID]
	r.mu.RUnlock()
	if ok {
		return key, nil
	}

	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	key, err = r.decodeKey(agent.PublicKey)
	if err != nil {
		// A stored key failing to decode means the row predates a config
		// change; surface as not found rather than leaking key material.
		return nil, core.AgentNotFound(agentID)
	}

	r.mu.Lock()
	r.keyCache[agentID] = key
	r.mu.Unlock()
	return key, nil
}

// decodeKey validates the declared wire format and that the key is a real
// curve point, rejecting the identity/all-zero encodings.
func (r *Registry) decodeKey(publicKey string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(publicKey, r.keys.PublicKeyPrefix) {
		return nil, core.InvalidPublicKey(fmt.Sprintf("missing %q prefix", r.keys.PublicKeyPrefix))
	}
	encoded := strings.TrimPrefix(publicKey, r.keys.PublicKeyPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, core.InvalidPublicKey("not valid base64url")
	}
	if len(raw) != r.keys.PublicKeyBytes {
		return nil, core.InvalidPublicKey(fmt.Sprintf("must decode to %d bytes, got %d", r.keys.PublicKeyBytes, len(raw)))
	}
	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, core.InvalidPublicKey("all-zero key")
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return nil, core.InvalidPublicKey("not a valid curve point")
	}
	return ed25519.PublicKey(raw), nil
}
