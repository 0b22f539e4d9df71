package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/respond"
	"github.com/agora/backend/internal/identity"
)

// RegisterAgent creates a new agent from a display name and public key.
func RegisterAgent(registry *identity.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DisplayName string `json:"display_name"`
			PublicKey   string `json:"public_key"`
		}
		if err := respond.DecodeJSON(r, &req); err != nil {
			respond.WriteError(w, err)
			return
		}
		if req.PublicKey == "" {
			respond.WriteError(w, core.MissingField("public_key"))
			return
		}

		agent, err := registry.Register(r.Context(), req.DisplayName, req.PublicKey)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusCreated, agent)
	}
}

// GetAgent returns one agent record, public key included.
func GetAgent(registry *identity.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := registry.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, agent)
	}
}

// ListAgents returns agent summaries.
func ListAgents(registry *identity.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents, err := registry.List(r.Context())
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, agents)
	}
}

// VerifyRaw checks a detached signature over arbitrary payload bytes. A
// well-formed request whose signature simply does not match is a 200 with
// valid=false, not an error.
func VerifyRaw(verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AgentID   string `json:"agent_id"`
			Payload   string `json:"payload"`
			Signature string `json:"signature"`
		}
		if err := respond.DecodeJSON(r, &req); err != nil {
			respond.WriteError(w, err)
			return
		}
		if req.AgentID == "" {
			respond.WriteError(w, core.MissingField("agent_id"))
			return
		}
		if req.Signature == "" {
			respond.WriteError(w, core.MissingField("signature"))
			return
		}

		valid, err := verifier.VerifyDetached(r.Context(), req.AgentID, req.Payload, req.Signature)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"valid": valid})
	}
}

// VerifyEnvelope fully verifies a signed envelope and echoes its claims.
func VerifyEnvelope(verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req envelopeRequest
		if err := respond.DecodeJSON(r, &req); err != nil {
			respond.WriteError(w, err)
			return
		}
		if req.Envelope == "" {
			respond.WriteError(w, core.MissingField("envelope"))
			return
		}

		env, err := verifier.Verify(r.Context(), req.Envelope)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"valid":    true,
			"agent_id": env.SignerID,
			"payload":  env.Payload,
		})
	}
}
