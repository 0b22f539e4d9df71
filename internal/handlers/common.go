// Package handlers contains the HTTP handlers for every component. Each
// handler is a constructor taking its component and returning an
// http.HandlerFunc, so the route table in httpapi reads as a wiring diagram.
package handlers

import (
	"net/http"

	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/respond"
	"github.com/agora/backend/internal/identity"
)

type envelopeRequest struct {
	Envelope string `json:"envelope"`
}

// verifiedEnvelope decodes a {"envelope": ...} body, verifies the token and
// enforces the endpoint's action.
func verifiedEnvelope(v *identity.Verifier, r *http.Request, action string) (*identity.Envelope, error) {
	var req envelopeRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.Envelope == "" {
		return nil, core.MissingField("envelope")
	}
	env, err := v.Verify(r.Context(), req.Envelope)
	if err != nil {
		return nil, err
	}
	if err := env.RequireAction(action); err != nil {
		return nil, err
	}
	return env, nil
}

// bearerEnvelope resolves the principal behind an Authorization bearer
// token. Returns nil with no error when the header is absent.
func bearerEnvelope(v *identity.Verifier, r *http.Request, action string) (*identity.Envelope, error) {
	token := respond.BearerToken(r)
	if token == "" {
		return nil, nil
	}
	env, err := v.Verify(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if err := env.RequireAction(action); err != nil {
		return nil, err
	}
	return env, nil
}

// requireNotary rejects envelopes not signed by the platform principal.
func requireNotary(env *identity.Envelope, notaryID string) error {
	if env.SignerID != notaryID {
		return core.Forbidden("operation requires the platform notary")
	}
	return nil
}
