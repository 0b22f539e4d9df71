package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agora/backend/internal/respond"
	"github.com/agora/backend/internal/identity"
	"github.com/agora/backend/internal/reputation"
)

// SubmitFeedback records sealed feedback from the envelope signer.
func SubmitFeedback(rep *reputation.Store, verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := verifiedEnvelope(verifier, r, "submit_feedback")
		if err != nil {
			respond.WriteError(w, err)
			return
		}

		var taskID, toID, role, category, rating, comment string
		for _, f := range []struct {
			key string
			dst *string
		}{
			{"task_id", &taskID},
			{"to_id", &toID},
			{"role", &role},
			{"category", &category},
			{"rating", &rating},
			{"comment", &comment},
		} {
			v, err := env.String(f.key)
			if err != nil {
				respond.WriteError(w, err)
				return
			}
			*f.dst = v
		}

		fb, err := rep.Submit(r.Context(), taskID, env.SignerID, toID, role, category, rating, comment)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusCreated, fb)
	}
}

// ListTaskFeedback returns a task's feedback; sealed rows are visible only
// to their author (optional bearer envelope).
func ListTaskFeedback(rep *reputation.Store, verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := ""
		env, err := bearerEnvelope(verifier, r, "read_feedback")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		if env != nil {
			principal = env.SignerID
		}

		list, err := rep.ListForTask(r.Context(), principal, mux.Vars(r)["id"])
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, list)
	}
}

// ListAgentFeedback returns feedback targeting an agent, same visibility.
func ListAgentFeedback(rep *reputation.Store, verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := ""
		env, err := bearerEnvelope(verifier, r, "read_feedback")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		if env != nil {
			principal = env.SignerID
		}

		list, err := rep.ListAbout(r.Context(), principal, mux.Vars(r)["id"])
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, list)
	}
}
