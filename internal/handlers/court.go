package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agora/backend/internal/court"
	"github.com/agora/backend/internal/respond"
	"github.com/agora/backend/internal/identity"
)

// FileDispute opens a dispute directly. Notary-only; the usual path is the
// Task Board's dispute hand-off, which files on the poster's behalf.
func FileDispute(c *court.Court, verifier *identity.Verifier, notaryID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := verifiedEnvelope(verifier, r, "file_dispute")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		if err := requireNotary(env, notaryID); err != nil {
			respond.WriteError(w, err)
			return
		}

		var fields struct {
			taskID, claimantID, respondentID, claim, escrowID string
		}
		for _, f := range []struct {
			key string
			dst *string
		}{
			{"task_id", &fields.taskID},
			{"claimant_id", &fields.claimantID},
			{"respondent_id", &fields.respondentID},
			{"claim", &fields.claim},
			{"escrow_id", &fields.escrowID},
		} {
			v, err := env.String(f.key)
			if err != nil {
				respond.WriteError(w, err)
				return
			}
			*f.dst = v
		}

		disputeID, err := c.FileDispute(r.Context(), fields.taskID, fields.claimantID,
			fields.respondentID, fields.claim, fields.escrowID)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		dispute, err := c.GetDispute(r.Context(), disputeID)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusCreated, dispute)
	}
}

// SubmitRebuttal records the respondent's rebuttal, relayed by the notary.
func SubmitRebuttal(c *court.Court, verifier *identity.Verifier, notaryID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := verifiedEnvelope(verifier, r, "submit_rebuttal")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		if err := requireNotary(env, notaryID); err != nil {
			respond.WriteError(w, err)
			return
		}
		rebuttal, err := env.String("rebuttal")
		if err != nil {
			respond.WriteError(w, err)
			return
		}

		dispute, err := c.SubmitRebuttal(r.Context(), mux.Vars(r)["id"], rebuttal)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, dispute)
	}
}

// RuleDispute runs the judge panel and applies the ruling.
func RuleDispute(c *court.Court, verifier *identity.Verifier, notaryID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := verifiedEnvelope(verifier, r, "rule_dispute")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		if err := requireNotary(env, notaryID); err != nil {
			respond.WriteError(w, err)
			return
		}

		dispute, err := c.Rule(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, dispute)
	}
}

// GetDispute returns the dispute, votes included once ruled.
func GetDispute(c *court.Court) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dispute, err := c.GetDispute(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, dispute)
	}
}
