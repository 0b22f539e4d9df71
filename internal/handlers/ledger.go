package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/respond"
	"github.com/agora/backend/internal/identity"
	"github.com/agora/backend/internal/ledger"
)

// CreateAccount mints a ledger account. The engine enforces that the signer
// is the platform notary.
func CreateAccount(engine *ledger.Engine, verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := verifiedEnvelope(verifier, r, "create_account")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		agentID, err := env.String("agent_id")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		initialBalance, err := env.Int64("initial_balance")
		if err != nil {
			respond.WriteError(w, err)
			return
		}

		account, err := engine.CreateAccount(r.Context(), env.SignerID, agentID, initialBalance)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusCreated, account)
	}
}

// CreditAccount applies a referenced credit. Replaying the same reference
// returns the original transaction.
func CreditAccount(engine *ledger.Engine, verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := verifiedEnvelope(verifier, r, "credit")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		accountID, err := env.String("account_id")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		if accountID != mux.Vars(r)["id"] {
			respond.WriteError(w, core.InvalidPayload("envelope account_id must match the path"))
			return
		}
		amount, err := env.Int64("amount")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		reference, err := env.String("reference")
		if err != nil {
			respond.WriteError(w, err)
			return
		}

		txn, err := engine.Credit(r.Context(), env.SignerID, accountID, amount, reference)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, txn)
	}
}

// GetAccount returns the balance to its owner (bearer envelope) or notary.
func GetAccount(engine *ledger.Engine, verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := bearerEnvelope(verifier, r, "read_account")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		if env == nil {
			respond.WriteError(w, core.Forbidden("account reads require a bearer envelope"))
			return
		}

		account, err := engine.GetAccount(r.Context(), env.SignerID, mux.Vars(r)["id"])
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, account)
	}
}

// GetTransactions returns an account's history to its owner.
func GetTransactions(engine *ledger.Engine, verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := bearerEnvelope(verifier, r, "read_account")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		if env == nil {
			respond.WriteError(w, core.Forbidden("transaction reads require a bearer envelope"))
			return
		}

		txns, err := engine.GetTransactions(r.Context(), env.SignerID, mux.Vars(r)["id"])
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, txns)
	}
}

// LockEscrow locks funds against a task, authorized by the payer's own
// signed token.
func LockEscrow(authority *ledger.Authority) http.HandlerFunc {
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

		escrow, err := authority.LockFromToken(r.Context(), req.Envelope)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusCreated, escrow)
	}
}

// ReleaseEscrow pays the full escrow to one recipient. Notary-only.
func ReleaseEscrow(engine *ledger.Engine, verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := verifiedEnvelope(verifier, r, "escrow_release")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		recipientID, err := env.String("recipient_id")
		if err != nil {
			respond.WriteError(w, err)
			return
		}

		escrow, err := engine.ReleaseEscrow(r.Context(), env.SignerID, mux.Vars(r)["id"], recipientID)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, escrow)
	}
}

// SplitEscrow divides the escrow between worker and poster. Notary-only.
func SplitEscrow(engine *ledger.Engine, verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := verifiedEnvelope(verifier, r, "escrow_split")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		workerID, err := env.String("worker_id")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		posterID, err := env.String("poster_id")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		workerPct, err := env.Int64("worker_pct")
		if err != nil {
			respond.WriteError(w, err)
			return
		}

		result, err := engine.SplitEscrow(r.Context(), env.SignerID, mux.Vars(r)["id"], workerID, posterID, workerPct)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, result)
	}
}

// GetEscrow returns one escrow record.
func GetEscrow(engine *ledger.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		escrow, err := engine.GetEscrow(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, escrow)
	}
}
