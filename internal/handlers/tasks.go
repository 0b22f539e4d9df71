package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agora/backend/internal/board"
	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/respond"
	"github.com/agora/backend/internal/identity"
)

// CreateTask accepts the paired create_task + escrow_lock envelopes. The
// escrow envelope travels to the Ledger verbatim.
func CreateTask(b *board.Board, verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskEnvelope   string `json:"task_envelope"`
			EscrowEnvelope string `json:"escrow_envelope"`
		}
		if err := respond.DecodeJSON(r, &req); err != nil {
			respond.WriteError(w, err)
			return
		}
		if req.TaskEnvelope == "" {
			respond.WriteError(w, core.MissingField("task_envelope"))
			return
		}
		if req.EscrowEnvelope == "" {
			respond.WriteError(w, core.MissingField("escrow_envelope"))
			return
		}

		env, err := verifier.Verify(r.Context(), req.TaskEnvelope)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		if err := env.RequireAction("create_task"); err != nil {
			respond.WriteError(w, err)
			return
		}

		task, err := b.CreateTask(r.Context(), env, req.EscrowEnvelope)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusCreated, task)
	}
}

// GetTask returns one task; the read itself evaluates lazy deadlines.
func GetTask(b *board.Board) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := b.GetTask(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, task)
	}
}

// ListTasks returns tasks, optionally filtered by ?status=.
func ListTasks(b *board.Board) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := b.ListTasks(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, tasks)
	}
}

// taskAction builds a handler for the single-envelope task transitions; the
// board re-validates the signer's role per operation.
func taskAction(verifier *identity.Verifier, action string,
	do func(r *http.Request, env *identity.Envelope) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := verifiedEnvelope(verifier, r, action)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		if taskID, err := env.String("task_id"); err != nil {
			respond.WriteError(w, err)
			return
		} else if taskID != mux.Vars(r)["id"] {
			respond.WriteError(w, core.InvalidPayload("envelope task_id must match the path"))
			return
		}

		result, err := do(r, env)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, result)
	}
}

// SubmitBid places a sealed bid.
func SubmitBid(b *board.Board, verifier *identity.Verifier) http.HandlerFunc {
	return taskAction(verifier, "submit_bid", func(r *http.Request, env *identity.Envelope) (interface{}, error) {
		return b.SubmitBid(r.Context(), env)
	})
}

// ListBids lists bids under sealed-bid visibility; the optional bearer
// envelope identifies the reader.
func ListBids(b *board.Board, verifier *identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := ""
		env, err := bearerEnvelope(verifier, r, "list_bids")
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		if env != nil {
			principal = env.SignerID
		}

		bids, err := b.ListBids(r.Context(), principal, mux.Vars(r)["id"])
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, bids)
	}
}

// AcceptBid assigns the worker.
func AcceptBid(b *board.Board, verifier *identity.Verifier) http.HandlerFunc {
	return taskAction(verifier, "accept_bid", func(r *http.Request, env *identity.Envelope) (interface{}, error) {
		return b.AcceptBid(r.Context(), env)
	})
}

// SubmitWork moves the task to review.
func SubmitWork(b *board.Board, verifier *identity.Verifier) http.HandlerFunc {
	return taskAction(verifier, "submit_work", func(r *http.Request, env *identity.Envelope) (interface{}, error) {
		return b.SubmitWork(r.Context(), env)
	})
}

// ApproveTask releases escrow to the worker.
func ApproveTask(b *board.Board, verifier *identity.Verifier) http.HandlerFunc {
	return taskAction(verifier, "approve_task", func(r *http.Request, env *identity.Envelope) (interface{}, error) {
		return b.Approve(r.Context(), env)
	})
}

// DisputeTask escalates to the Court.
func DisputeTask(b *board.Board, verifier *identity.Verifier) http.HandlerFunc {
	return taskAction(verifier, "dispute_task", func(r *http.Request, env *identity.Envelope) (interface{}, error) {
		return b.Dispute(r.Context(), env)
	})
}

// CancelTask refunds the poster on an open task.
func CancelTask(b *board.Board, verifier *identity.Verifier) http.HandlerFunc {
	return taskAction(verifier, "cancel_task", func(r *http.Request, env *identity.Envelope) (interface{}, error) {
		return b.Cancel(r.Context(), env)
	})
}

// UploadAsset records deliverable metadata.
func UploadAsset(b *board.Board, verifier *identity.Verifier) http.HandlerFunc {
	return taskAction(verifier, "upload_asset", func(r *http.Request, env *identity.Envelope) (interface{}, error) {
		return b.UploadAsset(r.Context(), env)
	})
}

// ListAssets returns a task's deliverables.
func ListAssets(b *board.Board) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assets, err := b.ListAssets(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, assets)
	}
}
