// Package httpapi is the REST boundary: request middleware and the route
// table.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agora/backend/internal/board"
	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/court"
	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/events"
	"github.com/agora/backend/internal/handlers"
	"github.com/agora/backend/internal/identity"
	"github.com/agora/backend/internal/ledger"
	"github.com/agora/backend/internal/metrics"
	"github.com/agora/backend/internal/reputation"
	"github.com/agora/backend/internal/respond"
)

// Deps is the full component set the route table wires together.
type Deps struct {
	Service     string
	Version     string
	NotaryID    string
	MaxBodySize int64

	Registry   *identity.Registry
	Verifier   *identity.Verifier
	Ledger     *ledger.Engine
	Authority  *ledger.Authority
	Board      *board.Board
	Court      *court.Court
	Reputation *reputation.Store
	Log        *eventlog.Log
	Hub        *events.Hub
	Metrics    *metrics.Metrics
}

// NewRouter builds the route table.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(Instrument(d.Metrics))
	r.Use(BodyLimit(d.MaxBodySize))

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respond.WriteError(w, core.New("NOT_FOUND", http.StatusNotFound, "no such route"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respond.WriteError(w, core.MethodNotAllowed(req.Method))
	})

	// --- Identity ---
	r.HandleFunc("/agents/register", handlers.RegisterAgent(d.Registry)).Methods("POST")
	r.HandleFunc("/agents/verify", handlers.VerifyRaw(d.Verifier)).Methods("POST")
	r.HandleFunc("/agents/verify-jws", handlers.VerifyEnvelope(d.Verifier)).Methods("POST")
	r.HandleFunc("/agents", handlers.ListAgents(d.Registry)).Methods("GET")
	r.HandleFunc("/agents/{id}", handlers.GetAgent(d.Registry)).Methods("GET")

	// --- Ledger ---
	r.HandleFunc("/accounts", handlers.CreateAccount(d.Ledger, d.Verifier)).Methods("POST")
	r.HandleFunc("/accounts/{id}/credit", handlers.CreditAccount(d.Ledger, d.Verifier)).Methods("POST")
	r.HandleFunc("/accounts/{id}/transactions", handlers.GetTransactions(d.Ledger, d.Verifier)).Methods("GET")
	r.HandleFunc("/accounts/{id}", handlers.GetAccount(d.Ledger, d.Verifier)).Methods("GET")
	r.HandleFunc("/escrow/lock", handlers.LockEscrow(d.Authority)).Methods("POST")
	r.HandleFunc("/escrow/{id}/release", handlers.ReleaseEscrow(d.Ledger, d.Verifier)).Methods("POST")
	r.HandleFunc("/escrow/{id}/split", handlers.SplitEscrow(d.Ledger, d.Verifier)).Methods("POST")
	r.HandleFunc("/escrow/{id}", handlers.GetEscrow(d.Ledger)).Methods("GET")

	// --- Task Board ---
	r.HandleFunc("/tasks", handlers.CreateTask(d.Board, d.Verifier)).Methods("POST")
	r.HandleFunc("/tasks", handlers.ListTasks(d.Board)).Methods("GET")
	r.HandleFunc("/tasks/{id}/bids", handlers.SubmitBid(d.Board, d.Verifier)).Methods("POST")
	r.HandleFunc("/tasks/{id}/bids", handlers.ListBids(d.Board, d.Verifier)).Methods("GET")
	r.HandleFunc("/tasks/{id}/accept", handlers.AcceptBid(d.Board, d.Verifier)).Methods("POST")
	r.HandleFunc("/tasks/{id}/submit", handlers.SubmitWork(d.Board, d.Verifier)).Methods("POST")
	r.HandleFunc("/tasks/{id}/approve", handlers.ApproveTask(d.Board, d.Verifier)).Methods("POST")
	r.HandleFunc("/tasks/{id}/dispute", handlers.DisputeTask(d.Board, d.Verifier)).Methods("POST")
	r.HandleFunc("/tasks/{id}/cancel", handlers.CancelTask(d.Board, d.Verifier)).Methods("POST")
	r.HandleFunc("/tasks/{id}/assets", handlers.UploadAsset(d.Board, d.Verifier)).Methods("POST")
	r.HandleFunc("/tasks/{id}/assets", handlers.ListAssets(d.Board)).Methods("GET")
	r.HandleFunc("/tasks/{id}", handlers.GetTask(d.Board)).Methods("GET")

	// --- Court ---
	r.HandleFunc("/disputes/file", handlers.FileDispute(d.Court, d.Verifier, d.NotaryID)).Methods("POST")
	r.HandleFunc("/disputes/{id}/rebuttal", handlers.SubmitRebuttal(d.Court, d.Verifier, d.NotaryID)).Methods("POST")
	r.HandleFunc("/disputes/{id}/rule", handlers.RuleDispute(d.Court, d.Verifier, d.NotaryID)).Methods("POST")
	r.HandleFunc("/disputes/{id}", handlers.GetDispute(d.Court)).Methods("GET")

	// --- Reputation ---
	r.HandleFunc("/feedback", handlers.SubmitFeedback(d.Reputation, d.Verifier)).Methods("POST")
	r.HandleFunc("/feedback/task/{id}", handlers.ListTaskFeedback(d.Reputation, d.Verifier)).Methods("GET")
	r.HandleFunc("/feedback/agent/{id}", handlers.ListAgentFeedback(d.Reputation, d.Verifier)).Methods("GET")

	// --- Events ---
	r.HandleFunc("/events/stream", d.Hub.HandleStream).Methods("GET")
	r.HandleFunc("/events", handlers.ListEvents(d.Log)).Methods("GET")

	// --- Operational ---
	r.HandleFunc("/health", handlers.Health(handlers.HealthDeps{
		Service:    d.Service,
		Version:    d.Version,
		Registry:   d.Registry,
		Ledger:     d.Ledger,
		Board:      d.Board,
		Court:      d.Court,
		Reputation: d.Reputation,
		Log:        d.Log,
		Hub:        d.Hub,
	})).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}
