package handlers

import (
	"net/http"
	"time"

	"github.com/agora/backend/internal/board"
	"github.com/agora/backend/internal/court"
	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/events"
	"github.com/agora/backend/internal/respond"
	"github.com/agora/backend/internal/identity"
	"github.com/agora/backend/internal/ledger"
	"github.com/agora/backend/internal/reputation"
)

// HealthDeps is everything the health endpoint reports on.
type HealthDeps struct {
	Service    string
	Version    string
	Registry   *identity.Registry
	Ledger     *ledger.Engine
	Board      *board.Board
	Court      *court.Court
	Reputation *reputation.Store
	Log        *eventlog.Log
	Hub        *events.Hub
}

// Health reports uptime and live counts derived from the store.
func Health(deps HealthDeps) http.HandlerFunc {
	started := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		counts := map[string]interface{}{}

		agents, err := deps.Registry.Count(ctx)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		counts["agents"] = agents

		accounts, escrowed, err := deps.Ledger.Totals(ctx)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		counts["accounts"] = accounts
		counts["escrowed"] = escrowed

		tasks, err := deps.Board.Count(ctx)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		counts["tasks"] = tasks

		disputes, err := deps.Court.Count(ctx)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		counts["disputes"] = disputes

		feedback, err := deps.Reputation.Count(ctx)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		counts["feedback"] = feedback

		eventCount, err := deps.Log.Count(ctx)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		counts["events"] = eventCount
		counts["subscribers"] = deps.Hub.SubscriberCount()

		respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "ok",
			"service":        deps.Service,
			"version":        deps.Version,
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"counts":         counts,
		})
	}
}
