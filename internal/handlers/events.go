package handlers

import (
	"net/http"
	"strconv"

	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/respond"
)

// ListEvents returns a bounded page of the event log. Cursors are exclusive;
// ?before flips the order to descending.
func ListEvents(log *eventlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := eventlog.Filter{
			Source:  q.Get("source"),
			Type:    q.Get("type"),
			AgentID: q.Get("agent_id"),
			TaskID:  q.Get("task_id"),
		}

		for _, c := range []struct {
			key string
			dst *int64
		}{
			{"after", &filter.After},
			{"before", &filter.Before},
		} {
			if raw := q.Get(c.key); raw != "" {
				v, err := strconv.ParseInt(raw, 10, 64)
				if err != nil || v < 0 {
					respond.WriteError(w, core.InvalidFieldType(c.key, "non-negative integer"))
					return
				}
				*c.dst = v
			}
		}
		if raw := q.Get("limit"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 1 {
				respond.WriteError(w, core.InvalidFieldType("limit", "positive integer"))
				return
			}
			filter.Limit = v
		}

		events, err := log.List(r.Context(), filter)
		if err != nil {
			respond.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusOK, events)
	}
}
