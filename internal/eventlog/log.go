// Package eventlog is the append-only domain event log. Every committed
// mutation carries exactly one event row in the same transaction; event_id is
// the monotonic cursor that external subscribers resume from.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is a committed log entry. ID is assigned by the store at commit time
// and strictly increases with commit order.
type Event struct {
	ID        int64                  `json:"event_id"`
	Source    string                 `json:"source"`
	Type      string                 `json:"event_type"`
	TaskID    string                 `json:"task_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Summary   string                 `json:"summary"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Spec describes the event a mutation wants co-committed. The Write
// Coordinator turns it into a row inside the mutation's transaction.
type Spec struct {
	Source  string
	Type    string
	TaskID  string
	AgentID string
	Summary string
	Payload map[string]interface{}
}

// Insert appends the event row inside tx and returns the committed-to-be
// event with its assigned cursor.
func Insert(tx *sql.Tx, spec *Spec) (Event, error) {
	now := time.Now().UTC()
	payload := spec.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: marshal payload: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO events (source, event_type, task_id, agent_id, summary, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		spec.Source, spec.Type, nullable(spec.TaskID), nullable(spec.AgentID),
		spec.Summary, string(raw), now.Format(time.RFC3339Nano))
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: last insert id: %w", err)
	}

	return Event{
		ID:        id,
		Source:    spec.Source,
		Type:      spec.Type,
		TaskID:    spec.TaskID,
		AgentID:   spec.AgentID,
		Summary:   spec.Summary,
		Payload:   payload,
		Timestamp: now,
	}, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Log provides read access to the committed event history.
type Log struct {
	db *sql.DB
}

// NewLog wraps the concurrent read handle.
func NewLog(readDB *sql.DB) *Log {
	return &Log{db: readDB}
}

// Filter narrows a historical query. Zero values mean "no constraint";
// filters combine with AND.
type Filter struct {
	Source  string
	Type    string
	AgentID string
	TaskID  string
	After   int64 // exclusive lower bound on event_id
	Before  int64 // exclusive upper bound; flips ordering to descending
	Limit   int
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// List returns a bounded page of events, ascending by event_id unless Before
// is set (then descending, mirroring a backwards scroll).
func (l *Log) List(ctx context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var conds []string
	var args []interface{}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if f.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.Type)
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, f.TaskID)
	}
	order := "ASC"
	if f.Before > 0 {
		conds = append(conds, "event_id < ?")
		args = append(args, f.Before)
		order = "DESC"
	}
	if f.After > 0 {
		conds = append(conds, "event_id > ?")
		args = append(args, f.After)
	}

	query := "SELECT event_id, source, event_type, task_id, agent_id, summary, payload, timestamp FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY event_id %s LIMIT ?", order)
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Range returns events with after < event_id <= upTo in ascending order,
// without filters. The Hub uses it for replay up to its watermark.
func (l *Log) Range(ctx context.Context, after, upTo int64) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, source, event_type, task_id, agent_id, summary, payload, timestamp
		FROM events WHERE event_id > ? AND event_id <= ? ORDER BY event_id ASC`,
		after, upTo)
	if err != nil {
		return nil, fmt.Errorf("eventlog: range: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastID returns the highest committed cursor, or 0 on an empty log.
func (l *Log) LastID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := l.db.QueryRowContext(ctx, "SELECT MAX(event_id) FROM events").Scan(&id); err != nil {
		return 0, fmt.Errorf("eventlog: last id: %w", err)
	}
	return id.Int64, nil
}

// Count returns the total number of committed events.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("eventlog: count: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(rs rowScanner) (Event, error) {
	var (
		ev              Event
		taskID, agentID sql.NullString
		payload, ts     string
	)
	if err := rs.Scan(&ev.ID, &ev.Source, &ev.Type, &taskID, &agentID, &ev.Summary, &payload, &ts); err != nil {
		return Event{}, fmt.Errorf("eventlog: scan: %w", err)
	}
	ev.TaskID = taskID.String
	ev.AgentID = agentID.String
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return Event{}, fmt.Errorf("eventlog: decode payload: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: decode timestamp: %w", err)
	}
	ev.Timestamp = parsed
	return ev, nil
}
