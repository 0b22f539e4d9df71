// Package reputation holds sealed pairwise feedback. A row stays invisible
// until both parties to a task have submitted; the second submission reveals
// both in one transaction.
package reputation

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/store"
)

type Feedback struct {
	FeedbackID  string    `json:"feedback_id"`
	TaskID      string    `json:"task_id"`
	FromID      string    `json:"from_id"`
	ToID        string    `json:"to_id"`
	Role        string    `json:"role"`
	Category    string    `json:"category"`
	Rating      string    `json:"rating"`
	Comment     string    `json:"comment"`
	SubmittedAt time.Time `json:"submitted_at"`
	Visible     bool      `json:"visible"`
}

var (
	validRoles      = map[string]bool{"poster": true, "worker": true}
	validCategories = map[string]bool{"spec_quality": true, "delivery_quality": true}
	validRatings    = map[string]bool{"dissatisfied": true, "satisfied": true, "extremely_satisfied": true}
)

// Store is the reputation component.
type Store struct {
	coord  *store.Coordinator
	readDB *sql.DB
	logger *log.Logger
}

func New(coord *store.Coordinator, readDB *sql.DB) *Store {
	return &Store{
		coord:  coord,
		readDB: readDB,
		logger: log.New(log.Writer(), "[Reputation] ", log.LstdFlags),
	}
}

// Submit records one party's sealed feedback. When the counterparty's row
// already exists, both flip visible in the same transaction and a
// feedback.revealed event is emitted per row.
func (s *Store) Submit(ctx context.Context, taskID, fromID, toID, role, category, rating, comment string) (*Feedback, error) {
	if taskID == "" {
		return nil, core.MissingField("task_id")
	}
	if toID == "" {
		return nil, core.MissingField("to_id")
	}
	if fromID == toID {
		return nil, core.InvalidPayload("feedback cannot target its author")
	}
	if !validRoles[role] {
		return nil, core.InvalidPayload("role must be poster or worker")
	}
	if !validCategories[category] {
		return nil, core.InvalidPayload("category must be spec_quality or delivery_quality")
	}
	if !validRatings[rating] {
		return nil, core.InvalidPayload("rating must be dissatisfied, satisfied or extremely_satisfied")
	}

	now := time.Now().UTC()
	fb := &Feedback{
		FeedbackID:  "f-" + uuid.New().String(),
		TaskID:      taskID,
		FromID:      fromID,
		ToID:        toID,
		Role:        role,
		Category:    category,
		Rating:      rating,
		Comment:     comment,
		SubmittedAt: now,
	}

	_, err := s.coord.CommitMulti(ctx, func(tx *sql.Tx) (interface{}, []*eventlog.Spec, error) {
		// Only the task's poster and worker may file, each under their own
		// role and targeting the other. Anyone else could otherwise trigger
		// the revelation on a stranger's behalf.
		var posterID string
		var workerID sql.NullString
		err := tx.QueryRow("SELECT poster_id, worker_id FROM board_tasks WHERE task_id = ?",
			taskID).Scan(&posterID, &workerID)
		if err == sql.ErrNoRows {
			return nil, nil, core.TaskNotFound(taskID)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reputation: read task: %w", err)
		}
		asPoster := role == "poster" && fromID == posterID && workerID.Valid && toID == workerID.String
		asWorker := role == "worker" && workerID.Valid && fromID == workerID.String && toID == posterID
		if !asPoster && !asWorker {
			return nil, nil, core.Forbidden("feedback is limited to the task's poster and worker")
		}

		var existing string
		err = tx.QueryRow("SELECT feedback_id FROM reputation_feedback WHERE task_id = ? AND from_id = ?",
			taskID, fromID).Scan(&existing)
		if err == nil {
			return nil, nil, core.FeedbackAlreadySubmitted(taskID, fromID)
		}
		if err != sql.ErrNoRows {
			return nil, nil, fmt.Errorf("reputation: check feedback: %w", err)
		}

		// The counterparty's sealed row, if any. Its presence makes this the
		// second submission and triggers the reveal.
		var counterpart string
		err = tx.QueryRow("SELECT from_id FROM reputation_feedback WHERE task_id = ? AND from_id != ?",
			taskID, fromID).Scan(&counterpart)
		reveal := err == nil
		if err != nil && err != sql.ErrNoRows {
			return nil, nil, fmt.Errorf("reputation: check counterpart: %w", err)
		}

		if _, err := tx.Exec(`INSERT INTO reputation_feedback
			(feedback_id, task_id, from_id, to_id, role, category, rating, comment, submitted_at, visible)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			fb.FeedbackID, taskID, fromID, toID, role, category, rating, comment,
			now.Format(time.RFC3339Nano)); err != nil {
			return nil, nil, fmt.Errorf("reputation: insert feedback: %w", err)
		}

		specs := []*eventlog.Spec{{
			Source:  "reputation",
			Type:    "feedback.submitted",
			TaskID:  taskID,
			AgentID: fromID,
			Summary: fmt.Sprintf("sealed %s feedback submitted", category),
			Payload: map[string]interface{}{"task_id": taskID, "feedback_id": fb.FeedbackID},
		}}

		if reveal {
			if _, err := tx.Exec("UPDATE reputation_feedback SET visible = 1 WHERE task_id = ?", taskID); err != nil {
				return nil, nil, fmt.Errorf("reputation: reveal feedback: %w", err)
			}
			fb.Visible = true
			for _, author := range []string{counterpart, fromID} {
				specs = append(specs, &eventlog.Spec{
					Source:  "reputation",
					Type:    "feedback.revealed",
					TaskID:  taskID,
					AgentID: author,
					Summary: "pairwise feedback revealed",
					Payload: map[string]interface{}{"task_id": taskID, "from_id": author},
				})
			}
		}
		return nil, specs, nil
	})
	if err != nil {
		return nil, err
	}
	if fb.Visible {
		s.logger.Printf("Feedback pair for task %s revealed", taskID)
	}
	return fb, nil
}

// SubmitDerived files court-derived feedback on behalf of a party. Same
// rules, same revelation behavior.
func (s *Store) SubmitDerived(ctx context.Context, taskID, fromID, toID, role, category, rating, comment string) error {
	_, err := s.Submit(ctx, taskID, fromID, toID, role, category, rating, comment)
	return err
}

// ListForTask returns a task's feedback under sealed-row visibility:
// non-authors see only revealed rows.
func (s *Store) ListForTask(ctx context.Context, principal, taskID string) ([]Feedback, error) {
	return s.list(ctx, principal, "task_id = ?", taskID)
}

// ListAbout returns feedback targeting an agent, same visibility rule.
func (s *Store) ListAbout(ctx context.Context, principal, agentID string) ([]Feedback, error) {
	return s.list(ctx, principal, "to_id = ?", agentID)
}

func (s *Store) list(ctx context.Context, principal, where string, arg string) ([]Feedback, error) {
	query := fmt.Sprintf(`SELECT feedback_id, task_id, from_id, to_id, role, category, rating, comment, submitted_at, visible
		FROM reputation_feedback WHERE %s AND (visible = 1 OR from_id = ?) ORDER BY submitted_at ASC`, where)

	rows, err := s.readDB.QueryContext(ctx, query, arg, principal)
	if err != nil {
		return nil, fmt.Errorf("reputation: list feedback: %w", err)
	}
	defer rows.Close()

	out := make([]Feedback, 0)
	for rows.Next() {
		var (
			f       Feedback
			ts      string
			visible int
		)
		if err := rows.Scan(&f.FeedbackID, &f.TaskID, &f.FromID, &f.ToID, &f.Role, &f.Category,
			&f.Rating, &f.Comment, &ts, &visible); err != nil {
			return nil, fmt.Errorf("reputation: scan feedback: %w", err)
		}
		f.SubmittedAt, _ = time.Parse(time.RFC3339Nano, ts)
		f.Visible = visible == 1
		out = append(out, f)
	}
	return out, rows.Err()
}

// Count returns the number of feedback rows on record.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM reputation_feedback").Scan(&n); err != nil {
		return 0, fmt.Errorf("reputation: count feedback: %w", err)
	}
	return n, nil
}
