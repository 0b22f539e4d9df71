// Package board runs the task lifecycle: creation with paired task+escrow
// authorization, sealed bidding, acceptance, submission, approval, dispute
// hand-off, and lazy deadline transitions evaluated on read.
package board

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/identity"
	"github.com/agora/backend/internal/ledger"
	"github.com/agora/backend/internal/metrics"
	"github.com/agora/backend/internal/store"
)

// Task statuses. approved, ruled, cancelled and expired are terminal.
const (
	StatusOpen      = "open"
	StatusAccepted  = "accepted"
	StatusSubmitted = "submitted"
	StatusApproved  = "approved"
	StatusDisputed  = "disputed"
	StatusRuled     = "ruled"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

type Deadlines struct {
	Bidding   time.Time `json:"bidding"`
	Execution time.Time `json:"execution"`
	Review    time.Time `json:"review"`
}

type Task struct {
	TaskID        string     `json:"task_id"`
	PosterID      string     `json:"poster_id"`
	WorkerID      string     `json:"worker_id,omitempty"`
	Title         string     `json:"title"`
	Spec          string     `json:"spec"`
	Reward        int64      `json:"reward"`
	EscrowID      string     `json:"escrow_id"`
	Status        string     `json:"status"`
	Deadlines     Deadlines  `json:"deadlines"`
	AcceptedBidID string     `json:"accepted_bid_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

type Bid struct {
	BidID       string    `json:"bid_id"`
	TaskID      string    `json:"task_id"`
	BidderID    string    `json:"bidder_id"`
	Proposal    string    `json:"proposal"`
	SubmittedAt time.Time `json:"submitted_at"`
	Accepted    bool      `json:"accepted"`
}

type Asset struct {
	AssetID     string    `json:"asset_id"`
	TaskID      string    `json:"task_id"`
	UploaderID  string    `json:"uploader_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	UploadedAt  time.Time `json:"uploaded_at"`
	BytesRef    string    `json:"bytes_ref"`
}

// EscrowAuthority is the slice of the Ledger the board consumes. The escrow
// token travels verbatim: the Ledger verifies its signature itself.
type EscrowAuthority interface {
	LockFromToken(ctx context.Context, token string) (*ledger.Escrow, error)
	Release(ctx context.Context, escrowID, recipientID string) (*ledger.Escrow, error)
}

// DisputeFiler is the slice of the Court the board consumes when a poster
// disputes a submission.
type DisputeFiler interface {
	FileDispute(ctx context.Context, taskID, claimantID, respondentID, claim, escrowID string) (string, error)
}

// Board orchestrates the task state machine.
type Board struct {
	coord   *store.Coordinator
	readDB  *sql.DB
	escrow  EscrowAuthority
	court   DisputeFiler
	logger  *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(coord *store.Coordinator, readDB *sql.DB, escrow EscrowAuthority) *Board {
	return &Board{
		coord:  coord,
		readDB: readDB,
		escrow: escrow,
		logger: log.New(log.Writer(), "[Board] ", log.LstdFlags),
		now:    time.Now,
	}
}

// SetDisputeFiler wires the Court after construction; the dependency graph
// between board and court is cyclic at the domain level and resolved here by
// leaves-first injection.
func (b *Board) SetDisputeFiler(filer DisputeFiler) {
	b.court = filer
}

// SetMetrics installs the task transition instruments.
func (b *Board) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

func (b *Board) recordTransition(to string) {
	if b.metrics != nil {
		b.metrics.RecordTransition(to)
	}
}

// CreateTask is the paired-authorization endpoint. taskEnv is the verified
// create_task envelope; escrowToken is forwarded to the Ledger unopened
// (only structurally peeked for cross-validation). No write happens unless
// the escrow lock succeeds.
func (b *Board) CreateTask(ctx context.Context, taskEnv *identity.Envelope, escrowToken string) (*Task, error) {
	taskID, err := taskEnv.String("task_id")
	if err != nil {
		return nil, err
	}
	title, err := taskEnv.String("title")
	if err != nil {
		return nil, err
	}
	specText, err := taskEnv.String("spec")
	if err != nil {
		return nil, err
	}
	reward, err := taskEnv.Int64("reward")
	if err != nil {
		return nil, err
	}
	if reward <= 0 {
		return nil, core.InvalidPayload("reward must be > 0")
	}
	deadlines, err := parseDeadlines(taskEnv)
	if err != nil {
		return nil, err
	}

	// Cross-validation before any write: same task, matching amount, both
	// tokens signed by the poster.
	escrowKid, escrowPayload, err := identity.Peek(escrowToken)
	if err != nil {
		return nil, err
	}
	if escrowKid != taskEnv.SignerID {
		return nil, core.InvalidPayload("task and escrow tokens must have the same signer")
	}
	if tid, _ := escrowPayload["task_id"].(string); tid != taskID {
		return nil, core.InvalidPayload("task and escrow tokens must reference the same task_id")
	}
	if amt, ok := escrowPayload["amount"].(float64); !ok || int64(amt) != reward {
		return nil, core.InvalidPayload("escrow amount must equal the task reward")
	}

	if exists, err := b.taskExists(ctx, taskID); err != nil {
		return nil, err
	} else if exists {
		return nil, core.InvalidPayload("task_id already exists")
	}

	// The Ledger is the escrow authority: it verifies the token signature
	// and applies the solvency and uniqueness rules.
	escrow, err := b.escrow.LockFromToken(ctx, escrowToken)
	if err != nil {
		return nil, err
	}

	now := b.now().UTC()
	task := &Task{
		TaskID:    taskID,
		PosterID:  taskEnv.SignerID,
		Title:     title,
		Spec:      specText,
		Reward:    reward,
		EscrowID:  escrow.EscrowID,
		Status:    StatusOpen,
		Deadlines: deadlines,
		CreatedAt: now,
	}

	_, err = b.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		_, err := tx.Exec(`INSERT INTO board_tasks
			(task_id, poster_id, title, spec, reward, escrow_id, status,
			 bidding_deadline, execution_deadline, review_deadline, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'open', ?, ?, ?, ?)`,
			taskID, task.PosterID, title, specText, reward, escrow.EscrowID,
			deadlines.Bidding.Format(time.RFC3339Nano),
			deadlines.Execution.Format(time.RFC3339Nano),
			deadlines.Review.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano))
		if err != nil {
			return nil, nil, fmt.Errorf("board: insert task: %w", err)
		}
		return nil, &eventlog.Spec{
			Source:  "board",
			Type:    "task.created",
			TaskID:  taskID,
			AgentID: task.PosterID,
			Summary: fmt.Sprintf("task %q posted (reward %d)", title, reward),
			Payload: map[string]interface{}{"task_id": taskID, "reward": reward, "escrow_id": escrow.EscrowID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	b.recordTransition(StatusOpen)
	b.logger.Printf("Task %s created by %s (reward %d)", taskID, task.PosterID, reward)
	return task, nil
}

func parseDeadlines(env *identity.Envelope) (Deadlines, error) {
	var d Deadlines
	for _, f := range []struct {
		key string
		dst *time.Time
	}{
		{"bidding_deadline", &d.Bidding},
		{"execution_deadline", &d.Execution},
		{"review_deadline", &d.Review},
	} {
		raw, err := env.String(f.key)
		if err != nil {
			return d, err
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return d, core.InvalidFieldType(f.key, "RFC3339 timestamp")
		}
		*f.dst = t
	}
	if !d.Bidding.Before(d.Execution) || !d.Execution.Before(d.Review) {
		return d, core.InvalidPayload("deadlines must be ordered bidding < execution < review")
	}
	return d, nil
}

func (b *Board) taskExists(ctx context.Context, taskID string) (bool, error) {
	var one int
	err := b.readDB.QueryRowContext(ctx, "SELECT 1 FROM board_tasks WHERE task_id = ?", taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("board: check task: %w", err)
	}
	return true, nil
}

// GetTask returns the task after evaluating lazy deadlines.
func (b *Board) GetTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := b.readTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	transitioned, err := b.resolveDeadlines(ctx, task)
	if err != nil {
		return nil, err
	}
	if transitioned {
		return b.readTask(ctx, taskID)
	}
	return task, nil
}

// ListTasks returns tasks (optionally by status), evaluating lazy deadlines
// on each before reporting it.
func (b *Board) ListTasks(ctx context.Context, status string) ([]Task, error) {
	query := "SELECT task_id FROM board_tasks ORDER BY created_at DESC LIMIT 500"
	args := []interface{}{}
	if status != "" {
		query = "SELECT task_id FROM board_tasks WHERE status = ? ORDER BY created_at DESC LIMIT 500"
		args = append(args, status)
	}
	rows, err := b.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("board: list tasks: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("board: scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		task, err := b.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if status == "" || task.Status == status {
			out = append(out, *task)
		}
	}
	return out, nil
}

// Count returns the number of tasks on the board.
func (b *Board) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := b.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM board_tasks").Scan(&n); err != nil {
		return 0, fmt.Errorf("board: count tasks: %w", err)
	}
	return n, nil
}

// resolveDeadlines applies at most one lazy transition. The guard condition
// inside the write transaction makes concurrent readers race safely: exactly
// one observes rows-affected == 1 and performs the side effects.
func (b *Board) resolveDeadlines(ctx context.Context, task *Task) (bool, error) {
	now := b.now().UTC()

	switch task.Status {
	case StatusOpen:
		if now.After(task.Deadlines.Bidding) {
			hasBids, err := b.hasBids(ctx, task.TaskID)
			if err != nil {
				return false, err
			}
			if !hasBids {
				return b.expireTask(ctx, task, StatusOpen, "bidding deadline passed with no bids")
			}
		}
	case StatusAccepted:
		if now.After(task.Deadlines.Execution) {
			return b.expireTask(ctx, task, StatusAccepted, "execution deadline passed")
		}
	case StatusSubmitted:
		if now.After(task.Deadlines.Review) {
			return b.autoApprove(ctx, task)
		}
	}
	return false, nil
}

// expireTask refunds the poster, then claims the open/accepted → expired
// transition. The refund runs first so a failed release leaves the task
// untouched and the next read retries; an ESCROW_ALREADY_RESOLVED answer
// means a concurrent reader or a crashed earlier attempt already refunded.
func (b *Board) expireTask(ctx context.Context, task *Task, fromStatus, reason string) (bool, error) {
	if _, err := b.escrow.Release(ctx, task.EscrowID, task.PosterID); err != nil {
		if !isAlreadyResolved(err) {
			return false, err
		}
	}

	deadlineCol := "bidding_deadline"
	if fromStatus == StatusAccepted {
		deadlineCol = "execution_deadline"
	}
	now := b.now().UTC()

	claimed, err := b.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		res, err := tx.Exec(fmt.Sprintf(
			`UPDATE board_tasks SET status = 'expired', resolved_at = ?
			 WHERE task_id = ? AND status = ? AND %s < ?`, deadlineCol),
			now.Format(time.RFC3339Nano), task.TaskID, fromStatus, now.Format(time.RFC3339Nano))
		if err != nil {
			return nil, nil, fmt.Errorf("board: expire task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return false, nil, nil // another reader claimed it
		}
		return true, &eventlog.Spec{
			Source:  "board",
			Type:    "task.expired",
			TaskID:  task.TaskID,
			AgentID: task.PosterID,
			Summary: reason,
			Payload: map[string]interface{}{"task_id": task.TaskID, "from_status": fromStatus},
		}, nil
	})
	if err != nil {
		return false, err
	}
	if !claimed.(bool) {
		return true, nil // transition happened, just not ours
	}
	b.recordTransition(StatusExpired)
	b.logger.Printf("Task %s expired (%s)", task.TaskID, reason)
	return true, nil
}

// autoApprove pays the worker, then claims the submitted → approved
// transition after the review deadline. Same escrow-first ordering as
// expireTask.
func (b *Board) autoApprove(ctx context.Context, task *Task) (bool, error) {
	if _, err := b.escrow.Release(ctx, task.EscrowID, task.WorkerID); err != nil {
		if !isAlreadyResolved(err) {
			return false, err
		}
	}

	now := b.now().UTC()

	claimed, err := b.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		res, err := tx.Exec(
			`UPDATE board_tasks SET status = 'approved', resolved_at = ?
			 WHERE task_id = ? AND status = 'submitted' AND review_deadline < ?`,
			now.Format(time.RFC3339Nano), task.TaskID, now.Format(time.RFC3339Nano))
		if err != nil {
			return nil, nil, fmt.Errorf("board: auto-approve task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return false, nil, nil
		}
		return true, &eventlog.Spec{
			Source:  "board",
			Type:    "task.approved",
			TaskID:  task.TaskID,
			AgentID: task.WorkerID,
			Summary: "auto-approved after review deadline",
			Payload: map[string]interface{}{"task_id": task.TaskID, "auto": true},
		}, nil
	})
	if err != nil {
		return false, err
	}
	if !claimed.(bool) {
		return true, nil
	}
	b.recordTransition(StatusApproved)
	b.logger.Printf("Task %s auto-approved past review deadline", task.TaskID)
	return true, nil
}

func isAlreadyResolved(err error) bool {
	e := core.AsError(err)
	return e != nil && e.Code == "ESCROW_ALREADY_RESOLVED"
}

func (b *Board) hasBids(ctx context.Context, taskID string) (bool, error) {
	var one int
	err := b.readDB.QueryRowContext(ctx, "SELECT 1 FROM board_bids WHERE task_id = ? LIMIT 1", taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("board: check bids: %w", err)
	}
	return true, nil
}

func (b *Board) readTask(ctx context.Context, taskID string) (*Task, error) {
	var (
		t                                    Task
		workerID, acceptedBid                sql.NullString
		created, bidding, execution, review  string
		acceptedAt, submittedAt, resolvedAt  sql.NullString
	)
	err := b.readDB.QueryRowContext(ctx, `
		SELECT task_id, poster_id, worker_id, title, spec, reward, escrow_id, status,
		       bidding_deadline, execution_deadline, review_deadline, accepted_bid_id,
		       created_at, accepted_at, submitted_at, resolved_at
		FROM board_tasks WHERE task_id = ?`, taskID).
		Scan(&t.TaskID, &t.PosterID, &workerID, &t.Title, &t.Spec, &t.Reward, &t.EscrowID, &t.Status,
			&bidding, &execution, &review, &acceptedBid,
			&created, &acceptedAt, &submittedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, core.TaskNotFound(taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("board: read task: %w", err)
	}
	t.WorkerID = workerID.String
	t.AcceptedBidID = acceptedBid.String
	t.Deadlines.Bidding, _ = time.Parse(time.RFC3339Nano, bidding)
	t.Deadlines.Execution, _ = time.Parse(time.RFC3339Nano, execution)
	t.Deadlines.Review, _ = time.Parse(time.RFC3339Nano, review)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.AcceptedAt = parseNullTime(acceptedAt)
	t.SubmittedAt = parseNullTime(submittedAt)
	t.ResolvedAt = parseNullTime(resolvedAt)
	return &t, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
