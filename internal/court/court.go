// Package court resolves disputes: filing, rebuttal, and a judge-panel
// ruling whose downstream effects (escrow split, derived feedback, task
// ruling record) either all land or the dispute rolls back to
// rebuttal_pending.
package court

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agora/backend/internal/board"
	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/ledger"
	"github.com/agora/backend/internal/metrics"
	"github.com/agora/backend/internal/store"
)

// Dispute statuses. The only backward edge is judging → rebuttal_pending,
// taken when a ruling's downstream effects fail.
const (
	StatusRebuttalPending = "rebuttal_pending"
	StatusJudging         = "judging"
	StatusRuled           = "ruled"
)

type Dispute struct {
	DisputeID        string     `json:"dispute_id"`
	TaskID           string     `json:"task_id"`
	ClaimantID       string     `json:"claimant_id"`
	RespondentID     string     `json:"respondent_id"`
	Claim            string     `json:"claim"`
	EscrowID         string     `json:"escrow_id"`
	Rebuttal         string     `json:"rebuttal,omitempty"`
	Status           string     `json:"status"`
	RebuttalDeadline time.Time  `json:"rebuttal_deadline"`
	RebuttedAt       *time.Time `json:"rebutted_at,omitempty"`
	RuledAt          *time.Time `json:"ruled_at,omitempty"`
	WorkerPct        *int64     `json:"worker_pct,omitempty"`
	RulingSummary    string     `json:"ruling_summary,omitempty"`
	Votes            []Vote     `json:"votes,omitempty"`
}

// TaskSource is the slice of the Task Board the court consumes: the judge
// briefing material and the final ruling record.
type TaskSource interface {
	RulingData(ctx context.Context, taskID string) (*board.RulingData, error)
	RecordRuling(ctx context.Context, taskID string, workerPct int64, summary string) error
}

// EscrowSplitter is the slice of the Ledger the court consumes.
type EscrowSplitter interface {
	Split(ctx context.Context, escrowID, workerID, posterID string, workerPct int64) (*ledger.SplitResult, error)
}

// FeedbackRecorder accepts the two court-derived feedback rows.
type FeedbackRecorder interface {
	SubmitDerived(ctx context.Context, taskID, fromID, toID, role, category, rating, comment string) error
}

// Court orchestrates dispute resolution.
type Court struct {
	coord          *store.Coordinator
	readDB         *sql.DB
	tasks          TaskSource
	splitter       EscrowSplitter
	feedback       FeedbackRecorder
	panel          []Judge
	notaryID       string
	rebuttalWindow time.Duration
	logger         *log.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

func New(coord *store.Coordinator, readDB *sql.DB, tasks TaskSource, splitter EscrowSplitter,
	feedback FeedbackRecorder, panel []Judge, notaryID string, rebuttalWindow time.Duration) *Court {
	return &Court{
		coord:          coord,
		readDB:         readDB,
		tasks:          tasks,
		splitter:       splitter,
		feedback:       feedback,
		panel:          panel,
		notaryID:       notaryID,
		rebuttalWindow: rebuttalWindow,
		logger:         log.New(log.Writer(), "[Court] ", log.LstdFlags),
		now:            time.Now,
	}
}

// SetMetrics installs the ruling instruments.
func (c *Court) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// FileDispute opens a dispute in rebuttal_pending. Exactly one dispute may
// ever exist per task. Called by the Task Board during the dispute hand-off,
// before the task itself transitions; the task is therefore still submitted
// (or already disputed on an explicit notary re-file).
func (c *Court) FileDispute(ctx context.Context, taskID, claimantID, respondentID, claim, escrowID string) (string, error) {
	if claim == "" {
		return "", core.InvalidPayload("claim must not be empty")
	}
	data, err := c.tasks.RulingData(ctx, taskID)
	if err != nil {
		return "", err
	}
	if data.Status != "submitted" && data.Status != "disputed" {
		return "", core.InvalidTaskStatus(data.Status, "submitted")
	}

	now := c.now().UTC()
	dispute := &Dispute{
		DisputeID:        "d-" + uuid.New().String(),
		TaskID:           taskID,
		ClaimantID:       claimantID,
		RespondentID:     respondentID,
		Claim:            claim,
		EscrowID:         escrowID,
		Status:           StatusRebuttalPending,
		RebuttalDeadline: now.Add(c.rebuttalWindow),
	}

	_, err = c.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		var existing string
		err := tx.QueryRow("SELECT dispute_id FROM court_disputes WHERE task_id = ?", taskID).Scan(&existing)
		if err == nil {
			return nil, nil, core.DisputeAlreadyExists(taskID)
		}
		if err != sql.ErrNoRows {
			return nil, nil, fmt.Errorf("court: check dispute: %w", err)
		}

		if _, err := tx.Exec(`INSERT INTO court_disputes
			(dispute_id, task_id, claimant_id, respondent_id, claim, escrow_id, status, rebuttal_deadline, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'rebuttal_pending', ?, ?)`,
			dispute.DisputeID, taskID, claimantID, respondentID, claim, escrowID,
			dispute.RebuttalDeadline.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
			return nil, nil, fmt.Errorf("court: insert dispute: %w", err)
		}
		return nil, &eventlog.Spec{
			Source:  "court",
			Type:    "dispute.filed",
			TaskID:  taskID,
			AgentID: claimantID,
			Summary: fmt.Sprintf("dispute filed against %s", respondentID),
			Payload: map[string]interface{}{"dispute_id": dispute.DisputeID, "task_id": taskID},
		}, nil
	})
	if err != nil {
		return "", err
	}
	c.logger.Printf("Dispute %s filed for task %s", dispute.DisputeID, taskID)
	return dispute.DisputeID, nil
}

// SubmitRebuttal records the respondent's one-shot rebuttal. Status stays
// rebuttal_pending; ruling may proceed with or without it.
func (c *Court) SubmitRebuttal(ctx context.Context, disputeID, rebuttal string) (*Dispute, error) {
	if len(rebuttal) == 0 || len(rebuttal) > 10000 {
		return nil, core.InvalidPayload("rebuttal must be 1..10000 characters")
	}

	dispute, err := c.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status != StatusRebuttalPending {
		return nil, core.InvalidDisputeStatus(dispute.Status, StatusRebuttalPending)
	}
	if dispute.Rebuttal != "" {
		return nil, core.RebuttalAlreadySubmitted(disputeID)
	}

	now := c.now().UTC()
	_, err = c.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		res, err := tx.Exec(`UPDATE court_disputes SET rebuttal = ?, rebutted_at = ?
			WHERE dispute_id = ? AND status = 'rebuttal_pending' AND rebuttal IS NULL`,
			rebuttal, now.Format(time.RFC3339Nano), disputeID)
		if err != nil {
			return nil, nil, fmt.Errorf("court: record rebuttal: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil, core.RebuttalAlreadySubmitted(disputeID)
		}
		return nil, &eventlog.Spec{
			Source:  "court",
			Type:    "dispute.rebuttal",
			TaskID:  dispute.TaskID,
			AgentID: dispute.RespondentID,
			Summary: "rebuttal submitted",
			Payload: map[string]interface{}{"dispute_id": disputeID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	dispute.Rebuttal = rebuttal
	dispute.RebuttedAt = &now
	return dispute, nil
}

// Rule runs the full ruling orchestration. Votes are persisted only after
// every downstream effect succeeds; any failure after the judging transition
// rolls the dispute back to rebuttal_pending and surfaces the cause.
func (c *Court) Rule(ctx context.Context, disputeID string) (*Dispute, error) {
	dispute, err := c.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.RuledAt != nil {
		return nil, core.DisputeAlreadyRuled(disputeID)
	}
	if dispute.Status != StatusRebuttalPending {
		return nil, core.InvalidDisputeStatus(dispute.Status, StatusRebuttalPending)
	}

	if err := c.transition(ctx, dispute, StatusRebuttalPending, StatusJudging,
		"dispute.judging", "judge panel convened"); err != nil {
		return nil, err
	}

	ruled, err := c.judgeAndApply(ctx, dispute)
	if err != nil {
		if rbErr := c.transition(ctx, dispute, StatusJudging, StatusRebuttalPending,
			"dispute.rollback", "ruling failed, dispute reverted"); rbErr != nil {
			c.logger.Printf("Rollback of dispute %s failed: %v", disputeID, rbErr)
		}
		if c.metrics != nil {
			c.metrics.RecordRuling(true)
		}
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordRuling(false)
	}
	return ruled, nil
}

// judgeAndApply gathers votes, applies the three downstream effects, and
// commits the final ruling. Each downstream effect is idempotent, so a
// retried ruling after a partial failure converges on the same state.
func (c *Court) judgeAndApply(ctx context.Context, dispute *Dispute) (*Dispute, error) {
	data, err := c.tasks.RulingData(ctx, dispute.TaskID)
	if err != nil {
		return nil, asDownstream(err, core.BoardUnavailable())
	}

	briefing := &Briefing{
		TaskTitle:    data.Title,
		TaskSpec:     data.Spec,
		Reward:       data.Reward,
		Deliverables: data.Deliverables,
		Claim:        dispute.Claim,
		Rebuttal:     dispute.Rebuttal,
	}

	votes := make([]Vote, 0, len(c.panel))
	for _, judge := range c.panel {
		started := time.Now()
		vote, err := judge.Evaluate(ctx, briefing)
		if c.metrics != nil {
			c.metrics.JudgeDuration.WithLabelValues(judge.ID()).Observe(time.Since(started).Seconds())
		}
		if err != nil {
			c.logger.Printf("Judge %s failed on dispute %s: %v", judge.ID(), dispute.DisputeID, err)
			return nil, core.JudgeUnavailable()
		}
		votes = append(votes, *vote)
	}

	workerPct := medianPct(votes)
	summary := composeSummary(votes)

	if _, err := c.splitter.Split(ctx, dispute.EscrowID, data.WorkerID, data.PosterID, workerPct); err != nil {
		if !isCode(err, "ESCROW_ALREADY_RESOLVED") {
			return nil, asDownstream(err, core.LedgerUnavailable())
		}
	}

	// Derived feedback, each filed on behalf of the opposing party so the
	// pairwise revelation rule applies unchanged.
	specRating, deliveryRating := deriveRatings(workerPct)
	if err := c.feedback.SubmitDerived(ctx, dispute.TaskID, data.WorkerID, data.PosterID,
		"worker", "spec_quality", specRating, "court ruling: "+summaryLine(summary)); err != nil {
		if !isCode(err, "FEEDBACK_ALREADY_SUBMITTED") {
			return nil, asDownstream(err, core.ReputationUnavailable())
		}
	}
	if err := c.feedback.SubmitDerived(ctx, dispute.TaskID, data.PosterID, data.WorkerID,
		"poster", "delivery_quality", deliveryRating, "court ruling: "+summaryLine(summary)); err != nil {
		if !isCode(err, "FEEDBACK_ALREADY_SUBMITTED") {
			return nil, asDownstream(err, core.ReputationUnavailable())
		}
	}

	if err := c.tasks.RecordRuling(ctx, dispute.TaskID, workerPct, summary); err != nil {
		return nil, asDownstream(err, core.BoardUnavailable())
	}

	now := c.now().UTC()
	_, err = c.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		res, err := tx.Exec(`UPDATE court_disputes
			SET status = 'ruled', worker_pct = ?, ruling_summary = ?, ruled_at = ?
			WHERE dispute_id = ? AND status = 'judging'`,
			workerPct, summary, now.Format(time.RFC3339Nano), dispute.DisputeID)
		if err != nil {
			return nil, nil, fmt.Errorf("court: record ruling: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil, core.InvalidDisputeStatus("changed", StatusJudging)
		}
		for _, v := range votes {
			if _, err := tx.Exec(`INSERT INTO court_votes (dispute_id, judge_id, worker_pct, reasoning, voted_at)
				VALUES (?, ?, ?, ?, ?)`,
				dispute.DisputeID, v.JudgeID, v.WorkerPct, v.Reasoning,
				v.VotedAt.Format(time.RFC3339Nano)); err != nil {
				return nil, nil, fmt.Errorf("court: insert vote: %w", err)
			}
		}
		return nil, &eventlog.Spec{
			Source:  "court",
			Type:    "ruling.delivered",
			TaskID:  dispute.TaskID,
			Summary: fmt.Sprintf("ruling delivered: worker %d%%", workerPct),
			Payload: map[string]interface{}{
				"dispute_id": dispute.DisputeID,
				"task_id":    dispute.TaskID,
				"worker_pct": workerPct,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	dispute.Status = StatusRuled
	dispute.WorkerPct = &workerPct
	dispute.RulingSummary = summary
	dispute.RuledAt = &now
	dispute.Votes = votes
	c.logger.Printf("Dispute %s ruled: worker %d%%", dispute.DisputeID, workerPct)
	return dispute, nil
}

// deriveRatings maps the panel outcome to the two feedback ratings. A high
// worker share implies the spec was ambiguous; a low one implies the
// delivery fell short.
func deriveRatings(workerPct int64) (specQuality, deliveryQuality string) {
	switch {
	case workerPct >= 80:
		specQuality = "dissatisfied"
	case workerPct >= 40:
		specQuality = "satisfied"
	default:
		specQuality = "extremely_satisfied"
	}
	switch {
	case workerPct >= 80:
		deliveryQuality = "extremely_satisfied"
	case workerPct >= 40:
		deliveryQuality = "satisfied"
	default:
		deliveryQuality = "dissatisfied"
	}
	return specQuality, deliveryQuality
}

func (c *Court) transition(ctx context.Context, dispute *Dispute, from, to, eventType, summary string) error {
	_, err := c.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		res, err := tx.Exec("UPDATE court_disputes SET status = ? WHERE dispute_id = ? AND status = ?",
			to, dispute.DisputeID, from)
		if err != nil {
			return nil, nil, fmt.Errorf("court: transition dispute: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil, core.InvalidDisputeStatus("changed", from)
		}
		dispute.Status = to
		return nil, &eventlog.Spec{
			Source:  "court",
			Type:    eventType,
			TaskID:  dispute.TaskID,
			Summary: summary,
			Payload: map[string]interface{}{"dispute_id": dispute.DisputeID, "status": to},
		}, nil
	})
	return err
}

// GetDispute returns the dispute, including votes once ruled.
func (c *Court) GetDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	var (
		d                   Dispute
		rebuttal, summary   sql.NullString
		deadline            string
		rebuttedAt, ruledAt sql.NullString
		workerPct           sql.NullInt64
	)
	err := c.readDB.QueryRowContext(ctx, `
		SELECT dispute_id, task_id, claimant_id, respondent_id, claim, escrow_id,
		       rebuttal, status, rebuttal_deadline, rebutted_at, ruled_at, worker_pct, ruling_summary
		FROM court_disputes WHERE dispute_id = ?`, disputeID).
		Scan(&d.DisputeID, &d.TaskID, &d.ClaimantID, &d.RespondentID, &d.Claim, &d.EscrowID,
			&rebuttal, &d.Status, &deadline, &rebuttedAt, &ruledAt, &workerPct, &summary)
	if err == sql.ErrNoRows {
		return nil, core.DisputeNotFound(disputeID)
	}
	if err != nil {
		return nil, fmt.Errorf("court: read dispute: %w", err)
	}
	d.Rebuttal = rebuttal.String
	d.RulingSummary = summary.String
	d.RebuttalDeadline, _ = time.Parse(time.RFC3339Nano, deadline)
	d.RebuttedAt = parseNullTime(rebuttedAt)
	d.RuledAt = parseNullTime(ruledAt)
	if workerPct.Valid {
		pct := workerPct.Int64
		d.WorkerPct = &pct
	}
	if d.Status == StatusRuled {
		votes, err := c.votesOf(ctx, disputeID)
		if err != nil {
			return nil, err
		}
		d.Votes = votes
	}
	return &d, nil
}

// GetDisputeByTask resolves the dispute covering a task, if any.
func (c *Court) GetDisputeByTask(ctx context.Context, taskID string) (*Dispute, error) {
	var disputeID string
	err := c.readDB.QueryRowContext(ctx,
		"SELECT dispute_id FROM court_disputes WHERE task_id = ?", taskID).Scan(&disputeID)
	if err == sql.ErrNoRows {
		return nil, core.DisputeNotFound(taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("court: lookup dispute: %w", err)
	}
	return c.GetDispute(ctx, disputeID)
}

// Count returns the number of disputes on record.
func (c *Court) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := c.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM court_disputes").Scan(&n); err != nil {
		return 0, fmt.Errorf("court: count disputes: %w", err)
	}
	return n, nil
}

func (c *Court) votesOf(ctx context.Context, disputeID string) ([]Vote, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT judge_id, worker_pct, reasoning, voted_at
		FROM court_votes WHERE dispute_id = ? ORDER BY judge_id ASC`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("court: list votes: %w", err)
	}
	defer rows.Close()

	out := make([]Vote, 0)
	for rows.Next() {
		var (
			v  Vote
			ts string
		)
		if err := rows.Scan(&v.JudgeID, &v.WorkerPct, &v.Reasoning, &ts); err != nil {
			return nil, fmt.Errorf("court: scan vote: %w", err)
		}
		v.VotedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, v)
	}
	return out, rows.Err()
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

// isCode reports whether err is a typed error with the given code.
func isCode(err error, code string) bool {
	ce := core.AsError(err)
	return ce != nil && ce.Code == code
}

// asDownstream keeps typed business errors intact and maps everything else
// to the component's 502.
func asDownstream(err error, fallback *core.Error) error {
	if core.AsError(err) != nil {
		return err
	}
	return fallback
}
