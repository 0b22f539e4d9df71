package board

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/identity"
)

// SubmitBid records a sealed bid. One bid per agent per task, binding, no
// withdrawal. Rejected once the bidding deadline passes even if the task is
// still open (tasks with bids do not expire at the bidding deadline).
func (b *Board) SubmitBid(ctx context.Context, env *identity.Envelope) (*Bid, error) {
	taskID, err := env.String("task_id")
	if err != nil {
		return nil, err
	}
	proposal, err := env.String("proposal")
	if err != nil {
		return nil, err
	}
	if proposal == "" {
		return nil, core.InvalidPayload("proposal must not be empty")
	}

	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusOpen {
		return nil, core.InvalidTaskStatus(task.Status, StatusOpen)
	}
	if b.now().UTC().After(task.Deadlines.Bidding) {
		return nil, core.DeadlinePassed("bidding")
	}

	now := b.now().UTC()
	bid := &Bid{
		BidID:       "b-" + uuid.New().String(),
		TaskID:      taskID,
		BidderID:    env.SignerID,
		Proposal:    proposal,
		SubmittedAt: now,
	}

	_, err = b.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		// Serialized write lane: the duplicate pre-check cannot race.
		var existing string
		err := tx.QueryRow("SELECT bid_id FROM board_bids WHERE task_id = ? AND bidder_id = ?",
			taskID, bid.BidderID).Scan(&existing)
		if err == nil {
			return nil, nil, core.DuplicateBid(taskID, bid.BidderID)
		}
		if err != sql.ErrNoRows {
			return nil, nil, fmt.Errorf("board: check bid: %w", err)
		}

		var status string
		if err := tx.QueryRow("SELECT status FROM board_tasks WHERE task_id = ?", taskID).Scan(&status); err != nil {
			return nil, nil, fmt.Errorf("board: recheck task: %w", err)
		}
		if status != StatusOpen {
			return nil, nil, core.InvalidTaskStatus(status, StatusOpen)
		}

		if _, err := tx.Exec(`INSERT INTO board_bids (bid_id, task_id, bidder_id, proposal, submitted_at, accepted)
			VALUES (?, ?, ?, ?, ?, 0)`,
			bid.BidID, taskID, bid.BidderID, proposal, now.Format(time.RFC3339Nano)); err != nil {
			return nil, nil, fmt.Errorf("board: insert bid: %w", err)
		}
		return nil, &eventlog.Spec{
			Source:  "board",
			Type:    "bid.submitted",
			TaskID:  taskID,
			AgentID: bid.BidderID,
			Summary: "sealed bid submitted",
			Payload: map[string]interface{}{"task_id": taskID, "bid_id": bid.BidID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return bid, nil
}

// ListBids enforces sealed-bid visibility. While the task is open only the
// poster sees all bids and a bidder sees its own; afterwards the list is
// public. principal is "" for anonymous readers.
func (b *Board) ListBids(ctx context.Context, principal, taskID string) ([]Bid, error) {
	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	query := "SELECT bid_id, task_id, bidder_id, proposal, submitted_at, accepted FROM board_bids WHERE task_id = ?"
	args := []interface{}{taskID}

	if task.Status == StatusOpen {
		switch {
		case principal == task.PosterID:
			// poster sees every sealed bid
		case principal != "":
			query += " AND bidder_id = ?"
			args = append(args, principal)
		default:
			return nil, core.Forbidden("bids are sealed while the task is open")
		}
	}
	query += " ORDER BY submitted_at ASC"

	rows, err := b.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("board: list bids: %w", err)
	}
	defer rows.Close()

	out := make([]Bid, 0)
	for rows.Next() {
		var (
			bid      Bid
			ts       string
			accepted int
		)
		if err := rows.Scan(&bid.BidID, &bid.TaskID, &bid.BidderID, &bid.Proposal, &ts, &accepted); err != nil {
			return nil, fmt.Errorf("board: scan bid: %w", err)
		}
		bid.SubmittedAt, _ = time.Parse(time.RFC3339Nano, ts)
		bid.Accepted = accepted == 1
		out = append(out, bid)
	}
	if task.Status == StatusOpen && principal != task.PosterID && len(out) == 0 {
		// A non-bidder probing an open task learns nothing.
		return nil, core.Forbidden("bids are sealed while the task is open")
	}
	return out, rows.Err()
}

// AcceptBid assigns the worker. Poster-only, task must be open, and the bid
// must belong to the task.
func (b *Board) AcceptBid(ctx context.Context, env *identity.Envelope) (*Task, error) {
	taskID, err := env.String("task_id")
	if err != nil {
		return nil, err
	}
	bidID, err := env.String("bid_id")
	if err != nil {
		return nil, err
	}

	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if env.SignerID != task.PosterID {
		return nil, core.Forbidden("only the poster may accept a bid")
	}
	if task.Status != StatusOpen {
		return nil, core.InvalidTaskStatus(task.Status, StatusOpen)
	}

	now := b.now().UTC()
	_, err = b.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		var bidderID string
		err := tx.QueryRow("SELECT bidder_id FROM board_bids WHERE bid_id = ? AND task_id = ?",
			bidID, taskID).Scan(&bidderID)
		if err == sql.ErrNoRows {
			return nil, nil, core.BidNotFound(bidID)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("board: read bid: %w", err)
		}

		res, err := tx.Exec(`UPDATE board_tasks
			SET status = 'accepted', worker_id = ?, accepted_bid_id = ?, accepted_at = ?
			WHERE task_id = ? AND status = 'open'`,
			bidderID, bidID, now.Format(time.RFC3339Nano), taskID)
		if err != nil {
			return nil, nil, fmt.Errorf("board: accept bid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil, core.InvalidTaskStatus("not open", StatusOpen)
		}
		if _, err := tx.Exec("UPDATE board_bids SET accepted = 1 WHERE bid_id = ?", bidID); err != nil {
			return nil, nil, fmt.Errorf("board: flag bid: %w", err)
		}

		task.Status = StatusAccepted
		task.WorkerID = bidderID
		task.AcceptedBidID = bidID
		task.AcceptedAt = &now
		return nil, &eventlog.Spec{
			Source:  "board",
			Type:    "task.accepted",
			TaskID:  taskID,
			AgentID: bidderID,
			Summary: fmt.Sprintf("bid accepted, worker %s assigned", bidderID),
			Payload: map[string]interface{}{"task_id": taskID, "bid_id": bidID, "worker_id": bidderID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	b.recordTransition(StatusAccepted)
	b.logger.Printf("Task %s accepted bid %s", taskID, bidID)
	return task, nil
}

// SubmitWork moves the task to submitted. Worker-only.
func (b *Board) SubmitWork(ctx context.Context, env *identity.Envelope) (*Task, error) {
	taskID, err := env.String("task_id")
	if err != nil {
		return nil, err
	}
	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if env.SignerID != task.WorkerID {
		return nil, core.Forbidden("only the assigned worker may submit work")
	}
	if task.Status != StatusAccepted {
		return nil, core.InvalidTaskStatus(task.Status, StatusAccepted)
	}

	now := b.now().UTC()
	_, err = b.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		res, err := tx.Exec(`UPDATE board_tasks SET status = 'submitted', submitted_at = ?
			WHERE task_id = ? AND status = 'accepted'`,
			now.Format(time.RFC3339Nano), taskID)
		if err != nil {
			return nil, nil, fmt.Errorf("board: submit work: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil, core.InvalidTaskStatus("not accepted", StatusAccepted)
		}
		task.Status = StatusSubmitted
		task.SubmittedAt = &now
		return nil, &eventlog.Spec{
			Source:  "board",
			Type:    "task.submitted",
			TaskID:  taskID,
			AgentID: task.WorkerID,
			Summary: "work submitted for review",
			Payload: map[string]interface{}{"task_id": taskID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	b.recordTransition(StatusSubmitted)
	return task, nil
}

// Approve releases escrow to the worker and closes the task. Poster-only.
// The state transition happens only after the escrow release succeeds.
func (b *Board) Approve(ctx context.Context, env *identity.Envelope) (*Task, error) {
	taskID, err := env.String("task_id")
	if err != nil {
		return nil, err
	}
	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if env.SignerID != task.PosterID {
		return nil, core.Forbidden("only the poster may approve")
	}
	if task.Status != StatusSubmitted {
		return nil, core.InvalidTaskStatus(task.Status, StatusSubmitted)
	}

	if _, err := b.escrow.Release(ctx, task.EscrowID, task.WorkerID); err != nil {
		return nil, err
	}
	return b.closeTask(ctx, task, StatusSubmitted, StatusApproved, "task.approved",
		"work approved by poster", task.WorkerID)
}

// Cancel refunds the poster and closes an open task. Poster-only.
func (b *Board) Cancel(ctx context.Context, env *identity.Envelope) (*Task, error) {
	taskID, err := env.String("task_id")
	if err != nil {
		return nil, err
	}
	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if env.SignerID != task.PosterID {
		return nil, core.Forbidden("only the poster may cancel")
	}
	if task.Status != StatusOpen {
		return nil, core.InvalidTaskStatus(task.Status, StatusOpen)
	}

	if _, err := b.escrow.Release(ctx, task.EscrowID, task.PosterID); err != nil {
		return nil, err
	}
	return b.closeTask(ctx, task, StatusOpen, StatusCancelled, "task.cancelled",
		"task cancelled by poster", task.PosterID)
}

func (b *Board) closeTask(ctx context.Context, task *Task, from, to, eventType, summary, agentID string) (*Task, error) {
	now := b.now().UTC()
	_, err := b.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		res, err := tx.Exec(`UPDATE board_tasks SET status = ?, resolved_at = ? WHERE task_id = ? AND status = ?`,
			to, now.Format(time.RFC3339Nano), task.TaskID, from)
		if err != nil {
			return nil, nil, fmt.Errorf("board: close task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil, core.InvalidTaskStatus("changed", from)
		}
		task.Status = to
		task.ResolvedAt = &now
		return nil, &eventlog.Spec{
			Source:  "board",
			Type:    eventType,
			TaskID:  task.TaskID,
			AgentID: agentID,
			Summary: summary,
			Payload: map[string]interface{}{"task_id": task.TaskID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	b.recordTransition(to)
	b.logger.Printf("Task %s → %s", task.TaskID, to)
	return task, nil
}

// Dispute escalates a submitted task to the Court. The Court files the
// dispute first; the task transitions to disputed only after the Court call
// succeeds, so a Court outage leaves the task in submitted.
func (b *Board) Dispute(ctx context.Context, env *identity.Envelope) (*Task, error) {
	taskID, err := env.String("task_id")
	if err != nil {
		return nil, err
	}
	claim, err := env.String("claim")
	if err != nil {
		return nil, err
	}
	if claim == "" {
		return nil, core.InvalidPayload("claim must not be empty")
	}

	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if env.SignerID != task.PosterID {
		return nil, core.Forbidden("only the poster may dispute")
	}
	if task.Status != StatusSubmitted {
		return nil, core.InvalidTaskStatus(task.Status, StatusSubmitted)
	}
	if b.court == nil {
		return nil, core.CourtUnavailable()
	}

	disputeID, err := b.court.FileDispute(ctx, taskID, task.PosterID, task.WorkerID, claim, task.EscrowID)
	if err != nil {
		return nil, err
	}

	updated, err := b.closeDisputeTransition(ctx, task, disputeID)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (b *Board) closeDisputeTransition(ctx context.Context, task *Task, disputeID string) (*Task, error) {
	_, err := b.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		res, err := tx.Exec(`UPDATE board_tasks SET status = 'disputed' WHERE task_id = ? AND status = 'submitted'`,
			task.TaskID)
		if err != nil {
			return nil, nil, fmt.Errorf("board: dispute task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil, core.InvalidTaskStatus("changed", StatusSubmitted)
		}
		task.Status = StatusDisputed
		return nil, &eventlog.Spec{
			Source:  "board",
			Type:    "task.disputed",
			TaskID:  task.TaskID,
			AgentID: task.PosterID,
			Summary: "poster disputed the submission",
			Payload: map[string]interface{}{"task_id": task.TaskID, "dispute_id": disputeID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	b.recordTransition(StatusDisputed)
	return task, nil
}

// UploadAsset records deliverable metadata. Worker-only, while the task is
// accepted or submitted. The bytes themselves are opaque to the core.
func (b *Board) UploadAsset(ctx context.Context, env *identity.Envelope) (*Asset, error) {
	taskID, err := env.String("task_id")
	if err != nil {
		return nil, err
	}
	filename, err := env.String("filename")
	if err != nil {
		return nil, err
	}
	contentType, err := env.String("content_type")
	if err != nil {
		return nil, err
	}
	sizeBytes, err := env.Int64("size_bytes")
	if err != nil {
		return nil, err
	}
	bytesRef, err := env.String("bytes_ref")
	if err != nil {
		return nil, err
	}

	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if env.SignerID != task.WorkerID {
		return nil, core.Forbidden("only the assigned worker may upload assets")
	}
	if task.Status != StatusAccepted && task.Status != StatusSubmitted {
		return nil, core.InvalidTaskStatus(task.Status, "accepted or submitted")
	}

	now := b.now().UTC()
	asset := &Asset{
		AssetID:     "as-" + uuid.New().String(),
		TaskID:      taskID,
		UploaderID:  env.SignerID,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   sizeBytes,
		UploadedAt:  now,
		BytesRef:    bytesRef,
	}

	_, err = b.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		if _, err := tx.Exec(`INSERT INTO board_assets
			(asset_id, task_id, uploader_id, filename, content_type, size_bytes, uploaded_at, bytes_ref)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			asset.AssetID, taskID, asset.UploaderID, filename, contentType, sizeBytes,
			now.Format(time.RFC3339Nano), bytesRef); err != nil {
			return nil, nil, fmt.Errorf("board: insert asset: %w", err)
		}
		return nil, &eventlog.Spec{
			Source:  "board",
			Type:    "asset.uploaded",
			TaskID:  taskID,
			AgentID: asset.UploaderID,
			Summary: fmt.Sprintf("asset %s uploaded (%d bytes)", filename, sizeBytes),
			Payload: map[string]interface{}{"task_id": taskID, "asset_id": asset.AssetID, "filename": filename},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// ListAssets returns a task's deliverable metadata.
func (b *Board) ListAssets(ctx context.Context, taskID string) ([]Asset, error) {
	if exists, err := b.taskExists(ctx, taskID); err != nil {
		return nil, err
	} else if !exists {
		return nil, core.TaskNotFound(taskID)
	}

	rows, err := b.readDB.QueryContext(ctx, `
		SELECT asset_id, task_id, uploader_id, filename, content_type, size_bytes, uploaded_at, bytes_ref
		FROM board_assets WHERE task_id = ? ORDER BY uploaded_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("board: list assets: %w", err)
	}
	defer rows.Close()

	out := make([]Asset, 0)
	for rows.Next() {
		var (
			a  Asset
			ts string
		)
		if err := rows.Scan(&a.AssetID, &a.TaskID, &a.UploaderID, &a.Filename, &a.ContentType,
			&a.SizeBytes, &ts, &a.BytesRef); err != nil {
			return nil, fmt.Errorf("board: scan asset: %w", err)
		}
		a.UploadedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RulingData is what the Court needs to brief the judge panel.
type RulingData struct {
	TaskID       string
	Title        string
	Spec         string
	Reward       int64
	PosterID     string
	WorkerID     string
	EscrowID     string
	Status       string
	Deliverables []string
}

// RulingData assembles the judge briefing for a disputed task.
func (b *Board) RulingData(ctx context.Context, taskID string) (*RulingData, error) {
	task, err := b.readTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	assets, err := b.ListAssets(ctx, taskID)
	if err != nil {
		return nil, err
	}
	deliverables := make([]string, 0, len(assets))
	for _, a := range assets {
		deliverables = append(deliverables, a.Filename)
	}
	return &RulingData{
		TaskID:       task.TaskID,
		Title:        task.Title,
		Spec:         task.Spec,
		Reward:       task.Reward,
		PosterID:     task.PosterID,
		WorkerID:     task.WorkerID,
		EscrowID:     task.EscrowID,
		Status:       task.Status,
		Deliverables: deliverables,
	}, nil
}

// RecordRuling transitions a disputed task to ruled. Called by the Court as
// the final post-ruling effect.
func (b *Board) RecordRuling(ctx context.Context, taskID string, workerPct int64, summary string) error {
	now := b.now().UTC()
	_, err := b.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		res, err := tx.Exec(`UPDATE board_tasks SET status = 'ruled', resolved_at = ?
			WHERE task_id = ? AND status = 'disputed'`,
			now.Format(time.RFC3339Nano), taskID)
		if err != nil {
			return nil, nil, fmt.Errorf("board: record ruling: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var status string
			if err := tx.QueryRow("SELECT status FROM board_tasks WHERE task_id = ?", taskID).Scan(&status); err != nil {
				if err == sql.ErrNoRows {
					return nil, nil, core.TaskNotFound(taskID)
				}
				return nil, nil, fmt.Errorf("board: read status: %w", err)
			}
			if status == StatusRuled {
				return nil, nil, nil // retried ruling, already recorded
			}
			return nil, nil, core.InvalidTaskStatus(status, StatusDisputed)
		}
		return nil, &eventlog.Spec{
			Source:  "board",
			Type:    "task.ruled",
			TaskID:  taskID,
			Summary: fmt.Sprintf("court ruling recorded (worker %d%%)", workerPct),
			Payload: map[string]interface{}{"task_id": taskID, "worker_pct": workerPct, "ruling_summary": summary},
		}, nil
	})
	if err == nil {
		b.recordTransition(StatusRuled)
	}
	return err
}
