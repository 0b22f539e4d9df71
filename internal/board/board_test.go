package board

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/identity"
	"github.com/agora/backend/internal/ledger"
	"github.com/agora/backend/internal/store"
)

const (
	poster = "a-alice"
	worker = "a-bob"
)

// stubEscrow satisfies EscrowAuthority and records releases.
type stubEscrow struct {
	mu         sync.Mutex
	releases   []string // "<escrow_id>:<recipient>"
	released   map[string]bool
	releaseErr error
}

func (s *stubEscrow) failRelease(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseErr = err
}

func (s *stubEscrow) LockFromToken(ctx context.Context, token string) (*ledger.Escrow, error) {
	kid, payload, err := identity.Peek(token)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	amount, _ := payload["amount"].(float64)
	return &ledger.Escrow{
		EscrowID: "e-stub",
		PayerID:  kid,
		Amount:   int64(amount),
		Status:   ledger.EscrowLocked,
	}, nil
}

func (s *stubEscrow) Release(ctx context.Context, escrowID, recipientID string) (*ledger.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releaseErr != nil {
		return nil, s.releaseErr
	}
	if s.released == nil {
		s.released = make(map[string]bool)
	}
	if s.released[escrowID] {
		return nil, core.EscrowAlreadyResolved(escrowID, ledger.EscrowReleased)
	}
	s.released[escrowID] = true
	s.releases = append(s.releases, escrowID+":"+recipientID)
	return &ledger.Escrow{EscrowID: escrowID, Status: ledger.EscrowReleased}, nil
}

type stubFiler struct {
	err   error
	filed int
}

func (f *stubFiler) FileDispute(ctx context.Context, taskID, claimantID, respondentID, claim, escrowID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.filed++
	return "d-stub", nil
}

func newTestBoard(t *testing.T) (*Board, *stubEscrow) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	escrow := &stubEscrow{}
	b := New(store.NewCoordinator(st), st.Reader(), escrow)
	return b, escrow
}

func envelope(signer string, payload map[string]interface{}) *identity.Envelope {
	return &identity.Envelope{SignerID: signer, Payload: payload}
}

func escrowToken(t *testing.T, signerID, taskID string, amount int64) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	token, err := identity.NewSigner(signerID, "ed25519", priv).
		Sign("escrow_lock", map[string]interface{}{"task_id": taskID, "amount": amount})
	require.NoError(t, err)
	return token
}

func createTask(t *testing.T, b *Board, taskID string, reward int64, deadlines Deadlines) *Task {
	t.Helper()
	env := envelope(poster, map[string]interface{}{
		"action":             "create_task",
		"task_id":            taskID,
		"title":              "demo task",
		"spec":               "do the thing",
		"reward":             float64(reward),
		"bidding_deadline":   deadlines.Bidding.Format(time.RFC3339),
		"execution_deadline": deadlines.Execution.Format(time.RFC3339),
		"review_deadline":    deadlines.Review.Format(time.RFC3339),
	})
	task, err := b.CreateTask(context.Background(), env, escrowToken(t, poster, taskID, reward))
	require.NoError(t, err)
	return task
}

func futureDeadlines() Deadlines {
	now := time.Now().UTC()
	return Deadlines{
		Bidding:   now.Add(1 * time.Hour),
		Execution: now.Add(2 * time.Hour),
		Review:    now.Add(3 * time.Hour),
	}
}

// advance moves the board's clock forward.
func advance(b *Board, d time.Duration) {
	base := time.Now()
	b.now = func() time.Time { return base.Add(d) }
}

func TestCreateTask(t *testing.T) {
	b, _ := newTestBoard(t)
	task := createTask(t, b, "t-1", 100, futureDeadlines())
	assert.Equal(t, StatusOpen, task.Status)
	assert.Equal(t, poster, task.PosterID)
	assert.Equal(t, "e-stub", task.EscrowID)
}

func TestCreateTaskCrossValidation(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	d := futureDeadlines()
	base := map[string]interface{}{
		"action":             "create_task",
		"task_id":            "t-1",
		"title":              "demo",
		"spec":               "spec",
		"reward":             float64(100),
		"bidding_deadline":   d.Bidding.Format(time.RFC3339),
		"execution_deadline": d.Execution.Format(time.RFC3339),
		"review_deadline":    d.Review.Format(time.RFC3339),
	}

	// Escrow signed by someone else.
	_, err := b.CreateTask(ctx, envelope(poster, base), escrowToken(t, worker, "t-1", 100))
	require.Error(t, err)
	assert.Equal(t, "INVALID_PAYLOAD", core.AsError(err).Code)

	// Escrow for a different task.
	_, err = b.CreateTask(ctx, envelope(poster, base), escrowToken(t, poster, "t-other", 100))
	require.Error(t, err)
	assert.Equal(t, "INVALID_PAYLOAD", core.AsError(err).Code)

	// Escrow amount differs from reward.
	_, err = b.CreateTask(ctx, envelope(poster, base), escrowToken(t, poster, "t-1", 99))
	require.Error(t, err)
	assert.Equal(t, "INVALID_PAYLOAD", core.AsError(err).Code)
}

func TestCreateTaskRejectsUnorderedDeadlines(t *testing.T) {
	b, _ := newTestBoard(t)
	now := time.Now().UTC()
	env := envelope(poster, map[string]interface{}{
		"action":             "create_task",
		"task_id":            "t-1",
		"title":              "demo",
		"spec":               "spec",
		"reward":             float64(10),
		"bidding_deadline":   now.Add(2 * time.Hour).Format(time.RFC3339),
		"execution_deadline": now.Add(1 * time.Hour).Format(time.RFC3339),
		"review_deadline":    now.Add(3 * time.Hour).Format(time.RFC3339),
	})
	_, err := b.CreateTask(context.Background(), env, escrowToken(t, poster, "t-1", 10))
	require.Error(t, err)
	assert.Equal(t, "INVALID_PAYLOAD", core.AsError(err).Code)
}

func submitBid(t *testing.T, b *Board, bidder, taskID string) *Bid {
	t.Helper()
	bid, err := b.SubmitBid(context.Background(), envelope(bidder, map[string]interface{}{
		"action": "submit_bid", "task_id": taskID, "proposal": "I can do it",
	}))
	require.NoError(t, err)
	return bid
}

func TestSubmitBidRules(t *testing.T) {
	b, _ := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())
	ctx := context.Background()

	submitBid(t, b, worker, "t-1")

	// One bid per agent per task.
	_, err := b.SubmitBid(ctx, envelope(worker, map[string]interface{}{
		"action": "submit_bid", "task_id": "t-1", "proposal": "again",
	}))
	require.Error(t, err)
	assert.Equal(t, "DUPLICATE_BID", core.AsError(err).Code)
}

func TestSealedBidVisibility(t *testing.T) {
	b, _ := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())
	ctx := context.Background()

	bid := submitBid(t, b, worker, "t-1")
	submitBid(t, b, "a-carol", "t-1")

	// While open: the poster sees everything.
	bids, err := b.ListBids(ctx, poster, "t-1")
	require.NoError(t, err)
	assert.Len(t, bids, 2)

	// A bidder sees only its own.
	bids, err = b.ListBids(ctx, worker, "t-1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, worker, bids[0].BidderID)

	// Strangers and anonymous readers see nothing.
	_, err = b.ListBids(ctx, "a-mallory", "t-1")
	require.Error(t, err)
	assert.Equal(t, "FORBIDDEN", core.AsError(err).Code)
	_, err = b.ListBids(ctx, "", "t-1")
	require.Error(t, err)

	// After acceptance the list is public.
	_, err = b.AcceptBid(ctx, envelope(poster, map[string]interface{}{
		"action": "accept_bid", "task_id": "t-1", "bid_id": bid.BidID,
	}))
	require.NoError(t, err)

	bids, err = b.ListBids(ctx, "", "t-1")
	require.NoError(t, err)
	assert.Len(t, bids, 2)
}

func acceptAndSubmit(t *testing.T, b *Board, taskID string) {
	t.Helper()
	ctx := context.Background()
	bid := submitBid(t, b, worker, taskID)
	_, err := b.AcceptBid(ctx, envelope(poster, map[string]interface{}{
		"action": "accept_bid", "task_id": taskID, "bid_id": bid.BidID,
	}))
	require.NoError(t, err)
	_, err = b.SubmitWork(ctx, envelope(worker, map[string]interface{}{
		"action": "submit_work", "task_id": taskID,
	}))
	require.NoError(t, err)
}

func TestHappyPathApproval(t *testing.T) {
	b, escrow := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())
	acceptAndSubmit(t, b, "t-1")
	ctx := context.Background()

	task, err := b.Approve(ctx, envelope(poster, map[string]interface{}{
		"action": "approve_task", "task_id": "t-1",
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, task.Status)
	assert.Equal(t, []string{"e-stub:" + worker}, escrow.releases)
}

func TestApproveRequiresPosterAndSubmitted(t *testing.T) {
	b, _ := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())
	ctx := context.Background()

	_, err := b.Approve(ctx, envelope(worker, map[string]interface{}{
		"action": "approve_task", "task_id": "t-1",
	}))
	require.Error(t, err)
	assert.Equal(t, "FORBIDDEN", core.AsError(err).Code)

	_, err = b.Approve(ctx, envelope(poster, map[string]interface{}{
		"action": "approve_task", "task_id": "t-1",
	}))
	require.Error(t, err)
	assert.Equal(t, "INVALID_TASK_STATUS", core.AsError(err).Code)
}

func TestCancelRefundsPoster(t *testing.T) {
	b, escrow := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())

	task, err := b.Cancel(context.Background(), envelope(poster, map[string]interface{}{
		"action": "cancel_task", "task_id": "t-1",
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Equal(t, []string{"e-stub:" + poster}, escrow.releases)
}

func TestDisputeHandoff(t *testing.T) {
	b, _ := newTestBoard(t)
	filer := &stubFiler{}
	b.SetDisputeFiler(filer)
	createTask(t, b, "t-1", 100, futureDeadlines())
	acceptAndSubmit(t, b, "t-1")

	task, err := b.Dispute(context.Background(), envelope(poster, map[string]interface{}{
		"action": "dispute_task", "task_id": "t-1", "claim": "the summary is wrong",
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, task.Status)
	assert.Equal(t, 1, filer.filed)
}

func TestDisputeCourtFailureLeavesTaskSubmitted(t *testing.T) {
	b, _ := newTestBoard(t)
	b.SetDisputeFiler(&stubFiler{err: errors.New("court down")})
	createTask(t, b, "t-1", 100, futureDeadlines())
	acceptAndSubmit(t, b, "t-1")
	ctx := context.Background()

	_, err := b.Dispute(ctx, envelope(poster, map[string]interface{}{
		"action": "dispute_task", "task_id": "t-1", "claim": "bad work",
	}))
	require.Error(t, err)

	task, err := b.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, task.Status)
}

func TestBiddingDeadlineExpiresTaskWithoutBids(t *testing.T) {
	b, escrow := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())

	advance(b, 90*time.Minute)
	task, err := b.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, task.Status)
	assert.Equal(t, []string{"e-stub:" + poster}, escrow.releases)
}

func TestBiddingDeadlineKeepsTaskWithBids(t *testing.T) {
	b, _ := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())
	submitBid(t, b, worker, "t-1")

	advance(b, 90*time.Minute)
	task, err := b.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, task.Status)

	// The bidding window is still closed for new bids.
	_, err = b.SubmitBid(context.Background(), envelope("a-carol", map[string]interface{}{
		"action": "submit_bid", "task_id": "t-1", "proposal": "late",
	}))
	require.Error(t, err)
	assert.Equal(t, "DEADLINE_PASSED", core.AsError(err).Code)
}

func TestExecutionDeadlineExpiresAcceptedTask(t *testing.T) {
	b, escrow := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())
	bid := submitBid(t, b, worker, "t-1")
	_, err := b.AcceptBid(context.Background(), envelope(poster, map[string]interface{}{
		"action": "accept_bid", "task_id": "t-1", "bid_id": bid.BidID,
	}))
	require.NoError(t, err)

	advance(b, 150*time.Minute)
	task, err := b.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, task.Status)
	assert.Equal(t, []string{"e-stub:" + poster}, escrow.releases)
}

func TestReviewDeadlineAutoApproves(t *testing.T) {
	b, escrow := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())
	acceptAndSubmit(t, b, "t-1")

	advance(b, 4*time.Hour)
	task, err := b.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, task.Status)
	assert.Equal(t, []string{"e-stub:" + worker}, escrow.releases)
}

func TestExpiryRefundFailureLeavesTaskOpen(t *testing.T) {
	b, escrow := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())
	advance(b, 90*time.Minute)
	ctx := context.Background()

	escrow.failRelease(errors.New("ledger down"))
	_, err := b.GetTask(ctx, "t-1")
	require.Error(t, err)

	// The status is untouched, so the escrow is not stranded: the next
	// read retries the refund.
	raw, err := b.readTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, raw.Status)

	escrow.failRelease(nil)
	task, err := b.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, task.Status)
	assert.Equal(t, []string{"e-stub:" + poster}, escrow.releases)
}

func TestAutoApprovePayoutFailureRetries(t *testing.T) {
	b, escrow := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())
	acceptAndSubmit(t, b, "t-1")
	advance(b, 4*time.Hour)
	ctx := context.Background()

	escrow.failRelease(errors.New("ledger down"))
	_, err := b.GetTask(ctx, "t-1")
	require.Error(t, err)

	raw, err := b.readTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, raw.Status)

	escrow.failRelease(nil)
	task, err := b.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, task.Status)
	assert.Equal(t, []string{"e-stub:" + worker}, escrow.releases)
}

func TestConcurrentExpiryCommitsOnce(t *testing.T) {
	b, escrow := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())
	advance(b, 90*time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := b.GetTask(context.Background(), "t-1")
			assert.NoError(t, err)
			assert.Equal(t, StatusExpired, task.Status)
		}()
	}
	wg.Wait()
	assert.Len(t, escrow.releases, 1)
}

func TestUploadAsset(t *testing.T) {
	b, _ := newTestBoard(t)
	createTask(t, b, "t-1", 100, futureDeadlines())
	bid := submitBid(t, b, worker, "t-1")
	ctx := context.Background()
	_, err := b.AcceptBid(ctx, envelope(poster, map[string]interface{}{
		"action": "accept_bid", "task_id": "t-1", "bid_id": bid.BidID,
	}))
	require.NoError(t, err)

	// Only the assigned worker may upload.
	_, err = b.UploadAsset(ctx, envelope(poster, map[string]interface{}{
		"action": "upload_asset", "task_id": "t-1", "filename": "x.txt",
		"content_type": "text/plain", "size_bytes": float64(12), "bytes_ref": "blob-1",
	}))
	require.Error(t, err)
	assert.Equal(t, "FORBIDDEN", core.AsError(err).Code)

	asset, err := b.UploadAsset(ctx, envelope(worker, map[string]interface{}{
		"action": "upload_asset", "task_id": "t-1", "filename": "summary.md",
		"content_type": "text/markdown", "size_bytes": float64(2048), "bytes_ref": "blob-2",
	}))
	require.NoError(t, err)

	assets, err := b.ListAssets(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, asset.AssetID, assets[0].AssetID)
}

func TestRecordRuling(t *testing.T) {
	b, _ := newTestBoard(t)
	filer := &stubFiler{}
	b.SetDisputeFiler(filer)
	createTask(t, b, "t-1", 100, futureDeadlines())
	acceptAndSubmit(t, b, "t-1")
	ctx := context.Background()

	_, err := b.Dispute(ctx, envelope(poster, map[string]interface{}{
		"action": "dispute_task", "task_id": "t-1", "claim": "bad",
	}))
	require.NoError(t, err)

	require.NoError(t, b.RecordRuling(ctx, "t-1", 60, "split decision"))
	task, err := b.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRuled, task.Status)

	// A retried ruling is a no-op.
	require.NoError(t, b.RecordRuling(ctx, "t-1", 60, "split decision"))
}
