package court

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora/backend/internal/board"
	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/ledger"
	"github.com/agora/backend/internal/store"
)

const notary = "a-notary"

// stubTasks serves a single disputed task and records the final ruling.
type stubTasks struct {
	status   string
	rulings  []string // "<task_id>:<pct>"
	ruleErr  error
	lastSumm string
}

func (s *stubTasks) RulingData(ctx context.Context, taskID string) (*board.RulingData, error) {
	return &board.RulingData{
		TaskID:       taskID,
		Title:        "summarize changelog",
		Spec:         "10 lines, plain english",
		Reward:       100,
		PosterID:     "a-alice",
		WorkerID:     "a-bob",
		EscrowID:     "e-1",
		Status:       s.status,
		Deliverables: []string{"summary.md"},
	}, nil
}

func (s *stubTasks) RecordRuling(ctx context.Context, taskID string, workerPct int64, summary string) error {
	if s.ruleErr != nil {
		return s.ruleErr
	}
	s.rulings = append(s.rulings, fmt.Sprintf("%s:%d", taskID, workerPct))
	s.lastSumm = summary
	return nil
}

type stubSplitter struct {
	err    error
	splits []int64
}

func (s *stubSplitter) Split(ctx context.Context, escrowID, workerID, posterID string, workerPct int64) (*ledger.SplitResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.splits = append(s.splits, workerPct)
	return &ledger.SplitResult{WorkerAmount: workerPct, PosterAmount: 100 - workerPct}, nil
}

type feedbackCall struct {
	fromID, toID, role, category, rating string
}

type stubFeedback struct {
	err   error
	calls []feedbackCall
}

func (s *stubFeedback) SubmitDerived(ctx context.Context, taskID, fromID, toID, role, category, rating, comment string) error {
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, feedbackCall{fromID, toID, role, category, rating})
	return nil
}

// stubJudge votes a fixed percentage, or fails.
type stubJudge struct {
	id  string
	pct int64
	err error
}

func (j *stubJudge) ID() string { return j.id }

func (j *stubJudge) Evaluate(ctx context.Context, briefing *Briefing) (*Vote, error) {
	if j.err != nil {
		return nil, j.err
	}
	return &Vote{
		JudgeID:   j.id,
		WorkerPct: j.pct,
		Reasoning: "vote by " + j.id,
		VotedAt:   time.Now().UTC(),
	}, nil
}

type courtFixture struct {
	court    *Court
	tasks    *stubTasks
	splitter *stubSplitter
	feedback *stubFeedback
}

func newTestCourt(t *testing.T, panel []Judge) *courtFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &courtFixture{
		tasks:    &stubTasks{status: "submitted"},
		splitter: &stubSplitter{},
		feedback: &stubFeedback{},
	}
	f.court = New(store.NewCoordinator(st), st.Reader(), f.tasks, f.splitter, f.feedback,
		panel, notary, 24*time.Hour)
	return f
}

func fileDispute(t *testing.T, f *courtFixture) string {
	t.Helper()
	id, err := f.court.FileDispute(context.Background(), "t-1", "a-alice", "a-bob", "the summary is wrong", "e-1")
	require.NoError(t, err)
	return id
}

func TestFileDispute(t *testing.T) {
	f := newTestCourt(t, nil)
	ctx := context.Background()

	id := fileDispute(t, f)
	dispute, err := f.court.GetDispute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuttalPending, dispute.Status)
	assert.Equal(t, "a-alice", dispute.ClaimantID)
	assert.Equal(t, "a-bob", dispute.RespondentID)
	assert.False(t, dispute.RebuttalDeadline.IsZero())

	// One dispute per task, ever.
	_, err = f.court.FileDispute(ctx, "t-1", "a-alice", "a-bob", "again", "e-1")
	require.Error(t, err)
	assert.Equal(t, "DISPUTE_ALREADY_EXISTS", core.AsError(err).Code)

	byTask, err := f.court.GetDisputeByTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, id, byTask.DisputeID)
}

func TestFileDisputeValidations(t *testing.T) {
	f := newTestCourt(t, nil)
	ctx := context.Background()

	_, err := f.court.FileDispute(ctx, "t-1", "a-alice", "a-bob", "", "e-1")
	require.Error(t, err)
	assert.Equal(t, "INVALID_PAYLOAD", core.AsError(err).Code)

	f.tasks.status = "open"
	_, err = f.court.FileDispute(ctx, "t-1", "a-alice", "a-bob", "claim", "e-1")
	require.Error(t, err)
	assert.Equal(t, "INVALID_TASK_STATUS", core.AsError(err).Code)
}

func TestSubmitRebuttal(t *testing.T) {
	f := newTestCourt(t, nil)
	ctx := context.Background()
	id := fileDispute(t, f)

	dispute, err := f.court.SubmitRebuttal(ctx, id, "the spec never asked for that")
	require.NoError(t, err)
	assert.Equal(t, "the spec never asked for that", dispute.Rebuttal)
	require.NotNil(t, dispute.RebuttedAt)

	// One rebuttal only.
	_, err = f.court.SubmitRebuttal(ctx, id, "second thoughts")
	require.Error(t, err)
	assert.Equal(t, "REBUTTAL_ALREADY_SUBMITTED", core.AsError(err).Code)
}

func TestSubmitRebuttalLength(t *testing.T) {
	f := newTestCourt(t, nil)
	ctx := context.Background()
	id := fileDispute(t, f)

	_, err := f.court.SubmitRebuttal(ctx, id, "")
	require.Error(t, err)
	assert.Equal(t, "INVALID_PAYLOAD", core.AsError(err).Code)

	_, err = f.court.SubmitRebuttal(ctx, id, strings.Repeat("x", 10001))
	require.Error(t, err)
	assert.Equal(t, "INVALID_PAYLOAD", core.AsError(err).Code)
}

func TestRuleMedianOfThree(t *testing.T) {
	f := newTestCourt(t, []Judge{
		&stubJudge{id: "j-1", pct: 80},
		&stubJudge{id: "j-2", pct: 60},
		&stubJudge{id: "j-3", pct: 20},
	})
	ctx := context.Background()
	id := fileDispute(t, f)
	f.tasks.status = "disputed"

	dispute, err := f.court.Rule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRuled, dispute.Status)
	require.NotNil(t, dispute.WorkerPct)
	assert.Equal(t, int64(60), *dispute.WorkerPct)
	assert.Equal(t,
		"vote by j-1\n---\nvote by j-2\n---\nvote by j-3",
		dispute.RulingSummary)

	// All downstream effects landed.
	assert.Equal(t, []int64{60}, f.splitter.splits)
	assert.Equal(t, []string{"t-1:60"}, f.tasks.rulings)
	require.Len(t, f.feedback.calls, 2)

	// Feedback is filed on behalf of the opposing party.
	toPoster := f.feedback.calls[0]
	assert.Equal(t, "a-bob", toPoster.fromID)
	assert.Equal(t, "a-alice", toPoster.toID)
	assert.Equal(t, "worker", toPoster.role)
	assert.Equal(t, "spec_quality", toPoster.category)
	assert.Equal(t, "satisfied", toPoster.rating)

	toWorker := f.feedback.calls[1]
	assert.Equal(t, "a-alice", toWorker.fromID)
	assert.Equal(t, "a-bob", toWorker.toID)
	assert.Equal(t, "poster", toWorker.role)
	assert.Equal(t, "delivery_quality", toWorker.category)
	assert.Equal(t, "satisfied", toWorker.rating)

	// Votes are on the persisted record.
	reread, err := f.court.GetDispute(ctx, id)
	require.NoError(t, err)
	require.Len(t, reread.Votes, 3)

	// A ruled dispute cannot be re-ruled.
	_, err = f.court.Rule(ctx, id)
	require.Error(t, err)
	assert.Equal(t, "DISPUTE_ALREADY_RULED", core.AsError(err).Code)
}

func TestRuleRollbackOnJudgeFailure(t *testing.T) {
	f := newTestCourt(t, []Judge{
		&stubJudge{id: "j-1", pct: 50},
		&stubJudge{id: "j-2", err: errors.New("timeout")},
		&stubJudge{id: "j-3", pct: 50},
	})
	ctx := context.Background()
	id := fileDispute(t, f)
	f.tasks.status = "disputed"

	_, err := f.court.Rule(ctx, id)
	require.Error(t, err)
	assert.Equal(t, "JUDGE_UNAVAILABLE", core.AsError(err).Code)

	dispute, err := f.court.GetDispute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuttalPending, dispute.Status)
	assert.Nil(t, dispute.WorkerPct)
	assert.Empty(t, dispute.Votes)
	assert.Empty(t, f.splitter.splits)
	assert.Empty(t, f.feedback.calls)
	assert.Empty(t, f.tasks.rulings)
}

func TestRuleRollbackOnSplitFailure(t *testing.T) {
	f := newTestCourt(t, []Judge{&stubJudge{id: "j-1", pct: 70}})
	f.splitter.err = errors.New("ledger is down")
	ctx := context.Background()
	id := fileDispute(t, f)
	f.tasks.status = "disputed"

	_, err := f.court.Rule(ctx, id)
	require.Error(t, err)
	assert.Equal(t, "LEDGER_UNAVAILABLE", core.AsError(err).Code)

	dispute, err := f.court.GetDispute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuttalPending, dispute.Status)
	assert.Empty(t, f.tasks.rulings)

	// A retry after the outage clears succeeds.
	f.splitter.err = nil
	ruled, err := f.court.Rule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRuled, ruled.Status)
}

func TestRuleTreatsResolvedEscrowAsDone(t *testing.T) {
	f := newTestCourt(t, []Judge{&stubJudge{id: "j-1", pct: 70}})
	f.splitter.err = core.EscrowAlreadyResolved("e-1", "split")
	ctx := context.Background()
	id := fileDispute(t, f)
	f.tasks.status = "disputed"

	ruled, err := f.court.Rule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRuled, ruled.Status)
	assert.Equal(t, []string{"t-1:70"}, f.tasks.rulings)
}

func TestRuleWithRebuttalInBriefing(t *testing.T) {
	var seen *Briefing
	capture := &captureJudge{pct: 50, onBriefing: func(b *Briefing) { seen = b }}
	f := newTestCourt(t, []Judge{capture})
	ctx := context.Background()
	id := fileDispute(t, f)
	_, err := f.court.SubmitRebuttal(ctx, id, "the deliverable matches the spec")
	require.NoError(t, err)
	f.tasks.status = "disputed"

	_, err = f.court.Rule(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "the summary is wrong", seen.Claim)
	assert.Equal(t, "the deliverable matches the spec", seen.Rebuttal)
	assert.Equal(t, []string{"summary.md"}, seen.Deliverables)
}

type captureJudge struct {
	pct        int64
	onBriefing func(*Briefing)
}

func (j *captureJudge) ID() string { return "j-capture" }

func (j *captureJudge) Evaluate(ctx context.Context, briefing *Briefing) (*Vote, error) {
	j.onBriefing(briefing)
	return &Vote{JudgeID: j.ID(), WorkerPct: j.pct, Reasoning: "captured", VotedAt: time.Now().UTC()}, nil
}

func TestMedianPct(t *testing.T) {
	votes := func(pcts ...int64) []Vote {
		out := make([]Vote, len(pcts))
		for i, p := range pcts {
			out[i] = Vote{WorkerPct: p}
		}
		return out
	}
	assert.Equal(t, int64(50), medianPct(votes(50)))
	assert.Equal(t, int64(60), medianPct(votes(80, 20, 60)))
	assert.Equal(t, int64(0), medianPct(votes(0, 0, 100)))
	assert.Equal(t, int64(40), medianPct(votes(100, 0, 40, 40, 90)))
}

func TestDeriveRatings(t *testing.T) {
	cases := []struct {
		pct            int64
		spec, delivery string
	}{
		{100, "dissatisfied", "extremely_satisfied"},
		{80, "dissatisfied", "extremely_satisfied"},
		{79, "satisfied", "satisfied"},
		{40, "satisfied", "satisfied"},
		{39, "extremely_satisfied", "dissatisfied"},
		{0, "extremely_satisfied", "dissatisfied"},
	}
	for _, tc := range cases {
		spec, delivery := deriveRatings(tc.pct)
		assert.Equal(t, tc.spec, spec, "pct %d", tc.pct)
		assert.Equal(t, tc.delivery, delivery, "pct %d", tc.pct)
	}
}

func TestSummaryLine(t *testing.T) {
	assert.Equal(t, "first", summaryLine("first\n---\nsecond"))
	assert.Equal(t, "only", summaryLine("only"))
}
