package httpapi_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora/backend/internal/board"
	"github.com/agora/backend/internal/court"
	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/events"
	"github.com/agora/backend/internal/httpapi"
	"github.com/agora/backend/internal/identity"
	"github.com/agora/backend/internal/ledger"
	"github.com/agora/backend/internal/metrics"
	"github.com/agora/backend/internal/reputation"
	"github.com/agora/backend/internal/store"
	"github.com/agora/backend/pkg/sdk"
)

const (
	notaryID   = "a-platform-notary"
	keyPrefix  = "ed25519:"
	testReward = int64(100)
)

// platform is a full single-binary stack behind an httptest server.
type platform struct {
	server *httptest.Server
	notary *sdk.Client
	signer *identity.Signer
}

// newPlatform wires every component the way the server binary does, with the
// judge panel pointed at judgeURL.
func newPlatform(t *testing.T, judgeURL string) *platform {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	coord := store.NewCoordinator(st)
	eventLog := eventlog.NewLog(st.Reader())
	m := metrics.NewMetrics(prometheus.NewRegistry())

	hub, err := events.NewHub(context.Background(), eventLog)
	require.NoError(t, err)
	hub.SetMetrics(m)
	coord.SetSink(hub)

	registry := identity.NewRegistry(coord, st.Reader(), identity.KeyConfig{
		PublicKeyPrefix: keyPrefix,
		PublicKeyBytes:  32,
		SignatureBytes:  64,
	})
	verifier := identity.NewVerifier(registry, "ed25519")

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	notarySigner := identity.NewSigner(notaryID, "ed25519", priv)
	require.NoError(t, registry.EnsureAgent(context.Background(), notaryID, "platform notary",
		keyPrefix+base64.RawURLEncoding.EncodeToString(pub)))

	engine := ledger.NewEngine(coord, st.Reader(), registry, notaryID)
	engine.SetMetrics(m)
	authority := ledger.NewAuthority(engine, verifier)

	taskBoard := board.New(coord, st.Reader(), authority)
	taskBoard.SetMetrics(m)
	rep := reputation.New(coord, st.Reader())

	panel := []court.Judge{court.NewHTTPJudge("judge-1", judgeURL, 5*time.Second)}
	disputeCourt := court.New(coord, st.Reader(), taskBoard, authority, rep, panel, notaryID, 24*time.Hour)
	disputeCourt.SetMetrics(m)
	taskBoard.SetDisputeFiler(disputeCourt)

	router := httpapi.NewRouter(httpapi.Deps{
		Service:     "agora",
		Version:     "test",
		NotaryID:    notaryID,
		MaxBodySize: 1 << 20,
		Registry:    registry,
		Verifier:    verifier,
		Ledger:      engine,
		Authority:   authority,
		Board:       taskBoard,
		Court:       disputeCourt,
		Reputation:  rep,
		Log:         eventLog,
		Hub:         hub,
		Metrics:     m,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &platform{
		server: srv,
		notary: sdk.NewClient(sdk.Config{BaseURL: srv.URL, Signer: notarySigner}),
		signer: notarySigner,
	}
}

// judgeServer answers every briefing with a fixed worker percentage.
func judgeServer(t *testing.T, workerPct int64, fail bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "judge offline", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"worker_pct": workerPct,
			"reasoning":  "work partially matches the spec",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testAgent struct {
	id     string
	client *sdk.Client
	signer *identity.Signer
}

func registerAgent(t *testing.T, p *platform, name string) *testAgent {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	agent, err := p.notary.Register(context.Background(), name,
		keyPrefix+base64.RawURLEncoding.EncodeToString(pub))
	require.NoError(t, err)

	signer := identity.NewSigner(agent.AgentID, "ed25519", priv)
	return &testAgent{
		id:     agent.AgentID,
		client: sdk.NewClient(sdk.Config{BaseURL: p.server.URL, Signer: signer}),
		signer: signer,
	}
}

func fundAgent(t *testing.T, p *platform, agentID string, balance int64) {
	t.Helper()
	_, err := p.notary.CreateAccount(context.Background(), agentID, balance)
	require.NoError(t, err)
}

func postTask(t *testing.T, poster *testAgent, taskID string) *sdk.Task {
	t.Helper()
	now := time.Now()
	task, err := poster.client.CreateTask(context.Background(), sdk.TaskDraft{
		TaskID:            taskID,
		Title:             "summarize the changelog",
		Spec:              "10 lines, plain english",
		Reward:            testReward,
		BiddingDeadline:   now.Add(1 * time.Hour),
		ExecutionDeadline: now.Add(2 * time.Hour),
		ReviewDeadline:    now.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	return task
}

// runToSubmitted walks a task through bid, accept, submit.
func runToSubmitted(t *testing.T, poster, worker *testAgent, taskID string) {
	t.Helper()
	ctx := context.Background()
	bid, err := worker.client.SubmitBid(ctx, taskID, "on it")
	require.NoError(t, err)
	_, err = poster.client.AcceptBid(ctx, taskID, bid.BidID)
	require.NoError(t, err)
	_, err = worker.client.SubmitWork(ctx, taskID)
	require.NoError(t, err)
}

// notaryPost signs an envelope as the platform and posts it raw.
func notaryPost(t *testing.T, p *platform, path, action string, payload map[string]interface{}, out interface{}) error {
	t.Helper()
	token, err := p.signer.Sign(action, payload)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"envelope": token})
	require.NoError(t, err)
	resp, err := http.Post(p.server.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code    string `json:"error"`
			Message string `json:"message"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
		return errors.New(apiErr.Code)
	}
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return nil
}

func getJSON(t *testing.T, p *platform, path string, out interface{}) {
	t.Helper()
	resp, err := http.Get(p.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHappyPathApproval(t *testing.T) {
	judge := judgeServer(t, 50, false)
	p := newPlatform(t, judge.URL)
	ctx := context.Background()

	alice := registerAgent(t, p, "Alice")
	bob := registerAgent(t, p, "Bob")
	fundAgent(t, p, alice.id, 200)
	fundAgent(t, p, bob.id, 50)

	task := postTask(t, alice, "t-happy")
	assert.Equal(t, "open", task.Status)
	assert.NotEmpty(t, task.EscrowID)

	// The reward left Alice's account at escrow lock.
	account, err := alice.client.GetAccount(ctx, alice.id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.Balance)

	runToSubmitted(t, alice, bob, "t-happy")

	approved, err := alice.client.Approve(ctx, "t-happy")
	require.NoError(t, err)
	assert.Equal(t, "approved", approved.Status)

	bobAccount, err := bob.client.GetAccount(ctx, bob.id)
	require.NoError(t, err)
	assert.Equal(t, int64(150), bobAccount.Balance)

	// Pairwise feedback seals, then reveals on the second submission.
	require.NoError(t, alice.client.SubmitFeedback(ctx, "t-happy", bob.id, "poster", "delivery_quality", "extremely_satisfied", "great"))
	require.NoError(t, bob.client.SubmitFeedback(ctx, "t-happy", alice.id, "worker", "spec_quality", "satisfied", "clear enough"))

	var feedback []struct {
		FromID  string `json:"from_id"`
		Visible bool   `json:"visible"`
	}
	getJSON(t, p, "/feedback/task/t-happy", &feedback)
	require.Len(t, feedback, 2)
	for _, fb := range feedback {
		assert.True(t, fb.Visible)
	}

	// The event log saw the whole lifecycle in order.
	var evs []struct {
		ID   int64  `json:"event_id"`
		Type string `json:"event_type"`
	}
	getJSON(t, p, "/events?task_id=t-happy", &evs)
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, "escrow.locked")
	assert.Contains(t, types, "task.created")
	assert.Contains(t, types, "task.approved")
	assert.Contains(t, types, "escrow.released")
	assert.Contains(t, types, "feedback.revealed")
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].ID, evs[i-1].ID)
	}
}

func TestDisputeRulingSplitsEscrow(t *testing.T) {
	judge := judgeServer(t, 60, false)
	p := newPlatform(t, judge.URL)
	ctx := context.Background()

	alice := registerAgent(t, p, "Alice")
	bob := registerAgent(t, p, "Bob")
	fundAgent(t, p, alice.id, 200)
	fundAgent(t, p, bob.id, 0)

	postTask(t, alice, "t-dispute")
	runToSubmitted(t, alice, bob, "t-dispute")

	disputed, err := alice.client.Dispute(ctx, "t-dispute", "the summary misses half the entries")
	require.NoError(t, err)
	assert.Equal(t, "disputed", disputed.Status)

	// One dispute per task, even for the notary.
	err = notaryPost(t, p, "/disputes/file", "file_dispute", map[string]interface{}{
		"task_id": "t-dispute", "claimant_id": alice.id, "respondent_id": bob.id,
		"claim": "again", "escrow_id": "e-x",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, "DISPUTE_ALREADY_EXISTS", err.Error())

	var evs []struct {
		Payload map[string]interface{} `json:"payload"`
	}
	getJSON(t, p, "/events?type=dispute.filed", &evs)
	require.Len(t, evs, 1)
	disputeID := evs[0].Payload["dispute_id"].(string)

	// Rebuttal, then ruling.
	require.NoError(t, notaryPost(t, p, "/disputes/"+disputeID+"/rebuttal", "submit_rebuttal",
		map[string]interface{}{"rebuttal": "every entry is covered"}, nil))

	var ruled struct {
		Status    string `json:"status"`
		WorkerPct *int64 `json:"worker_pct"`
		Votes     []struct {
			JudgeID   string `json:"judge_id"`
			WorkerPct int64  `json:"worker_pct"`
		} `json:"votes"`
	}
	require.NoError(t, notaryPost(t, p, "/disputes/"+disputeID+"/rule", "rule_dispute",
		map[string]interface{}{"dispute_id": disputeID}, &ruled))
	assert.Equal(t, "ruled", ruled.Status)
	require.NotNil(t, ruled.WorkerPct)
	assert.Equal(t, int64(60), *ruled.WorkerPct)
	require.Len(t, ruled.Votes, 1)

	// 60/40 split of the 100 reward.
	bobAccount, err := bob.client.GetAccount(ctx, bob.id)
	require.NoError(t, err)
	assert.Equal(t, int64(60), bobAccount.Balance)
	aliceAccount, err := alice.client.GetAccount(ctx, alice.id)
	require.NoError(t, err)
	assert.Equal(t, int64(140), aliceAccount.Balance)

	// The task records the ruling.
	task, err := alice.client.GetTask(ctx, "t-dispute")
	require.NoError(t, err)
	assert.Equal(t, "ruled", task.Status)

	// Court-derived feedback is already a revealed pair.
	var feedback []struct {
		Visible bool   `json:"visible"`
		Comment string `json:"comment"`
	}
	getJSON(t, p, "/feedback/task/t-dispute", &feedback)
	require.Len(t, feedback, 2)
	for _, fb := range feedback {
		assert.True(t, fb.Visible)
		assert.Contains(t, fb.Comment, "court ruling:")
	}
}

func TestRulingRollbackOnJudgeOutage(t *testing.T) {
	judge := judgeServer(t, 0, true)
	p := newPlatform(t, judge.URL)
	ctx := context.Background()

	alice := registerAgent(t, p, "Alice")
	bob := registerAgent(t, p, "Bob")
	fundAgent(t, p, alice.id, 200)
	fundAgent(t, p, bob.id, 0)

	postTask(t, alice, "t-rollback")
	runToSubmitted(t, alice, bob, "t-rollback")
	_, err := alice.client.Dispute(ctx, "t-rollback", "not what I asked for")
	require.NoError(t, err)

	var evs []struct {
		Payload map[string]interface{} `json:"payload"`
	}
	getJSON(t, p, "/events?type=dispute.filed", &evs)
	require.Len(t, evs, 1)
	disputeID := evs[0].Payload["dispute_id"].(string)

	err = notaryPost(t, p, "/disputes/"+disputeID+"/rule", "rule_dispute",
		map[string]interface{}{"dispute_id": disputeID}, nil)
	require.Error(t, err)
	assert.Equal(t, "JUDGE_UNAVAILABLE", err.Error())

	// The dispute reverted and the task is still disputed; no money moved.
	var dispute struct {
		Status string `json:"status"`
	}
	getJSON(t, p, "/disputes/"+disputeID, &dispute)
	assert.Equal(t, "rebuttal_pending", dispute.Status)

	task, err := alice.client.GetTask(ctx, "t-rollback")
	require.NoError(t, err)
	assert.Equal(t, "disputed", task.Status)

	bobAccount, err := bob.client.GetAccount(ctx, bob.id)
	require.NoError(t, err)
	assert.Zero(t, bobAccount.Balance)

	var rollbacks []struct {
		Type string `json:"event_type"`
	}
	getJSON(t, p, "/events?type=dispute.rollback", &rollbacks)
	assert.Len(t, rollbacks, 1)
}

func TestHealthAndErrors(t *testing.T) {
	judge := judgeServer(t, 50, false)
	p := newPlatform(t, judge.URL)

	var health struct {
		Status  string           `json:"status"`
		Service string           `json:"service"`
		Counts  map[string]int64 `json:"counts"`
	}
	getJSON(t, p, "/health", &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "agora", health.Service)
	assert.Equal(t, int64(1), health.Counts["agents"]) // the notary

	// Unknown routes and wrong media types come back as typed errors.
	resp, err := http.Get(p.server.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(p.server.URL+"/tasks", "text/plain", bytes.NewReader([]byte("hi")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}
