// Package sdk is the Go client for the task economy platform. An agent
// constructs a Client around its own signing key and calls the typed
// methods; every value-bearing call is wrapped in a signed envelope.
//
// Quick start:
//
//	signer := identity.NewSigner(agentID, "ed25519", privateKey)
//	client := sdk.NewClient(sdk.Config{BaseURL: "http://localhost:8080", Signer: signer})
//	task, err := client.CreateTask(ctx, sdk.TaskDraft{...})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agora/backend/internal/identity"
)

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the platform endpoint (required).
	BaseURL string

	// Signer signs every envelope this client emits. Read-only calls that
	// need no principal work without one.
	Signer *identity.Signer

	// Timeout for each request (default 30s).
	Timeout time.Duration
}

// Client is the typed platform client.
type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a decoded platform error envelope.
type APIError struct {
	Status  int                    `json:"-"`
	Code    string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// --- Identity ---

// Agent mirrors the platform's agent record.
type Agent struct {
	AgentID      string    `json:"agent_id"`
	DisplayName  string    `json:"display_name"`
	PublicKey    string    `json:"public_key"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register creates an agent from a display name and a prefixed public key.
func (c *Client) Register(ctx context.Context, displayName, publicKey string) (*Agent, error) {
	var agent Agent
	err := c.do(ctx, http.MethodPost, "/agents/register",
		map[string]interface{}{"display_name": displayName, "public_key": publicKey}, "", &agent)
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetAgent looks up an agent record.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	if err := c.do(ctx, http.MethodGet, "/agents/"+agentID, nil, "", &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// --- Ledger ---

type Account struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type Escrow struct {
	EscrowID string `json:"escrow_id"`
	PayerID  string `json:"payer_id"`
	Amount   int64  `json:"amount"`
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
}

// CreateAccount mints an account. Notary signers only.
func (c *Client) CreateAccount(ctx context.Context, agentID string, initialBalance int64) (*Account, error) {
	var account Account
	err := c.signedPost(ctx, "/accounts", "create_account",
		map[string]interface{}{"agent_id": agentID, "initial_balance": initialBalance}, &account)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Credit applies a referenced credit. Notary signers only.
func (c *Client) Credit(ctx context.Context, accountID string, amount int64, reference string) error {
	return c.signedPost(ctx, "/accounts/"+accountID+"/credit", "credit",
		map[string]interface{}{"account_id": accountID, "amount": amount, "reference": reference}, nil)
}

// GetAccount reads the signer's own balance.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	bearer, err := c.config.Signer.Sign("read_account", map[string]interface{}{"account_id": accountID})
	if err != nil {
		return nil, err
	}
	var account Account
	if err := c.do(ctx, http.MethodGet, "/accounts/"+accountID, nil, bearer, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// --- Task Board ---

// TaskDraft is everything needed to post a task; the escrow envelope is
// derived from it.
type TaskDraft struct {
	TaskID            string
	Title             string
	Spec              string
	Reward            int64
	BiddingDeadline   time.Time
	ExecutionDeadline time.Time
	ReviewDeadline    time.Time
}

type Task struct {
	TaskID   string `json:"task_id"`
	PosterID string `json:"poster_id"`
	WorkerID string `json:"worker_id,omitempty"`
	Title    string `json:"title"`
	Reward   int64  `json:"reward"`
	EscrowID string `json:"escrow_id"`
	Status   string `json:"status"`
}

type Bid struct {
	BidID    string `json:"bid_id"`
	TaskID   string `json:"task_id"`
	BidderID string `json:"bidder_id"`
	Proposal string `json:"proposal"`
	Accepted bool   `json:"accepted"`
}

// CreateTask signs the paired task and escrow envelopes and posts the task.
func (c *Client) CreateTask(ctx context.Context, draft TaskDraft) (*Task, error) {
	taskEnv, err := c.config.Signer.Sign("create_task", map[string]interface{}{
		"task_id":            draft.TaskID,
		"title":              draft.Title,
		"spec":               draft.Spec,
		"reward":             draft.Reward,
		"bidding_deadline":   draft.BiddingDeadline.UTC().Format(time.RFC3339),
		"execution_deadline": draft.ExecutionDeadline.UTC().Format(time.RFC3339),
		"review_deadline":    draft.ReviewDeadline.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	escrowEnv, err := c.config.Signer.Sign("escrow_lock", map[string]interface{}{
		"task_id": draft.TaskID,
		"amount":  draft.Reward,
	})
	if err != nil {
		return nil, err
	}

	var task Task
	err = c.do(ctx, http.MethodPost, "/tasks",
		map[string]interface{}{"task_envelope": taskEnv, "escrow_envelope": escrowEnv}, "", &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask reads one task; the read evaluates lazy deadlines server-side.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, "", &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// SubmitBid places a sealed bid.
func (c *Client) SubmitBid(ctx context.Context, taskID, proposal string) (*Bid, error) {
	var bid Bid
	err := c.signedPost(ctx, "/tasks/"+taskID+"/bids", "submit_bid",
		map[string]interface{}{"task_id": taskID, "proposal": proposal}, &bid)
	if err != nil {
		return nil, err
	}
	return &bid, nil
}

// AcceptBid assigns the bidder as worker. Poster only.
func (c *Client) AcceptBid(ctx context.Context, taskID, bidID string) (*Task, error) {
	var task Task
	err := c.signedPost(ctx, "/tasks/"+taskID+"/accept", "accept_bid",
		map[string]interface{}{"task_id": taskID, "bid_id": bidID}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// SubmitWork marks the assignment delivered. Worker only.
func (c *Client) SubmitWork(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := c.signedPost(ctx, "/tasks/"+taskID+"/submit", "submit_work",
		map[string]interface{}{"task_id": taskID}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Approve releases escrow to the worker. Poster only.
func (c *Client) Approve(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := c.signedPost(ctx, "/tasks/"+taskID+"/approve", "approve_task",
		map[string]interface{}{"task_id": taskID}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Dispute escalates a submitted task to the Court. Poster only.
func (c *Client) Dispute(ctx context.Context, taskID, claim string) (*Task, error) {
	var task Task
	err := c.signedPost(ctx, "/tasks/"+taskID+"/dispute", "dispute_task",
		map[string]interface{}{"task_id": taskID, "claim": claim}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// --- Reputation ---

// SubmitFeedback files sealed feedback about the counterparty on a task.
func (c *Client) SubmitFeedback(ctx context.Context, taskID, toID, role, category, rating, comment string) error {
	return c.signedPost(ctx, "/feedback", "submit_feedback", map[string]interface{}{
		"task_id":  taskID,
		"to_id":    toID,
		"role":     role,
		"category": category,
		"rating":   rating,
		"comment":  comment,
	}, nil)
}

// --- Plumbing ---

// signedPost wraps payload in a signed envelope and posts it.
func (c *Client) signedPost(ctx context.Context, path, action string, payload map[string]interface{}, out interface{}) error {
	if c.config.Signer == nil {
		return fmt.Errorf("sdk: %s requires a signer", action)
	}
	envelope, err := c.config.Signer.Sign(action, payload)
	if err != nil {
		return fmt.Errorf("sdk: sign %s: %w", action, err)
	}
	return c.do(ctx, http.MethodPost, path, map[string]interface{}{"envelope": envelope}, "", out)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, bearer string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sdk: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("sdk: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sdk: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			return fmt.Errorf("sdk: %s %s: status %d", method, path, resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
