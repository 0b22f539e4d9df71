// Package ledger is the money authority: accounts, double-entry style
// transactions, and the escrow lifecycle. Balances never go negative and
// every mutation co-commits its event through the write lane.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agora/backend/internal/core"
	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/metrics"
	"github.com/agora/backend/internal/store"
)

// Account mirrors one agent's funds. account_id equals the agent_id.
type Account struct {
	AccountID string    `json:"account_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is one signed ledger movement. Reference doubles as the
// idempotency key for credits.
type Transaction struct {
	TxID         string    `json:"tx_id"`
	AccountID    string    `json:"account_id"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reference    string    `json:"reference"`
	Timestamp    time.Time `json:"timestamp"`
}

// Escrow statuses are monotonic: locked → released | split, both terminal.
const (
	EscrowLocked   = "locked"
	EscrowReleased = "released"
	EscrowSplit    = "split"
)

type Escrow struct {
	EscrowID   string     `json:"escrow_id"`
	PayerID    string     `json:"payer_id"`
	Amount     int64      `json:"amount"`
	TaskID     string     `json:"task_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// SplitResult reports the exact allocation of a split; the two amounts
// always sum to the escrow total.
type SplitResult struct {
	Escrow       *Escrow `json:"escrow"`
	WorkerAmount int64   `json:"worker_amount"`
	PosterAmount int64   `json:"poster_amount"`
}

// AgentDirectory is the narrow slice of Identity the ledger consumes.
type AgentDirectory interface {
	Exists(ctx context.Context, agentID string) (bool, error)
}

// Engine executes ledger operations. Principal checks live here: handlers
// resolve the signer, the engine decides whether that signer may act.
type Engine struct {
	coord    *store.Coordinator
	readDB   *sql.DB
	agents   AgentDirectory
	notaryID string
	logger   *log.Logger
	metrics  *metrics.Metrics
}

func NewEngine(coord *store.Coordinator, readDB *sql.DB, agents AgentDirectory, notaryID string) *Engine {
	return &Engine{
		coord:    coord,
		readDB:   readDB,
		agents:   agents,
		notaryID: notaryID,
		logger:   log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}
}

// SetMetrics installs the escrow instruments.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

func (e *Engine) requireNotary(principal string) error {
	if principal != e.notaryID {
		return core.Forbidden("operation requires the platform notary")
	}
	return nil
}

// CreateAccount mints an account for an existing agent. Notary-only.
func (e *Engine) CreateAccount(ctx context.Context, principal, agentID string, initialBalance int64) (*Account, error) {
	if err := e.requireNotary(principal); err != nil {
		return nil, err
	}
	if initialBalance < 0 {
		return nil, core.InvalidPayload("initial_balance must be >= 0")
	}
	exists, err := e.agents.Exists(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.AgentNotFound(agentID)
	}

	now := time.Now().UTC()
	account := &Account{AccountID: agentID, Balance: initialBalance, CreatedAt: now}

	_, err = e.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		var existing string
		err := tx.QueryRow("SELECT account_id FROM ledger_accounts WHERE account_id = ?", agentID).Scan(&existing)
		if err == nil {
			return nil, nil, core.AccountExists(agentID)
		}
		if err != sql.ErrNoRows {
			return nil, nil, fmt.Errorf("ledger: check account: %w", err)
		}

		if _, err := tx.Exec(`INSERT INTO ledger_accounts (account_id, balance, created_at) VALUES (?, ?, ?)`,
			agentID, initialBalance, now.Format(time.RFC3339Nano)); err != nil {
			return nil, nil, fmt.Errorf("ledger: insert account: %w", err)
		}
		if initialBalance > 0 {
			if _, err := insertTransaction(tx, agentID, "credit", initialBalance, initialBalance,
				"opening_balance", now); err != nil {
				return nil, nil, err
			}
		}

		return nil, &eventlog.Spec{
			Source:  "ledger",
			Type:    "account.created",
			AgentID: agentID,
			Summary: fmt.Sprintf("account created with balance %d", initialBalance),
			Payload: map[string]interface{}{"account_id": agentID, "balance": initialBalance},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Printf("Account created for %s (balance %d)", agentID, initialBalance)
	return account, nil
}

// Credit adds funds. Notary-only. A repeated reference is a no-op that
// returns the prior transaction verbatim.
func (e *Engine) Credit(ctx context.Context, principal, accountID string, amount int64, reference string) (*Transaction, error) {
	if err := e.requireNotary(principal); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, core.InvalidPayload("amount must be > 0")
	}
	if reference == "" {
		return nil, core.MissingField("reference")
	}

	result, err := e.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		if prior, err := findTransaction(tx, accountID, reference); err != nil {
			return nil, nil, err
		} else if prior != nil {
			return prior, nil, nil // idempotent replay, no new event
		}

		balance, err := lockedBalance(tx, accountID)
		if err != nil {
			return nil, nil, err
		}
		newBalance := balance + amount
		if _, err := tx.Exec("UPDATE ledger_accounts SET balance = ? WHERE account_id = ?",
			newBalance, accountID); err != nil {
			return nil, nil, fmt.Errorf("ledger: update balance: %w", err)
		}
		now := time.Now().UTC()
		txID, err := insertTransaction(tx, accountID, "credit", amount, newBalance, reference, now)
		if err != nil {
			return nil, nil, err
		}
		txn := &Transaction{
			TxID: txID, AccountID: accountID, Type: "credit", Amount: amount,
			BalanceAfter: newBalance, Reference: reference, Timestamp: now,
		}
		return txn, &eventlog.Spec{
			Source:  "ledger",
			Type:    "credit.applied",
			AgentID: accountID,
			Summary: fmt.Sprintf("credit %d applied", amount),
			Payload: map[string]interface{}{"account_id": accountID, "amount": amount, "reference": reference},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Transaction), nil
}

// GetAccount returns the balance. Only the account owner (or notary) reads it.
func (e *Engine) GetAccount(ctx context.Context, principal, accountID string) (*Account, error) {
	if principal != accountID && principal != e.notaryID {
		return nil, core.Forbidden("only the account owner may read its balance")
	}
	return e.readAccount(ctx, accountID)
}

func (e *Engine) readAccount(ctx context.Context, accountID string) (*Account, error) {
	var (
		a  Account
		ts string
	)
	err := e.readDB.QueryRowContext(ctx,
		"SELECT account_id, balance, created_at FROM ledger_accounts WHERE account_id = ?",
		accountID).Scan(&a.AccountID, &a.Balance, &ts)
	if err == sql.ErrNoRows {
		return nil, core.AccountNotFound(accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read account: %w", err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	return &a, nil
}

// GetTransactions lists an account's history, newest first. Owner-only.
func (e *Engine) GetTransactions(ctx context.Context, principal, accountID string) ([]Transaction, error) {
	if principal != accountID && principal != e.notaryID {
		return nil, core.Forbidden("only the account owner may read its transactions")
	}
	if _, err := e.readAccount(ctx, accountID); err != nil {
		return nil, err
	}

	rows, err := e.readDB.QueryContext(ctx, `
		SELECT tx_id, account_id, type, amount, balance_after, reference, timestamp
		FROM ledger_transactions WHERE account_id = ? ORDER BY timestamp DESC, tx_id DESC`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0)
	for rows.Next() {
		var (
			t  Transaction
			ts string
		)
		if err := rows.Scan(&t.TxID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceAfter, &t.Reference, &ts); err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// LockEscrow moves funds from the payer into escrow for a task. The signer
// must be the paying agent.
func (e *Engine) LockEscrow(ctx context.Context, principal, agentID, taskID string, amount int64) (*Escrow, error) {
	if principal != agentID {
		return nil, core.Forbidden("escrow can only be locked by the paying agent")
	}
	if amount <= 0 {
		return nil, core.InvalidPayload("amount must be > 0")
	}
	if taskID == "" {
		return nil, core.MissingField("task_id")
	}

	now := time.Now().UTC()
	escrow := &Escrow{
		EscrowID:  "e-" + uuid.New().String(),
		PayerID:   agentID,
		Amount:    amount,
		TaskID:    taskID,
		Status:    EscrowLocked,
		CreatedAt: now,
	}

	_, err := e.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		balance, err := lockedBalance(tx, agentID)
		if err != nil {
			return nil, nil, err
		}
		if balance < amount {
			return nil, nil, core.InsufficientFunds(balance, amount)
		}

		var existing string
		err = tx.QueryRow("SELECT escrow_id FROM ledger_escrows WHERE task_id = ? AND status = 'locked'",
			taskID).Scan(&existing)
		if err == nil {
			return nil, nil, core.TaskEscrowExists(taskID)
		}
		if err != sql.ErrNoRows {
			return nil, nil, fmt.Errorf("ledger: check task escrow: %w", err)
		}

		newBalance := balance - amount
		if _, err := tx.Exec("UPDATE ledger_accounts SET balance = ? WHERE account_id = ?",
			newBalance, agentID); err != nil {
			return nil, nil, fmt.Errorf("ledger: update balance: %w", err)
		}
		if _, err := insertTransaction(tx, agentID, "debit", amount, newBalance,
			"escrow:"+escrow.EscrowID+":lock", now); err != nil {
			return nil, nil, err
		}
		if _, err := tx.Exec(`INSERT INTO ledger_escrows (escrow_id, payer_id, amount, task_id, status, created_at)
			VALUES (?, ?, ?, ?, 'locked', ?)`,
			escrow.EscrowID, agentID, amount, taskID, now.Format(time.RFC3339Nano)); err != nil {
			return nil, nil, fmt.Errorf("ledger: insert escrow: %w", err)
		}

		return nil, &eventlog.Spec{
			Source:  "ledger",
			Type:    "escrow.locked",
			TaskID:  taskID,
			AgentID: agentID,
			Summary: fmt.Sprintf("escrow %d locked for task", amount),
			Payload: map[string]interface{}{"escrow_id": escrow.EscrowID, "amount": amount, "task_id": taskID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.EscrowLocked.Inc()
		e.metrics.EscrowHeld.Add(float64(amount))
	}
	e.logger.Printf("Escrow %s locked: %d from %s for %s", escrow.EscrowID, amount, agentID, taskID)
	return escrow, nil
}

// ReleaseEscrow pays the full amount to one recipient. Notary-only.
func (e *Engine) ReleaseEscrow(ctx context.Context, principal, escrowID, recipientID string) (*Escrow, error) {
	if err := e.requireNotary(principal); err != nil {
		return nil, err
	}
	if recipientID == "" {
		return nil, core.MissingField("recipient_id")
	}

	result, err := e.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		escrow, err := lockedEscrow(tx, escrowID)
		if err != nil {
			return nil, nil, err
		}

		now := time.Now().UTC()
		if err := creditInTx(tx, recipientID, escrow.Amount, "escrow:"+escrowID+":release", now); err != nil {
			return nil, nil, err
		}
		if _, err := tx.Exec("UPDATE ledger_escrows SET status = 'released', resolved_at = ? WHERE escrow_id = ?",
			now.Format(time.RFC3339Nano), escrowID); err != nil {
			return nil, nil, fmt.Errorf("ledger: resolve escrow: %w", err)
		}
		escrow.Status = EscrowReleased
		escrow.ResolvedAt = &now

		return escrow, &eventlog.Spec{
			Source:  "ledger",
			Type:    "escrow.released",
			TaskID:  escrow.TaskID,
			AgentID: recipientID,
			Summary: fmt.Sprintf("escrow %d released to %s", escrow.Amount, recipientID),
			Payload: map[string]interface{}{"escrow_id": escrowID, "amount": escrow.Amount, "recipient_id": recipientID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	released := result.(*Escrow)
	if e.metrics != nil {
		e.metrics.EscrowResolved.WithLabelValues(EscrowReleased).Inc()
		e.metrics.EscrowHeld.Sub(float64(released.Amount))
	}
	return released, nil
}

// SplitEscrow divides the amount between worker and poster by percentage.
// worker_amount = floor(total * pct / 100); the poster gets the remainder,
// so the two always sum to the total exactly. Notary-only.
func (e *Engine) SplitEscrow(ctx context.Context, principal, escrowID, workerID, posterID string, workerPct int64) (*SplitResult, error) {
	if err := e.requireNotary(principal); err != nil {
		return nil, err
	}
	if workerPct < 0 || workerPct > 100 {
		return nil, core.InvalidPayload("worker_pct must be in 0..100")
	}
	if workerID == "" {
		return nil, core.MissingField("worker_id")
	}
	if posterID == "" {
		return nil, core.MissingField("poster_id")
	}

	result, err := e.coord.Commit(ctx, func(tx *sql.Tx) (interface{}, *eventlog.Spec, error) {
		escrow, err := lockedEscrow(tx, escrowID)
		if err != nil {
			return nil, nil, err
		}

		workerAmount := escrow.Amount * workerPct / 100
		posterAmount := escrow.Amount - workerAmount
		now := time.Now().UTC()

		if workerAmount > 0 {
			if err := creditInTx(tx, workerID, workerAmount, "escrow:"+escrowID+":split:worker", now); err != nil {
				return nil, nil, err
			}
		}
		if posterAmount > 0 {
			if err := creditInTx(tx, posterID, posterAmount, "escrow:"+escrowID+":split:poster", now); err != nil {
				return nil, nil, err
			}
		}
		if _, err := tx.Exec("UPDATE ledger_escrows SET status = 'split', resolved_at = ? WHERE escrow_id = ?",
			now.Format(time.RFC3339Nano), escrowID); err != nil {
			return nil, nil, fmt.Errorf("ledger: resolve escrow: %w", err)
		}
		escrow.Status = EscrowSplit
		escrow.ResolvedAt = &now

		return &SplitResult{Escrow: escrow, WorkerAmount: workerAmount, PosterAmount: posterAmount},
			&eventlog.Spec{
				Source:  "ledger",
				Type:    "escrow.split",
				TaskID:  escrow.TaskID,
				Summary: fmt.Sprintf("escrow split %d/%d (worker %d%%)", workerAmount, posterAmount, workerPct),
				Payload: map[string]interface{}{
					"escrow_id":     escrowID,
					"worker_id":     workerID,
					"poster_id":     posterID,
					"worker_pct":    workerPct,
					"worker_amount": workerAmount,
					"poster_amount": posterAmount,
				},
			}, nil
	})
	if err != nil {
		return nil, err
	}
	split := result.(*SplitResult)
	if e.metrics != nil {
		e.metrics.EscrowResolved.WithLabelValues(EscrowSplit).Inc()
		e.metrics.EscrowHeld.Sub(float64(split.Escrow.Amount))
	}
	return split, nil
}

// GetEscrow is an unauthenticated read used by the board and for drilldowns.
func (e *Engine) GetEscrow(ctx context.Context, escrowID string) (*Escrow, error) {
	var (
		es         Escrow
		created    string
		resolvedAt sql.NullString
	)
	err := e.readDB.QueryRowContext(ctx, `
		SELECT escrow_id, payer_id, amount, task_id, status, created_at, resolved_at
		FROM ledger_escrows WHERE escrow_id = ?`, escrowID).
		Scan(&es.EscrowID, &es.PayerID, &es.Amount, &es.TaskID, &es.Status, &created, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, core.EscrowNotFound(escrowID)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read escrow: %w", err)
	}
	es.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		es.ResolvedAt = &t
	}
	return &es, nil
}

// Totals derives the aggregates from the store so they always agree with the
// outstanding commitments: account count and the sum of locked escrow.
func (e *Engine) Totals(ctx context.Context) (accounts int64, escrowed int64, err error) {
	if err = e.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger_accounts").Scan(&accounts); err != nil {
		return 0, 0, fmt.Errorf("ledger: count accounts: %w", err)
	}
	if err = e.readDB.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM ledger_escrows WHERE status = 'locked'").Scan(&escrowed); err != nil {
		return 0, 0, fmt.Errorf("ledger: sum escrow: %w", err)
	}
	return accounts, escrowed, nil
}

// --- Transaction-scoped helpers ---

func insertTransaction(tx *sql.Tx, accountID, txType string, amount, balanceAfter int64, reference string, ts time.Time) (string, error) {
	id := "tx-" + uuid.New().String()
	_, err := tx.Exec(`INSERT INTO ledger_transactions (tx_id, account_id, type, amount, balance_after, reference, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, accountID, txType, amount, balanceAfter, reference, ts.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("ledger: insert transaction: %w", err)
	}
	return id, nil
}

func findTransaction(tx *sql.Tx, accountID, reference string) (*Transaction, error) {
	var (
		t  Transaction
		ts string
	)
	err := tx.QueryRow(`SELECT tx_id, account_id, type, amount, balance_after, reference, timestamp
		FROM ledger_transactions WHERE account_id = ? AND reference = ?`,
		accountID, reference).
		Scan(&t.TxID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceAfter, &t.Reference, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: find transaction: %w", err)
	}
	t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	return &t, nil
}

func lockedBalance(tx *sql.Tx, accountID string) (int64, error) {
	var balance int64
	err := tx.QueryRow("SELECT balance FROM ledger_accounts WHERE account_id = ?", accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, core.AccountNotFound(accountID)
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: read balance: %w", err)
	}
	return balance, nil
}

func lockedEscrow(tx *sql.Tx, escrowID string) (*Escrow, error) {
	var (
		es      Escrow
		created string
	)
	err := tx.QueryRow(`SELECT escrow_id, payer_id, amount, task_id, status, created_at
		FROM ledger_escrows WHERE escrow_id = ?`, escrowID).
		Scan(&es.EscrowID, &es.PayerID, &es.Amount, &es.TaskID, &es.Status, &created)
	if err == sql.ErrNoRows {
		return nil, core.EscrowNotFound(escrowID)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read escrow: %w", err)
	}
	if es.Status != EscrowLocked {
		return nil, core.EscrowAlreadyResolved(escrowID, es.Status)
	}
	es.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &es, nil
}

func creditInTx(tx *sql.Tx, accountID string, amount int64, reference string, ts time.Time) error {
	// Escrow resolutions are idempotent per reference: a retried release or
	// split must not double-credit.
	if prior, err := findTransaction(tx, accountID, reference); err != nil {
		return err
	} else if prior != nil {
		return nil
	}
	balance, err := lockedBalance(tx, accountID)
	if err != nil {
		return err
	}
	newBalance := balance + amount
	if _, err := tx.Exec("UPDATE ledger_accounts SET balance = ? WHERE account_id = ?",
		newBalance, accountID); err != nil {
		return fmt.Errorf("ledger: update balance: %w", err)
	}
	_, err = insertTransaction(tx, accountID, "credit", amount, newBalance, reference, ts)
	return err
}
