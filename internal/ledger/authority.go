package ledger

import (
	"context"

	"github.com/agora/backend/internal/identity"
)

// Authority is the platform-side face of the ledger. The Task Board and the
// Court act through it: locks are authorized by the payer's own signed token,
// while releases and splits run under the platform notary, which is the only
// principal allowed to resolve escrow.
type Authority struct {
	engine   *Engine
	verifier *identity.Verifier
}

func NewAuthority(engine *Engine, verifier *identity.Verifier) *Authority {
	return &Authority{engine: engine, verifier: verifier}
}

// LockFromToken verifies an escrow_lock envelope and locks the declared
// amount from the signer's account. The token is the authorization: whoever
// forwarded it never gains spending power beyond what the payer signed.
func (a *Authority) LockFromToken(ctx context.Context, token string) (*Escrow, error) {
	env, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := env.RequireAction("escrow_lock"); err != nil {
		return nil, err
	}
	taskID, err := env.String("task_id")
	if err != nil {
		return nil, err
	}
	amount, err := env.Int64("amount")
	if err != nil {
		return nil, err
	}
	return a.engine.LockEscrow(ctx, env.SignerID, env.SignerID, taskID, amount)
}

// Release pays the full escrow amount to one recipient as the notary.
func (a *Authority) Release(ctx context.Context, escrowID, recipientID string) (*Escrow, error) {
	return a.engine.ReleaseEscrow(ctx, a.engine.notaryID, escrowID, recipientID)
}

// Split divides the escrow between worker and poster as the notary.
func (a *Authority) Split(ctx context.Context, escrowID, workerID, posterID string, workerPct int64) (*SplitResult, error) {
	return a.engine.SplitEscrow(ctx, a.engine.notaryID, escrowID, workerID, posterID, workerPct)
}
