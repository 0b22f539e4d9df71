package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"database/sql"

	"github.com/agora/backend/internal/eventlog"
)

// Mutation is one unit of domain work. It runs inside a single transaction
// and names the event to co-commit. Returning a nil Spec is allowed only for
// no-op outcomes (idempotent replays); nothing is published then.
type Mutation func(tx *sql.Tx) (result interface{}, ev *eventlog.Spec, err error)

// MutationMulti is a mutation that co-commits several events in order. Used
// by the few operations whose single transaction has more than one observable
// effect (feedback reveal, court rollback).
type MutationMulti func(tx *sql.Tx) (result interface{}, evs []*eventlog.Spec, err error)

// Sink receives each committed event after its transaction commits, in
// commit order. The Stream Hub is the production sink.
type Sink interface {
	Publish(ev eventlog.Event)
}

// Coordinator is the single serialized write lane. Every mutation acquires
// the lane, runs domain SQL plus one event insert in a BEGIN IMMEDIATE
// transaction, commits, then hands the committed event to the sink. Holding
// the lane while publishing keeps publication order equal to commit order.
type Coordinator struct {
	mu    sync.Mutex
	store *Store
	sink  Sink
}

// NewCoordinator wires the lane to the store. The sink may be set later,
// before the first write, via SetSink.
func NewCoordinator(s *Store) *Coordinator {
	return &Coordinator{store: s}
}

// SetSink installs the committed-event sink.
func (c *Coordinator) SetSink(sink Sink) {
	c.sink = sink
}

// Commit runs the mutation through the write lane. Context cancellation is
// honored while waiting for the lane and before BEGIN; an in-flight
// transaction always runs to completion.
func (c *Coordinator) Commit(ctx context.Context, m Mutation) (interface{}, error) {
	return c.CommitMulti(ctx, func(tx *sql.Tx) (interface{}, []*eventlog.Spec, error) {
		result, spec, err := m(tx)
		if err != nil || spec == nil {
			return result, nil, err
		}
		return result, []*eventlog.Spec{spec}, nil
	})
}

// CommitMulti runs a multi-event mutation through the write lane. All events
// commit in the same transaction and are published in slice order.
func (c *Coordinator) CommitMulti(ctx context.Context, m MutationMulti) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// The lane may have been held for a while; re-check before BEGIN.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := c.store.writeDB.Begin()
	if err != nil {
		return nil, fmt.Errorf("coordinator: begin: %w", err)
	}

	result, specs, err := m(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("[Coordinator] rollback failed", "error", rbErr)
		}
		return nil, err
	}

	committed := make([]eventlog.Event, 0, len(specs))
	for _, spec := range specs {
		ev, err := eventlog.Insert(tx, spec)
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Error("[Coordinator] rollback failed", "error", rbErr)
			}
			return nil, err
		}
		committed = append(committed, ev)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("coordinator: commit: %w", err)
	}

	if c.sink != nil {
		for _, ev := range committed {
			c.sink.Publish(ev)
		}
	}
	return result, nil
}
