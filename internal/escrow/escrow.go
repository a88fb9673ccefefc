package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Escrow holds deposits for concealed beneficiaries and releases them against
// signed authorizations. Mutating calls are serialized; each one is a single
// atomic unit over the ledger store and, when the asset backend journals,
// over custody balances too.
type Escrow struct {
	store    Store
	assets   Assets
	verifier Verifier
	emitter  Emitter
	now      func() time.Time
	logger   *slog.Logger

	mu sync.Mutex
}

type Options struct {
	Store    Store
	Assets   Assets
	Verifier Verifier
	// Emitter is optional; committed events are dropped without one.
	Emitter Emitter
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func New(opts Options) (*Escrow, error) {
	if opts.Store == nil {
		return nil, errors.New("escrow: store is required")
	}
	if opts.Assets == nil {
		return nil, errors.New("escrow: assets adapter is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("escrow: signature verifier is required")
	}
	if opts.Emitter == nil {
		opts.Emitter = nopEmitter{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Escrow{
		store:    opts.Store,
		assets:   opts.Assets,
		verifier: opts.Verifier,
		emitter:  opts.Emitter,
		now:      opts.Now,
		logger:   opts.Logger,
	}, nil
}

// unit is one atomic unit of work. Nested units are opened when a call
// re-enters the escrow from inside an asset transfer.
type unit struct {
	escrow *Escrow
	tx     Tx
	parent *unit
	events []Event
}

type unitKey struct{}

func unitFrom(ctx context.Context, e *Escrow) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	for u != nil && u.escrow != e {
		u = u.parent
	}
	return u
}

func (u *unit) emit(ev Event) {
	u.events = append(u.events, ev)
}

// execute runs fn as one atomic unit. A call made from inside a running unit
// (a receiver hook re-entering the escrow) joins it as a nested unit instead
// of waiting on the mutex it already holds. The unit travels in ctx, so a
// re-entering call must use the ctx the hook was handed or one derived from
// it; a fresh context waits on the mutex and never returns.
func (e *Escrow) execute(ctx context.Context, fn func(ctx context.Context, u *unit) error) error {
	parent := unitFrom(ctx, e)
	if parent == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
	}

	var (
		tx  Tx
		err error
	)
	if parent == nil {
		tx, err = e.store.Begin(ctx)
	} else {
		tx, err = parent.tx.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snapshot := -1
	journal, journaled := e.assets.(Journal)
	if journaled {
		snapshot = journal.Snapshot()
	}

	u := &unit{escrow: e, tx: tx, parent: parent}
	if err := fn(context.WithValue(ctx, unitKey{}, u), u); err != nil {
		if journaled {
			journal.RevertToSnapshot(snapshot)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if journaled {
			journal.RevertToSnapshot(snapshot)
		}
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	if journaled {
		journal.DiscardSnapshot(snapshot)
	}

	if parent != nil {
		parent.events = append(parent.events, u.events...)
		return nil
	}
	e.publish(ctx, u.events)
	return nil
}

func (e *Escrow) publish(ctx context.Context, events []Event) {
	for _, ev := range events {
		if err := e.emitter.Emit(ctx, ev); err != nil {
			e.logger.Error("emit event", "event", ev.EventName(), "error", err)
		}
	}
}

// view runs a read-only unit. It sees the state of an enclosing unit when
// called from inside one.
func (e *Escrow) view(ctx context.Context, fn func(tx Tx) error) error {
	if u := unitFrom(ctx, e); u != nil {
		return fn(u.tx)
	}
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return fn(tx)
}

func (e *Escrow) requireInitialized(ctx context.Context, tx Tx) (*Ownership, error) {
	own, err := tx.Ownership(ctx)
	if err != nil {
		return nil, err
	}
	if !own.Initialized {
		return nil, ErrNotInitialized
	}
	return own, nil
}
