package escrow

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var errTxDone = errors.New("ledger tx already finished")

// MemoryStore keeps the ledger in process memory. Writes are staged per Tx
// and applied to the parent (or the store) on Commit.
type MemoryStore struct {
	mu        sync.RWMutex
	deposits  map[uint64]*Deposit
	lastID    uint64
	ownership Ownership
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deposits: make(map[uint64]*Deposit)}
}

func (m *MemoryStore) Begin(context.Context) (Tx, error) {
	return newMemTx(m, nil), nil
}

type memTx struct {
	store     *MemoryStore
	parent    *memTx
	deposits  map[uint64]*Deposit
	lastID    *uint64
	ownership *Ownership
	done      bool
}

func newMemTx(store *MemoryStore, parent *memTx) *memTx {
	return &memTx{store: store, parent: parent, deposits: make(map[uint64]*Deposit)}
}

func (t *memTx) Begin(context.Context) (Tx, error) {
	if t.done {
		return nil, errTxDone
	}
	return newMemTx(t.store, t), nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	if t.parent != nil {
		for id, d := range t.deposits {
			t.parent.deposits[id] = d
		}
		if t.lastID != nil {
			t.parent.lastID = t.lastID
		}
		if t.ownership != nil {
			t.parent.ownership = t.ownership
		}
		return nil
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, d := range t.deposits {
		t.store.deposits[id] = d
	}
	if t.lastID != nil {
		t.store.lastID = *t.lastID
	}
	if t.ownership != nil {
		t.store.ownership = *t.ownership
	}
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	t.done = true
	return nil
}

func (t *memTx) NextDepositID(context.Context) (uint64, error) {
	if t.done {
		return 0, errTxDone
	}
	next := t.currentID() + 1
	t.lastID = &next
	return next, nil
}

func (t *memTx) currentID() uint64 {
	for tx := t; tx != nil; tx = tx.parent {
		if tx.lastID != nil {
			return *tx.lastID
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.lastID
}

func (t *memTx) Deposit(_ context.Context, id uint64) (*Deposit, error) {
	if t.done {
		return nil, errTxDone
	}
	for tx := t; tx != nil; tx = tx.parent {
		if d, ok := tx.deposits[id]; ok {
			return d.Clone(), nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	d, ok := t.store.deposits[id]
	if !ok {
		return nil, ErrDepositNotFound
	}
	return d.Clone(), nil
}

// LockDeposit needs no lock of its own: the store is only shared within one
// process, where the escrow already serializes mutating units.
func (t *memTx) LockDeposit(ctx context.Context, id uint64) (*Deposit, error) {
	return t.Deposit(ctx, id)
}

func (t *memTx) FundingUsed(_ context.Context, fundingTx common.Hash) (bool, error) {
	if t.done {
		return false, errTxDone
	}
	for tx := t; tx != nil; tx = tx.parent {
		for _, d := range tx.deposits {
			if d.FundingTx == fundingTx {
				return true, nil
			}
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, d := range t.store.deposits {
		if d.FundingTx == fundingTx {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) PutDeposit(_ context.Context, d *Deposit) error {
	if t.done {
		return errTxDone
	}
	t.deposits[d.ID] = d.Clone()
	return nil
}

func (t *memTx) Ownership(context.Context) (*Ownership, error) {
	if t.done {
		return nil, errTxDone
	}
	for tx := t; tx != nil; tx = tx.parent {
		if tx.ownership != nil {
			cp := *tx.ownership
			return &cp, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	cp := t.store.ownership
	return &cp, nil
}

func (t *memTx) PutOwnership(_ context.Context, o *Ownership) error {
	if t.done {
		return errTxDone
	}
	cp := *o
	t.ownership = &cp
	return nil
}
