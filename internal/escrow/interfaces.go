package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists the ledger. All mutation goes through a Tx.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one unit of ledger work. Begin on a Tx opens a nested unit that can be
// rolled back without discarding the enclosing one. Rollback after Commit is
// a no-op.
type Tx interface {
	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// NextDepositID reserves the next id in the dense sequence starting at 1.
	NextDepositID(ctx context.Context) (uint64, error)
	// Deposit returns ErrDepositNotFound for unknown ids.
	Deposit(ctx context.Context, id uint64) (*Deposit, error)
	// LockDeposit is Deposit holding the record against concurrent writers
	// until the unit ends.
	LockDeposit(ctx context.Context, id uint64) (*Deposit, error)
	// FundingUsed reports whether a deposit already claimed the funding tx.
	FundingUsed(ctx context.Context, fundingTx common.Hash) (bool, error)
	PutDeposit(ctx context.Context, d *Deposit) error
	Ownership(ctx context.Context) (*Ownership, error)
	PutOwnership(ctx context.Context, o *Ownership) error
}

// Assets moves value in and out of escrow custody.
type Assets interface {
	// Collect pulls amount of kind from the depositor into custody. fundingTx
	// is the depositor's proof for native value and is zero otherwise.
	Collect(ctx context.Context, kind AssetKind, from common.Address, amount *big.Int, fundingTx common.Hash) error
	// Move pays amount of kind out of custody to the recipient. An error
	// wrapping ErrTransferPending means the payment left custody and only its
	// confirmation is outstanding.
	Move(ctx context.Context, kind AssetKind, to common.Address, amount *big.Int) error
	// Balance is the aggregate custody balance of kind.
	Balance(ctx context.Context, kind AssetKind) (*big.Int, error)
}

// Journal is implemented by asset backends whose custody changes can be
// reverted, so a failed operation leaves balances untouched.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(id int)
	// DiscardSnapshot keeps the changes made since id.
	DiscardSnapshot(id int)
}

// Verifier recovers the address that signed a release request. It does not
// know which address is the beneficiary.
type Verifier interface {
	Recover(req ReleaseRequest, sig []byte) (common.Address, error)
}
