package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Initialize sets the first owner. It succeeds exactly once.
func (e *Escrow) Initialize(ctx context.Context, owner common.Address) error {
	if owner == (common.Address{}) {
		return fmt.Errorf("%w: owner", ErrInvalidZeroAddress)
	}
	return e.execute(ctx, func(ctx context.Context, u *unit) error {
		own, err := u.tx.Ownership(ctx)
		if err != nil {
			return err
		}
		if own.Initialized {
			return ErrAlreadyInitialized
		}
		if err := u.tx.PutOwnership(ctx, &Ownership{Initialized: true, Owner: owner}); err != nil {
			return err
		}
		u.emit(OwnershipTransferred{NewOwner: owner})
		return nil
	})
}

// Owner returns the current owner.
func (e *Escrow) Owner(ctx context.Context) (common.Address, error) {
	own, err := e.ownership(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return own.Owner, nil
}

// PendingOwner returns the proposed owner, zero when no handover is pending.
func (e *Escrow) PendingOwner(ctx context.Context) (common.Address, error) {
	own, err := e.ownership(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return own.PendingOwner, nil
}

func (e *Escrow) ownership(ctx context.Context) (*Ownership, error) {
	var out *Ownership
	err := e.view(ctx, func(tx Tx) error {
		var err error
		out, err = e.requireInitialized(ctx, tx)
		return err
	})
	return out, err
}

// TransferOwnership proposes newOwner. The handover completes only when
// newOwner calls AcceptOwnership; proposing the zero address cancels it.
func (e *Escrow) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	return e.execute(ctx, func(ctx context.Context, u *unit) error {
		own, err := e.onlyOwner(ctx, u.tx, caller)
		if err != nil {
			return err
		}
		own.PendingOwner = newOwner
		if err := u.tx.PutOwnership(ctx, own); err != nil {
			return err
		}
		u.emit(OwnershipTransferStarted{PreviousOwner: own.Owner, NewOwner: newOwner})
		return nil
	})
}

// AcceptOwnership completes a pending handover.
func (e *Escrow) AcceptOwnership(ctx context.Context, caller common.Address) error {
	return e.execute(ctx, func(ctx context.Context, u *unit) error {
		own, err := e.requireInitialized(ctx, u.tx)
		if err != nil {
			return err
		}
		if own.PendingOwner == (common.Address{}) || caller != own.PendingOwner {
			return fmt.Errorf("%w: %s is not the pending owner", ErrUnauthorized, caller.Hex())
		}
		previous := own.Owner
		own.Owner, own.PendingOwner = caller, common.Address{}
		if err := u.tx.PutOwnership(ctx, own); err != nil {
			return err
		}
		u.emit(OwnershipTransferred{PreviousOwner: previous, NewOwner: caller})
		return nil
	})
}

// SweepNative moves the whole native custody balance to the owner. The
// balance includes value still committed to unreleased deposits.
func (e *Escrow) SweepNative(ctx context.Context, caller common.Address) (*big.Int, error) {
	var swept *big.Int
	err := e.execute(ctx, func(ctx context.Context, u *unit) error {
		own, err := e.onlyOwner(ctx, u.tx, caller)
		if err != nil {
			return err
		}
		swept, err = e.sweep(ctx, Native, own.Owner)
		if err != nil {
			return err
		}
		u.emit(WithdrawnNative{Owner: own.Owner, Amount: swept})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("native balance swept", "owner", caller.Hex(), "amount", swept.String())
	return swept, nil
}

// SweepToken moves the whole custody balance of token to the owner.
func (e *Escrow) SweepToken(ctx context.Context, caller, token common.Address) (*big.Int, error) {
	if token == (common.Address{}) {
		return nil, fmt.Errorf("%w: token", ErrInvalidZeroAddress)
	}
	var swept *big.Int
	err := e.execute(ctx, func(ctx context.Context, u *unit) error {
		own, err := e.onlyOwner(ctx, u.tx, caller)
		if err != nil {
			return err
		}
		swept, err = e.sweep(ctx, Fungible(token), own.Owner)
		if err != nil {
			return err
		}
		u.emit(WithdrawnToken{Owner: own.Owner, Token: token, Amount: swept})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("token balance swept", "owner", caller.Hex(), "token", token.Hex(), "amount", swept.String())
	return swept, nil
}

func (e *Escrow) sweep(ctx context.Context, kind AssetKind, to common.Address) (*big.Int, error) {
	balance, err := e.assets.Balance(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("custody balance of %s: %w", kind, err)
	}
	if balance.Sign() == 0 {
		return balance, nil
	}
	if err := e.pay(ctx, kind, to, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (e *Escrow) onlyOwner(ctx context.Context, tx Tx, caller common.Address) (*Ownership, error) {
	own, err := e.requireInitialized(ctx, tx)
	if err != nil {
		return nil, err
	}
	if caller != own.Owner {
		return nil, fmt.Errorf("%w: %s is not the owner", ErrUnauthorized, caller.Hex())
	}
	return own, nil
}
