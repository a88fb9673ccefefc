// Package asset moves native currency and fungible tokens in and out of
// escrow custody behind one interface.
package asset

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"blindescrow/internal/escrow"
)

// NativeBackend moves native currency.
type NativeBackend interface {
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	SendNative(ctx context.Context, from, to common.Address, amount *big.Int) error
	// ReceiveNative accepts value attached to a deposit call. fundingTx is the
	// depositor's proof of payment for backends that cannot observe the
	// value being attached.
	ReceiveNative(ctx context.Context, from, to common.Address, amount *big.Int, fundingTx common.Hash) error
}

// TokenBackend exposes the fungible-token entry points. The boolean results
// are the token's own success flags; a token may return false instead of
// reverting.
type TokenBackend interface {
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) (bool, error)
	TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) (bool, error)
}

// Adapter implements escrow.Assets for one custody account.
type Adapter struct {
	custody common.Address
	native  NativeBackend
	tokens  TokenBackend
}

type journaledAdapter struct {
	*Adapter
	escrow.Journal
}

// NewAdapter returns the assets view of custody. When the native backend
// journals its state the returned value also implements escrow.Journal.
func NewAdapter(custody common.Address, native NativeBackend, tokens TokenBackend) (escrow.Assets, error) {
	if custody == (common.Address{}) {
		return nil, errors.New("asset: custody address is required")
	}
	if native == nil || tokens == nil {
		return nil, errors.New("asset: native and token backends are required")
	}
	a := &Adapter{custody: custody, native: native, tokens: tokens}
	if j, ok := native.(escrow.Journal); ok {
		return journaledAdapter{Adapter: a, Journal: j}, nil
	}
	return a, nil
}

func (a *Adapter) Custody() common.Address {
	return a.custody
}

func (a *Adapter) Collect(ctx context.Context, kind escrow.AssetKind, from common.Address, amount *big.Int, fundingTx common.Hash) error {
	if kind.IsNative() {
		err := a.native.ReceiveNative(ctx, from, a.custody, amount, fundingTx)
		if errors.Is(err, escrow.ErrInvalidInput) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: accept native value from %s: %v", escrow.ErrTransferFailed, from.Hex(), err)
		}
		return nil
	}
	ok, err := a.tokens.TransferFrom(ctx, kind.Token, a.custody, from, a.custody, amount)
	if err != nil {
		return fmt.Errorf("%w: pull %s from %s: %v", escrow.ErrTransferFailed, kind.Token.Hex(), from.Hex(), err)
	}
	if !ok {
		return fmt.Errorf("%w: token %s returned false on transferFrom", escrow.ErrTransferFailed, kind.Token.Hex())
	}
	return nil
}

func (a *Adapter) Move(ctx context.Context, kind escrow.AssetKind, to common.Address, amount *big.Int) error {
	if kind.IsNative() {
		err := a.native.SendNative(ctx, a.custody, to, amount)
		if errors.Is(err, escrow.ErrTransferPending) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: send native to %s: %v", escrow.ErrTransferFailed, to.Hex(), err)
		}
		return nil
	}
	ok, err := a.tokens.Transfer(ctx, kind.Token, a.custody, to, amount)
	if errors.Is(err, escrow.ErrTransferPending) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: send %s to %s: %v", escrow.ErrTransferFailed, kind.Token.Hex(), to.Hex(), err)
	}
	if !ok {
		return fmt.Errorf("%w: token %s returned false on transfer", escrow.ErrTransferFailed, kind.Token.Hex())
	}
	return nil
}

func (a *Adapter) Balance(ctx context.Context, kind escrow.AssetKind) (*big.Int, error) {
	if kind.IsNative() {
		return a.native.NativeBalance(ctx, a.custody)
	}
	return a.tokens.BalanceOf(ctx, kind.Token, a.custody)
}
