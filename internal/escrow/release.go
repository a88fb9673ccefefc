package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Release pays deposit req.ID to req.Receiver when sig is the beneficiary's
// authorization of req. The payout is the stored amount; the ledger is
// updated before the transfer is issued so a re-entering receiver finds the
// deposit already released.
func (e *Escrow) Release(ctx context.Context, req ReleaseRequest, sig []byte) error {
	if req.Receiver == (common.Address{}) {
		return fmt.Errorf("%w: receiver", ErrInvalidZeroAddress)
	}
	now := e.now()
	if sec := now.Unix(); sec >= 0 && uint64(sec) > req.Deadline {
		return fmt.Errorf("%w: deadline %d", ErrSignatureExpired, req.Deadline)
	}
	signer, err := e.verifier.Recover(req, sig)
	if err != nil {
		return err
	}
	if signer == (common.Address{}) {
		return fmt.Errorf("%w: recovered signer", ErrInvalidZeroAddress)
	}

	var released *Released
	err = e.execute(ctx, func(ctx context.Context, u *unit) error {
		if _, err := e.requireInitialized(ctx, u.tx); err != nil {
			return err
		}
		d, err := u.tx.LockDeposit(ctx, req.ID)
		if errors.Is(err, ErrDepositNotFound) {
			// An unknown id carries no hash, so no signer can match it.
			return fmt.Errorf("%w: deposit %d", ErrSignatureInvalid, req.ID)
		}
		if err != nil {
			return err
		}
		if ConcealAddress(signer) != d.BeneficiaryHash {
			return fmt.Errorf("%w: signer does not match deposit %d", ErrSignatureInvalid, req.ID)
		}
		if d.Released {
			return fmt.Errorf("%w: deposit %d", ErrFundsAlreadyReleased, req.ID)
		}

		amount := d.Amount
		if err := markReleased(ctx, u.tx, d, signer, now.UTC()); err != nil {
			return err
		}
		if err := e.pay(ctx, d.Asset, req.Receiver, amount); err != nil {
			return err
		}
		released = &Released{
			ID:          d.ID,
			Beneficiary: signer,
			Receiver:    req.Receiver,
			Token:       d.Asset.Token,
			Amount:      amount,
		}
		u.emit(*released)
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("deposit released",
		"id", released.ID,
		"receiver", released.Receiver.Hex(),
		"asset", Fungible(released.Token).String(),
		"amount", released.Amount.String())
	return nil
}

// pay moves value out of custody. A pending transfer already left custody, so
// it counts as paid and the enclosing unit commits.
func (e *Escrow) pay(ctx context.Context, kind AssetKind, to common.Address, amount *big.Int) error {
	err := e.assets.Move(ctx, kind, to, amount)
	if errors.Is(err, ErrTransferPending) {
		e.logger.Warn("transfer broadcast without confirmation", "asset", kind.String(), "to", to.Hex(), "amount", amount.String(), "error", err)
		return nil
	}
	return err
}
