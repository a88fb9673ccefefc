package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Deposit funds a new escrow entry concealed to p.BeneficiaryHash and returns
// its id. Funding moves into custody in the same unit as record creation.
func (e *Escrow) Deposit(ctx context.Context, p DepositParams) (uint64, error) {
	kind, amount, err := fundingChannel(p)
	if err != nil {
		return 0, err
	}
	if err := checkBeneficiaryHash(p.BeneficiaryHash); err != nil {
		return 0, err
	}
	if !kind.IsNative() && p.FundingTx != (common.Hash{}) {
		return 0, fmt.Errorf("%w: funding transaction supplied with token amount", ErrInvalidInput)
	}

	var id uint64
	err = e.execute(ctx, func(ctx context.Context, u *unit) error {
		if _, err := e.requireInitialized(ctx, u.tx); err != nil {
			return err
		}
		if p.FundingTx != (common.Hash{}) {
			used, err := u.tx.FundingUsed(ctx, p.FundingTx)
			if err != nil {
				return fmt.Errorf("check funding tx: %w", err)
			}
			if used {
				return fmt.Errorf("%w: funding transaction %s already funded a deposit", ErrInvalidInput, p.FundingTx.Hex())
			}
		}
		var err error
		id, err = createDeposit(ctx, u.tx, &Deposit{
			Depositor:       p.Depositor,
			BeneficiaryHash: p.BeneficiaryHash,
			Asset:           kind,
			Amount:          amount,
			FundingTx:       p.FundingTx,
			CreatedAt:       e.now().UTC(),
		})
		if err != nil {
			return err
		}
		if err := e.assets.Collect(ctx, kind, p.Depositor, amount, p.FundingTx); err != nil {
			return err
		}
		u.emit(Deposited{ID: id, Depositor: p.Depositor})
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("deposit created", "id", id, "asset", kind.String(), "amount", amount.String())
	return id, nil
}

// Get returns a copy of the deposit record.
func (e *Escrow) Get(ctx context.Context, id uint64) (*Deposit, error) {
	var out *Deposit
	err := e.view(ctx, func(tx Tx) error {
		d, err := tx.Deposit(ctx, id)
		if err != nil {
			return err
		}
		out = d.Clone()
		return nil
	})
	return out, err
}

func fundingChannel(p DepositParams) (AssetKind, *big.Int, error) {
	native, token := isPositive(p.Value), isPositive(p.Amount)
	switch {
	case native && token:
		return AssetKind{}, nil, fmt.Errorf("%w: both native value and token amount supplied", ErrInvalidInput)
	case native:
		if p.Token != (common.Address{}) {
			return AssetKind{}, nil, fmt.Errorf("%w: token address supplied with native value", ErrInvalidInput)
		}
		return Native, new(big.Int).Set(p.Value), nil
	case token:
		if p.Token == (common.Address{}) {
			return AssetKind{}, nil, fmt.Errorf("%w: token amount without token address", ErrInvalidInput)
		}
		return Fungible(p.Token), new(big.Int).Set(p.Amount), nil
	default:
		return AssetKind{}, nil, fmt.Errorf("%w: no positive native value or token amount", ErrInvalidInput)
	}
}

func checkBeneficiaryHash(h common.Hash) error {
	if h == (common.Hash{}) || h == ZeroAddressHash {
		return ErrInvalidBeneficiaryHash
	}
	return nil
}

func createDeposit(ctx context.Context, tx Tx, d *Deposit) (uint64, error) {
	id, err := tx.NextDepositID(ctx)
	if err != nil {
		return 0, fmt.Errorf("reserve deposit id: %w", err)
	}
	d.ID = id
	if err := tx.PutDeposit(ctx, d); err != nil {
		return 0, fmt.Errorf("store deposit %d: %w", id, err)
	}
	return id, nil
}

// markReleased is the only mutation a record ever sees after creation.
func markReleased(ctx context.Context, tx Tx, d *Deposit, beneficiary common.Address, at time.Time) error {
	d.Beneficiary = beneficiary
	d.Amount = new(big.Int)
	d.Released = true
	d.ReleasedAt = at
	if err := tx.PutDeposit(ctx, d); err != nil {
		return fmt.Errorf("store deposit %d: %w", d.ID, err)
	}
	return nil
}
