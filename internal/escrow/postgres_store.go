package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the ledger in PostgreSQL. Nested units map to
// savepoints.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var schemaSQL = []string{`
CREATE TABLE IF NOT EXISTS escrow_deposits (
    id BIGINT PRIMARY KEY,
    depositor TEXT NOT NULL,
    beneficiary_hash BYTEA NOT NULL,
    token TEXT NOT NULL,
    amount NUMERIC(78, 0) NOT NULL,
    released BOOLEAN NOT NULL DEFAULT FALSE,
    beneficiary TEXT NOT NULL DEFAULT '',
    funding_tx BYTEA,
    created_at TIMESTAMPTZ NOT NULL,
    released_at TIMESTAMPTZ
)`,
	`ALTER TABLE escrow_deposits ADD COLUMN IF NOT EXISTS funding_tx BYTEA`,
	`CREATE UNIQUE INDEX IF NOT EXISTS escrow_deposits_funding_tx ON escrow_deposits (funding_tx) WHERE funding_tx IS NOT NULL`, `
CREATE TABLE IF NOT EXISTS escrow_state (
    singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
    last_deposit_id BIGINT NOT NULL DEFAULT 0,
    initialized BOOLEAN NOT NULL DEFAULT FALSE,
    owner TEXT NOT NULL DEFAULT '',
    pending_owner TEXT NOT NULL DEFAULT ''
)`,
	`INSERT INTO escrow_state (singleton) VALUES (TRUE) ON CONFLICT DO NOTHING`,
}

// NewPostgresStore connects using the DSN and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	for _, stmt := range schemaSQL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Begin(ctx context.Context) (Tx, error) {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: nested}, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (t *pgTx) NextDepositID(ctx context.Context) (uint64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
UPDATE escrow_state SET last_deposit_id = last_deposit_id + 1
RETURNING last_deposit_id
`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

const selectDepositSQL = `
SELECT depositor, beneficiary_hash, token, amount::text, released, beneficiary, funding_tx, created_at, released_at
FROM escrow_deposits
WHERE id = $1
`

func (t *pgTx) Deposit(ctx context.Context, id uint64) (*Deposit, error) {
	return t.scanDeposit(ctx, id, selectDepositSQL)
}

// LockDeposit takes the row lock, so a second replica releasing the same id
// waits for this unit and then reads the committed outcome.
func (t *pgTx) LockDeposit(ctx context.Context, id uint64) (*Deposit, error) {
	return t.scanDeposit(ctx, id, selectDepositSQL+"FOR UPDATE\n")
}

func (t *pgTx) FundingUsed(ctx context.Context, fundingTx common.Hash) (bool, error) {
	var used bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_deposits WHERE funding_tx = $1)`, fundingTx.Bytes()).Scan(&used)
	return used, err
}

func (t *pgTx) scanDeposit(ctx context.Context, id uint64, query string) (*Deposit, error) {
	row := t.tx.QueryRow(ctx, query, int64(id))

	var (
		depositor, token, amount, beneficiary string
		hash, fundingTx                       []byte
		released                              bool
		createdAt                             time.Time
		releasedAt                            *time.Time
	)
	if err := row.Scan(&depositor, &hash, &token, &amount, &released, &beneficiary, &fundingTx, &createdAt, &releasedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositNotFound
		}
		return nil, err
	}

	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("deposit %d: invalid stored amount %q", id, amount)
	}
	d := &Deposit{
		ID:              id,
		Depositor:       common.HexToAddress(depositor),
		BeneficiaryHash: common.BytesToHash(hash),
		Asset:           Fungible(common.HexToAddress(token)),
		Amount:          value,
		Released:        released,
		CreatedAt:       createdAt.UTC(),
	}
	if beneficiary != "" {
		d.Beneficiary = common.HexToAddress(beneficiary)
	}
	if len(fundingTx) > 0 {
		d.FundingTx = common.BytesToHash(fundingTx)
	}
	if releasedAt != nil {
		d.ReleasedAt = releasedAt.UTC()
	}
	return d, nil
}

func (t *pgTx) PutDeposit(ctx context.Context, d *Deposit) error {
	var beneficiary string
	if d.Beneficiary != (common.Address{}) {
		beneficiary = d.Beneficiary.Hex()
	}
	var releasedAt *time.Time
	if !d.ReleasedAt.IsZero() {
		releasedAt = &d.ReleasedAt
	}
	var fundingTx []byte
	if d.FundingTx != (common.Hash{}) {
		fundingTx = d.FundingTx.Bytes()
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO escrow_deposits (id, depositor, beneficiary_hash, token, amount, released, beneficiary, funding_tx, created_at, released_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE
SET amount = EXCLUDED.amount,
    released = EXCLUDED.released,
    beneficiary = EXCLUDED.beneficiary,
    released_at = EXCLUDED.released_at
`, int64(d.ID), d.Depositor.Hex(), d.BeneficiaryHash.Bytes(), d.Asset.Token.Hex(), d.Amount.String(),
		d.Released, beneficiary, fundingTx, d.CreatedAt, releasedAt)
	return err
}

func (t *pgTx) Ownership(ctx context.Context) (*Ownership, error) {
	var (
		o                   Ownership
		owner, pendingOwner string
	)
	err := t.tx.QueryRow(ctx, `
SELECT initialized, owner, pending_owner FROM escrow_state WHERE singleton
`).Scan(&o.Initialized, &owner, &pendingOwner)
	if err != nil {
		return nil, err
	}
	if owner != "" {
		o.Owner = common.HexToAddress(owner)
	}
	if pendingOwner != "" {
		o.PendingOwner = common.HexToAddress(pendingOwner)
	}
	return &o, nil
}

func (t *pgTx) PutOwnership(ctx context.Context, o *Ownership) error {
	var owner, pendingOwner string
	if o.Owner != (common.Address{}) {
		owner = o.Owner.Hex()
	}
	if o.PendingOwner != (common.Address{}) {
		pendingOwner = o.PendingOwner.Hex()
	}
	_, err := t.tx.Exec(ctx, `
UPDATE escrow_state SET initialized = $1, owner = $2, pending_owner = $3 WHERE singleton
`, o.Initialized, owner, pendingOwner)
	return err
}
