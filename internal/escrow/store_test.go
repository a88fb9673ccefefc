package escrow_test

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"blindescrow/internal/escrow"
)

func testStoreNesting(t *testing.T, store escrow.Store) {
	ctx := context.Background()
	big200 := new(big.Int).Lsh(big.NewInt(1), 200)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	first, err := tx.NextDepositID(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutDeposit(ctx, &escrow.Deposit{
		ID:              first,
		Depositor:       depositor,
		BeneficiaryHash: escrow.ConcealAddress(receiver),
		Asset:           escrow.Fungible(token),
		Amount:          big200,
		CreatedAt:       now.UTC(),
	}))

	nested, err := tx.Begin(ctx)
	require.NoError(t, err)
	second, err := nested.NextDepositID(ctx)
	require.NoError(t, err)
	require.Equal(t, first+1, second)
	require.NoError(t, nested.PutDeposit(ctx, &escrow.Deposit{ID: second, Amount: big.NewInt(1), CreatedAt: now.UTC()}))
	seen, err := nested.Deposit(ctx, first)
	require.NoError(t, err, "nested unit sees its parent's writes")
	require.Equal(t, 0, seen.Amount.Cmp(big200))
	require.NoError(t, nested.Rollback(ctx))

	_, err = tx.Deposit(ctx, second)
	require.ErrorIs(t, err, escrow.ErrDepositNotFound)
	again, err := tx.NextDepositID(ctx)
	require.NoError(t, err)
	require.Equal(t, second, again, "rolled back id is reused")
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx), "rollback after commit is a no-op")

	read, err := store.Begin(ctx)
	require.NoError(t, err)
	defer read.Rollback(ctx)
	got, err := read.Deposit(ctx, first)
	require.NoError(t, err)
	require.Equal(t, depositor, got.Depositor)
	require.Equal(t, escrow.Fungible(token), got.Asset)
	require.Equal(t, 0, got.Amount.Cmp(big200))
	require.Equal(t, now.Unix(), got.CreatedAt.Unix())
	require.False(t, got.Released)

	next, err := read.NextDepositID(ctx)
	require.NoError(t, err)
	require.Equal(t, again+1, next)
}

func testStoreDiscardsRollback(t *testing.T, store escrow.Store) {
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	id, err := tx.NextDepositID(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutDeposit(ctx, &escrow.Deposit{ID: id, Amount: big.NewInt(3), CreatedAt: now.UTC()}))
	require.NoError(t, tx.Rollback(ctx))

	read, err := store.Begin(ctx)
	require.NoError(t, err)
	defer read.Rollback(ctx)
	_, err = read.Deposit(ctx, id)
	require.ErrorIs(t, err, escrow.ErrDepositNotFound)
	reused, err := read.NextDepositID(ctx)
	require.NoError(t, err)
	require.Equal(t, id, reused)
}

func TestMemoryStore(t *testing.T) {
	t.Run("nesting", func(t *testing.T) { testStoreNesting(t, escrow.NewMemoryStore()) })
	t.Run("rollback", func(t *testing.T) { testStoreDiscardsRollback(t, escrow.NewMemoryStore()) })
	t.Run("funding", func(t *testing.T) { testStoreFundingUsed(t, escrow.NewMemoryStore()) })

	t.Run("released record", func(t *testing.T) {
		ctx := context.Background()
		store := escrow.NewMemoryStore()
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		d := &escrow.Deposit{ID: 1, Amount: new(big.Int), Released: true, Beneficiary: receiver, ReleasedAt: now.UTC()}
		require.NoError(t, tx.PutDeposit(ctx, d))
		d.Amount.SetInt64(99)
		require.NoError(t, tx.Commit(ctx))

		read, err := store.Begin(ctx)
		require.NoError(t, err)
		got, err := read.Deposit(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, 0, got.Amount.Sign(), "stored records do not alias caller values")
		require.Equal(t, receiver, got.Beneficiary)
	})

	t.Run("finished tx", func(t *testing.T) {
		ctx := context.Background()
		tx, err := escrow.NewMemoryStore().Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
		require.Error(t, tx.Commit(ctx))
		_, err = tx.NextDepositID(ctx)
		require.Error(t, err)
	})

	t.Run("ownership", func(t *testing.T) {
		ctx := context.Background()
		store := escrow.NewMemoryStore()
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		own, err := tx.Ownership(ctx)
		require.NoError(t, err)
		require.False(t, own.Initialized)

		nested, err := tx.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, nested.PutOwnership(ctx, &escrow.Ownership{Initialized: true, Owner: owner, PendingOwner: relayer}))
		require.NoError(t, nested.Commit(ctx))
		require.NoError(t, tx.Commit(ctx))

		read, err := store.Begin(ctx)
		require.NoError(t, err)
		own, err = read.Ownership(ctx)
		require.NoError(t, err)
		require.Equal(t, escrow.Ownership{Initialized: true, Owner: owner, PendingOwner: relayer}, *own)
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := escrow.NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	t.Run("nesting", func(t *testing.T) { testStoreNesting(t, store) })
	t.Run("rollback", func(t *testing.T) { testStoreDiscardsRollback(t, store) })

	t.Run("ownership", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)

		require.NoError(t, tx.PutOwnership(ctx, &escrow.Ownership{Initialized: true, Owner: owner, PendingOwner: common.Address{}}))
		own, err := tx.Ownership(ctx)
		require.NoError(t, err)
		require.True(t, own.Initialized)
		require.Equal(t, owner, own.Owner)
		require.Equal(t, common.Address{}, own.PendingOwner)
	})

	t.Run("funding", func(t *testing.T) { testStoreFundingUsed(t, store) })

	t.Run("release lock", func(t *testing.T) {
		seed, err := store.Begin(ctx)
		require.NoError(t, err)
		id, err := seed.NextDepositID(ctx)
		require.NoError(t, err)
		require.NoError(t, seed.PutDeposit(ctx, &escrow.Deposit{ID: id, Amount: big.NewInt(7), CreatedAt: now.UTC()}))
		require.NoError(t, seed.Commit(ctx))

		first, err := store.Begin(ctx)
		require.NoError(t, err)
		d, err := first.LockDeposit(ctx, id)
		require.NoError(t, err)
		require.False(t, d.Released)

		type locked struct {
			d   *escrow.Deposit
			err error
		}
		second, err := store.Begin(ctx)
		require.NoError(t, err)
		defer second.Rollback(ctx)
		got := make(chan locked, 1)
		go func() {
			d, err := second.LockDeposit(ctx, id)
			got <- locked{d, err}
		}()

		select {
		case <-got:
			t.Fatal("second unit read the row while the first held it")
		case <-time.After(200 * time.Millisecond):
		}

		d.Released = true
		d.Beneficiary = receiver
		d.Amount = new(big.Int)
		d.ReleasedAt = now.UTC()
		require.NoError(t, first.PutDeposit(ctx, d))
		require.NoError(t, first.Commit(ctx))

		res := <-got
		require.NoError(t, res.err)
		require.True(t, res.d.Released, "second unit sees the committed release")
		require.Equal(t, 0, res.d.Amount.Sign())
	})
}

func testStoreFundingUsed(t *testing.T, store escrow.Store) {
	ctx := context.Background()
	funding := crypto.Keccak256Hash([]byte(time.Now().String()))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	used, err := tx.FundingUsed(ctx, funding)
	require.NoError(t, err)
	require.False(t, used)

	id, err := tx.NextDepositID(ctx)
	require.NoError(t, err)
	nested, err := tx.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, nested.PutDeposit(ctx, &escrow.Deposit{ID: id, Asset: escrow.Native, Amount: big.NewInt(1), FundingTx: funding, CreatedAt: now.UTC()}))
	used, err = nested.FundingUsed(ctx, funding)
	require.NoError(t, err)
	require.True(t, used, "unit sees its own funding record")
	require.NoError(t, nested.Commit(ctx))
	require.NoError(t, tx.Commit(ctx))

	read, err := store.Begin(ctx)
	require.NoError(t, err)
	defer read.Rollback(ctx)
	used, err = read.FundingUsed(ctx, funding)
	require.NoError(t, err)
	require.True(t, used)
	got, err := read.Deposit(ctx, id)
	require.NoError(t, err)
	require.Equal(t, funding, got.FundingTx)
}
