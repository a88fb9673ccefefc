package asset

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"blindescrow/internal/escrow"
)

// stubTokens reports a fixed outcome for every token call.
type stubTokens struct {
	ok  bool
	err error
}

func (s stubTokens) BalanceOf(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(7), s.err
}

func (s stubTokens) Transfer(context.Context, common.Address, common.Address, common.Address, *big.Int) (bool, error) {
	return s.ok, s.err
}

func (s stubTokens) TransferFrom(context.Context, common.Address, common.Address, common.Address, common.Address, *big.Int) (bool, error) {
	return s.ok, s.err
}

func TestNewAdapterValidates(t *testing.T) {
	c := NewChain()
	_, err := NewAdapter(common.Address{}, c, c)
	require.Error(t, err)
	_, err = NewAdapter(vault, nil, c)
	require.Error(t, err)

	assets, err := NewAdapter(vault, c, c)
	require.NoError(t, err)
	_, journaled := assets.(escrow.Journal)
	require.True(t, journaled, "journaling backends surface through the adapter")

	assets, err = NewAdapter(vault, c, stubTokens{ok: true})
	require.NoError(t, err)
	_, journaled = assets.(escrow.Journal)
	require.True(t, journaled)
}

func TestAdapterChecksTokenSuccessFlag(t *testing.T) {
	ctx := context.Background()
	kind := escrow.Fungible(coin)

	cases := map[string]stubTokens{
		"returns false": {ok: false},
		"reverts":       {err: errors.New("execution reverted")},
	}
	for name, tokens := range cases {
		t.Run(name, func(t *testing.T) {
			a := &Adapter{custody: vault, native: NewChain(), tokens: tokens}
			require.ErrorIs(t, a.Move(ctx, kind, bob, big.NewInt(1)), escrow.ErrTransferFailed)
			require.ErrorIs(t, a.Collect(ctx, kind, alice, big.NewInt(1), common.Hash{}), escrow.ErrTransferFailed)
		})
	}

	a := &Adapter{custody: vault, native: NewChain(), tokens: stubTokens{ok: true}}
	require.NoError(t, a.Move(ctx, kind, bob, big.NewInt(1)))
	bal, err := a.Balance(ctx, kind)
	require.NoError(t, err)
	require.Equal(t, int64(7), bal.Int64())
}

func TestAdapterNative(t *testing.T) {
	ctx := context.Background()
	c := NewChain()
	c.Mint(escrow.Native, alice, big.NewInt(10))
	a := &Adapter{custody: vault, native: c, tokens: c}

	require.NoError(t, a.Collect(ctx, escrow.Native, alice, big.NewInt(10), common.Hash{}))
	bal, err := a.Balance(ctx, escrow.Native)
	require.NoError(t, err)
	require.Equal(t, int64(10), bal.Int64())

	require.ErrorIs(t, a.Move(ctx, escrow.Native, bob, big.NewInt(11)), escrow.ErrTransferFailed)
	require.NoError(t, a.Move(ctx, escrow.Native, bob, big.NewInt(10)))
	require.Equal(t, int64(10), c.Balance(escrow.Native, bob).Int64())
}

func TestERC20ABI(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)
	for _, m := range []string{"balanceOf", "transfer", "transferFrom"} {
		require.Contains(t, parsed.Methods, m)
	}
	data, err := parsed.Pack("transfer", bob, big.NewInt(5))
	require.NoError(t, err)
	require.Len(t, data, 4+32+32)
}

func TestParsePrivateKey(t *testing.T) {
	const hexKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	a, err := parsePrivateKey(hexKey)
	require.NoError(t, err)
	b, err := parsePrivateKey("0x" + hexKey)
	require.NoError(t, err)
	require.Equal(t, 0, a.D.Cmp(b.D))

	_, err = parsePrivateKey("nothex")
	require.Error(t, err)
}
