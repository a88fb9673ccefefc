package asset

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"blindescrow/internal/escrow"
)

var testChainID = big.NewInt(1337)

// fakeRPC answers the calls EthBackend makes. Methods it does not override
// panic through the nil embedded interface.
type fakeRPC struct {
	rpcClient

	txs      map[common.Hash]*types.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*types.Receipt

	sendErr      error
	receiptErr   error
	payoutStatus uint64
	sent         []*types.Transaction
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		txs:          make(map[common.Hash]*types.Transaction),
		pending:      make(map[common.Hash]bool),
		receipts:     make(map[common.Hash]*types.Receipt),
		payoutStatus: types.ReceiptStatusSuccessful,
	}
}

// mined records tx as included with the given receipt status.
func (f *fakeRPC) mined(tx *types.Transaction, status uint64) {
	f.txs[tx.Hash()] = tx
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash(), BlockNumber: big.NewInt(1)}
}

func (f *fakeRPC) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, f.pending[hash], nil
}

func (f *fakeRPC) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeRPC) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.mined(tx, f.payoutStatus)
	return nil
}

func (f *fakeRPC) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeRPC) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(1)}, nil
}

func (f *fakeRPC) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21_000, nil
}

func (f *fakeRPC) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

type nodeError struct{ msg string }

func (e nodeError) Error() string  { return e.msg }
func (e nodeError) ErrorCode() int { return -32000 }

func newTestEthBackend(t *testing.T, rpc *fakeRPC) *EthBackend {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return newEthBackend(rpc, abi.ABI{}, key, testChainID, time.Second, slog.Default())
}

func fundingTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address, value int64) *types.Transaction {
	t.Helper()
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   testChainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21_000,
		To:        &to,
		Value:     big.NewInt(value),
	}), types.LatestSignerForChainID(testChainID), key)
	require.NoError(t, err)
	return tx
}

func TestEthReceiveNativeChecksFunding(t *testing.T) {
	ctx := context.Background()
	rpc := newFakeRPC()
	b := newTestEthBackend(t, rpc)
	custody := b.Address()

	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	good := fundingTx(t, payerKey, 0, custody, 100)
	rpc.mined(good, types.ReceiptStatusSuccessful)
	require.NoError(t, b.ReceiveNative(ctx, payer, custody, big.NewInt(100), good.Hash()))

	reverted := fundingTx(t, payerKey, 1, custody, 100)
	rpc.mined(reverted, types.ReceiptStatusFailed)
	unmined := fundingTx(t, payerKey, 2, custody, 100)
	rpc.mined(unmined, types.ReceiptStatusSuccessful)
	rpc.pending[unmined.Hash()] = true
	elsewhere := fundingTx(t, payerKey, 3, bob, 100)
	rpc.mined(elsewhere, types.ReceiptStatusSuccessful)

	cases := map[string]struct {
		from      common.Address
		amount    int64
		hash      common.Hash
		wantInput bool
	}{
		"no proof":        {from: payer, amount: 100, wantInput: true},
		"unknown tx":      {from: payer, amount: 100, hash: common.HexToHash("0xdead"), wantInput: true},
		"still pending":   {from: payer, amount: 100, hash: unmined.Hash()},
		"reverted":        {from: payer, amount: 100, hash: reverted.Hash()},
		"pays elsewhere":  {from: payer, amount: 100, hash: elsewhere.Hash()},
		"amount mismatch": {from: payer, amount: 1_000_000, hash: good.Hash()},
		"other sender":    {from: alice, amount: 100, hash: good.Hash()},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := b.ReceiveNative(ctx, tc.from, custody, big.NewInt(tc.amount), tc.hash)
			require.Error(t, err)
			require.Equal(t, tc.wantInput, errors.Is(err, escrow.ErrInvalidInput), err.Error())
		})
	}

	assets, err := NewAdapter(custody, b, b)
	require.NoError(t, err)
	_, journaled := assets.(escrow.Journal)
	require.False(t, journaled, "chain transfers cannot be reverted")

	err = assets.Collect(ctx, escrow.Native, payer, big.NewInt(100), common.Hash{})
	require.ErrorIs(t, err, escrow.ErrInvalidInput)
	require.NotErrorIs(t, err, escrow.ErrTransferFailed)
	err = assets.Collect(ctx, escrow.Native, payer, big.NewInt(1_000_000), good.Hash())
	require.ErrorIs(t, err, escrow.ErrTransferFailed)
	require.NoError(t, assets.Collect(ctx, escrow.Native, payer, big.NewInt(100), good.Hash()))
}

func TestEthSendNativeOutlivesRequest(t *testing.T) {
	rpc := newFakeRPC()
	b := newTestEthBackend(t, rpc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.SendNative(ctx, b.Address(), bob, big.NewInt(5)))
	require.Len(t, rpc.sent, 1)
}

func TestEthSendNativeOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("receipt unavailable after broadcast", func(t *testing.T) {
		rpc := newFakeRPC()
		rpc.receiptErr = errors.New("connection reset by peer")
		b := newTestEthBackend(t, rpc)
		assets, err := NewAdapter(b.Address(), b, b)
		require.NoError(t, err)

		err = assets.Move(ctx, escrow.Native, bob, big.NewInt(5))
		require.ErrorIs(t, err, escrow.ErrTransferPending)
		require.NotErrorIs(t, err, escrow.ErrTransferFailed)
		require.Len(t, rpc.sent, 1)
	})

	t.Run("send outcome unknown", func(t *testing.T) {
		rpc := newFakeRPC()
		rpc.sendErr = errors.New("i/o timeout")
		b := newTestEthBackend(t, rpc)
		require.ErrorIs(t, b.SendNative(ctx, b.Address(), bob, big.NewInt(5)), escrow.ErrTransferPending)
	})

	t.Run("node refuses", func(t *testing.T) {
		rpc := newFakeRPC()
		rpc.sendErr = nodeError{msg: "nonce too low"}
		b := newTestEthBackend(t, rpc)
		assets, err := NewAdapter(b.Address(), b, b)
		require.NoError(t, err)

		err = assets.Move(ctx, escrow.Native, bob, big.NewInt(5))
		require.ErrorIs(t, err, escrow.ErrTransferFailed)
		require.NotErrorIs(t, err, escrow.ErrTransferPending)
	})

	t.Run("payout reverted", func(t *testing.T) {
		rpc := newFakeRPC()
		rpc.payoutStatus = types.ReceiptStatusFailed
		b := newTestEthBackend(t, rpc)
		assets, err := NewAdapter(b.Address(), b, b)
		require.NoError(t, err)

		err = assets.Move(ctx, escrow.Native, bob, big.NewInt(5))
		require.ErrorIs(t, err, escrow.ErrTransferFailed)
		require.NotErrorIs(t, err, escrow.ErrTransferPending)
	})

	t.Run("not custody", func(t *testing.T) {
		b := newTestEthBackend(t, newFakeRPC())
		require.Error(t, b.SendNative(ctx, alice, bob, big.NewInt(5)))
	})
}
