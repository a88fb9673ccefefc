package asset

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"blindescrow/internal/escrow"
)

// EthBackend moves custody held by a hot-wallet key on an EVM chain. Token
// success flags come from simulating the call before sending it and from the
// mined receipt; tokens that return no data are treated as successful.
//
// Once a payout is broadcast it cannot be recalled. Failures from then on
// are reported as escrow.ErrTransferPending so the ledger records the payout.
type EthBackend struct {
	client         rpcClient
	erc20          abi.ABI
	key            *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	receiptTimeout time.Duration
	logger         *slog.Logger
}

var (
	_ NativeBackend = (*EthBackend)(nil)
	_ TokenBackend  = (*EthBackend)(nil)
)

// rpcClient is the part of *ethclient.Client the backend uses.
type rpcClient interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

type EthBackendConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	ReceiptTimeout time.Duration
	Logger         *slog.Logger
}

func NewEthBackend(ctx context.Context, cfg EthBackendConfig) (*EthBackend, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("custody private key is required")
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	key, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	b := newEthBackend(cli, parsedABI, key, chainID, cfg.ReceiptTimeout, cfg.Logger)
	cfg.Logger.Info("connected to chain", "chainId", chainID, "custody", b.address.Hex())
	return b, nil
}

func newEthBackend(cli rpcClient, erc20 abi.ABI, key *ecdsa.PrivateKey, chainID *big.Int, receiptTimeout time.Duration, logger *slog.Logger) *EthBackend {
	return &EthBackend{
		client:         cli,
		erc20:          erc20,
		key:            key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		chainID:        chainID,
		receiptTimeout: receiptTimeout,
		logger:         logger,
	}
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address is the custody account controlled by the backend's key.
func (b *EthBackend) Address() common.Address {
	return b.address
}

func (b *EthBackend) ChainID() *big.Int {
	return new(big.Int).Set(b.chainID)
}

func (b *EthBackend) Ping(ctx context.Context) error {
	_, err := b.client.BlockNumber(ctx)
	return err
}

func (b *EthBackend) Close() {
	b.client.Close()
}

func (b *EthBackend) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return b.client.BalanceAt(ctx, account, nil)
}

// ReceiveNative accepts a deposit only when fundingTx is a mined, successful
// transaction from the depositor paying exactly amount to custody. The ledger
// keeps each funding transaction to a single deposit.
func (b *EthBackend) ReceiveNative(ctx context.Context, from, to common.Address, amount *big.Int, fundingTx common.Hash) error {
	if err := b.requireCustody(to); err != nil {
		return err
	}
	if fundingTx == (common.Hash{}) {
		return fmt.Errorf("%w: native deposits need the hash of the funding transaction", escrow.ErrInvalidInput)
	}

	tx, pending, err := b.client.TransactionByHash(ctx, fundingTx)
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: funding transaction %s not found", escrow.ErrInvalidInput, fundingTx.Hex())
	}
	if err != nil {
		return fmt.Errorf("fetch funding tx: %w", err)
	}
	if pending {
		return fmt.Errorf("funding transaction %s is not mined yet", fundingTx.Hex())
	}
	receipt, err := b.client.TransactionReceipt(ctx, fundingTx)
	if err != nil {
		return fmt.Errorf("fetch funding receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("funding transaction %s reverted", fundingTx.Hex())
	}
	if tx.To() == nil || *tx.To() != b.address {
		return fmt.Errorf("funding transaction %s does not pay custody", fundingTx.Hex())
	}
	if tx.Value().Cmp(amount) != 0 {
		return fmt.Errorf("funding transaction %s carries %s, deposit claims %s", fundingTx.Hex(), tx.Value(), amount)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return fmt.Errorf("funding sender: %w", err)
	}
	if sender != from {
		return fmt.Errorf("funding transaction %s was sent by %s, not %s", fundingTx.Hex(), sender.Hex(), from.Hex())
	}
	return nil
}

func (b *EthBackend) SendNative(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := b.requireCustody(from); err != nil {
		return err
	}

	nonce, err := b.client.PendingNonceAt(ctx, b.address)
	if err != nil {
		return fmt.Errorf("fetch nonce: %w", err)
	}
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	gas, err := b.client.EstimateGas(ctx, ethereum.CallMsg{From: b.address, To: &to, Value: amount})
	if err != nil {
		// A reverting receiver fails estimation.
		return fmt.Errorf("estimate gas: %w", err)
	}

	var tx *types.Transaction
	if head.BaseFee == nil {
		price, err := b.client.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("suggest gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{Nonce: nonce, GasPrice: price, Gas: gas, To: &to, Value: amount})
	} else {
		tip, err := b.client.SuggestGasTipCap(ctx)
		if err != nil {
			return fmt.Errorf("suggest gas tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   b.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     amount,
		})
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), b.key)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	if err := b.broadcast(ctx, signed); err != nil {
		return err
	}
	return b.awaitSuccess(ctx, signed)
}

func (b *EthBackend) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	bound := bind.NewBoundContract(token, b.erc20, b.client, b.client, b.client)
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf: unexpected output")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected output type %T", out[0])
	}
	return balance, nil
}

func (b *EthBackend) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) (bool, error) {
	if err := b.requireCustody(from); err != nil {
		return false, err
	}
	return b.transact(ctx, token, "transfer", to, amount)
}

func (b *EthBackend) TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) (bool, error) {
	if err := b.requireCustody(spender); err != nil {
		return false, err
	}
	return b.transact(ctx, token, "transferFrom", from, to, amount)
}

// transact simulates method, sends it only when the simulation reports
// success, and reports false when the token or the receipt signals failure.
func (b *EthBackend) transact(ctx context.Context, token common.Address, method string, args ...interface{}) (bool, error) {
	data, err := b.erc20.Pack(method, args...)
	if err != nil {
		return false, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := b.client.CallContract(ctx, ethereum.CallMsg{From: b.address, To: &token, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("simulate %s: %w", method, err)
	}
	if len(res) > 0 {
		out, err := b.erc20.Unpack(method, res)
		if err != nil {
			return false, fmt.Errorf("decode %s result: %w", method, err)
		}
		if ok, _ := out[0].(bool); !ok {
			return false, nil
		}
	}

	opts, err := bind.NewKeyedTransactorWithChainID(b.key, b.chainID)
	if err != nil {
		return false, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.NoSend = true

	bound := bind.NewBoundContract(token, b.erc20, b.client, b.client, b.client)
	tx, err := bound.Transact(opts, method, args...)
	if err != nil {
		return false, fmt.Errorf("%s tx: %w", method, err)
	}
	if err := b.broadcast(ctx, tx); err != nil {
		return false, err
	}
	if err := b.awaitSuccess(ctx, tx); err != nil {
		if errors.Is(err, errReverted) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var errReverted = errors.New("transaction reverted")

// broadcast sends tx. An error answered by the node means it refused the
// transaction; any other error leaves open whether it went out.
func (b *EthBackend) broadcast(ctx context.Context, tx *types.Transaction) error {
	err := b.client.SendTransaction(ctx, tx)
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("send tx: %w", err)
	}
	b.logger.Error("transaction may have been broadcast", "tx", tx.Hash().Hex(), "error", err)
	return fmt.Errorf("%w: send %s: %v", escrow.ErrTransferPending, tx.Hash().Hex(), err)
}

// awaitSuccess waits for the receipt of a broadcast transaction. The wait is
// detached from ctx so a cancelled request cannot turn a sent payout into a
// failed one.
func (b *EthBackend) awaitSuccess(ctx context.Context, tx *types.Transaction) error {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.receiptTimeout)
	defer cancel()

	receipt, err := WaitForReceipt(waitCtx, b.client, tx)
	if err != nil {
		b.logger.Error("payout receipt unavailable", "tx", tx.Hash().Hex(), "error", err)
		return fmt.Errorf("%w: wait for %s: %v", escrow.ErrTransferPending, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", errReverted, tx.Hash().Hex())
	}
	b.logger.Debug("transaction mined", "tx", tx.Hash().Hex(), "block", receipt.BlockNumber)
	return nil
}

func (b *EthBackend) requireCustody(account common.Address) error {
	if account != b.address {
		return fmt.Errorf("account %s is not the custody key %s", account.Hex(), b.address.Hex())
	}
	return nil
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client receiptReader, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
