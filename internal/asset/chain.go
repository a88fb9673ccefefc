package asset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"blindescrow/internal/escrow"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Receiver runs when value arrives at an account, like contract code on a
// payable address or a token receive hook. It may call back into the escrow,
// but only with ctx or a context derived from it: the running escrow unit is
// carried in ctx and a call made without it blocks forever. A non-nil error
// rejects the incoming value.
type Receiver func(ctx context.Context, from common.Address, kind escrow.AssetKind, amount *big.Int) error

// TokenBehavior configures a simulated token.
type TokenBehavior struct {
	// ReturnFalse makes transfer and transferFrom report failure by return
	// value without reverting or moving balances.
	ReturnFalse bool
	// Hooks makes token transfers run the recipient's Receiver.
	Hooks bool
}

// Chain is an in-memory ledger of native and token balances. Every balance
// change is journaled so a failed operation can be reverted.
type Chain struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]map[common.Address]*big.Int
	tokens     map[common.Address]TokenBehavior
	receivers  map[common.Address]Receiver
	journal    []func()
	// open counts snapshots not yet reverted or discarded. The journal is
	// dropped whenever it reaches zero.
	open int
}

var (
	_ NativeBackend  = (*Chain)(nil)
	_ TokenBackend   = (*Chain)(nil)
	_ escrow.Journal = (*Chain)(nil)
)

func NewChain() *Chain {
	return &Chain{
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]map[common.Address]*big.Int),
		tokens:     make(map[common.Address]TokenBehavior),
		receivers:  make(map[common.Address]Receiver),
	}
}

// Mint credits amount of kind to account. A mint made while a snapshot is
// open is undone if that snapshot is reverted.
func (c *Chain) Mint(kind escrow.AssetKind, account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(kind.Token, account, new(big.Int).Add(c.get(kind.Token, account), amount))
	c.trim()
}

func (c *Chain) SetToken(token common.Address, b TokenBehavior) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = b
}

func (c *Chain) SetReceiver(account common.Address, r Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r == nil {
		delete(c.receivers, account)
		return
	}
	c.receivers[account] = r
}

func (c *Chain) Approve(token, owner, spender common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAllowance(token, owner, spender, new(big.Int).Set(amount))
}

func (c *Chain) Allowance(token, owner, spender common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowance(token, owner, spender)
}

func (c *Chain) Balance(kind escrow.AssetKind, account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(kind.Token, account)
}

func (c *Chain) Snapshot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open++
	return len(c.journal)
}

func (c *Chain) RevertToSnapshot(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revertTo(id)
	c.close()
}

func (c *Chain) DiscardSnapshot(int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.close()
}

func (c *Chain) close() {
	if c.open > 0 {
		c.open--
	}
	c.trim()
}

// trim drops the journal once no snapshot can revert into it.
func (c *Chain) trim() {
	if c.open == 0 {
		c.journal = nil
	}
}

func (c *Chain) revertTo(id int) {
	if id < 0 || id > len(c.journal) {
		return
	}
	for i := len(c.journal) - 1; i >= id; i-- {
		c.journal[i]()
	}
	c.journal = c.journal[:id]
}


func (c *Chain) NativeBalance(_ context.Context, account common.Address) (*big.Int, error) {
	return c.Balance(escrow.Native, account), nil
}

func (c *Chain) SendNative(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return c.transfer(ctx, escrow.Native, from, to, amount, true)
}

// ReceiveNative moves the attached value itself, so fundingTx is not needed.
func (c *Chain) ReceiveNative(ctx context.Context, from, to common.Address, amount *big.Int, _ common.Hash) error {
	return c.transfer(ctx, escrow.Native, from, to, amount, false)
}

func (c *Chain) BalanceOf(_ context.Context, token, account common.Address) (*big.Int, error) {
	return c.Balance(escrow.Fungible(token), account), nil
}

func (c *Chain) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) (bool, error) {
	behavior := c.behavior(token)
	if behavior.ReturnFalse {
		return false, nil
	}
	if err := c.transfer(ctx, escrow.Fungible(token), from, to, amount, behavior.Hooks); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Chain) TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) (bool, error) {
	behavior := c.behavior(token)
	if behavior.ReturnFalse {
		return false, nil
	}

	mark := c.Snapshot()
	c.mu.Lock()
	allowed := c.allowance(token, from, spender)
	if allowed.Cmp(amount) < 0 {
		c.mu.Unlock()
		c.DiscardSnapshot(mark)
		return false, fmt.Errorf("%w: %s allows %s to spend %s", ErrInsufficientAllowance, from.Hex(), spender.Hex(), allowed)
	}
	c.setAllowance(token, from, spender, new(big.Int).Sub(allowed, amount))
	c.mu.Unlock()

	if err := c.transfer(ctx, escrow.Fungible(token), from, to, amount, behavior.Hooks); err != nil {
		c.RevertToSnapshot(mark)
		return false, err
	}
	c.DiscardSnapshot(mark)
	return true, nil
}

func (c *Chain) behavior(token common.Address) TokenBehavior {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[token]
}

// transfer moves the balance first and then runs the recipient's Receiver,
// undoing everything since the move when the Receiver rejects.
func (c *Chain) transfer(ctx context.Context, kind escrow.AssetKind, from, to common.Address, amount *big.Int, hooks bool) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("negative transfer amount")
	}

	mark := c.Snapshot()
	c.mu.Lock()
	balance := c.get(kind.Token, from)
	if balance.Cmp(amount) < 0 {
		c.mu.Unlock()
		c.DiscardSnapshot(mark)
		return fmt.Errorf("%w: %s holds %s of %s", ErrInsufficientBalance, from.Hex(), balance, kind)
	}
	c.set(kind.Token, from, new(big.Int).Sub(balance, amount))
	c.set(kind.Token, to, new(big.Int).Add(c.get(kind.Token, to), amount))
	receiver := c.receivers[to]
	c.mu.Unlock()

	if hooks && receiver != nil {
		if err := receiver(ctx, from, kind, new(big.Int).Set(amount)); err != nil {
			c.RevertToSnapshot(mark)
			return fmt.Errorf("receiver %s rejected value: %w", to.Hex(), err)
		}
	}
	c.DiscardSnapshot(mark)
	return nil
}

// get and set require c.mu.
func (c *Chain) get(token, account common.Address) *big.Int {
	if bal, ok := c.balances[token][account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (c *Chain) set(token, account common.Address, value *big.Int) {
	accounts, ok := c.balances[token]
	if !ok {
		accounts = make(map[common.Address]*big.Int)
		c.balances[token] = accounts
	}
	prev, existed := accounts[account]
	accounts[account] = value
	c.journal = append(c.journal, func() {
		if existed {
			accounts[account] = prev
		} else {
			delete(accounts, account)
		}
	})
}

func (c *Chain) allowance(token, owner, spender common.Address) *big.Int {
	if v, ok := c.allowances[token][owner][spender]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (c *Chain) setAllowance(token, owner, spender common.Address, value *big.Int) {
	owners, ok := c.allowances[token]
	if !ok {
		owners = make(map[common.Address]map[common.Address]*big.Int)
		c.allowances[token] = owners
	}
	spenders, ok := owners[owner]
	if !ok {
		spenders = make(map[common.Address]*big.Int)
		owners[owner] = spenders
	}
	prev, existed := spenders[spender]
	spenders[spender] = value
	c.journal = append(c.journal, func() {
		if existed {
			spenders[spender] = prev
		} else {
			delete(spenders, spender)
		}
	})
}
