package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event is emitted once the operation producing it has committed.
type Event interface {
	EventName() string
}

// Emitter receives committed events. Emit failures are logged and never undo
// the operation that produced the event.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

type Deposited struct {
	ID        uint64         `json:"id"`
	Depositor common.Address `json:"depositor"`
}

type Released struct {
	ID          uint64         `json:"id"`
	Beneficiary common.Address `json:"beneficiary"`
	Receiver    common.Address `json:"receiver"`
	// Token is the zero address for native releases.
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

type WithdrawnNative struct {
	Owner  common.Address `json:"owner"`
	Amount *big.Int       `json:"amount"`
}

type WithdrawnToken struct {
	Owner  common.Address `json:"owner"`
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

type OwnershipTransferStarted struct {
	PreviousOwner common.Address `json:"previousOwner"`
	NewOwner      common.Address `json:"newOwner"`
}

type OwnershipTransferred struct {
	PreviousOwner common.Address `json:"previousOwner"`
	NewOwner      common.Address `json:"newOwner"`
}

func (Deposited) EventName() string                { return "Deposited" }
func (Released) EventName() string                 { return "Released" }
func (WithdrawnNative) EventName() string          { return "WithdrawnNative" }
func (WithdrawnToken) EventName() string           { return "WithdrawnToken" }
func (OwnershipTransferStarted) EventName() string { return "OwnershipTransferStarted" }
func (OwnershipTransferred) EventName() string     { return "OwnershipTransferred" }

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) error { return nil }
