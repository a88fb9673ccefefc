package escrow

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AssetKind tags the asset a deposit is denominated in.
// The zero token address denotes the native currency.
type AssetKind struct {
	Token common.Address
}

// Native is the asset kind of native-currency deposits.
var Native = AssetKind{}

// Fungible returns the asset kind of the given token contract.
func Fungible(token common.Address) AssetKind {
	return AssetKind{Token: token}
}

func (k AssetKind) IsNative() bool {
	return k.Token == (common.Address{})
}

func (k AssetKind) String() string {
	if k.IsNative() {
		return "native"
	}
	return k.Token.Hex()
}

// Deposit is the ledger record of one escrowed amount.
type Deposit struct {
	ID              uint64
	Depositor       common.Address
	BeneficiaryHash common.Hash
	Asset           AssetKind
	Amount          *big.Int
	Released        bool
	// FundingTx is the transaction that carried native value into custody,
	// zero when the backend observes attached value directly.
	FundingTx common.Hash
	// Beneficiary is zero until the release reveals the signer.
	Beneficiary common.Address
	CreatedAt   time.Time
	ReleasedAt  time.Time
}

// Clone returns a deep copy so callers never alias ledger state.
func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Amount != nil {
		cp.Amount = new(big.Int).Set(d.Amount)
	}
	return &cp
}

// ReleaseRequest is the message a beneficiary signs off-path. Any relayer may
// submit it together with the signature.
type ReleaseRequest struct {
	ID       uint64
	Amount   *big.Int
	Receiver common.Address
	// Deadline is a unix timestamp in seconds, inclusive.
	Deadline uint64
}

// DepositParams describes one funding call. Exactly one of Value (native) and
// Amount (token, with Token set) must be positive.
type DepositParams struct {
	Depositor       common.Address
	BeneficiaryHash common.Hash
	Token           common.Address
	Amount          *big.Int
	Value           *big.Int
	// FundingTx proves native value reached custody on backends that cannot
	// see it attached to the call. Each transaction funds one deposit.
	FundingTx common.Hash
}

// Ownership is the access-control state of the escrow.
type Ownership struct {
	Initialized  bool
	Owner        common.Address
	PendingOwner common.Address
}

// ZeroAddressHash is the concealed hash of the zero address; it is never a
// valid beneficiary hash.
var ZeroAddressHash = crypto.Keccak256Hash(common.Address{}.Bytes())

// ConcealAddress returns the one-way digest stored in place of a beneficiary.
func ConcealAddress(addr common.Address) common.Hash {
	return crypto.Keccak256Hash(addr.Bytes())
}

func isPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
