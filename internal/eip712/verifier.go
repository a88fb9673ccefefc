// Package eip712 hashes release authorizations as EIP-712 typed data and
// recovers their signer.
package eip712

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"blindescrow/internal/escrow"
)

const (
	Name        = "Escrow"
	Version     = "1"
	PrimaryType = "Release"
)

var releaseTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: {
		{Name: "id", Type: "uint256"},
		{Name: "amount", Type: "uint256"},
		{Name: "receiver", Type: "address"},
		{Name: "deadline", Type: "uint256"},
	},
}

// Domain binds signatures to one chain and one verifying contract.
type Domain struct {
	ChainID           *big.Int
	VerifyingContract common.Address
}

func (d Domain) Validate() error {
	if d.ChainID == nil || d.ChainID.Sign() <= 0 {
		return errors.New("eip712: chain id must be positive")
	}
	if d.VerifyingContract == (common.Address{}) {
		return errors.New("eip712: verifying contract is required")
	}
	return nil
}

type Verifier struct {
	domain Domain
}

var _ escrow.Verifier = (*Verifier)(nil)

func NewVerifier(d Domain) (*Verifier, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{domain: Domain{
		ChainID:           new(big.Int).Set(d.ChainID),
		VerifyingContract: d.VerifyingContract,
	}}, nil
}

func (v *Verifier) Domain() Domain {
	return Domain{ChainID: new(big.Int).Set(v.domain.ChainID), VerifyingContract: v.domain.VerifyingContract}
}

// TypedData is the structured message wallets display when signing req.
func (v *Verifier) TypedData(req escrow.ReleaseRequest) apitypes.TypedData {
	amount := req.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	return apitypes.TypedData{
		Types:       releaseTypes,
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              Name,
			Version:           Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(v.domain.ChainID)),
			VerifyingContract: v.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"id":       (*math.HexOrDecimal256)(new(big.Int).SetUint64(req.ID)),
			"amount":   (*math.HexOrDecimal256)(new(big.Int).Set(amount)),
			"receiver": req.Receiver.Hex(),
			"deadline": (*math.HexOrDecimal256)(new(big.Int).SetUint64(req.Deadline)),
		},
	}
}

// Digest is keccak256("\x19\x01" ‖ domainSeparator ‖ hashStruct(req)).
func (v *Verifier) Digest(req escrow.ReleaseRequest) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(v.TypedData(req))
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// DomainSeparator is hashStruct(EIP712Domain) for this verifier.
func (v *Verifier) DomainSeparator() (common.Hash, error) {
	td := v.TypedData(escrow.ReleaseRequest{})
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(sep), nil
}

// Recover returns the address that produced sig over req. sig is
// [R ‖ S ‖ V] with V in {0, 1, 27, 28}; malleable high-S signatures are
// rejected.
func (v *Verifier) Recover(req escrow.ReleaseRequest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature must be %d bytes, got %d", escrow.ErrSignatureInvalid, crypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, fmt.Errorf("%w: malformed signature values", escrow.ErrSignatureInvalid)
	}

	digest, err := v.Digest(req)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", escrow.ErrSignatureInvalid, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces the beneficiary's authorization of req with V in {27, 28}.
func (v *Verifier) Sign(req escrow.ReleaseRequest, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := v.Digest(req)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
