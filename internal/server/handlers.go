package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/go-chi/chi/v5"

	"blindescrow/internal/eip712"
	"blindescrow/internal/escrow"
	"blindescrow/internal/hmacauth"
	"blindescrow/internal/idempotency"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	maxBodyBytes         = 1 << 20

	// reservationLease bounds how long a key stays in flight if the process
	// dies before the deposit finishes. It outlives the request timeout.
	reservationLease = 2 * time.Minute
)

type depositRequest struct {
	Token           string `json:"token,omitempty"`
	Amount          string `json:"amount,omitempty"`
	Value           string `json:"value,omitempty"`
	BeneficiaryHash string `json:"beneficiaryHash"`
	FundingTx       string `json:"fundingTx,omitempty"`
}

type depositResponse struct {
	ID uint64 `json:"id"`
}

type depositView struct {
	ID              uint64     `json:"id"`
	Depositor       string     `json:"depositor"`
	BeneficiaryHash string     `json:"beneficiaryHash"`
	Asset           string     `json:"asset"`
	Amount          string     `json:"amount"`
	Released        bool       `json:"released"`
	Beneficiary     string     `json:"beneficiary,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	ReleasedAt      *time.Time `json:"releasedAt,omitempty"`
}

type releaseRequest struct {
	ID        uint64 `json:"id"`
	Amount    string `json:"amount"`
	Receiver  string `json:"receiver"`
	Deadline  uint64 `json:"deadline"`
	Signature string `json:"signature"`
}

type releaseResponse struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
}

type ownerResponse struct {
	Owner        string `json:"owner"`
	PendingOwner string `json:"pendingOwner,omitempty"`
}

type sweepResponse struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	client, ok := hmacauth.ClientFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthenticated", hmacauth.ErrUnknownClient)
		return
	}

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		writeError(w, http.StatusBadRequest, "InvalidInput", errors.New("missing X-Idempotency-Key header"))
		return
	}
	// Keys are scoped per client so two clients cannot collide.
	key = client.ID + ":" + key

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", fmt.Errorf("read body: %w", err))
		return
	}
	fingerprint := idempotency.Fingerprint(body)

	ctx := r.Context()
	existing, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("idempotency lookup failed", "error", err)
	}
	if existing != nil {
		s.replay(w, existing, fingerprint)
		return
	}

	var payload depositRequest
	if err := decodeStrict(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", err)
		return
	}
	params, err := payload.params(client.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", err)
		return
	}

	// Only the request holding the reservation may deposit under this key.
	now := s.now()
	won, err := s.store.Reserve(ctx, key, idempotency.Record{
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(reservationLease),
	})
	if err != nil {
		s.logger.Error("idempotency reserve failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "IdempotencyUnavailable", errors.New("idempotency store unavailable"))
		return
	}
	if !won {
		existing, err := s.store.Get(ctx, key)
		if err != nil || existing == nil {
			existing = &idempotency.Record{Fingerprint: fingerprint}
		}
		s.replay(w, existing, fingerprint)
		return
	}

	id, err := s.escrow.Deposit(ctx, params)
	if err != nil {
		if err := s.store.Abandon(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("idempotency abandon failed", "error", err)
		}
		s.metrics.incDeposit(escrow.Reason(err))
		s.writeEscrowError(w, r, err)
		return
	}

	b, _ := json.Marshal(depositResponse{ID: id})
	now = s.now()
	record := idempotency.Record{
		Fingerprint: fingerprint,
		StatusCode:  http.StatusCreated,
		Response:    b,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.window),
	}
	if err := s.store.Save(context.WithoutCancel(ctx), key, record); err != nil {
		s.logger.Warn("idempotency save failed", "error", err, "depositId", id)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(b)
	s.metrics.incDeposit("created")
}

// replay answers a request whose key already has a record.
func (s *Server) replay(w http.ResponseWriter, rec *idempotency.Record, fingerprint string) {
	switch {
	case !rec.Matches(fingerprint):
		s.metrics.incDeposit("conflict")
		writeError(w, http.StatusConflict, "IdempotencyKeyReused", errors.New("idempotency key was used with a different request body"))
	case rec.InFlight():
		s.metrics.incDeposit("in_flight")
		writeError(w, http.StatusConflict, "IdempotencyKeyInFlight", errors.New("a request with this idempotency key is still being processed"))
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.StatusCode)
		_, _ = w.Write(rec.Response)
		s.metrics.incDeposit("cached")
	}
}

func (p depositRequest) params(depositor common.Address) (escrow.DepositParams, error) {
	out := escrow.DepositParams{Depositor: depositor}
	if !isHash(p.BeneficiaryHash) {
		return out, fmt.Errorf("beneficiaryHash %q is not a 32-byte hex value", p.BeneficiaryHash)
	}
	out.BeneficiaryHash = common.HexToHash(p.BeneficiaryHash)

	if p.Token != "" {
		if !common.IsHexAddress(p.Token) {
			return out, fmt.Errorf("token %q is not an address", p.Token)
		}
		out.Token = common.HexToAddress(p.Token)
	}
	var err error
	if out.Amount, err = parseAmount("amount", p.Amount); err != nil {
		return out, err
	}
	if out.Value, err = parseAmount("value", p.Value); err != nil {
		return out, err
	}
	if p.FundingTx != "" {
		if !isHash(p.FundingTx) {
			return out, fmt.Errorf("fundingTx %q is not a transaction hash", p.FundingTx)
		}
		out.FundingTx = common.HexToHash(p.FundingTx)
	}
	return out, nil
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", fmt.Errorf("deposit id: %w", err))
		return
	}
	d, err := s.escrow.Get(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d))
}

func viewOf(d *escrow.Deposit) depositView {
	v := depositView{
		ID:              d.ID,
		Depositor:       d.Depositor.Hex(),
		BeneficiaryHash: d.BeneficiaryHash.Hex(),
		Asset:           d.Asset.String(),
		Amount:          "0",
		Released:        d.Released,
		CreatedAt:       d.CreatedAt.UTC(),
	}
	if d.Amount != nil {
		v.Amount = d.Amount.String()
	}
	if d.Released {
		v.Beneficiary = d.Beneficiary.Hex()
		at := d.ReleasedAt.UTC()
		v.ReleasedAt = &at
	}
	return v
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var payload releaseRequest
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", err)
		return
	}
	if !common.IsHexAddress(payload.Receiver) {
		writeError(w, http.StatusBadRequest, "InvalidInput", fmt.Errorf("receiver %q is not an address", payload.Receiver))
		return
	}
	amount, err := parseAmount("amount", payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", err)
		return
	}
	sig, err := hexutil.Decode(payload.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", fmt.Errorf("signature: %w", err))
		return
	}

	req := escrow.ReleaseRequest{
		ID:       payload.ID,
		Amount:   amount,
		Receiver: common.HexToAddress(payload.Receiver),
		Deadline: payload.Deadline,
	}
	if err := s.escrow.Release(r.Context(), req, sig); err != nil {
		s.metrics.incRelease(escrow.Reason(err))
		s.writeEscrowError(w, r, err)
		return
	}
	s.metrics.incRelease("released")
	writeJSON(w, http.StatusOK, releaseResponse{ID: payload.ID, Status: "released"})
}

func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	d := s.verifier.Domain()
	sep, err := s.verifier.DomainSeparator()
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":              eip712.Name,
		"version":           eip712.Version,
		"chainId":           d.ChainID.String(),
		"verifyingContract": d.VerifyingContract.Hex(),
		"primaryType":       eip712.PrimaryType,
		"domainSeparator":   sep.Hex(),
	})
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	s.writeOwner(w, r)
}

func (s *Server) writeOwner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, err := s.escrow.Owner(ctx)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	pending, err := s.escrow.PendingOwner(ctx)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	resp := ownerResponse{Owner: owner.Hex()}
	if pending != (common.Address{}) {
		resp.PendingOwner = pending.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		NewOwner string `json:"newOwner"`
	}
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", err)
		return
	}
	if !common.IsHexAddress(payload.NewOwner) {
		writeError(w, http.StatusBadRequest, "InvalidInput", fmt.Errorf("newOwner %q is not an address", payload.NewOwner))
		return
	}
	caller := callerOf(r)
	if err := s.escrow.TransferOwnership(r.Context(), caller, common.HexToAddress(payload.NewOwner)); err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	s.writeOwner(w, r)
}

func (s *Server) handleAcceptOwnership(w http.ResponseWriter, r *http.Request) {
	if err := s.escrow.AcceptOwnership(r.Context(), callerOf(r)); err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	s.writeOwner(w, r)
}

func (s *Server) handleSweepNative(w http.ResponseWriter, r *http.Request) {
	amount, err := s.escrow.SweepNative(r.Context(), callerOf(r))
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	s.metrics.incSweep(escrow.Native.String())
	writeJSON(w, http.StatusOK, sweepResponse{Asset: escrow.Native.String(), Amount: amount.String()})
}

func (s *Server) handleSweepToken(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", err)
		return
	}
	if !common.IsHexAddress(payload.Token) {
		writeError(w, http.StatusBadRequest, "InvalidInput", fmt.Errorf("token %q is not an address", payload.Token))
		return
	}
	token := common.HexToAddress(payload.Token)
	amount, err := s.escrow.SweepToken(r.Context(), callerOf(r), token)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	kind := escrow.Fungible(token)
	s.metrics.incSweep(kind.String())
	writeJSON(w, http.StatusOK, sweepResponse{Asset: kind.String(), Amount: amount.String()})
}

// callerOf is the escrow account of the authenticated client.
func callerOf(r *http.Request) common.Address {
	c, _ := hmacauth.ClientFrom(r.Context())
	return c.Address
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return decodeStrict(body, v)
}

func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json payload: %w", err)
	}
	return nil
}

// parseAmount accepts decimal or 0x-prefixed hex integers. Empty is nil.
func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := math.ParseBig256(raw)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s %q is not an unsigned 256-bit integer", field, raw)
	}
	return v, nil
}

func isHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*common.HashLength {
		return false
	}
	_, err := hexutil.Decode("0x" + s)
	return err == nil
}
