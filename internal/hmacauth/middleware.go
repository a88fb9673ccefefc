// Package hmacauth authenticates API clients that sign each request body
// with a shared secret.
package hmacauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	HeaderClientID  = "X-Client-Id"
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
)

var (
	ErrUnknownClient    = errors.New("unknown client")
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Client is an API consumer. Address is the escrow account the client acts
// as when depositing or administering the contract.
type Client struct {
	ID      string
	Secret  string
	Address common.Address
}

type clientKey struct{}

// ClientFrom returns the client authenticated by Middleware.
func ClientFrom(ctx context.Context) (Client, bool) {
	c, ok := ctx.Value(clientKey{}).(Client)
	return c, ok
}

// WithClient is used by tests that call handlers directly.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

type Verifier struct {
	clients map[string]Client
	MaxSkew time.Duration
	Now     func() time.Time
}

func NewVerifier(clients []Client, maxSkew time.Duration) *Verifier {
	byID := make(map[string]Client, len(clients))
	for _, c := range clients {
		byID[c.ID] = c
	}
	return &Verifier{clients: byID, MaxSkew: maxSkew}
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := v.verify(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":  err.Error(),
				"reason": "Unauthenticated",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), client)))
	})
}

func (v *Verifier) verify(r *http.Request) (Client, error) {
	client, ok := v.clients[r.Header.Get(HeaderClientID)]
	if !ok || client.Secret == "" {
		return Client{}, ErrUnknownClient
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return Client{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return Client{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return Client{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return Client{}, ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return Client{}, err
	}

	expected := Sign(client.Secret, tsHeader, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return Client{}, ErrInvalidSignature
	}
	return client, nil
}

// Sign returns the hex HMAC-SHA256 of timestamp followed by body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// readBody drains the body for signing and restores it for the handler.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
