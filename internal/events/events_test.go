package events

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"blindescrow/internal/escrow"
)

type failEmitter struct{ err error }

func (f failEmitter) Emit(context.Context, escrow.Event) error { return f.err }

func TestRecorderAndFanout(t *testing.T) {
	ctx := context.Background()
	a, b := &Recorder{}, &Recorder{}
	boom := errors.New("boom")
	fan := Fanout{a, failEmitter{err: boom}, b}

	err := fan.Emit(ctx, escrow.Deposited{ID: 1})
	require.ErrorIs(t, err, boom)
	require.NoError(t, fan.Emit(ctx, escrow.Released{ID: 1}))

	for _, r := range []*Recorder{a, b} {
		require.Len(t, r.Events(), 2, "a failing emitter does not starve the others")
		require.Len(t, r.Named("Released"), 1)
	}
}

func TestEnvelope(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("EAT", 3*3600))
	ev := escrow.Released{
		ID:          9,
		Beneficiary: common.HexToAddress("0x01"),
		Receiver:    common.HexToAddress("0x02"),
		Amount:      big.NewInt(500),
	}
	env, err := NewEnvelope(ev, at)
	require.NoError(t, err)
	require.Equal(t, "Released", env.Name)
	require.Equal(t, at.UTC(), env.Time)
	require.NotEmpty(t, env.ID)

	var payload escrow.Released
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Equal(t, uint64(9), payload.ID)
	require.Equal(t, int64(500), payload.Amount.Int64())

	other, err := NewEnvelope(ev, at)
	require.NoError(t, err)
	require.NotEqual(t, env.ID, other.ID)
}

func TestMetricsCountsByName(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	ctx := context.Background()

	require.NoError(t, m.Emit(ctx, escrow.Deposited{ID: 1}))
	require.NoError(t, m.Emit(ctx, escrow.Deposited{ID: 2}))
	require.NoError(t, m.Emit(ctx, escrow.WithdrawnNative{}))

	require.Equal(t, 2.0, testutil.ToFloat64(m.total.WithLabelValues("Deposited")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.total.WithLabelValues("WithdrawnNative")))
}

func TestNATSPublishes(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}

	pub, err := NewNATS(NATSOpts{URL: url, SubjectPrefix: "escrow-test"})
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Ping(context.Background()))

	sub, err := pub.conn.SubscribeSync("escrow-test.Deposited")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, pub.conn.Flush())

	require.NoError(t, pub.Emit(context.Background(), escrow.Deposited{ID: 4}))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	require.Equal(t, "Deposited", env.Name)
	require.Equal(t, "escrow-test.Deposited", pub.Subject(escrow.Deposited{}))
}
