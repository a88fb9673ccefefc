package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"blindescrow/internal/escrow"
)

// NATS publishes event envelopes on "<prefix>.<EventName>".
type NATS struct {
	conn   *nats.Conn
	prefix string
	now    func() time.Time
}

type NATSOpts struct {
	URL           string
	SubjectPrefix string
	Timeout       time.Duration
	Logger        *slog.Logger
}

func NewNATS(opts NATSOpts) (*NATS, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "escrow"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger

	conn, err := nats.Connect(opts.URL,
		nats.Timeout(opts.Timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSWithConn(conn, opts.SubjectPrefix), nil
}

func NewNATSWithConn(conn *nats.Conn, prefix string) *NATS {
	return &NATS{conn: conn, prefix: prefix, now: time.Now}
}

func (n *NATS) Subject(ev escrow.Event) string {
	return n.prefix + "." + ev.EventName()
}

func (n *NATS) Emit(_ context.Context, ev escrow.Event) error {
	env, err := NewEnvelope(ev, n.now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := n.conn.Publish(n.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.EventName(), err)
	}
	return nil
}

func (n *NATS) Ping(context.Context) error {
	if !n.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", n.conn.Status())
	}
	return nil
}

func (n *NATS) Close() {
	n.conn.Close()
}
