package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DialNATS connects with unlimited reconnects; disconnects are logged.
func DialNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NATS fans out through a single subject. NATS invokes a subscription's
// callback sequentially, so per-publisher order is kept. Close drains the
// connection, which the bus owns.
type NATS struct {
	conn    *nats.Conn
	subject string
	origin  string

	mu     sync.Mutex
	closed bool
}

func NewNATS(conn *nats.Conn, subject string) *NATS {
	if subject == "" {
		subject = DefaultTopic
	}
	return &NATS{conn: conn, subject: subject, origin: uuid.NewString()}
}

func (b *NATS) Publish(ctx context.Context, room string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(room, payload, b.origin)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *NATS) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		dispatch(msg.Data, h)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", b.subject, err)
	}
	// 确保服务端已登记订阅。
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}
	context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })
	log.Info().Str("subject", b.subject).Str("origin", b.origin).Msg("nats bus subscribed")
	return nil
}

func (b *NATS) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Drain()
}
