package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis fans out through one Pub/Sub channel per room ("<prefix>:<room>").
// A process only listens on the rooms it watches, so traffic for rooms
// without local members never reaches it. The client is owned by the
// caller and is not closed by Close.
type Redis struct {
	client redis.UniversalClient
	prefix string
	origin string

	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
	rooms    map[string]*roomSub
	closed   bool
}

type roomSub struct {
	ps   *redis.PubSub
	refs int
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultTopic
	}
	return &Redis{
		client:   client,
		prefix:   prefix,
		origin:   uuid.NewString(),
		handlers: make(map[int]Handler),
		rooms:    make(map[string]*roomSub),
	}
}

// RoomChannel returns the Pub/Sub channel carrying room's messages.
func (b *Redis) RoomChannel(room string) string {
	return b.prefix + ":" + room
}

func (b *Redis) Publish(ctx context.Context, room string, payload []byte) error {
	data, err := encode(room, payload, b.origin)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.RoomChannel(room), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe registers h for every watched room until ctx is done.
func (b *Redis) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	})
	return nil
}

// Watch starts listening on room's channel. Calls are reference counted;
// the channel is subscribed on the first call and confirmed before Watch
// returns, so messages published afterwards are not missed.
func (b *Redis) Watch(ctx context.Context, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if rs, ok := b.rooms[room]; ok {
		rs.refs++
		return nil
	}
	ch := b.RoomChannel(room)
	ps := b.client.Subscribe(context.WithoutCancel(ctx), ch)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", ch, err)
	}
	b.rooms[room] = &roomSub{ps: ps, refs: 1}
	go b.pump(ps)
	log.Debug().Str("channel", ch).Str("origin", b.origin).Msg("redis bus watching room")
	return nil
}

// Unwatch releases one Watch; the last release unsubscribes the channel.
func (b *Redis) Unwatch(room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.rooms[room]
	if !ok {
		return
	}
	rs.refs--
	if rs.refs > 0 {
		return
	}
	delete(b.rooms, room)
	_ = rs.ps.Close()
	log.Debug().Str("channel", b.RoomChannel(room)).Msg("redis bus released room")
}

// Watched reports how many rooms currently hold a channel subscription.
func (b *Redis) Watched() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}

func (b *Redis) pump(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.mu.Lock()
		hs := make([]Handler, 0, len(b.handlers))
		for _, h := range b.handlers {
			hs = append(hs, h)
		}
		b.mu.Unlock()
		for _, h := range hs {
			dispatch([]byte(msg.Payload), h)
		}
	}
}

func (b *Redis) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for room, rs := range b.rooms {
		_ = rs.ps.Close()
		delete(b.rooms, room)
	}
	return nil
}
