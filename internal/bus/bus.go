// Package bus 负责把房间消息分发到所有网关进程。
package bus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
)

// DefaultTopic is the NATS subject and the Redis channel prefix shared by all gateways.
const DefaultTopic = "chat.rooms"

var ErrClosed = errors.New("bus: closed")

// Handler receives every payload published to any room.
type Handler func(room string, payload []byte)

// Bus delivers each published payload to every subscribed handler, across
// processes for the distributed drivers. Payloads published by one publisher
// to one room are delivered in publish order.
type Bus interface {
	Publish(ctx context.Context, room string, payload []byte) error
	// Subscribe registers h until ctx is done or the bus is closed.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// RoomWatcher is implemented by drivers that only receive the rooms a
// process has asked for. Watch and Unwatch calls are paired per member.
type RoomWatcher interface {
	Watch(ctx context.Context, room string) error
	Unwatch(room string)
}

// Envelope is the wire form used by the distributed drivers.
type Envelope struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin"`
}

func encode(room string, payload []byte, origin string) ([]byte, error) {
	return json.Marshal(Envelope{Room: room, Payload: payload, Origin: origin})
}

func dispatch(data []byte, h Handler) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Msg("bus: drop malformed envelope")
		return
	}
	if env.Room == "" {
		log.Warn().Str("origin", env.Origin).Msg("bus: drop envelope without room")
		return
	}
	h(env.Room, env.Payload)
}
