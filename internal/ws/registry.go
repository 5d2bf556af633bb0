package ws

import (
	"sync"

	"chatgateway/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Subscriber is a room member that can accept outbound payloads.
type Subscriber interface {
	ID() string
	// Deliver enqueues payload without blocking. False means the subscriber
	// can no longer accept deliveries and must be removed.
	Deliver(payload []byte) bool
}

// Registry 维护本进程内 房间名 -> 连接 的订阅关系。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Subscriber
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]Subscriber)}
}

// Subscribe 幂等：重复订阅不会产生重复投递。
func (r *Registry) Subscribe(sub Subscriber, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[string]Subscriber)
		r.rooms[room] = set
	}
	set[sub.ID()] = sub
}

// Unsubscribe 幂等；房间为空时回收其条目。
func (r *Registry) Unsubscribe(sub Subscriber, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(set, sub.ID())
	if len(set) == 0 {
		delete(r.rooms, room)
	}
}

// Deliver hands payload to every subscriber of room and returns how many
// accepted it. Subscribers are snapshotted under the read lock and served
// outside it, so one slow subscriber cannot stall the others.
func (r *Registry) Deliver(room string, payload []byte) int {
	r.mu.RLock()
	set := r.rooms[room]
	subs := make([]Subscriber, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range subs {
		if s.Deliver(payload) {
			n++
			continue
		}
		r.Unsubscribe(s, room)
		metrics.WsSlowSubscribers.Inc()
		log.Warn().Str("room", room).Str("conn_id", s.ID()).Msg("subscriber dropped")
	}
	return n
}

// Online 返回房间在本进程的订阅数，供 REST 接口复用。
func (r *Registry) Online(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}
