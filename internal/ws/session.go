package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/bus"
	"chatgateway/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBufferSize = 256
	persistTimeout = 10 * time.Second
)

var ErrMalformedPayload = errors.New("malformed payload")

// MessageStore persists chat messages before they are fanned out.
type MessageStore interface {
	CreateMessage(ctx context.Context, room string, ident auth.Identity, body string) (time.Time, error)
}

// ChatEvent 是广播给房间成员的消息。
type ChatEvent struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

type welcomeEvent struct {
	Message string `json:"message"`
}

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session 对应一条 WebSocket 连接，房间在构造时确定。
type Session struct {
	id       string
	room     string
	ident    auth.Identity
	conn     *websocket.Conn
	registry *Registry
	bus      bus.Bus
	store    MessageStore

	state     atomic.Int32
	watching  bool
	sendMu    sync.Mutex
	send      chan []byte
	sendDone  bool
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, room string, ident auth.Identity, registry *Registry, b bus.Bus, store MessageStore) *Session {
	return &Session{
		id:       uuid.NewString(),
		room:     room,
		ident:    ident,
		conn:     conn,
		registry: registry,
		bus:      b,
		store:    store,
		send:     make(chan []byte, sendBufferSize),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Room() string { return s.room }

func (s *Session) Identity() auth.Identity { return s.ident }

func (s *Session) State() State { return State(s.state.Load()) }

// Deliver 非阻塞入队；队列已满时关闭发送队列，由 writePump 断开连接。
func (s *Session) Deliver(payload []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendDone {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.sendDone = true
		close(s.send)
		return false
	}
}

func (s *Session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendDone {
		s.sendDone = true
		close(s.send)
	}
}

// open 进入 OPEN：先入队欢迎消息，再订阅房间，保证欢迎消息总是第一条。
func (s *Session) open(ctx context.Context) {
	welcome, _ := json.Marshal(welcomeEvent{
		Message: fmt.Sprintf("Connected to room: %s as %s", s.room, s.ident.DisplayName()),
	})
	s.Deliver(welcome)
	if w, ok := s.bus.(bus.RoomWatcher); ok {
		if err := w.Watch(ctx, s.room); err != nil {
			log.Error().Err(err).Str("room", s.room).Str("conn_id", s.id).Msg("ws watch room")
		} else {
			s.watching = true
		}
	}
	s.registry.Subscribe(s, s.room)
	s.state.Store(int32(StateOpen))
	metrics.WsConnections.Inc()
	log.Debug().Str("room", s.room).Str("conn_id", s.id).Uint("user_id", s.ident.ID).Msg("ws session open")
}

// Run 驱动会话直到连接断开，返回时会话处于 CLOSED。
func (s *Session) Run(ctx context.Context) {
	s.open(ctx)
	go s.writePump()
	s.readPump(ctx)
	s.close()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.registry.Unsubscribe(s, s.room)
		if s.watching {
			s.bus.(bus.RoomWatcher).Unwatch(s.room)
		}
		s.closeSend()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		metrics.WsConnections.Dec()
		log.Debug().Str("room", s.room).Str("conn_id", s.id).Msg("ws session closed")
	})
}

func parseInbound(data []byte) (string, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	raw, ok := env["message"]
	if !ok {
		return "", fmt.Errorf("%w: missing message", ErrMalformedPayload)
	}
	var body string
	if err := json.Unmarshal(raw, &body); err != nil || body == "" {
		return "", fmt.Errorf("%w: message must be a non-empty string", ErrMalformedPayload)
	}
	return body, nil
}

// handleInbound persists one client message and, only if that succeeded,
// publishes it to the room. Persistence runs on a context detached from the
// connection so a disconnect cannot abort an accepted message.
func (s *Session) handleInbound(ctx context.Context, data []byte) error {
	body, err := parseInbound(data)
	if err != nil {
		metrics.WsDroppedMessages.WithLabelValues("malformed").Inc()
		return err
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := s.store.CreateMessage(pctx, s.room, s.ident, body); err != nil {
		metrics.WsDroppedMessages.WithLabelValues("persist").Inc()
		return fmt.Errorf("persist message: %w", err)
	}

	payload, err := json.Marshal(ChatEvent{Username: s.ident.DisplayName(), Message: body})
	if err != nil {
		return err
	}
	if err := s.bus.Publish(pctx, s.room, payload); err != nil {
		metrics.BusPublishErrors.Inc()
		return fmt.Errorf("publish message: %w", err)
	}
	metrics.WsMessagesTotal.Inc()
	return nil
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", s.id).Msg("ws read")
			}
			return
		}
		if err := s.handleInbound(ctx, data); err != nil {
			ev := log.Warn()
			if errors.Is(err, ErrMalformedPayload) {
				ev = log.Debug()
			}
			ev.Err(err).Str("room", s.room).Str("conn_id", s.id).Uint("user_id", s.ident.ID).Msg("inbound message dropped")
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
