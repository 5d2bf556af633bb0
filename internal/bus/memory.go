package bus

import (
	"context"
	"sync"
)

// Memory 是单进程实现：Publish 在锁内同步调用所有 handler，因此全局有序。
// handler 不得回调 Publish。
type Memory struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
	order    []int
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{handlers: make(map[int]Handler)}
}

func (m *Memory) Publish(ctx context.Context, room string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, id := range m.order {
		m.handlers[id](room, payload)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.order = append(m.order, id)
	context.AfterFunc(ctx, func() { m.remove(id) })
	return nil
}

func (m *Memory) remove(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[id]; !ok {
		return
	}
	delete(m.handlers, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = make(map[int]Handler)
	m.order = nil
	return nil
}
