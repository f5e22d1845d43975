// Package typing implements per (room, user) typing indicators that expire
// after a quiet period.
package typing

import (
	"slices"
	"sync"
	"time"
)

const DefaultTimeout = 3 * time.Second

type Event struct {
	RoomId   int
	UserId   int
	IsTyping bool
}

// Notifier receives typing-start and typing-stop events in the order the
// state changes happened. It must not call back into the Manager.
type Notifier func(Event)

type key struct {
	roomId int
	userId int
}

type entry struct {
	timer *time.Timer
	// gen identifies the timer currently armed for this entry; a callback
	// carrying an older generation lost a race with a refresh and is ignored.
	gen uint64
}

// Manager holds only TYPING entries; absence of an entry is IDLE.
type Manager struct {
	// emitMu is held across a state change and its notification so events
	// for the same key cannot be reordered.
	emitMu  sync.Mutex
	mu      sync.Mutex
	timeout time.Duration
	notify  Notifier
	entries map[key]*entry
	gen     uint64
	closed  bool
}

func NewManager(timeout time.Duration, notify Notifier) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if notify == nil {
		notify = func(Event) {}
	}

	return &Manager{
		timeout: timeout,
		notify:  notify,
		entries: make(map[key]*entry),
	}
}

// Set applies a typing signal. A start while already typing only re-arms
// the timer.
func (m *Manager) Set(roomId, userId int, isTyping bool) {
	if isTyping {
		m.start(roomId, userId)
		return
	}

	m.stop(roomId, userId)
}

func (m *Manager) start(roomId, userId int) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	k := key{roomId, userId}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.gen++
	gen := m.gen
	e, wasTyping := m.entries[k]
	if wasTyping {
		e.timer.Stop()
	} else {
		e = &entry{}
		m.entries[k] = e
	}
	e.gen = gen
	e.timer = time.AfterFunc(m.timeout, func() { m.expire(k, gen) })
	m.mu.Unlock()

	if !wasTyping {
		m.notify(Event{RoomId: roomId, UserId: userId, IsTyping: true})
	}
}

// stop always emits typing-stop, matching an explicit typing=false from the
// client even when no indicator was showing.
func (m *Manager) stop(roomId, userId int) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if e, ok := m.entries[key{roomId, userId}]; ok {
		e.timer.Stop()
		delete(m.entries, key{roomId, userId})
	}
	m.mu.Unlock()

	m.notify(Event{RoomId: roomId, UserId: userId, IsTyping: false})
}

func (m *Manager) expire(k key, gen uint64) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.entries, k)
	m.mu.Unlock()

	m.notify(Event{RoomId: k.roomId, UserId: k.userId, IsTyping: false})
}

// Clear forces the user IDLE in the room, emitting typing-stop only if the
// user was typing.
func (m *Manager) Clear(roomId, userId int) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	e, ok := m.entries[key{roomId, userId}]
	if ok {
		e.timer.Stop()
		delete(m.entries, key{roomId, userId})
	}
	m.mu.Unlock()

	if ok {
		m.notify(Event{RoomId: roomId, UserId: userId, IsTyping: false})
	}
	return ok
}

// ClearUser forces the user IDLE in every room and returns the rooms that
// received a typing-stop, sorted.
func (m *Manager) ClearUser(userId int) []int {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	var rooms []int

	m.mu.Lock()
	for k, e := range m.entries {
		if k.userId != userId {
			continue
		}
		e.timer.Stop()
		delete(m.entries, k)
		rooms = append(rooms, k.roomId)
	}
	m.mu.Unlock()

	slices.Sort(rooms)
	for _, roomId := range rooms {
		m.notify(Event{RoomId: roomId, UserId: userId, IsTyping: false})
	}
	return rooms
}

func (m *Manager) IsTyping(roomId, userId int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[key{roomId, userId}]
	return ok
}

// Active returns the number of armed timers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

// Close stops every timer without emitting events. Later calls to Set with
// isTyping=true are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.entries {
		e.timer.Stop()
		delete(m.entries, k)
	}
	m.closed = true
}
