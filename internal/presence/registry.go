// Package presence tracks which users are live in which rooms.
//
// Presence is distinct from room membership: a persisted member with no
// open connection joined to the room is not present. A user may hold
// several sessions (connections); they stay present in a room until the
// last of their sessions leaves it.
package presence

import (
	"slices"
	"sync"
)

type JoinResult struct {
	// Online is the sorted set of users present in the room after the join.
	Online []int
	// FirstForUser is true when the user was not present in the room
	// before this join.
	FirstForUser bool
	// AlreadyJoined is true when this session had already joined the room.
	AlreadyJoined bool
}

type session struct {
	userId int
	rooms  map[int]struct{}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu sync.Mutex
	// roomId -> userId -> sessionId
	rooms    map[int]map[int]map[string]struct{}
	sessions map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[int]map[int]map[string]struct{}),
		sessions: make(map[string]*session),
	}
}

// Join marks the session as present in the room. The caller is responsible
// for checking room membership first.
func (r *Registry) Join(sessionId string, userId, roomId int) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionId]
	if !ok {
		sess = &session{userId: userId, rooms: make(map[int]struct{})}
		r.sessions[sessionId] = sess
	}

	if _, ok := sess.rooms[roomId]; ok {
		return JoinResult{Online: r.online(roomId), AlreadyJoined: true}
	}
	sess.rooms[roomId] = struct{}{}

	users, ok := r.rooms[roomId]
	if !ok {
		users = make(map[int]map[string]struct{})
		r.rooms[roomId] = users
	}

	first := false
	if users[userId] == nil {
		users[userId] = make(map[string]struct{})
		first = true
	}
	users[userId][sessionId] = struct{}{}

	return JoinResult{Online: r.online(roomId), FirstForUser: first}
}

// Leave removes the session from the room. ok is false if the session had
// not joined it. lastForUser is true when the user is no longer present.
func (r *Registry) Leave(sessionId string, roomId int) (lastForUser bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leave(sessionId, roomId)
}

func (r *Registry) leave(sessionId string, roomId int) (bool, bool) {
	sess, ok := r.sessions[sessionId]
	if !ok {
		return false, false
	}
	if _, ok := sess.rooms[roomId]; !ok {
		return false, false
	}
	delete(sess.rooms, roomId)

	users := r.rooms[roomId]
	userSessions := users[sess.userId]
	delete(userSessions, sessionId)

	last := false
	if len(userSessions) == 0 {
		delete(users, sess.userId)
		last = true
	}
	if len(users) == 0 {
		delete(r.rooms, roomId)
	}

	return last, true
}

// Disconnect leaves every room the session joined and forgets the session.
// It returns the rooms in which the user is no longer present, sorted.
func (r *Registry) Disconnect(sessionId string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionId]
	if !ok {
		return nil
	}

	var gone []int
	for roomId := range sess.rooms {
		if last, _ := r.leave(sessionId, roomId); last {
			gone = append(gone, roomId)
		}
	}
	delete(r.sessions, sessionId)

	slices.Sort(gone)
	return gone
}

func (r *Registry) Online(roomId int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.online(roomId)
}

func (r *Registry) online(roomId int) []int {
	users := make([]int, 0, len(r.rooms[roomId]))
	for userId := range r.rooms[roomId] {
		users = append(users, userId)
	}
	slices.Sort(users)
	return users
}

func (r *Registry) IsOnline(roomId, userId int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.rooms[roomId][userId]
	return ok
}

// Rooms returns the rooms the session has joined, sorted.
func (r *Registry) Rooms(sessionId string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionId]
	if !ok {
		return nil
	}

	rooms := make([]int, 0, len(sess.rooms))
	for roomId := range sess.rooms {
		rooms = append(rooms, roomId)
	}
	slices.Sort(rooms)
	return rooms
}

// Joined reports whether the session has joined the room.
func (r *Registry) Joined(sessionId string, roomId int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionId]
	if !ok {
		return false
	}
	_, ok = sess.rooms[roomId]
	return ok
}

// NumRooms returns the number of rooms with at least one present user.
func (r *Registry) NumRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.rooms)
}
