package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-securechat/internal/chaterr"
	"github.com/npezzotti/go-securechat/internal/fanout"
	"github.com/npezzotti/go-securechat/internal/types"
)

const idleRoomTimeout = time.Second * 5

var (
	errRoomNotFound  = chaterr.NewNotFoundError("room not found")
	errNotInRoom     = chaterr.NewNotFoundError("not in room")
	errUserNotInRoom = chaterr.NewNotFoundError("user is not in the room")
)

type exitReq struct {
	// force exits even if sessions are still present.
	force bool
	done  chan bool
}

type SendResult struct {
	MessageId int       `json:"messageId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Room serializes every command that targets one active room on its own
// goroutine.
type Room struct {
	id         int
	name       string
	cs         *ChatServer
	joinChan   chan *ClientMessage
	leaveChan  chan *ClientMessage
	cmdChan    chan *ClientMessage
	clients    map[*Client]struct{}
	users      map[int]types.User
	clientLock sync.RWMutex
	log        *log.Logger
	// killTimer is used to automatically unload the room when it is no longer active
	killTimer   *time.Timer
	idleTimeout time.Duration
	// exit is used to signal the room to exit
	exit chan exitReq
	// done is closed once the room has exited
	done chan struct{}
}

func NewRoom(id int, name string, cs *ChatServer) *Room {
	return &Room{
		id:          id,
		name:        name,
		cs:          cs,
		joinChan:    make(chan *ClientMessage, 256),
		leaveChan:   make(chan *ClientMessage, 256),
		cmdChan:     make(chan *ClientMessage, 256),
		clients:     make(map[*Client]struct{}),
		users:       make(map[int]types.User),
		log:         cs.log,
		idleTimeout: idleRoomTimeout,
		exit:        make(chan exitReq),
		done:        make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %d", r.id)
	r.killTimer = time.NewTimer(r.idleTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case msg := <-r.cmdChan:
			r.handleCommand(msg)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if r.handleRoomExit(e) {
				return
			}
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %d timed out", r.id)
	select {
	case r.cs.unloadRoomChan <- r.id:
	default:
		r.killTimer.Reset(r.idleTimeout)
	}
}

// handleRoomExit reports whether the room exited. An unforced exit is
// refused while the room has sessions or pending work.
func (r *Room) handleRoomExit(e exitReq) bool {
	if !e.force && (r.numClients() > 0 || len(r.joinChan) > 0 || len(r.cmdChan) > 0 || len(r.leaveChan) > 0) {
		r.log.Printf("room %d is active again, not exiting", r.id)
		e.done <- false
		return false
	}

	r.log.Printf("room %d is exiting", r.id)
	r.killTimer.Stop()

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.id)
		r.cs.presence.Leave(c.id, r.id)
		delete(r.clients, c)
	}
	clear(r.users)
	r.clientLock.Unlock()

	close(r.done)
	r.drain()

	e.done <- true
	return true
}

// drain answers commands that were queued after the room decided to exit.
func (r *Room) drain() {
	for {
		select {
		case msg := <-r.joinChan:
			msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
		case msg := <-r.cmdChan:
			msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
		case msg := <-r.leaveChan:
			if msg.done != nil {
				close(msg.done)
			}
		default:
			return
		}
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	c := join.client
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if err := r.cs.tracker.Authorize(ctx, r.id, c.user.Id); err != nil {
		r.log.Printf("join room %d by %q: %v", r.id, c.user.Username, err)
		c.queueMessage(ErrResponse(join.Id, err))
		if r.numClients() == 0 {
			r.killTimer.Reset(r.idleTimeout)
		}
		return
	}

	res := r.cs.presence.Join(c.id, c.user.Id, r.id)
	r.addClient(c)

	if c.stopped() {
		// the session disconnected while the join was queued
		last, _ := r.cs.presence.Leave(c.id, r.id)
		r.removeClient(c, last)
		return
	}

	roomUsers := RoomUsers{RoomId: r.id, Users: r.onlineUsers(res.Online)}
	c.queueMessage(NoErrOK(join.Id, roomUsers))
	c.queueMessage(Notify(NotifyRoomUsers, roomUsers))

	if res.FirstForUser {
		msg := Notify(NotifyUserJoined, UserPresence{
			RoomId:   r.id,
			UserId:   c.user.Id,
			Username: c.user.Username,
			Ts:       Now(),
		})
		msg.SkipClient = c
		r.broadcast(msg)
	}
}

// handleLeave removes the session from the room. Leaves issued by a
// disconnecting client carry a done channel and get no response.
func (r *Room) handleLeave(leave *ClientMessage) {
	c := leave.client
	defer func() {
		if leave.done != nil {
			close(leave.done)
		}
	}()

	last, ok := r.cs.presence.Leave(c.id, r.id)
	if !ok {
		if leave.done == nil {
			c.queueMessage(ErrResponse(leave.Id, errNotInRoom))
		}
		return
	}

	if last {
		// the user's username is still known while they are in the room
		r.cs.typing.Clear(r.id, c.user.Id)
	}
	r.removeClient(c, last)

	if leave.done == nil {
		c.queueMessage(NoErrOK(leave.Id, nil))
	}

	if last {
		r.broadcast(Notify(NotifyUserLeft, UserPresence{
			RoomId:   r.id,
			UserId:   c.user.Id,
			Username: c.user.Username,
			Ts:       Now(),
		}))
	}
}

func (r *Room) handleCommand(msg *ClientMessage) {
	c := msg.client
	if !r.hasClient(c) {
		c.queueMessage(ErrResponse(msg.Id, errNotInRoom))
		return
	}

	switch {
	case msg.Send != nil:
		r.handleSend(msg)
	case msg.Typing != nil:
		r.cs.typing.Set(r.id, c.user.Id, msg.Typing.IsTyping)
		c.queueMessage(NoErrOK(msg.Id, nil))
	case msg.KeyRequest != nil:
		r.handleKeyRequest(msg)
	case msg.KeyShare != nil:
		r.handleKeyShare(msg)
	default:
		c.queueMessage(ErrResponse(msg.Id, chaterr.NewValidationError("unsupported room command")))
	}
}

func (r *Room) handleSend(msg *ClientMessage) {
	c := msg.client
	req := fanout.SendRequest{
		RoomId:  r.id,
		Sender:  c.user,
		Content: msg.Send.Content,
		Iv:      msg.Send.Iv,
		Type:    msg.Send.Type,
	}
	if f := msg.Send.File; f != nil {
		req.File = &fanout.FileAttachment{
			Id:       f.Id,
			Filename: f.Filename,
			Name:     f.Name,
			Mime:     f.Mime,
			Size:     f.Size,
			Iv:       f.Iv,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	confirmed, err := r.cs.tracker.Send(ctx, req)
	if err != nil {
		r.log.Printf("send in room %d by %q: %v", r.id, c.user.Username, err)
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, SendResult{MessageId: confirmed.Id, CreatedAt: confirmed.CreatedAt}))
}

func (r *Room) handleKeyRequest(msg *ClientMessage) {
	c := msg.client
	notice := Notify(NotifyRoomKeyRequest, RoomKeyRequest{
		RoomId:    r.id,
		UserId:    c.user.Id,
		Username:  c.user.Username,
		PublicKey: msg.KeyRequest.PublicKey,
	})
	notice.SkipUserId = c.user.Id
	r.broadcast(notice)

	c.queueMessage(NoErrOK(msg.Id, nil))
}

// handleKeyShare relays a wrapped room key to every session of the target
// user in this room. The server cannot read it.
func (r *Room) handleKeyShare(msg *ClientMessage) {
	c := msg.client
	targets := r.userClients(msg.KeyShare.UserId)
	if len(targets) == 0 {
		c.queueMessage(ErrResponse(msg.Id, errUserNotInRoom))
		return
	}

	notice := Notify(NotifyRoomKey, RoomKey{
		RoomId:       r.id,
		FromUserId:   c.user.Id,
		FromUsername: c.user.Username,
		EncryptedKey: msg.KeyShare.EncryptedKey,
		PublicKey:    msg.KeyShare.PublicKey,
	})
	for _, t := range targets {
		t.queueMessage(notice)
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	r.users[c.user.Id] = c.user

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client, lastForUser bool) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		r.log.Printf("client %q not found in room %d", c.user.Username, r.id)
		return
	}

	delete(r.clients, c)
	if lastForUser {
		delete(r.users, c.user.Id)
	}
	c.delRoom(r.id)

	// if the client is the last one in the room, start the kill timer
	if len(r.clients) == 0 {
		r.log.Printf("no clients in room %d, starting kill timer", r.id)
		r.killTimer.Reset(r.idleTimeout)
	}
}

func (r *Room) hasClient(c *Client) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	return ok
}

func (r *Room) numClients() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients)
}

func (r *Room) userClients(userId int) []*Client {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	var clients []*Client
	for c := range r.clients {
		if c.user.Id == userId {
			clients = append(clients, c)
		}
	}
	return clients
}

func (r *Room) username(userId int) string {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return r.users[userId].Username
}

func (r *Room) onlineUsers(ids []int) []types.User {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	users := make([]types.User, 0, len(ids))
	for _, id := range ids {
		u, ok := r.users[id]
		if !ok {
			u = types.User{Id: id}
		}
		users = append(users, u)
	}
	return users
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient || (msg.SkipUserId != 0 && client.user.Id == msg.SkipUserId) {
			continue
		}

		client.queueMessage(msg)
	}
}
