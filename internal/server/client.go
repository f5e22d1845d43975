package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-securechat/internal/chaterr"
	"github.com/npezzotti/go-securechat/internal/types"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	// maxMessageSize fits a maximum length message plus its envelope.
	maxMessageSize = 128 * 1024
)

// Client is one live websocket session of a user.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerMessage
	rooms      map[int]*Room
	roomsLock  sync.RWMutex
	limiter    *rate.Limiter
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	perMinute := cs.cfg.MessagesPerMinute
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[int]*Room),
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		c.handleRaw(raw)
	}
}

func (c *Client) handleRaw(raw []byte) {
	msg, err := parseClientMessage(raw)
	if err != nil {
		id := 0
		if msg != nil {
			id = msg.Id
		}
		c.queueMessage(ErrResponse(id, err))
		return
	}

	msg.client = c
	msg.UserId = c.user.Id
	msg.Timestamp = Now()

	c.dispatch(msg)
}

// dispatch routes a parsed command. Every command is answered with exactly
// one response, either here or by the room that handles it.
func (c *Client) dispatch(msg *ClientMessage) {
	switch {
	case msg.Join != nil:
		c.joinRoom(msg)
	case msg.Leave != nil:
		c.leaveRoom(msg)
	case msg.Send != nil:
		if !c.limiter.Allow() {
			c.queueMessage(ErrResponse(msg.Id, chaterr.NewRateLimitedError()))
			return
		}
		c.toRoom(msg.Send.RoomId, msg)
	case msg.Typing != nil:
		c.toRoom(msg.Typing.RoomId, msg)
	case msg.KeyRequest != nil:
		c.toRoom(msg.KeyRequest.RoomId, msg)
	case msg.KeyShare != nil:
		c.toRoom(msg.KeyShare.RoomId, msg)
	case msg.Read != nil:
		c.markRead(msg)
	}
}

func (c *Client) toRoom(roomId int, msg *ClientMessage) {
	r := c.getRoom(roomId)
	if r == nil {
		c.queueMessage(ErrResponse(msg.Id, errNotInRoom))
		return
	}

	select {
	case r.cmdChan <- msg:
	default:
		c.log.Printf("cmdChan full for room %d", r.id)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// markRead runs on the client's goroutine; the tracker serializes it with
// sends to the same room.
func (c *Client) markRead(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if _, err := c.chatServer.tracker.MarkRead(ctx, msg.Read.MessageId, c.user); err != nil {
		c.log.Printf("mark message %d read by %q: %v", msg.Read.MessageId, c.user.Username, err)
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("failed to send message to client %s, channel is full", c.id)
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// cleanup runs when the connection closes. Presence and typing state of the
// session are gone by the time it returns. The client is stopped first so a
// join still in flight is undone by the room instead of leaking.
func (c *Client) cleanup() {
	c.stopClient()
	c.chatServer.DeRegisterClient(c)
	c.leaveAllRooms()

	// rooms that exited before the leave got through
	for _, roomId := range c.chatServer.presence.Disconnect(c.id) {
		c.chatServer.typing.Clear(roomId, c.user.Id)
	}
}

// leaveAllRooms leaves every joined room and waits for each room to apply
// the leave.
func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.roomsLock.RUnlock()

	for _, r := range rooms {
		msg := &ClientMessage{
			Type:   CmdLeaveRoom,
			Leave:  &LeaveRoom{RoomId: r.id},
			UserId: c.user.Id,
			client: c,
			done:   make(chan struct{}),
		}

		select {
		case r.leaveChan <- msg:
		case <-r.done:
			continue
		}

		select {
		case <-msg.done:
		case <-r.done:
		}
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r := c.getRoom(msg.Leave.RoomId)
	if r == nil {
		c.queueMessage(ErrResponse(msg.Id, errNotInRoom))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.log.Printf("leaveChan full for room %d", r.id)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delRoom(id int) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
}

func (c *Client) getRoom(id int) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
