package client

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-securechat/internal/server"
	"github.com/npezzotti/go-securechat/internal/types"
)

const pongWait = 60 * time.Second

// incoming mirrors server.ServerMessage with its payloads left undecoded.
type incoming struct {
	Id       int             `json:"id"`
	Type     string          `json:"type"`
	Response *response       `json:"response"`
	Data     json.RawMessage `json:"data"`
}

type response struct {
	ResponseCode int             `json:"response_code"`
	Error        string          `json:"error"`
	Data         json.RawMessage `json:"data"`
}

// Run reads from the connection until it is closed and turns what it reads
// into events.
func (c *Client) Run() error {
	defer close(c.events)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg incoming
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Printf("invalid server message: %v", err)
			continue
		}

		if msg.Response != nil {
			c.handleResponse(msg.Id, msg.Response)
		} else {
			c.handleNotification(msg.Type, msg.Data)
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) handleResponse(id int, res *response) {
	c.mu.Lock()
	f, ok := c.inflight[id]
	delete(c.inflight, id)
	c.mu.Unlock()

	if !ok {
		c.log.Printf("response to unknown command %d", id)
		return
	}

	if res.ResponseCode == http.StatusOK {
		if f.cmd == server.CmdJoinRoom {
			c.mu.Lock()
			c.joined[f.roomId] = true
			c.mu.Unlock()
			c.emit(Event{Type: EventJoined, RoomId: f.roomId})
		}
		return
	}

	err := fmt.Errorf("%s: %s (%d)", f.cmd, res.Error, res.ResponseCode)
	switch f.cmd {
	case server.CmdSendMessage:
		if tl := c.Timeline(f.roomId); tl != nil {
			tl.Fail(f.tempId, errors.New(res.Error))
		}
		c.emit(Event{Type: EventSendFailed, RoomId: f.roomId, Err: err})
	case server.CmdJoinRoom:
		// a failed rejoin leaves an earlier membership and its timeline intact
		c.mu.Lock()
		if !c.joined[f.roomId] {
			delete(c.timelines, f.roomId)
		}
		c.mu.Unlock()
		c.emit(Event{Type: server.NotifyError, RoomId: f.roomId, Err: err})
	default:
		c.emit(Event{Type: server.NotifyError, RoomId: f.roomId, Err: err})
	}
}

func (c *Client) handleNotification(typ string, data json.RawMessage) {
	var err error
	switch typ {
	case server.NotifyNewMessage:
		err = c.onNewMessage(data)
	case server.NotifyTyping:
		var n server.TypingNotice
		if err = json.Unmarshal(data, &n); err == nil {
			c.emit(Event{
				Type:     typ,
				RoomId:   n.RoomId,
				User:     types.User{Id: n.UserId, Username: n.Username},
				IsTyping: n.IsTyping,
			})
		}
	case server.NotifyUserJoined, server.NotifyUserLeft:
		var n server.UserPresence
		if err = json.Unmarshal(data, &n); err == nil {
			c.emit(Event{Type: typ, RoomId: n.RoomId, User: types.User{Id: n.UserId, Username: n.Username}})
		}
	case server.NotifyRoomUsers:
		var n server.RoomUsers
		if err = json.Unmarshal(data, &n); err == nil {
			c.emit(Event{Type: typ, RoomId: n.RoomId, Users: n.Users})
		}
	case server.NotifyMessageRead:
		var n server.MessageRead
		if err = json.Unmarshal(data, &n); err == nil {
			c.emit(Event{
				Type:   typ,
				RoomId: n.RoomId,
				User:   types.User{Id: n.UserId, Username: n.Username},
				Read:   &n,
			})
		}
	case server.NotifyRoomKeyRequest:
		err = c.onKeyRequest(data)
	case server.NotifyRoomKey:
		err = c.onRoomKey(data)
	case server.NotifyError:
		var n server.ErrorNotice
		if err = json.Unmarshal(data, &n); err == nil {
			c.emit(Event{Type: typ, Err: errors.New(n.Message)})
		}
	default:
		c.log.Printf("unknown notification %q", typ)
	}

	if err != nil {
		c.log.Printf("handle %s: %v", typ, err)
	}
}

func (c *Client) onNewMessage(data json.RawMessage) error {
	var n server.NewMessage
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n.Message == nil {
		return errors.New("missing message")
	}

	tl := c.Timeline(n.Message.RoomId)
	if tl == nil {
		return fmt.Errorf("message for room %d which was not joined", n.Message.RoomId)
	}

	entry := tl.Apply(*n.Message)
	c.emit(Event{Type: server.NotifyNewMessage, RoomId: entry.RoomId, User: entry.Sender, Entry: &entry})
	return nil
}

// onKeyRequest answers a member asking for the room key, if this client
// holds it.
func (c *Client) onKeyRequest(data json.RawMessage) error {
	var n server.RoomKeyRequest
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}

	c.emit(Event{Type: server.NotifyRoomKeyRequest, RoomId: n.RoomId, User: types.User{Id: n.UserId, Username: n.Username}})

	if c.keys == nil || !c.keys.HasKey(n.RoomId) {
		return nil
	}

	pub, err := base64.StdEncoding.DecodeString(n.PublicKey)
	if err != nil {
		return fmt.Errorf("requester public key: %w", err)
	}

	wrapped, err := c.keys.Wrap(n.RoomId, pub)
	if err != nil {
		return err
	}

	_, err = c.command(server.CmdShareRoomKey, server.ShareRoomKey{
		RoomId:       n.RoomId,
		UserId:       n.UserId,
		EncryptedKey: wrapped,
		PublicKey:    base64.StdEncoding.EncodeToString(c.keys.PublicKey()),
	}, inflight{roomId: n.RoomId})
	return err
}

func (c *Client) onRoomKey(data json.RawMessage) error {
	var n server.RoomKey
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if c.keys == nil {
		return errors.New("key exchange is not enabled")
	}

	pub, err := base64.StdEncoding.DecodeString(n.PublicKey)
	if err != nil {
		return fmt.Errorf("sender public key: %w", err)
	}

	if err := c.keys.Unwrap(n.RoomId, pub, n.EncryptedKey); err != nil {
		return err
	}
	c.engine.Forget(n.RoomId)

	c.emit(Event{Type: server.NotifyRoomKey, RoomId: n.RoomId, User: types.User{Id: n.FromUserId, Username: n.FromUsername}})
	return nil
}
