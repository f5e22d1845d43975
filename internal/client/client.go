// Package client is a websocket chat client that encrypts outgoing messages,
// decrypts incoming ones and keeps an optimistic per-room timeline.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-securechat/internal/e2ee"
	"github.com/npezzotti/go-securechat/internal/reconcile"
	"github.com/npezzotti/go-securechat/internal/server"
	"github.com/npezzotti/go-securechat/internal/types"
)

const (
	writeWait = 10 * time.Second

	// Event types that have no server notification counterpart.
	EventJoined     = "joined"
	EventSendFailed = "send_failed"
)

var ErrClosed = errors.New("client closed")

// Event is something the user should see. Fields are set according to
// Type, which is either one of the server notification types or one of the
// Event constants above.
type Event struct {
	Type     string
	RoomId   int
	Entry    *reconcile.Entry
	User     types.User
	Users    []types.User
	IsTyping bool
	Read     *server.MessageRead
	Err      error
}

type Options struct {
	// Token is sent as a bearer token on the upgrade request.
	Token string
	Lang  string
	// Keys enables the room key exchange. When nil, room keys are derived
	// from the room id.
	Keys   *e2ee.WrappedKeyProvider
	Logger *log.Logger
}

// inflight is a command waiting for its response.
type inflight struct {
	cmd    string
	roomId int
	tempId string
}

type Client struct {
	log    *log.Logger
	conn   *websocket.Conn
	self   types.User
	lang   string
	engine *e2ee.Engine
	keys   *e2ee.WrappedKeyProvider

	writeMu sync.Mutex

	mu        sync.Mutex
	nextId    int
	timelines map[int]*reconcile.Timeline
	inflight  map[int]inflight
	// joined holds the rooms the server has accepted a join for.
	joined    map[int]bool

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the chat server's websocket endpoint as self.
func Dial(ctx context.Context, url string, self types.User, opts Options) (*Client, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	var provider e2ee.KeyProvider
	if opts.Keys != nil {
		provider = opts.Keys
	}

	return &Client{
		log:       logger,
		conn:      conn,
		self:      self,
		lang:      opts.Lang,
		engine:    e2ee.NewEngine(provider),
		keys:      opts.Keys,
		timelines: make(map[int]*reconcile.Timeline),
		inflight:  make(map[int]inflight),
		joined:    make(map[int]bool),
		events:    make(chan Event, 256),
		done:      make(chan struct{}),
	}, nil
}

// Events delivers what Run reads. It is closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Timeline returns the room's timeline, or nil if the room was never joined.
func (c *Client) Timeline(roomId int) *reconcile.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.timelines[roomId]
}

func (c *Client) timeline(roomId int) *reconcile.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()

	tl, ok := c.timelines[roomId]
	if !ok {
		tl = reconcile.NewTimeline(c.log, roomId, c.self, c.engine, c.lang)
		c.timelines[roomId] = tl
	}
	return tl
}

// command writes a command and records it as in flight.
func (c *Client) command(typ string, data any, f inflight) (int, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", typ, err)
	}

	c.mu.Lock()
	c.nextId++
	id := c.nextId
	f.cmd = typ
	c.inflight[id] = f
	c.mu.Unlock()

	msg := server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: id, Timestamp: server.Now()},
		Type:        typ,
		Data:        raw,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		return 0, fmt.Errorf("write %s: %w", typ, err)
	}

	return id, nil
}

func (c *Client) Join(roomId int) error {
	c.timeline(roomId)
	_, err := c.command(server.CmdJoinRoom, server.JoinRoom{RoomId: roomId}, inflight{roomId: roomId})
	return err
}

func (c *Client) Leave(roomId int) error {
	_, err := c.command(server.CmdLeaveRoom, server.LeaveRoom{RoomId: roomId}, inflight{roomId: roomId})
	return err
}

// Send shows text in the room's timeline right away and sends it
// encrypted. The pending entry is replaced once the server echoes the
// stored message, or marked failed if the server refuses it.
func (c *Client) Send(roomId int, text string) (reconcile.Entry, error) {
	entry := c.timeline(roomId).AddPending(text, types.MessageTypeText)
	return entry, c.send(roomId, entry)
}

// Retry sends a failed entry again.
func (c *Client) Retry(roomId int, tempId string) error {
	tl := c.Timeline(roomId)
	if tl == nil {
		return fmt.Errorf("room %d not joined", roomId)
	}

	entry, ok := tl.Retry(tempId)
	if !ok {
		return fmt.Errorf("no failed message %s", tempId)
	}
	return c.send(roomId, entry)
}

func (c *Client) send(roomId int, entry reconcile.Entry) error {
	tl := c.timeline(roomId)

	content, iv, err := c.engine.EncryptText(entry.Text, roomId)
	if err != nil {
		tl.Fail(entry.TempId, err)
		return err
	}

	_, err = c.command(server.CmdSendMessage, server.SendMessage{
		RoomId:  roomId,
		Content: content,
		Iv:      iv,
		Type:    entry.Type,
	}, inflight{roomId: roomId, tempId: entry.TempId})
	if err != nil {
		tl.Fail(entry.TempId, err)
	}
	return err
}

func (c *Client) SetTyping(roomId int, isTyping bool) error {
	_, err := c.command(server.CmdTyping, server.Typing{RoomId: roomId, IsTyping: isTyping}, inflight{roomId: roomId})
	return err
}

func (c *Client) MarkRead(messageId int) error {
	_, err := c.command(server.CmdMarkRead, server.MarkRead{MessageId: messageId}, inflight{})
	return err
}

// RequestRoomKey asks the members present in the room to share its key.
func (c *Client) RequestRoomKey(roomId int) error {
	if c.keys == nil {
		return errors.New("key exchange is not enabled")
	}

	_, err := c.command(server.CmdRequestRoomKey, server.RequestRoomKey{
		RoomId:    roomId,
		PublicKey: base64.StdEncoding.EncodeToString(c.keys.PublicKey()),
	}, inflight{roomId: roomId})
	return err
}

// Close sends a close frame and closes the connection. Run returns soon
// after.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
