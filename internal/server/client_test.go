package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-securechat/internal/database"
	"github.com/npezzotti/go-securechat/internal/stats"
	"github.com/npezzotti/go-securechat/internal/testutil"
	"github.com/npezzotti/go-securechat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}
	assert.False(t, c.stopped())

	c.stopClient()
	assert.NotPanics(t, c.stopClient, "expected a second stop to be a no-op")
	assert.True(t, c.stopped(), "expected stop channel to be closed")
}

func TestNewClient(t *testing.T) {
	cs := newTestChatServerWithConfig(t, newTestRepo(), &stats.MockStatsUpdater{}, Config{MessagesPerMinute: 5})
	c1, c2 := newTestClient(cs, alice), newTestClient(cs, alice)

	assert.NotEqual(t, c1.Id(), c2.Id(), "expected every session to get its own id")
	assert.Equal(t, alice, c1.user)
	assert.Equal(t, 5, c1.limiter.Burst())
}

func Test_handleRaw(t *testing.T) {
	cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})

	tcases := []struct {
		name  string
		raw   string
		id    int
		code  int
		error string
	}{
		{name: "malformed json", raw: `{"id":`, error: "invalid message format"},
		{name: "unknown command", raw: `{"id":3,"type":"create_room","data":{}}`, id: 3, code: http.StatusBadRequest, error: `unknown command "create_room"`},
		{name: "missing room", raw: `{"id":4,"type":"join_room","data":{}}`, id: 4, code: http.StatusBadRequest, error: "incomplete join_room data"},
		{name: "not in room", raw: `{"id":5,"type":"typing","data":{"roomId":1,"isTyping":true}}`, id: 5, code: http.StatusNotFound, error: "not in room"},
		{name: "leave unjoined room", raw: `{"id":6,"type":"leave_room","data":{"roomId":1}}`, id: 6, code: http.StatusNotFound, error: "not in room"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(cs, alice)

			c.handleRaw([]byte(tc.raw))

			msg := nextMessage(t, c)
			if tc.id == 0 {
				assert.Equal(t, NotifyError, msg.Type)
				assert.Equal(t, ErrorNotice{Message: tc.error}, msg.Data)
				return
			}
			assert.Equal(t, tc.id, msg.Id)
			assert.Equal(t, tc.code, msg.Response.ResponseCode)
			assert.Equal(t, tc.error, msg.Response.Error)
		})
	}
}

func Test_dispatch_rateLimit(t *testing.T) {
	cs := newTestChatServerWithConfig(t, newTestRepo(), &stats.MockStatsUpdater{}, Config{MessagesPerMinute: 2})
	c := newTestClient(cs, alice)

	for id := 1; id <= 3; id++ {
		c.dispatch(sendCmd(c, id, "Y2lwaGVy"))
	}

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, nextMessage(t, c).Response.ResponseCode)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)

	c.dispatch(roomCmd(c, 4, &ClientMessage{Type: CmdTyping, Typing: &Typing{RoomId: 1}}))
	assert.Equal(t, http.StatusNotFound, nextMessage(t, c).Response.ResponseCode, "expected typing not to be rate limited")
}

func Test_toRoom_full(t *testing.T) {
	cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})
	c := newTestClient(cs, alice)
	c.addRoom(&Room{id: 1, cmdChan: make(chan *ClientMessage)})

	c.toRoom(1, sendCmd(c, 8, "Y2lwaGVy"))

	msg := nextMessage(t, c)
	assert.Equal(t, 8, msg.Id)
	assert.Equal(t, http.StatusServiceUnavailable, msg.Response.ResponseCode)
}

func Test_markRead(t *testing.T) {
	repo := newTestRepo()
	cs := newTestChatServer(t, repo, &stats.MockStatsUpdater{})
	r := newTestRoom(cs, 1)
	a, b := newTestClient(cs, alice), newTestClient(cs, bob)
	r.handleJoin(joinMsg(a, 1, 1))
	r.handleJoin(joinMsg(b, 2, 1))
	r.handleCommand(sendCmd(a, 3, "Y2lwaGVy"))
	msgId := nextOfType(t, b, NotifyNewMessage).Data.(NewMessage).Message.Id
	pending(a)
	pending(b)

	read := roomCmd(b, 4, &ClientMessage{Type: CmdMarkRead, Read: &MarkRead{MessageId: msgId}})
	b.dispatch(read)

	res := responseTo(t, b, 4)
	assert.Equal(t, http.StatusOK, res.Response.ResponseCode)
	notice := nextOfType(t, a, NotifyMessageRead).Data.(MessageRead)
	assert.Equal(t, msgId, notice.MessageId)
	assert.Equal(t, bob.Id, notice.UserId)
	assert.Equal(t, "bob", notice.Username)

	records, err := repo.GetDeliveryRecords(context.Background(), msgId)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[1].Read)

	b.dispatch(roomCmd(b, 5, &ClientMessage{Type: CmdMarkRead, Read: &MarkRead{MessageId: msgId}}))
	assert.Equal(t, http.StatusOK, nextMessage(t, b).Response.ResponseCode)
	assert.NotContains(t, typesOf(pending(a)), NotifyMessageRead, "expected a repeated read to notify nobody")

	b.dispatch(roomCmd(b, 6, &ClientMessage{Type: CmdMarkRead, Read: &MarkRead{MessageId: 999}}))
	assert.Equal(t, http.StatusNotFound, nextMessage(t, b).Response.ResponseCode)
}

func Test_leaveAllRooms(t *testing.T) {
	cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})
	r1 := newTestRoom(cs, 1)
	go r1.start()

	c := newTestClient(cs, alice)
	r1.joinChan <- joinMsg(c, 1, 1)
	nextOfType(t, c, NotifyRoomUsers)

	// a room that already exited must not block the leave
	gone := NewRoom(2, "gone", cs)
	close(gone.done)
	c.addRoom(gone)

	c.leaveAllRooms()

	assert.Nil(t, c.getRoom(1))
	assert.False(t, cs.presence.Joined(c.id, 1))
	assert.Empty(t, pending(c), "expected no response to a disconnect leave")

	e := exitReq{force: true, done: make(chan bool, 1)}
	r1.exit <- e
	<-e.done
}

func Test_cleanup(t *testing.T) {
	cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})
	r := newTestRoom(cs, 1)
	go r.start()

	a, b := newTestClient(cs, alice), newTestClient(cs, bob)
	cs.RegisterClient(a)
	for _, c := range []*Client{a, b} {
		r.joinChan <- joinMsg(c, 1, 1)
		nextOfType(t, c, NotifyRoomUsers)
	}
	r.cmdChan <- roomCmd(a, 2, &ClientMessage{Type: CmdTyping, Typing: &Typing{RoomId: 1, IsTyping: true}})
	assert.True(t, nextOfType(t, b, NotifyTyping).Data.(TypingNotice).IsTyping)

	a.cleanup()

	assert.True(t, a.stopped())
	assert.NotContains(t, cs.clients, a)
	assert.Empty(t, cs.presence.Rooms(a.id))
	assert.Equal(t, []int{bob.Id}, cs.presence.Online(1))
	assert.False(t, cs.typing.IsTyping(1, alice.Id))

	typing := nextOfType(t, b, NotifyTyping).Data.(TypingNotice)
	assert.False(t, typing.IsTyping)
	left := nextOfType(t, b, NotifyUserLeft).Data.(UserPresence)
	assert.Equal(t, alice.Id, left.UserId)

	e := exitReq{force: true, done: make(chan bool, 1)}
	r.exit <- e
	<-e.done
}

// wsPeer is a websocket connection to a test server.
type wsPeer struct {
	t      *testing.T
	conn   *websocket.Conn
	nextId int
}

type wsFrame struct {
	Id       int             `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Response *struct {
		ResponseCode int             `json:"response_code"`
		Error        string          `json:"error"`
		Data         json.RawMessage `json:"data"`
	} `json:"response"`
}

// newWsServer serves websocket sessions for the user named by the "user"
// query parameter.
func newWsServer(t *testing.T, repo *database.MemoryRepository, cs *ChatServer) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.URL.Query().Get("user"))
		u, err := repo.GetUser(r.Context(), id)
		if err != nil {
			http.Error(w, "unknown user", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		c := NewClient(types.User{Id: u.Id, Username: u.Username}, conn, cs, cs.log)
		cs.RegisterClient(c)
		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userId int) *wsPeer {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + strconv.Itoa(userId)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

// command sends a command and returns its id.
func (p *wsPeer) command(typ string, data any) int {
	p.t.Helper()

	p.nextId++
	raw, err := json.Marshal(data)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteJSON(map[string]any{"id": p.nextId, "type": typ, "data": json.RawMessage(raw)}))
	return p.nextId
}

// until reads frames until match returns true.
func (p *wsPeer) until(match func(f wsFrame) bool) wsFrame {
	p.t.Helper()

	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f wsFrame
		require.NoError(p.t, p.conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func (p *wsPeer) response(id int) wsFrame {
	p.t.Helper()
	return p.until(func(f wsFrame) bool { return f.Response != nil && f.Id == id })
}

func (p *wsPeer) notification(typ string) wsFrame {
	p.t.Helper()
	return p.until(func(f wsFrame) bool { return f.Type == typ })
}

func TestClient_EndToEnd(t *testing.T) {
	repo := newTestRepo()
	cs := newTestChatServer(t, repo, &stats.MockStatsUpdater{})
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})
	srv := newWsServer(t, repo, cs)

	a := dial(t, srv, alice.Id)
	b := dial(t, srv, bob.Id)

	res := a.response(a.command(CmdJoinRoom, JoinRoom{RoomId: 1}))
	require.Equal(t, http.StatusOK, res.Response.ResponseCode)
	res = b.response(b.command(CmdJoinRoom, JoinRoom{RoomId: 1}))
	require.Equal(t, http.StatusOK, res.Response.ResponseCode)

	var joined UserPresence
	require.NoError(t, json.Unmarshal(a.notification(NotifyUserJoined).Data, &joined))
	assert.Equal(t, bob.Id, joined.UserId)

	id := a.command(CmdSendMessage, SendMessage{RoomId: 1, Content: "Y2lwaGVydGV4dA==", Iv: "aXYtaXYtaXYtaXY="})
	res = a.response(id)
	require.Equal(t, http.StatusOK, res.Response.ResponseCode, res.Response.Error)
	var result SendResult
	require.NoError(t, json.Unmarshal(res.Response.Data, &result))

	var got NewMessage
	require.NoError(t, json.Unmarshal(b.notification(NotifyNewMessage).Data, &got))
	assert.Equal(t, result.MessageId, got.Message.Id)
	assert.Equal(t, "Y2lwaGVydGV4dA==", got.Message.Content)
	assert.Equal(t, "aXYtaXYtaXYtaXY=", got.Message.Iv)
	assert.Equal(t, alice, got.Message.Sender)

	b.command(CmdTyping, Typing{RoomId: 1, IsTyping: true})
	var typing TypingNotice
	require.NoError(t, json.Unmarshal(a.notification(NotifyTyping).Data, &typing))
	assert.Equal(t, TypingNotice{RoomId: 1, UserId: bob.Id, Username: "bob", IsTyping: true}, typing)

	res = b.response(b.command(CmdMarkRead, MarkRead{MessageId: result.MessageId}))
	assert.Equal(t, http.StatusOK, res.Response.ResponseCode)
	var read MessageRead
	require.NoError(t, json.Unmarshal(a.notification(NotifyMessageRead).Data, &read))
	assert.Equal(t, result.MessageId, read.MessageId)
	assert.Equal(t, bob.Id, read.UserId)

	require.NoError(t, b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	b.conn.Close()

	require.NoError(t, json.Unmarshal(a.notification(NotifyTyping).Data, &typing))
	assert.False(t, typing.IsTyping, "expected typing to stop when the typist disconnects")
	var left UserPresence
	require.NoError(t, json.Unmarshal(a.notification(NotifyUserLeft).Data, &left))
	assert.Equal(t, bob.Id, left.UserId)

	assert.Eventually(t, func() bool {
		return !cs.presence.IsOnline(1, bob.Id)
	}, time.Second, 10*time.Millisecond)

	records, err := repo.GetDeliveryRecords(context.Background(), result.MessageId)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Read, "expected the sender's own record to be read")
	assert.True(t, records[1].Delivered)
	assert.True(t, records[1].Read)
}

func TestClient_NonMemberCannotJoin(t *testing.T) {
	repo := newTestRepo()
	cs := newTestChatServer(t, repo, &stats.MockStatsUpdater{})
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})
	srv := newWsServer(t, repo, cs)

	c := dial(t, srv, carol.Id)
	res := c.response(c.command(CmdJoinRoom, JoinRoom{RoomId: 1}))
	assert.Equal(t, http.StatusForbidden, res.Response.ResponseCode)

	res = c.response(c.command(CmdSendMessage, SendMessage{RoomId: 1, Content: "Y2lwaGVy", Iv: "aXY="}))
	assert.Equal(t, http.StatusNotFound, res.Response.ResponseCode)
	assert.Equal(t, 0, repo.NumMessages())
}
