package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-securechat/internal/database"
	"github.com/npezzotti/go-securechat/internal/stats"
	"github.com/npezzotti/go-securechat/internal/testutil"
	"github.com/npezzotti/go-securechat/internal/types"
	"github.com/npezzotti/go-securechat/internal/typing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	alice = types.User{Id: 1, Username: "alice"}
	bob   = types.User{Id: 2, Username: "bob"}
	carol = types.User{Id: 3, Username: "carol"}
)

// newTestRepo returns a repository with room 1 ("general") whose members are
// alice and bob. carol exists but is not a member.
func newTestRepo() *database.MemoryRepository {
	repo := database.NewMemoryRepository()
	for _, u := range []types.User{alice, bob, carol} {
		repo.AddUser(database.User{Id: u.Id, Username: u.Username})
	}
	repo.AddRoom(database.Room{Id: 1, Name: "general", OwnerId: alice.Id}, alice.Id, bob.Id)
	return repo
}

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, db database.Repository, su *stats.MockStatsUpdater) *ChatServer {
	return newTestChatServerWithConfig(t, db, su, Config{TypingTimeout: time.Second})
}

func newTestChatServerWithConfig(t *testing.T, db database.Repository, su *stats.MockStatsUpdater, cfg Config) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	su.On("RegisterGauge", mock.Anything).Return().Times(2)
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()

	cs, err := NewChatServer(testutil.TestLogger(t), db, su, cfg)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	t.Cleanup(cs.typing.Close)
	return cs
}

// newTestClient returns a client without a connection. Everything queued to
// it stays in its send channel.
func newTestClient(cs *ChatServer, user types.User) *Client {
	return NewClient(user, nil, cs, cs.log)
}

// newTestRoom registers a room with the server without starting its
// goroutine, so handlers can be called directly.
func newTestRoom(cs *ChatServer, id int) *Room {
	r := NewRoom(id, "general", cs)
	r.killTimer = time.NewTimer(time.Hour)
	r.killTimer.Stop()
	cs.addRoom(r)
	return r
}

func nextMessage(t *testing.T, c *Client) *ServerMessage {
	t.Helper()

	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("expected a message for %q", c.user.Username)
		return nil
	}
}

// nextOfType skips messages until one of the given notification type arrives.
func nextOfType(t *testing.T, c *Client, typ string) *ServerMessage {
	t.Helper()

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.send:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("expected a %s notification for %q", typ, c.user.Username)
			return nil
		}
	}
}

// responseTo skips messages until the response to command id arrives.
func responseTo(t *testing.T, c *Client, id int) *ServerMessage {
	t.Helper()

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.send:
			if msg.Response != nil && msg.Id == id {
				return msg
			}
		case <-deadline:
			t.Fatalf("expected a response to command %d for %q", id, c.user.Username)
			return nil
		}
	}
}

// pending returns everything queued for the client without blocking.
func pending(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func typesOf(msgs []*ServerMessage) []string {
	var typs []string
	for _, m := range msgs {
		if m.Type != "" {
			typs = append(typs, m.Type)
		}
	}
	return typs
}

func joinMsg(c *Client, id, roomId int) *ClientMessage {
	return &ClientMessage{
		BaseMessage: BaseMessage{Id: id},
		Type:        CmdJoinRoom,
		Join:        &JoinRoom{RoomId: roomId},
		UserId:      c.user.Id,
		client:      c,
	}
}

func TestNewChatServer(t *testing.T) {
	db := newTestRepo()

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	su.On("RegisterGauge", mock.Anything).Return().Times(2)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su, Config{})
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, DefaultMessagesPerMinute, cs.cfg.MessagesPerMinute, "expected default rate limit")
	assert.NotNil(t, cs.presence, "expected presence registry to be initialized")
	assert.NotNil(t, cs.typing, "expected typing manager to be initialized")
	assert.NotNil(t, cs.tracker, "expected tracker to be initialized")
	assert.NotNil(t, cs.joinChan, "expected joinChan to be initialized")
	assert.NotNil(t, cs.unloadRoomChan, "expected unloadRoomChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")

	t.Run("repository required", func(t *testing.T) {
		cs, err := NewChatServer(logger, nil, &stats.MockStatsUpdater{}, Config{})
		assert.Error(t, err)
		assert.Nil(t, cs)
	})
}

func TestChatServer_gauges(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	su.On("RegisterGauge", metricTypingTimers).Return().Once()
	su.On("RegisterGauge", metricPresentRooms).Return().Once()

	cs, err := NewChatServer(testutil.TestLogger(t), newTestRepo(), su, Config{TypingTimeout: time.Minute})
	require.NoError(t, err)
	defer cs.typing.Close()

	cs.typing.Set(1, alice.Id, true)
	cs.presence.Join("s1", alice.Id, 1)
	assert.Equal(t, 1, cs.typing.Active())
	assert.Equal(t, 1, cs.presence.NumRooms())
}

func TestChatServer_addRoom_getRoom_removeRoom(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	cs := newTestChatServer(t, newTestRepo(), su)

	r := NewRoom(1, "general", cs)
	cs.addRoom(r)
	assert.Equal(t, r, cs.getRoom(1))
	assert.Len(t, cs.getRooms(), 1)

	cs.removeRoom(1)
	assert.Nil(t, cs.getRoom(1))
	cs.removeRoom(1)

	su.AssertNumberOfCalls(t, "Incr", 1)
	su.AssertNumberOfCalls(t, "Decr", 1)
}

func TestChatServer_RegisterClient_DeRegisterClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	cs := newTestChatServer(t, newTestRepo(), su)
	c := newTestClient(cs, alice)

	cs.RegisterClient(c)
	assert.Contains(t, cs.clients, c)

	cs.DeRegisterClient(c)
	cs.DeRegisterClient(c)
	assert.NotContains(t, cs.clients, c)
	su.AssertCalled(t, "Incr", metricActiveClients)
	su.AssertNumberOfCalls(t, "Decr", 1)
}

func TestChatServer_UserPresence(t *testing.T) {
	repo := newTestRepo()
	cs := newTestChatServer(t, repo, &stats.MockStatsUpdater{})
	first, second := newTestClient(cs, alice), newTestClient(cs, alice)

	_, ok := repo.Presence(alice.Id)
	assert.False(t, ok, "expected no presence before connecting")

	cs.RegisterClient(first)
	p, ok := repo.Presence(alice.Id)
	require.True(t, ok)
	assert.True(t, p.Online)
	assert.False(t, p.LastSeen.IsZero())

	cs.RegisterClient(second)
	cs.DeRegisterClient(first)
	p, _ = repo.Presence(alice.Id)
	assert.True(t, p.Online, "expected alice online while a session remains")

	cs.DeRegisterClient(second)
	p, _ = repo.Presence(alice.Id)
	assert.False(t, p.Online)
	assert.NotContains(t, cs.sessions, alice.Id)

	cs.DeRegisterClient(second)
	assert.NotContains(t, cs.sessions, alice.Id)
}

func TestChatServer_UserPresenceFailure(t *testing.T) {
	repo := newTestRepo()
	repo.SetFailure("SetUserPresence", errors.New("connection refused"))
	cs := newTestChatServer(t, repo, &stats.MockStatsUpdater{})
	c := newTestClient(cs, alice)

	cs.RegisterClient(c)
	assert.Contains(t, cs.clients, c, "expected client registered despite presence failure")

	cs.DeRegisterClient(c)
	assert.NotContains(t, cs.clients, c)
	_, ok := repo.Presence(alice.Id)
	assert.False(t, ok)
}

func TestChatServer_handleJoin(t *testing.T) {
	t.Run("room not found", func(t *testing.T) {
		cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})
		c := newTestClient(cs, alice)

		cs.handleJoin(joinMsg(c, 1, 99))

		msg := nextMessage(t, c)
		assert.Equal(t, http.StatusNotFound, msg.Response.ResponseCode)
		assert.Equal(t, "room not found", msg.Response.Error)
		assert.Nil(t, cs.getRoom(99), "expected no room to be loaded")
	})

	t.Run("database failure", func(t *testing.T) {
		repo := newTestRepo()
		repo.SetFailure("GetRoom", errors.New("connection refused"))
		cs := newTestChatServer(t, repo, &stats.MockStatsUpdater{})
		c := newTestClient(cs, alice)

		cs.handleJoin(joinMsg(c, 1, 1))

		msg := nextMessage(t, c)
		assert.Equal(t, http.StatusInternalServerError, msg.Response.ResponseCode)
		assert.Equal(t, "internal server error", msg.Response.Error)
	})

	t.Run("loads the room and joins", func(t *testing.T) {
		cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})
		c := newTestClient(cs, alice)

		cs.handleJoin(joinMsg(c, 7, 1))

		msg := nextMessage(t, c)
		assert.Equal(t, 7, msg.Id)
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
		assert.Equal(t, RoomUsers{RoomId: 1, Users: []types.User{alice}}, msg.Response.Data)

		r := cs.getRoom(1)
		require.NotNil(t, r, "expected room to be loaded")
		assert.Equal(t, "general", r.name)
		assert.Equal(t, r, c.getRoom(1))

		e := exitReq{force: true, done: make(chan bool, 1)}
		r.exit <- e
		assert.True(t, <-e.done)
	})

	t.Run("join channel full", func(t *testing.T) {
		cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})
		c := newTestClient(cs, alice)
		r := &Room{id: 1, joinChan: make(chan *ClientMessage)}
		cs.addRoom(r)

		cs.handleJoin(joinMsg(c, 3, 1))

		msg := nextMessage(t, c)
		assert.Equal(t, http.StatusServiceUnavailable, msg.Response.ResponseCode)
	})
}

func TestChatServer_unloadRoom(t *testing.T) {
	t.Run("idle room is unloaded", func(t *testing.T) {
		cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})
		r := newTestRoom(cs, 1)
		go r.start()

		cs.unloadRoom(1)

		assert.Nil(t, cs.getRoom(1))
		select {
		case <-r.done:
		default:
			t.Error("expected room to have exited")
		}
	})

	t.Run("room with clients stays", func(t *testing.T) {
		cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})
		r := newTestRoom(cs, 1)
		c := newTestClient(cs, alice)
		r.handleJoin(joinMsg(c, 1, 1))
		go r.start()

		cs.unloadRoom(1)

		assert.Equal(t, r, cs.getRoom(1))
		e := exitReq{force: true, done: make(chan bool, 1)}
		r.exit <- e
		<-e.done
	})

	t.Run("unknown room", func(t *testing.T) {
		cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})
		assert.NotPanics(t, func() { cs.unloadRoom(5) })
	})
}

func TestChatServer_BroadcastMessage(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	cs := newTestChatServer(t, newTestRepo(), su)
	r := newTestRoom(cs, 1)
	a, b := newTestClient(cs, alice), newTestClient(cs, bob)
	r.addClient(a)
	r.addClient(b)

	msg := &types.Message{Id: 4, RoomId: 1, Sender: alice, Content: "Y2lwaGVy", Iv: "aXY=", Encrypted: true}
	cs.BroadcastMessage(1, msg)
	cs.BroadcastMessage(2, msg)

	for _, c := range []*Client{a, b} {
		got := pending(c)
		require.Len(t, got, 1, "expected one new_message for %s", c.user.Username)
		assert.Equal(t, NotifyNewMessage, got[0].Type)
		assert.Equal(t, NewMessage{Message: msg}, got[0].Data)
	}
	su.AssertCalled(t, "Incr", metricMessagesSent)
}

func TestChatServer_notifyTyping(t *testing.T) {
	cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})
	r := newTestRoom(cs, 1)
	a, b := newTestClient(cs, alice), newTestClient(cs, bob)
	r.addClient(a)
	r.addClient(b)

	cs.notifyTyping(typing.Event{RoomId: 1, UserId: alice.Id, IsTyping: true})

	assert.Empty(t, pending(a), "expected the typist to get no echo")
	got := pending(b)
	require.Len(t, got, 1)
	assert.Equal(t, TypingNotice{RoomId: 1, UserId: alice.Id, Username: "alice", IsTyping: true}, got[0].Data)

	assert.NotPanics(t, func() { cs.notifyTyping(typing.Event{RoomId: 9, UserId: alice.Id}) })
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})
		go cs.Run()

		c := newTestClient(cs, alice)
		cs.RegisterClient(c)
		c.joinRoom(joinMsg(c, 1, 1))
		nextMessage(t, c)
		require.NotNil(t, cs.getRoom(1))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, cs.Shutdown(ctx))
		assert.Empty(t, cs.getRooms(), "expected all rooms to be unloaded")
		assert.True(t, c.stopped(), "expected client to be stopped")
		assert.Empty(t, cs.presence.Rooms(c.id), "expected presence to be cleared")
	})

	t.Run("context expires", func(t *testing.T) {
		cs := newTestChatServer(t, newTestRepo(), &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, cs.Shutdown(ctx), context.DeadlineExceeded)
	})
}
