package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-securechat/internal/database"
	"github.com/npezzotti/go-securechat/internal/fanout"
	"github.com/npezzotti/go-securechat/internal/presence"
	"github.com/npezzotti/go-securechat/internal/stats"
	"github.com/npezzotti/go-securechat/internal/types"
	"github.com/npezzotti/go-securechat/internal/typing"
)

const (
	metricActiveRooms   = "NumActiveRooms"
	metricActiveClients = "NumActiveClients"
	metricMessagesSent  = "NumMessagesSent"
	metricReadReceipts  = "NumReadReceipts"
	metricTypingTimers  = "NumTypingTimers"
	metricPresentRooms  = "NumPresentRooms"

	// dbTimeout bounds each database round trip made on behalf of a command.
	// It is not tied to the connection so a disconnect never aborts a send.
	dbTimeout = 5 * time.Second

	DefaultMessagesPerMinute = 30
)

type Config struct {
	TypingTimeout     time.Duration
	MessagesPerMinute int
	MaxContentLength  int
	MaxFileSize       int64
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log   *log.Logger
	db    database.Repository
	stats stats.StatsProvider
	cfg   Config

	presence *presence.Registry
	typing   *typing.Manager
	tracker  *fanout.Tracker

	clients     map[*Client]struct{}
	sessions    map[int]int
	clientsLock sync.Mutex
	// userPresenceLock orders presence writes so a reconnect cannot be
	// overwritten by the disconnect before it.
	userPresenceLock sync.Mutex

	rooms     map[int]*Room
	roomsLock sync.RWMutex

	joinChan       chan *ClientMessage
	unloadRoomChan chan int
	stop           chan stopReq
}

func NewChatServer(logger *log.Logger, db database.Repository, su stats.StatsProvider, cfg Config) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("database repository is required")
	}
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = DefaultMessagesPerMinute
	}

	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          su,
		cfg:            cfg,
		presence:       presence.NewRegistry(),
		clients:        make(map[*Client]struct{}),
		sessions:       make(map[int]int),
		rooms:          make(map[int]*Room),
		joinChan:       make(chan *ClientMessage, 256),
		unloadRoomChan: make(chan int, 16),
		stop:           make(chan stopReq),
	}
	cs.typing = typing.NewManager(cfg.TypingTimeout, cs.notifyTyping)
	cs.tracker = fanout.NewTracker(logger, db, cs.presence, cs)
	cs.tracker.SetMaxContentLength(cfg.MaxContentLength)
	cs.tracker.SetMaxFileSize(cfg.MaxFileSize)

	for _, name := range []string{metricActiveRooms, metricActiveClients, metricMessagesSent, metricReadReceipts} {
		su.RegisterMetric(name)
	}
	su.RegisterGauge(metricTypingTimers, func() int64 { return int64(cs.typing.Active()) })
	su.RegisterGauge(metricPresentRooms, func() int64 { return int64(cs.presence.NumRooms()) })

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case join := <-cs.joinChan:
			cs.handleJoin(join)
		case roomId := <-cs.unloadRoomChan:
			cs.unloadRoom(roomId)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			cs.typing.Close()

			for id, r := range cs.getRooms() {
				cs.log.Printf("shutting down room %d", id)
				e := exitReq{force: true, done: make(chan bool, 1)}
				r.exit <- e
				<-e.done
				cs.removeRoom(id)
			}

			close(req.done)
			return
		}
	}
}

// handleJoin forwards a join to the room's goroutine, loading the room if it
// is not active.
func (cs *ChatServer) handleJoin(join *ClientMessage) {
	roomId := join.Join.RoomId

	r := cs.getRoom(roomId)
	if r == nil {
		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		dbRoom, err := cs.db.GetRoom(ctx, roomId)
		cancel()
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				join.client.queueMessage(ErrResponse(join.Id, errRoomNotFound))
			} else {
				cs.log.Printf("GetRoom %d: %v", roomId, err)
				join.client.queueMessage(ErrResponse(join.Id, err))
			}
			return
		}

		r = NewRoom(dbRoom.Id, dbRoom.Name, cs)
		cs.addRoom(r)
		go r.start()
	}

	select {
	case r.joinChan <- join:
	default:
		cs.log.Printf("join channel full on room %d", r.id)
		join.client.queueMessage(ErrServiceUnavailable(join.Id))
	}
}

// unloadRoom asks an idle room to exit. The room refuses if sessions joined
// or joins were queued since its idle timer fired.
func (cs *ChatServer) unloadRoom(roomId int) {
	r := cs.getRoom(roomId)
	if r == nil {
		return
	}

	e := exitReq{done: make(chan bool, 1)}
	r.exit <- e
	if <-e.done {
		cs.removeRoom(roomId)
	}
}

func (cs *ChatServer) getRoom(roomId int) *Room {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()
	return cs.rooms[roomId]
}

func (cs *ChatServer) getRooms() map[int]*Room {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()

	rooms := make(map[int]*Room, len(cs.rooms))
	for id, r := range cs.rooms {
		rooms[id] = r
	}
	return rooms
}

func (cs *ChatServer) addRoom(r *Room) {
	cs.roomsLock.Lock()
	cs.rooms[r.id] = r
	cs.roomsLock.Unlock()

	cs.stats.Incr(metricActiveRooms)
}

func (cs *ChatServer) removeRoom(roomId int) {
	cs.roomsLock.Lock()
	_, ok := cs.rooms[roomId]
	delete(cs.rooms, roomId)
	cs.roomsLock.Unlock()

	if ok {
		cs.log.Printf("unloaded room %d", roomId)
		cs.stats.Decr(metricActiveRooms)
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.userPresenceLock.Lock()
	defer cs.userPresenceLock.Unlock()

	cs.clientsLock.Lock()
	cs.clients[c] = struct{}{}
	cs.sessions[c.user.Id]++
	first := cs.sessions[c.user.Id] == 1
	cs.clientsLock.Unlock()

	cs.stats.Incr(metricActiveClients)

	if first {
		cs.setUserPresence(c.user, true)
	}
}

func (cs *ChatServer) DeRegisterClient(c *Client) {
	cs.userPresenceLock.Lock()
	defer cs.userPresenceLock.Unlock()

	cs.clientsLock.Lock()
	_, ok := cs.clients[c]
	last := false
	if ok {
		delete(cs.clients, c)
		cs.sessions[c.user.Id]--
		if cs.sessions[c.user.Id] <= 0 {
			delete(cs.sessions, c.user.Id)
			last = true
		}
	}
	cs.clientsLock.Unlock()

	if !ok {
		return
	}

	cs.stats.Decr(metricActiveClients)

	if last {
		cs.setUserPresence(c.user, false)
	}
}

// setUserPresence persists whether the user has any live session. Failures
// are logged; they never block a connection.
func (cs *ChatServer) setUserPresence(user types.User, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	err := cs.db.SetUserPresence(ctx, user.Id, database.UserPresence{Online: online, LastSeen: Now()})
	if err != nil {
		cs.log.Printf("set presence of %q to online=%t: %v", user.Username, online, err)
	}
}

// BroadcastMessage implements fanout.Broadcaster.
func (cs *ChatServer) BroadcastMessage(roomId int, msg *types.Message) {
	cs.stats.Incr(metricMessagesSent)

	if r := cs.getRoom(roomId); r != nil {
		r.broadcast(Notify(NotifyNewMessage, NewMessage{Message: msg}))
	}
}

// BroadcastRead implements fanout.Broadcaster.
func (cs *ChatServer) BroadcastRead(roomId int, receipt *types.ReadReceipt) {
	cs.stats.Incr(metricReadReceipts)

	if r := cs.getRoom(roomId); r != nil {
		r.broadcast(Notify(NotifyMessageRead, MessageRead{
			MessageId: receipt.MessageId,
			RoomId:    receipt.RoomId,
			UserId:    receipt.User.Id,
			Username:  receipt.User.Username,
			ReadAt:    receipt.ReadAt,
		}))
	}
}

// notifyTyping relays typing state changes to the other users in the room.
func (cs *ChatServer) notifyTyping(ev typing.Event) {
	r := cs.getRoom(ev.RoomId)
	if r == nil {
		return
	}

	msg := Notify(NotifyTyping, TypingNotice{
		RoomId:   ev.RoomId,
		UserId:   ev.UserId,
		Username: r.username(ev.UserId),
		IsTyping: ev.IsTyping,
	})
	msg.SkipUserId = ev.UserId
	r.broadcast(msg)
}

// Shutdown stops every client and room. It returns ctx's error if the rooms
// do not exit in time.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
