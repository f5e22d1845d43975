package database

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository for tests and local runs.
// Transactions are serialized; a rollback deletes the rows the transaction
// inserted.
type MemoryRepository struct {
	txMu sync.Mutex

	mu       sync.Mutex
	users    map[int]User
	rooms    map[int]Room
	members  map[int][]int
	files    map[int]File
	messages map[int]Message
	records  map[int]map[int]DeliveryRecord
	presence map[int]UserPresence
	nextId   int
	failures map[string]error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    make(map[int]User),
		rooms:    make(map[int]Room),
		members:  make(map[int][]int),
		files:    make(map[int]File),
		messages: make(map[int]Message),
		records:  make(map[int]map[int]DeliveryRecord),
		presence: make(map[int]UserPresence),
		failures: make(map[string]error),
	}
}

func (r *MemoryRepository) AddUser(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.Id] = u
}

// AddRoom stores the room and makes the given users its members.
func (r *MemoryRepository) AddRoom(room Room, memberIds ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.Id] = room
	r.members[room.Id] = slices.Sorted(slices.Values(memberIds))
}

func (r *MemoryRepository) AddFile(f File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[f.Id] = f
}

// SetFailure makes every later call of the named method fail with err. A
// nil err clears it.
func (r *MemoryRepository) SetFailure(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, method)
		return
	}
	r.failures[method] = err
}

func (r *MemoryRepository) fail(method string) error {
	return r.failures[method]
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fail("Ping")
}

func (r *MemoryRepository) GetUser(ctx context.Context, userId int) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userId]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemoryRepository) SetUserPresence(ctx context.Context, userId int, p UserPresence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fail("SetUserPresence"); err != nil {
		return err
	}
	if _, ok := r.users[userId]; !ok {
		return ErrNotFound
	}

	r.presence[userId] = p
	return nil
}

// Presence returns the last presence recorded for the user.
func (r *MemoryRepository) Presence(userId int) (UserPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.presence[userId]
	return p, ok
}

func (r *MemoryRepository) GetRoom(ctx context.Context, roomId int) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fail("GetRoom"); err != nil {
		return Room{}, err
	}
	room, ok := r.rooms[roomId]
	if !ok {
		return Room{}, ErrNotFound
	}
	return room, nil
}

func (r *MemoryRepository) IsRoomMember(ctx context.Context, roomId, userId int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Contains(r.members[roomId], userId), nil
}

func (r *MemoryRepository) ListRoomMembers(ctx context.Context, roomId int) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fail("ListRoomMembers"); err != nil {
		return nil, err
	}

	var users []User
	for _, id := range r.members[roomId] {
		u, ok := r.users[id]
		if !ok {
			u = User{Id: id}
		}
		users = append(users, u)
	}
	return users, nil
}

func (r *MemoryRepository) ResolveFile(ctx context.Context, roomId int, lookup FileLookup) (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range r.files {
		if f.RoomId != roomId {
			continue
		}
		if (lookup.Id != 0 && f.Id == lookup.Id) || (lookup.Id == 0 && lookup.Filename != "" && f.Filename == lookup.Filename) {
			found := f
			return &found, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetMessage(ctx context.Context, messageId int) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[messageId]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

func (r *MemoryRepository) CreateMessage(ctx context.Context, p CreateMessageParams) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fail("CreateMessage"); err != nil {
		return Message{}, err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	r.nextId++
	m := Message{
		Id:        r.nextId,
		RoomId:    p.RoomId,
		SenderId:  p.SenderId,
		Content:   p.Content,
		Type:      p.Type,
		Iv:        p.Iv,
		Encrypted: p.Encrypted,
		FileId:    p.FileId,
		FileName:  p.FileName,
		FileMime:  p.FileMime,
		FileSize:  p.FileSize,
		FileIv:    p.FileIv,
		CreatedAt: p.CreatedAt,
	}
	r.messages[m.Id] = m

	return m, nil
}

func (r *MemoryRepository) CreateDeliveryRecords(ctx context.Context, records []DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fail("CreateDeliveryRecords"); err != nil {
		return err
	}

	for _, rec := range records {
		if _, ok := r.records[rec.MessageId][rec.UserId]; ok {
			return fmt.Errorf("%w: message %d user %d", ErrDuplicate, rec.MessageId, rec.UserId)
		}
	}
	for _, rec := range records {
		if r.records[rec.MessageId] == nil {
			r.records[rec.MessageId] = make(map[int]DeliveryRecord)
		}
		r.records[rec.MessageId][rec.UserId] = rec
	}

	return nil
}

func (r *MemoryRepository) UpdateDeliveryRecord(ctx context.Context, messageId, userId int, upd DeliveryUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[messageId][userId]
	if !ok {
		return false, nil
	}
	if upd.At.IsZero() {
		upd.At = time.Now().UTC()
	}
	at := upd.At

	switch {
	case upd.Read:
		if rec.Read {
			return false, nil
		}
		if !rec.Delivered {
			rec.Delivered, rec.DeliveredAt = true, &at
		}
		rec.Read, rec.ReadAt = true, &at
	case upd.Delivered:
		if rec.Delivered {
			return false, nil
		}
		rec.Delivered, rec.DeliveredAt = true, &at
	default:
		return false, nil
	}

	r.records[messageId][userId] = rec
	return true, nil
}

func (r *MemoryRepository) GetDeliveryRecords(ctx context.Context, messageId int) ([]DeliveryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []DeliveryRecord
	for _, rec := range r.records[messageId] {
		records = append(records, rec)
	}
	slices.SortFunc(records, func(a, b DeliveryRecord) int { return a.UserId - b.UserId })
	return records, nil
}

func (r *MemoryRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	err := r.fail("WithTx")
	r.mu.Unlock()
	if err != nil {
		return err
	}

	tx := &memoryTx{MemoryRepository: r}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}

	return nil
}

type recordKey struct {
	messageId, userId int
}

// memoryTx records what it inserts so a rollback removes exactly those rows
// and leaves concurrent writes made outside the transaction alone.
type memoryTx struct {
	*MemoryRepository

	messageIds []int
	records    []recordKey
}

func (tx *memoryTx) CreateMessage(ctx context.Context, p CreateMessageParams) (Message, error) {
	m, err := tx.MemoryRepository.CreateMessage(ctx, p)
	if err == nil {
		tx.messageIds = append(tx.messageIds, m.Id)
	}
	return m, err
}

func (tx *memoryTx) CreateDeliveryRecords(ctx context.Context, records []DeliveryRecord) error {
	if err := tx.MemoryRepository.CreateDeliveryRecords(ctx, records); err != nil {
		return err
	}
	for _, rec := range records {
		tx.records = append(tx.records, recordKey{rec.MessageId, rec.UserId})
	}
	return nil
}

// WithTx joins the running transaction.
func (tx *memoryTx) WithTx(ctx context.Context, fn func(Repository) error) error {
	return fn(tx)
}

func (tx *memoryTx) rollback() {
	r := tx.MemoryRepository
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range tx.records {
		delete(r.records[k.messageId], k.userId)
		if len(r.records[k.messageId]) == 0 {
			delete(r.records, k.messageId)
		}
	}
	for _, id := range tx.messageIds {
		delete(r.messages, id)
	}
}

// NumMessages returns the number of stored messages.
func (r *MemoryRepository) NumMessages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// NumDeliveryRecords returns the number of stored delivery records.
func (r *MemoryRepository) NumDeliveryRecords() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, recs := range r.records {
		n += len(recs)
	}
	return n
}
