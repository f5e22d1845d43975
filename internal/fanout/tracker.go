// Package fanout persists messages, creates per-recipient delivery records
// and broadcasts confirmed messages to the sessions present in a room.
package fanout

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/npezzotti/go-securechat/internal/chaterr"
	"github.com/npezzotti/go-securechat/internal/database"
	"github.com/npezzotti/go-securechat/internal/types"
)

// DefaultMaxContentLength bounds the encoded ciphertext of a message. A
// 10000 character plaintext of 4-byte runes encodes to about 53 KiB.
const DefaultMaxContentLength = 64 * 1024

const DefaultMaxFileSize int64 = 10 << 20

type Presence interface {
	Online(roomId int) []int
}

// Broadcaster delivers notifications to every session currently present in
// a room.
type Broadcaster interface {
	BroadcastMessage(roomId int, msg *types.Message)
	BroadcastRead(roomId int, receipt *types.ReadReceipt)
}

type FileAttachment struct {
	Id       int
	Filename string
	Name     string
	Mime     string
	Size     int64
	Iv       string
}

type SendRequest struct {
	RoomId  int
	Sender  types.User
	Content string
	Iv      string
	Type    types.MessageType
	File    *FileAttachment
}

type Tracker struct {
	log              *log.Logger
	db               database.Repository
	presence         Presence
	broadcaster      Broadcaster
	locks            *roomLocks
	maxContentLength int
	maxFileSize      int64
	now              func() time.Time
}

func NewTracker(logger *log.Logger, db database.Repository, p Presence, b Broadcaster) *Tracker {
	return &Tracker{
		log:              logger,
		db:               db,
		presence:         p,
		broadcaster:      b,
		locks:            newRoomLocks(),
		maxContentLength: DefaultMaxContentLength,
		maxFileSize:      DefaultMaxFileSize,
		now: func() time.Time {
			return time.Now().UTC().Round(time.Millisecond)
		},
	}
}

func (t *Tracker) SetMaxContentLength(n int) {
	if n > 0 {
		t.maxContentLength = n
	}
}

// SetMaxFileSize bounds the declared size of attached files.
func (t *Tracker) SetMaxFileSize(n int64) {
	if n > 0 {
		t.maxFileSize = n
	}
}

func (t *Tracker) validate(req *SendRequest) error {
	if req.RoomId <= 0 {
		return chaterr.NewValidationError("roomId is required")
	}
	if req.Content == "" || req.Iv == "" {
		return chaterr.NewValidationError("incomplete message data")
	}
	if len(req.Content) > t.maxContentLength {
		return chaterr.NewValidationError("message too long")
	}
	if req.Type == "" {
		req.Type = types.MessageTypeText
	}
	if !req.Type.Valid() {
		return chaterr.NewValidationError("invalid message type")
	}
	if req.File != nil && req.File.Size > t.maxFileSize {
		return chaterr.NewValidationError("file too large")
	}
	return nil
}

// authorize returns NotFound for an unknown room and Authorization for a
// room the user is not a persisted member of.
func (t *Tracker) authorize(ctx context.Context, roomId, userId int) error {
	if _, err := t.db.GetRoom(ctx, roomId); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return chaterr.NewNotFoundError("room not found")
		}
		return chaterr.NewInternalError(err)
	}

	ok, err := t.db.IsRoomMember(ctx, roomId, userId)
	if err != nil {
		return chaterr.NewInternalError(err)
	}
	if !ok {
		return chaterr.NewAuthorizationError("not a member of this room")
	}

	return nil
}

// Authorize is the membership check used before joining a room.
func (t *Tracker) Authorize(ctx context.Context, roomId, userId int) error {
	return t.authorize(ctx, roomId, userId)
}

// Send authorizes, persists and fans out a message. The message and all of
// its delivery records are committed together or not at all; nothing is
// broadcast unless they were. Sends to the same room are serialized.
func (t *Tracker) Send(ctx context.Context, req SendRequest) (*types.Message, error) {
	if err := t.validate(&req); err != nil {
		return nil, err
	}

	unlock := t.locks.lock(req.RoomId)
	defer unlock()

	if err := t.authorize(ctx, req.RoomId, req.Sender.Id); err != nil {
		return nil, err
	}

	params := database.CreateMessageParams{
		RoomId:    req.RoomId,
		SenderId:  req.Sender.Id,
		Content:   req.Content,
		Type:      string(req.Type),
		Iv:        req.Iv,
		Encrypted: true,
		CreatedAt: t.now(),
	}
	if req.File != nil {
		t.attachFile(ctx, req.RoomId, req.File, &params)
	}

	var (
		msg     database.Message
		members []database.User
	)
	err := t.db.WithTx(ctx, func(tx database.Repository) error {
		var err error
		if msg, err = tx.CreateMessage(ctx, params); err != nil {
			return err
		}

		if members, err = tx.ListRoomMembers(ctx, req.RoomId); err != nil {
			return err
		}

		return tx.CreateDeliveryRecords(ctx, deliveryRecords(msg, members))
	})
	if err != nil {
		t.log.Printf("send in room %d: %v", req.RoomId, err)
		return nil, chaterr.NewPersistenceError(err)
	}

	confirmed := toWireMessage(msg, req.Sender)
	t.broadcaster.BroadcastMessage(req.RoomId, confirmed)
	t.markDelivered(ctx, msg, members)

	return confirmed, nil
}

// attachFile resolves the client's file reference. An unresolved reference
// is not an error: the message keeps the client supplied metadata.
func (t *Tracker) attachFile(ctx context.Context, roomId int, file *FileAttachment, params *database.CreateMessageParams) {
	params.FileName = file.Name
	params.FileMime = file.Mime
	params.FileSize = file.Size
	params.FileIv = file.Iv

	lookup := database.FileLookup{Id: file.Id, Filename: file.Filename}
	if lookup.Id == 0 && lookup.Filename == "" {
		return
	}

	f, err := t.db.ResolveFile(ctx, roomId, lookup)
	if err != nil {
		t.log.Printf("resolve file %+v in room %d: %v", lookup, roomId, err)
		return
	}
	if f == nil {
		t.log.Printf("file %+v not found in room %d, using client metadata", lookup, roomId)
		return
	}

	id := f.Id
	params.FileId = &id
	params.FileIv = f.Iv
	if params.FileName == "" {
		params.FileName = f.OriginalName
	}
	if params.FileMime == "" {
		params.FileMime = f.MimeType
	}
	if params.FileSize == 0 {
		params.FileSize = f.Size
	}
}

func deliveryRecords(msg database.Message, members []database.User) []database.DeliveryRecord {
	records := make([]database.DeliveryRecord, 0, len(members))
	for _, m := range members {
		rec := database.DeliveryRecord{MessageId: msg.Id, UserId: m.Id}
		if m.Id == msg.SenderId {
			at := msg.CreatedAt
			rec.Delivered, rec.DeliveredAt = true, &at
			rec.Read, rec.ReadAt = true, &at
		}
		records = append(records, rec)
	}
	return records
}

// markDelivered flags the records of present recipients. Failures are
// logged: the message is already committed and broadcast.
func (t *Tracker) markDelivered(ctx context.Context, msg database.Message, members []database.User) {
	online := make(map[int]struct{})
	for _, id := range t.presence.Online(msg.RoomId) {
		online[id] = struct{}{}
	}

	now := t.now()
	for _, m := range members {
		if m.Id == msg.SenderId {
			continue
		}
		if _, ok := online[m.Id]; !ok {
			continue
		}

		if _, err := t.db.UpdateDeliveryRecord(ctx, msg.Id, m.Id, database.DeliveryUpdate{Delivered: true, At: now}); err != nil {
			t.log.Printf("mark message %d delivered to user %d: %v", msg.Id, m.Id, err)
		}
	}
}

// MarkRead idempotently marks the message read (and delivered) for the user
// and notifies the room the first time it happens. The returned receipt is
// nil when the message had already been read.
func (t *Tracker) MarkRead(ctx context.Context, messageId int, user types.User) (*types.ReadReceipt, error) {
	if messageId <= 0 {
		return nil, chaterr.NewValidationError("messageId is required")
	}

	msg, err := t.db.GetMessage(ctx, messageId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, chaterr.NewNotFoundError("message not found")
		}
		return nil, chaterr.NewInternalError(err)
	}

	unlock := t.locks.lock(msg.RoomId)
	defer unlock()

	if err := t.authorize(ctx, msg.RoomId, user.Id); err != nil {
		return nil, err
	}

	now := t.now()
	changed, err := t.db.UpdateDeliveryRecord(ctx, msg.Id, user.Id, database.DeliveryUpdate{Read: true, At: now})
	if err != nil {
		return nil, chaterr.NewPersistenceError(err)
	}
	if !changed {
		return nil, nil
	}

	receipt := &types.ReadReceipt{
		MessageId: msg.Id,
		RoomId:    msg.RoomId,
		User:      user,
		ReadAt:    now,
	}
	t.broadcaster.BroadcastRead(msg.RoomId, receipt)

	return receipt, nil
}

func toWireMessage(msg database.Message, sender types.User) *types.Message {
	wire := &types.Message{
		Id:        msg.Id,
		RoomId:    msg.RoomId,
		Sender:    sender,
		Content:   msg.Content,
		Type:      types.MessageType(msg.Type),
		Iv:        msg.Iv,
		Encrypted: msg.Encrypted,
		CreatedAt: msg.CreatedAt,
	}

	if msg.FileId != nil || msg.FileName != "" {
		wire.File = &types.FileRef{
			Name: msg.FileName,
			Mime: msg.FileMime,
			Size: msg.FileSize,
			Iv:   msg.FileIv,
		}
		if msg.FileId != nil {
			wire.File.Id = *msg.FileId
		}
	}

	return wire
}
