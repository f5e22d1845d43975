package database

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Repository is everything the messaging core needs from persistence.
// Lookups of a single record return ErrNotFound when it does not exist.
type Repository interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, userId int) (User, error)
	// SetUserPresence records a user coming online or going offline.
	SetUserPresence(ctx context.Context, userId int, p UserPresence) error
	GetRoom(ctx context.Context, roomId int) (Room, error)
	IsRoomMember(ctx context.Context, roomId, userId int) (bool, error)
	ListRoomMembers(ctx context.Context, roomId int) ([]User, error)
	// ResolveFile returns nil and no error if nothing matches.
	ResolveFile(ctx context.Context, roomId int, lookup FileLookup) (*File, error)
	GetMessage(ctx context.Context, messageId int) (Message, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	CreateDeliveryRecords(ctx context.Context, records []DeliveryRecord) error
	// UpdateDeliveryRecord reports whether a record changed.
	UpdateDeliveryRecord(ctx context.Context, messageId, userId int, upd DeliveryUpdate) (bool, error)
	GetDeliveryRecords(ctx context.Context, messageId int) ([]DeliveryRecord, error)
	// WithTx runs fn against a repository bound to a single transaction,
	// committing if fn returns nil.
	WithTx(ctx context.Context, fn func(Repository) error) error
}
