package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) GetUser(ctx context.Context, userId int) (User, error) {
	args := m.Called(userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) SetUserPresence(ctx context.Context, userId int, p UserPresence) error {
	args := m.Called(userId, p.Online)
	return args.Error(0)
}
func (m *MockRepository) GetRoom(ctx context.Context, roomId int) (Room, error) {
	args := m.Called(roomId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) IsRoomMember(ctx context.Context, roomId, userId int) (bool, error) {
	args := m.Called(roomId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) ListRoomMembers(ctx context.Context, roomId int) ([]User, error) {
	args := m.Called(roomId)
	if users, ok := args.Get(0).([]User); ok {
		return users, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) ResolveFile(ctx context.Context, roomId int, lookup FileLookup) (*File, error) {
	args := m.Called(roomId, lookup)
	if f, ok := args.Get(0).(*File); ok {
		return f, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) GetMessage(ctx context.Context, messageId int) (Message, error) {
	args := m.Called(messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) CreateDeliveryRecords(ctx context.Context, records []DeliveryRecord) error {
	args := m.Called(records)
	return args.Error(0)
}
func (m *MockRepository) UpdateDeliveryRecord(ctx context.Context, messageId, userId int, upd DeliveryUpdate) (bool, error) {
	args := m.Called(messageId, userId, upd)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) GetDeliveryRecords(ctx context.Context, messageId int) ([]DeliveryRecord, error) {
	args := m.Called(messageId)
	if records, ok := args.Get(0).([]DeliveryRecord); ok {
		return records, args.Error(1)
	}
	return nil, args.Error(1)
}

// WithTx runs fn against the mock itself unless the expectation returns an
// error, which simulates a failed BEGIN.
func (m *MockRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	args := m.Called()
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m)
}
