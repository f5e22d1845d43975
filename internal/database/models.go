package database

import "time"

type User struct {
	Id       int
	Username string
}

// UserPresence is whether a user has any live session, and when that last
// changed.
type UserPresence struct {
	Online   bool
	LastSeen time.Time
}

type Room struct {
	Id          int
	Name        string
	Description string
	OwnerId     int
	CreatedAt   time.Time
}

type File struct {
	Id           int
	RoomId       int
	Filename     string
	OriginalName string
	MimeType     string
	Size         int64
	Iv           string
	Checksum     string
}

// FileLookup identifies a stored file by id or, when Id is zero, by its
// stored filename. Lookups are always scoped to a room.
type FileLookup struct {
	Id       int
	Filename string
}

type Message struct {
	Id        int
	RoomId    int
	SenderId  int
	Content   string
	Type      string
	Iv        string
	Encrypted bool
	FileId    *int
	FileName  string
	FileMime  string
	FileSize  int64
	FileIv    string
	CreatedAt time.Time
}

type CreateMessageParams struct {
	RoomId    int
	SenderId  int
	Content   string
	Type      string
	Iv        string
	Encrypted bool
	FileId    *int
	FileName  string
	FileMime  string
	FileSize  int64
	FileIv    string
	CreatedAt time.Time
}

type DeliveryRecord struct {
	MessageId   int
	UserId      int
	Delivered   bool
	DeliveredAt *time.Time
	Read        bool
	ReadAt      *time.Time
}

// DeliveryUpdate flags are only ever set, never cleared. Read implies
// Delivered.
type DeliveryUpdate struct {
	Delivered bool
	Read      bool
	At        time.Time
}
