package types

import (
	"time"
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeImage  MessageType = "image"
	MessageTypeSystem MessageType = "system"
)

func (mt MessageType) Valid() bool {
	switch mt {
	case MessageTypeText, MessageTypeFile, MessageTypeImage, MessageTypeSystem:
		return true
	}
	return false
}

type User struct {
	Id       int    `json:"id"`
	Username string `json:"username"`
}

// FileRef is the file metadata attached to a message. Name, Mime and Size
// travel in plaintext; only the file body is encrypted.
type FileRef struct {
	Id   int    `json:"id,omitempty"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
	Iv   string `json:"iv,omitempty"`
}

// Message is the confirmed message as broadcast to room members.
type Message struct {
	Id        int         `json:"id"`
	RoomId    int         `json:"room"`
	Sender    User        `json:"sender"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Iv        string      `json:"iv"`
	File      *FileRef    `json:"file,omitempty"`
	Encrypted bool        `json:"encrypted"`
	CreatedAt time.Time   `json:"createdAt"`
}

type ReadReceipt struct {
	MessageId int       `json:"messageId"`
	RoomId    int       `json:"roomId"`
	User      User      `json:"user"`
	ReadAt    time.Time `json:"readAt"`
}
