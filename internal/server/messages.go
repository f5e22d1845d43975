package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/go-securechat/internal/chaterr"
	"github.com/npezzotti/go-securechat/internal/types"
)

// Inbound command types.
const (
	CmdJoinRoom       = "join_room"
	CmdLeaveRoom      = "leave_room"
	CmdSendMessage    = "send_message"
	CmdTyping         = "typing"
	CmdMarkRead       = "mark_read"
	CmdRequestRoomKey = "request_room_key"
	CmdShareRoomKey   = "share_room_key"
)

// Outbound notification types.
const (
	NotifyUserJoined     = "user_joined"
	NotifyUserLeft       = "user_left"
	NotifyRoomUsers      = "room_users"
	NotifyNewMessage     = "new_message"
	NotifyTyping         = "typing"
	NotifyMessageRead    = "message_read"
	NotifyRoomKeyRequest = "room_key_request"
	NotifyRoomKey        = "room_key"
	NotifyError          = "error"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a command received from a client. Exactly one of the
// typed payload fields is set once the message has been parsed.
type ClientMessage struct {
	BaseMessage
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	Join       *JoinRoom       `json:"-"`
	Leave      *LeaveRoom      `json:"-"`
	Send       *SendMessage    `json:"-"`
	Typing     *Typing         `json:"-"`
	Read       *MarkRead       `json:"-"`
	KeyRequest *RequestRoomKey `json:"-"`
	KeyShare   *ShareRoomKey   `json:"-"`

	UserId int     `json:"-"`
	client *Client `json:"-"`
	// done is closed by the room once a leave has been applied.
	done chan struct{} `json:"-"`
}

type JoinRoom struct {
	RoomId int `json:"roomId"`
}

type LeaveRoom struct {
	RoomId int `json:"roomId"`
}

type FileData struct {
	Id       int    `json:"id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Name     string `json:"name"`
	Mime     string `json:"mime"`
	Size     int64  `json:"size"`
	Iv       string `json:"iv"`
}

type SendMessage struct {
	RoomId  int               `json:"roomId"`
	Content string            `json:"content"`
	Iv      string            `json:"iv"`
	Type    types.MessageType `json:"type,omitempty"`
	File    *FileData         `json:"file,omitempty"`
}

type Typing struct {
	RoomId   int  `json:"roomId"`
	IsTyping bool `json:"isTyping"`
}

type MarkRead struct {
	MessageId int `json:"messageId"`
}

type RequestRoomKey struct {
	RoomId    int    `json:"roomId"`
	PublicKey string `json:"publicKey,omitempty"`
}

type ShareRoomKey struct {
	RoomId       int    `json:"roomId"`
	UserId       int    `json:"userId"`
	EncryptedKey string `json:"encryptedKey"`
	PublicKey    string `json:"publicKey,omitempty"`
}

// parseClientMessage decodes the envelope and its typed payload. A message
// that cannot be decoded at all returns a nil message.
func parseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, chaterr.NewValidationError("invalid message format")
	}

	var (
		payload any
		check   func() bool
	)
	switch msg.Type {
	case CmdJoinRoom:
		msg.Join = &JoinRoom{}
		payload, check = msg.Join, func() bool { return msg.Join.RoomId > 0 }
	case CmdLeaveRoom:
		msg.Leave = &LeaveRoom{}
		payload, check = msg.Leave, func() bool { return msg.Leave.RoomId > 0 }
	case CmdSendMessage:
		msg.Send = &SendMessage{}
		payload, check = msg.Send, func() bool {
			return msg.Send.RoomId > 0 && msg.Send.Content != "" && msg.Send.Iv != ""
		}
	case CmdTyping:
		msg.Typing = &Typing{}
		payload, check = msg.Typing, func() bool { return msg.Typing.RoomId > 0 }
	case CmdMarkRead:
		msg.Read = &MarkRead{}
		payload, check = msg.Read, func() bool { return msg.Read.MessageId > 0 }
	case CmdRequestRoomKey:
		msg.KeyRequest = &RequestRoomKey{}
		payload, check = msg.KeyRequest, func() bool { return msg.KeyRequest.RoomId > 0 }
	case CmdShareRoomKey:
		msg.KeyShare = &ShareRoomKey{}
		payload, check = msg.KeyShare, func() bool {
			return msg.KeyShare.RoomId > 0 && msg.KeyShare.UserId > 0 && msg.KeyShare.EncryptedKey != ""
		}
	default:
		return &msg, chaterr.NewValidationError(fmt.Sprintf("unknown command %q", msg.Type))
	}

	if len(msg.Data) == 0 {
		return &msg, chaterr.NewValidationError("missing data")
	}
	if err := json.Unmarshal(msg.Data, payload); err != nil {
		return &msg, chaterr.NewValidationError(fmt.Sprintf("invalid %s data", msg.Type))
	}
	if !check() {
		return &msg, chaterr.NewValidationError(fmt.Sprintf("incomplete %s data", msg.Type))
	}

	return &msg, nil
}

// ServerMessage is either a response to a command, carrying the command's
// id, or a notification identified by Type.
type ServerMessage struct {
	BaseMessage
	Type       string    `json:"type,omitempty"`
	Response   *Response `json:"response,omitempty"`
	Data       any       `json:"data,omitempty"`
	SkipClient *Client   `json:"-"`
	// SkipUserId suppresses delivery to every session of a user.
	SkipUserId int `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type UserPresence struct {
	RoomId   int       `json:"roomId"`
	UserId   int       `json:"userId"`
	Username string    `json:"username"`
	Ts       time.Time `json:"ts"`
}

type RoomUsers struct {
	RoomId int          `json:"roomId"`
	Users  []types.User `json:"users"`
}

type NewMessage struct {
	Message *types.Message `json:"message"`
}

type TypingNotice struct {
	RoomId   int    `json:"roomId"`
	UserId   int    `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type MessageRead struct {
	MessageId int       `json:"messageId"`
	RoomId    int       `json:"roomId"`
	UserId    int       `json:"userId"`
	Username  string    `json:"username"`
	ReadAt    time.Time `json:"readAt"`
}

type RoomKeyRequest struct {
	RoomId    int    `json:"roomId"`
	UserId    int    `json:"userId"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey,omitempty"`
}

type RoomKey struct {
	RoomId       int    `json:"roomId"`
	FromUserId   int    `json:"fromUserId"`
	FromUsername string `json:"fromUsername"`
	EncryptedKey string `json:"encryptedKey"`
	PublicKey    string `json:"publicKey,omitempty"`
}

type ErrorNotice struct {
	Message string `json:"message"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

// ErrResponse answers the command with the error's code and public message.
// Commands without an id get an error notification instead.
func ErrResponse(id int, err error) *ServerMessage {
	if id <= 0 {
		return ErrNotification(chaterr.PublicMessage(err))
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: chaterr.Code(err),
			Error:        chaterr.PublicMessage(err),
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return ErrResponse(id, chaterr.NewUnavailableError())
}

func ErrNotification(message string) *ServerMessage {
	return Notify(NotifyError, ErrorNotice{Message: message})
}

func Notify(typ string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Type: typ,
		Data: data,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
