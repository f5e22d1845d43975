// Package reconcile merges a client's optimistic local messages with the
// confirmed messages the server broadcasts.
package reconcile

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-securechat/internal/types"
	"github.com/teris-io/shortid"
)

const TempPrefix = "temp-"

type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	return [...]string{"pending", "confirmed", "failed"}[s]
}

var placeholders = map[string]string{
	"en": "[Decryption error]",
	"fr": "[Erreur de déchiffrement]",
}

// Placeholder is the text shown in place of a message that could not be
// decrypted. Unknown languages fall back to English.
func Placeholder(lang string) string {
	if p, ok := placeholders[strings.ToLower(lang)]; ok {
		return p
	}
	return placeholders["en"]
}

type Decrypter interface {
	DecryptText(ciphertext, iv string, roomId int) (string, error)
}

// Entry is one line of the local view. Pending and failed entries carry a
// TempId and no Id.
type Entry struct {
	Id        int
	TempId    string
	RoomId    int
	Sender    types.User
	Text      string
	Type      types.MessageType
	File      *types.FileRef
	Decrypted bool
	Status    Status
	Err       error
	CreatedAt time.Time
}

func (e Entry) IsTemp() bool {
	return e.TempId != ""
}

// Timeline is the ordered message list of one room as seen by one user.
type Timeline struct {
	log    *log.Logger
	roomId int
	self   types.User
	dec    Decrypter
	lang   string

	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

func NewTimeline(logger *log.Logger, roomId int, self types.User, dec Decrypter, lang string) *Timeline {
	return &Timeline{
		log:    logger,
		roomId: roomId,
		self:   self,
		dec:    dec,
		lang:   lang,
		now:    time.Now,
	}
}

func newTempId() string {
	id, err := shortid.Generate()
	if err != nil {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return TempPrefix + id
}

// AddPending appends an optimistic entry for a message the local user is
// about to send.
func (t *Timeline) AddPending(text string, typ types.MessageType) Entry {
	if typ == "" {
		typ = types.MessageTypeText
	}

	e := Entry{
		TempId:    newTempId(),
		RoomId:    t.roomId,
		Sender:    t.self,
		Text:      text,
		Type:      typ,
		Decrypted: true,
		Status:    StatusPending,
		CreatedAt: t.now(),
	}

	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()

	return e
}

// decrypt never fails: a message that cannot be decrypted becomes a
// placeholder entry so the rest of the stream still renders.
func (t *Timeline) decrypt(msg types.Message) Entry {
	e := Entry{
		Id:        msg.Id,
		RoomId:    msg.RoomId,
		Sender:    msg.Sender,
		Type:      msg.Type,
		File:      msg.File,
		Status:    StatusConfirmed,
		CreatedAt: msg.CreatedAt,
	}

	if !msg.Encrypted {
		e.Text, e.Decrypted = msg.Content, true
		return e
	}

	text, err := t.dec.DecryptText(msg.Content, msg.Iv, msg.RoomId)
	if err != nil {
		t.log.Printf("decrypt message %d in room %d: %v", msg.Id, msg.RoomId, err)
		e.Text, e.Err = Placeholder(t.lang), err
		return e
	}

	e.Text, e.Decrypted = text, true
	return e
}

// Apply merges a confirmed message. An entry with the same id is replaced in
// place. Otherwise, for the local user's own messages, the newest unmatched
// temp entry is replaced, scanning from the tail. This is a best-effort
// match: with several sends in flight a confirmation can land on a different
// temp entry than the one it was sent from.
// TODO: match on a client-generated correlation id echoed by the server.
func (t *Timeline) Apply(msg types.Message) Entry {
	e := t.decrypt(msg)

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if !t.entries[i].IsTemp() && t.entries[i].Id == e.Id {
			t.entries[i] = e
			return e
		}
	}

	if e.Sender.Id == t.self.Id {
		for i := len(t.entries) - 1; i >= 0; i-- {
			if t.entries[i].IsTemp() && t.entries[i].Sender.Id == t.self.Id {
				t.entries[i] = e
				return e
			}
		}
	}

	t.entries = append(t.entries, e)
	return e
}

func (t *Timeline) indexOfTemp(tempId string) int {
	for i := range t.entries {
		if t.entries[i].TempId == tempId {
			return i
		}
	}
	return -1
}

// Fail marks a pending entry failed. It stays visible so the user can retry
// or discard it.
func (t *Timeline) Fail(tempId string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOfTemp(tempId)
	if i < 0 {
		return false
	}

	t.entries[i].Status = StatusFailed
	t.entries[i].Err = err
	return true
}

// Retry returns a failed entry to pending and returns it for resending.
func (t *Timeline) Retry(tempId string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOfTemp(tempId)
	if i < 0 || t.entries[i].Status != StatusFailed {
		return Entry{}, false
	}

	t.entries[i].Status = StatusPending
	t.entries[i].Err = nil
	return t.entries[i], true
}

func (t *Timeline) Discard(tempId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOfTemp(tempId)
	if i < 0 {
		return false
	}

	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return true
}

// Load replaces the timeline with message history, oldest first. Pending
// entries are kept after the history.
func (t *Timeline) Load(history []types.Message) {
	loaded := make([]Entry, 0, len(history))
	for _, msg := range history {
		loaded = append(loaded, t.decrypt(msg))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.IsTemp() {
			loaded = append(loaded, e)
		}
	}
	t.entries = loaded
}

func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Entry(nil), t.entries...)
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
