package e2ee

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/npezzotti/go-securechat/internal/chaterr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

// KeyProvider supplies the 256-bit symmetric key of a room.
type KeyProvider interface {
	RoomKey(roomId int) ([]byte, error)
}

// RoomIDKeyProvider derives the room key from the room id alone, which is
// what the web client does. Anyone who knows the id can compute the key, so
// this gives integrity and transport obfuscation only.
// TODO: make WrappedKeyProvider the default once the web client can answer
// request_room_key.
type RoomIDKeyProvider struct{}

func (RoomIDKeyProvider) RoomKey(roomId int) ([]byte, error) {
	sum := sha256.Sum256([]byte("room-" + strconv.Itoa(roomId) + "-key"))
	return sum[:], nil
}

// Identity is a member's long term X25519 key pair.
type Identity struct {
	PrivateKey []byte
	PublicKey  []byte
}

func GenerateIdentity() (*Identity, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	return &Identity{PrivateKey: priv, PublicKey: pub}, nil
}

// WrappedKeyProvider holds random per-room keys that are handed to other
// members wrapped under an X25519 shared secret.
type WrappedKeyProvider struct {
	identity *Identity

	mu   sync.RWMutex
	keys map[int][]byte
}

func NewWrappedKeyProvider(identity *Identity) *WrappedKeyProvider {
	return &WrappedKeyProvider{
		identity: identity,
		keys:     make(map[int][]byte),
	}
}

// PublicKey is the key other members wrap room keys for.
func (p *WrappedKeyProvider) PublicKey() []byte {
	return p.identity.PublicKey
}

func (p *WrappedKeyProvider) RoomKey(roomId int) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	key, ok := p.keys[roomId]
	if !ok {
		return nil, chaterr.NewNotFoundError(fmt.Sprintf("no key for room %d", roomId))
	}

	return key, nil
}

func (p *WrappedKeyProvider) HasKey(roomId int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.keys[roomId]
	return ok
}

// GenerateRoomKey creates a fresh key for a room, replacing any existing one.
func (p *WrappedKeyProvider) GenerateRoomKey(roomId int) error {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate room key: %w", err)
	}

	p.mu.Lock()
	p.keys[roomId] = key
	p.mu.Unlock()

	return nil
}

// Wrap seals the room key for the holder of recipientPub. The result is
// base64(nonce || ciphertext).
func (p *WrappedKeyProvider) Wrap(roomId int, recipientPub []byte) (string, error) {
	key, err := p.RoomKey(roomId)
	if err != nil {
		return "", err
	}

	aead, err := p.wrappingCipher(roomId, p.identity.PublicKey, recipientPub, recipientPub)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, key, nil)), nil
}

// Unwrap opens a key wrapped by the holder of senderPub and installs it as
// the room key.
func (p *WrappedKeyProvider) Unwrap(roomId int, senderPub []byte, wrapped string) error {
	data, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return chaterr.NewDecryptionError(err)
	}

	aead, err := p.wrappingCipher(roomId, senderPub, p.identity.PublicKey, senderPub)
	if err != nil {
		return chaterr.NewDecryptionError(err)
	}

	if len(data) < aead.NonceSize() {
		return chaterr.NewDecryptionError(fmt.Errorf("wrapped key too short"))
	}

	key, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], nil)
	if err != nil {
		return chaterr.NewDecryptionError(err)
	}
	if len(key) != KeySize {
		return chaterr.NewDecryptionError(fmt.Errorf("unwrapped key has %d bytes", len(key)))
	}

	p.mu.Lock()
	p.keys[roomId] = key
	p.mu.Unlock()

	return nil
}

// wrappingCipher derives the key-encryption key from the shared secret with
// peerPub. The salt binds both public keys in sender, recipient order and
// the info binds the room.
func (p *WrappedKeyProvider) wrappingCipher(roomId int, senderPub, recipientPub, peerPub []byte) (cipher.AEAD, error) {
	shared, err := curve25519.X25519(p.identity.PrivateKey, peerPub)
	if err != nil {
		return nil, fmt.Errorf("shared secret: %w", err)
	}

	salt := make([]byte, 0, len(senderPub)+len(recipientPub))
	salt = append(salt, senderPub...)
	salt = append(salt, recipientPub...)

	kek := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared, salt, []byte("securechat-room-key-"+strconv.Itoa(roomId)))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("derive wrapping key: %w", err)
	}

	return chacha20poly1305.New(kek)
}
