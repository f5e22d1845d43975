// Package e2ee encrypts message text and file bodies on the client so the
// server only ever stores and relays ciphertext.
package e2ee

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/npezzotti/go-securechat/internal/chaterr"
)

const (
	NonceSize = 12

	// MaxTextLength is the longest accepted plaintext, in characters.
	MaxTextLength = 10000

	DefaultMaxFileSize int64 = 10 << 20
)

type FileInfo struct {
	Name string
	Mime string
}

// EncryptedFile is an encrypted file body plus the metadata that travels
// next to it unencrypted.
type EncryptedFile struct {
	Blob []byte
	Iv   string
	Name string
	Mime string
	Size int64
	Hash string
}

// Engine performs AES-256-GCM encryption with keys from a KeyProvider.
// Derived ciphers are cached per room for the Engine's lifetime.
type Engine struct {
	keys        KeyProvider
	maxFileSize int64

	mu    sync.Mutex
	cache map[int]cipher.AEAD
}

func NewEngine(keys KeyProvider) *Engine {
	if keys == nil {
		keys = RoomIDKeyProvider{}
	}

	return &Engine{
		keys:        keys,
		maxFileSize: DefaultMaxFileSize,
		cache:       make(map[int]cipher.AEAD),
	}
}

func (e *Engine) SetMaxFileSize(n int64) {
	if n > 0 {
		e.maxFileSize = n
	}
}

// Derive returns the room's cipher, deriving it on first use.
func (e *Engine) Derive(roomId int) (cipher.AEAD, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if aead, ok := e.cache[roomId]; ok {
		return aead, nil
	}

	key, err := e.keys.RoomKey(roomId)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("room %d: key must be %d bytes, got %d", roomId, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("room %d: %w", roomId, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("room %d: %w", roomId, err)
	}

	e.cache[roomId] = aead
	return aead, nil
}

// Forget drops the cached cipher of a room, e.g. after its key was replaced.
func (e *Engine) Forget(roomId int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.cache, roomId)
}

func (e *Engine) seal(roomId int, plaintext []byte) ([]byte, []byte, error) {
	aead, err := e.Derive(roomId)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (e *Engine) open(roomId int, ciphertext []byte, iv string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, chaterr.NewDecryptionError(fmt.Errorf("decode iv: %w", err))
	}
	if len(nonce) != NonceSize {
		return nil, chaterr.NewDecryptionError(fmt.Errorf("iv must be %d bytes, got %d", NonceSize, len(nonce)))
	}

	aead, err := e.Derive(roomId)
	if err != nil {
		return nil, chaterr.NewDecryptionError(err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, chaterr.NewDecryptionError(err)
	}

	return plaintext, nil
}

// EncryptText returns the base64 ciphertext (with tag) and base64 nonce.
func (e *Engine) EncryptText(plaintext string, roomId int) (string, string, error) {
	if !utf8.ValidString(plaintext) {
		return "", "", chaterr.NewValidationError("message is not valid UTF-8")
	}
	if utf8.RuneCountInString(plaintext) > MaxTextLength {
		return "", "", chaterr.NewValidationError(fmt.Sprintf("message exceeds %d characters", MaxTextLength))
	}

	ciphertext, nonce, err := e.seal(roomId, []byte(plaintext))
	if err != nil {
		return "", "", err
	}

	return base64.StdEncoding.EncodeToString(ciphertext), base64.StdEncoding.EncodeToString(nonce), nil
}

// DecryptText reverses EncryptText. Any malformed input or authentication
// failure is reported as a decryption error.
func (e *Engine) DecryptText(ciphertext, iv string, roomId int) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", chaterr.NewDecryptionError(fmt.Errorf("decode ciphertext: %w", err))
	}

	plaintext, err := e.open(roomId, data, iv)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", chaterr.NewDecryptionError(fmt.Errorf("plaintext is not valid UTF-8"))
	}

	return string(plaintext), nil
}

// EncryptFile reads the whole file and encrypts it as one unit. Files larger
// than the configured maximum are rejected.
func (e *Engine) EncryptFile(r io.Reader, info FileInfo, roomId int) (*EncryptedFile, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, e.maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if n > e.maxFileSize {
		return nil, chaterr.NewValidationError(fmt.Sprintf("file exceeds %d bytes", e.maxFileSize))
	}

	blob, nonce, err := e.seal(roomId, buf.Bytes())
	if err != nil {
		return nil, err
	}

	return &EncryptedFile{
		Blob: blob,
		Iv:   base64.StdEncoding.EncodeToString(nonce),
		Name: info.Name,
		Mime: info.Mime,
		Size: n,
		Hash: Hash(blob),
	}, nil
}

func (e *Engine) DecryptFile(blob []byte, iv string, roomId int) ([]byte, error) {
	return e.open(roomId, blob, iv)
}

// Hash is the hex SHA-256 of an encrypted blob, as recorded by the server.
func Hash(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
