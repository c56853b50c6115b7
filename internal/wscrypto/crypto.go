// Package wscrypto implements the session crypto used by the storage fabric:
// a token-derived long-term secret, one-shot session-key wrapping during the
// handshake, and per-frame authenticated encryption afterwards.
package wscrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDF parameters are fixed constants shared by client and server.
	// Changing any of them breaks every existing token.
	kdfSalt       = "ws_encryption_salt"
	kdfIterations = 100000

	channelSalt = "_ws_channel_salt_v1"

	// SessionKeySize is the AES-256 key length for the per-connection cipher.
	SessionKeySize = 32
	// IVSize is the GCM nonce length. 16 bytes, carried on every frame.
	IVSize = 16
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

var (
	ErrFrameTooShort = errors.New("wscrypto: frame shorter than iv+tag")
	ErrBadKeySize    = errors.New("wscrypto: session key must be 32 bytes")
)

// DeriveSecret computes the token-derived long-term secret used to wrap the
// session key. Pure function of the token; both peers compute it independently.
func DeriveSecret(token string) []byte {
	return pbkdf2.Key([]byte(token), []byte(kdfSalt), kdfIterations, SessionKeySize, sha256.New)
}

// ChannelID derives the broadcast-group identity for a token. Distinct from
// the tenant derivation in the bucket package: channel = fan-out group,
// tenant = data namespace. Do not merge them.
func ChannelID(token string) string {
	sum := sha256.Sum256([]byte(token + channelSalt))
	return "channel_" + hex.EncodeToString(sum[:])[:16]
}

// NewSessionKey generates a fresh random 32-byte session key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// NewIV generates a fresh random 16-byte IV.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}

// seal encrypts plaintext under key with a fresh IV and packs the wire
// format: base64(iv || tag || ciphertext).
func seal(key, plaintext []byte) (string, error) {
	iv, err := NewIV()
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	// Go appends the tag to the ciphertext; the wire format wants it between
	// the IV and the ciphertext, so split it back out.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, IVSize+TagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// open reverses seal. The IV is always taken from the frame itself, so peers
// that rotate the IV per message and peers that reuse the handshake IV both
// decrypt correctly.
func open(key []byte, frame string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if len(raw) < IVSize+TagSize {
		return nil, ErrFrameTooShort
	}
	iv, tag, ct := raw[:IVSize], raw[IVSize:IVSize+TagSize], raw[IVSize+TagSize:]

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SessionKeySize {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// WrapSessionKey seals the session key under the token-derived secret.
// Server → client, one-shot, during the handshake.
func WrapSessionKey(secret, sessionKey []byte) (string, error) {
	if len(sessionKey) != SessionKeySize {
		return "", ErrBadKeySize
	}
	return seal(secret, sessionKey)
}

// UnwrapSessionKey is the client-side inverse of WrapSessionKey.
func UnwrapSessionKey(secret []byte, wrapped string) ([]byte, error) {
	key, err := open(secret, wrapped)
	if err != nil {
		return nil, err
	}
	if len(key) != SessionKeySize {
		return nil, ErrBadKeySize
	}
	return key, nil
}

// Cipher holds per-connection AEAD state. The handshake IV is retained only
// for wire-format compatibility; every outbound frame carries a fresh IV in
// its prefix slot, and inbound frames are decrypted with whatever IV they
// carry. GCM breaks catastrophically under IV reuse with a fixed key, so the
// fixed-IV behavior of older peers is accepted on receive but never produced.
type Cipher struct {
	key []byte
	iv  []byte
}

// NewCipher builds a per-connection cipher from the negotiated key and
// handshake IV.
func NewCipher(key, iv []byte) (*Cipher, error) {
	if len(key) != SessionKeySize {
		return nil, ErrBadKeySize
	}
	c := &Cipher{
		key: append([]byte(nil), key...),
		iv:  append([]byte(nil), iv...),
	}
	return c, nil
}

// EncryptFrame encrypts one message body for the wire.
func (c *Cipher) EncryptFrame(plaintext []byte) (string, error) {
	return seal(c.key, plaintext)
}

// DecryptFrame decrypts one wire frame.
func (c *Cipher) DecryptFrame(frame string) ([]byte, error) {
	return open(c.key, frame)
}
