package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeyLen is the required master key length (AES-256).
	KeyLen    = 32
	ivLen     = 12
	gcmTagLen = 16

	envelopeVersion = 1
)

// Envelope is the on-disk representation of an encrypted blob.
// All byte fields are unpadded base64url.
type Envelope struct {
	V    int    `json:"v"`
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

// ErrInvalidKey is returned by ParseKey for keys that do not decode to 32 bytes.
var ErrInvalidKey = errors.New("encryption key must be 32 bytes (64 hex chars or base64)")

// ParseKey accepts a 32-byte key encoded as 64 hex characters or as base64
// (standard or URL alphabet, padded or not).
func ParseKey(s string) ([KeyLen]byte, error) {
	var key [KeyLen]byte
	s = strings.TrimSpace(s)
	if len(s) == 2*KeyLen {
		if b, err := hex.DecodeString(s); err == nil {
			copy(key[:], b)
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil && len(b) == KeyLen {
			copy(key[:], b)
			return key, nil
		}
	}
	return key, ErrInvalidKey
}

// EncryptAtRest encrypts plaintext using AES-256-GCM with the given master key.
// A fresh 96-bit IV is drawn for every call, so sealing the same plaintext
// twice never yields the same envelope.
func EncryptAtRest(masterKey [KeyLen]byte, plaintext []byte) (*Envelope, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-gcmTagLen], sealed[len(sealed)-gcmTagLen:]

	return &Envelope{
		V:    envelopeVersion,
		IV:   base64.RawURLEncoding.EncodeToString(iv),
		Tag:  base64.RawURLEncoding.EncodeToString(tag),
		Data: base64.RawURLEncoding.EncodeToString(ct),
	}, nil
}

// DecryptAtRest opens an envelope produced by EncryptAtRest.
func DecryptAtRest(masterKey [KeyLen]byte, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	iv, err := decodeField("iv", env.IV)
	if err != nil {
		return nil, err
	}
	if len(iv) != ivLen {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", ivLen, len(iv))
	}
	tag, err := decodeField("tag", env.Tag)
	if err != nil {
		return nil, err
	}
	if len(tag) != gcmTagLen {
		return nil, fmt.Errorf("tag must be %d bytes, got %d", gcmTagLen, len(tag))
	}
	ct, err := decodeField("data", env.Data)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(masterKey [KeyLen]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(masterKey[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// decodeField tolerates padded input written by older tooling.
func decodeField(name, v string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(v, "="))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return b, nil
}
