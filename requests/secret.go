package requests

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoEncryptionKey is returned when an envelope must be opened but no key
// is configured.
var ErrNoEncryptionKey = errors.New("no encryption key configured")

// Envelope is an AES-256-GCM sealed JSON value. All fields are base64.
type Envelope struct {
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

// Reveal returns the clear-text secret, opening the envelope with key when
// the secret is sealed. A sealed value that decodes to a JSON string yields
// that string; any other JSON document is returned verbatim.
func (s Secret) Reveal(key string) (string, error) {
	if s.Envelope == nil {
		return s.Plain, nil
	}
	if key == "" {
		return "", ErrNoEncryptionKey
	}
	plain, err := Open(key, *s.Envelope)
	if err != nil {
		return "", err
	}
	var str string
	if json.Unmarshal(plain, &str) == nil {
		return str, nil
	}
	return string(plain), nil
}

// Open decrypts an envelope. The AES key is the SHA-256 digest of key.
func Open(key string, env Envelope) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}

	gcm, err := newGCM(key, len(iv))
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("open envelope: %w", err)
	}
	return plain, nil
}

// Seal encrypts the JSON encoding of value into an envelope.
func Seal(key string, value any) (*Envelope, error) {
	plain, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal secret: %w", err)
	}
	iv := make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	gcm, err := newGCM(key, len(iv))
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv, plain, nil)
	cut := len(sealed) - gcm.Overhead()
	return &Envelope{
		IV:   base64.StdEncoding.EncodeToString(iv),
		Tag:  base64.StdEncoding.EncodeToString(sealed[cut:]),
		Data: base64.StdEncoding.EncodeToString(sealed[:cut]),
	}, nil
}

func newGCM(key string, nonceSize int) (cipher.AEAD, error) {
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
