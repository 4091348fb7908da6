// Package secret seals configuration secrets such as embedding API keys
// and database URLs. Sealed values carry the "enc:v1:" prefix and are
// AES-256-GCM ciphertexts under a key derived from MEMTRIGGER_SECRET_KEY,
// or from the machine identity when that variable is unset.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// Prefix marks sealed values.
	Prefix = "enc:v1:"

	// KeyEnv names the passphrase variable.
	KeyEnv = "MEMTRIGGER_SECRET_KEY"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidFormat    = errors.New("invalid sealed value")
)

const salt = "memtrigger-secret-v1"

// Box seals and opens secrets with one key.
type Box struct {
	key []byte
}

// FromEnv creates a Box from KeyEnv, falling back to the machine key.
func FromEnv() (*Box, error) {
	return New(os.Getenv(KeyEnv))
}

// New derives a key from passphrase with scrypt. An empty passphrase
// selects a machine-derived key, so sealed values only open on the machine
// that sealed them.
func New(passphrase string) (*Box, error) {
	if passphrase == "" {
		return &Box{key: machineKey()}, nil
	}
	key, err := scrypt.Key([]byte(passphrase), []byte(salt), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive secret key: %w", err)
	}
	return &Box{key: key}, nil
}

// Seal encrypts plaintext. The empty string stays empty.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := b.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without Prefix are returned as-is.
func (b *Box) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	gcm, err := b.aead()
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", ErrInvalidFormat
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// OpenAll opens every value in place and names the first field that fails.
func (b *Box) OpenAll(fields map[string]*string) error {
	for name, v := range fields {
		if v == nil {
			continue
		}
		plain, err := b.Open(*v)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", name, err)
		}
		*v = plain
	}
	return nil
}

func (b *Box) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// IsSealed reports whether value carries Prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Mask shows at most the first and last four characters of a secret.
func Mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func machineKey() []byte {
	var id strings.Builder
	hostname, _ := os.Hostname()
	id.WriteString(hostname)
	home, _ := os.UserHomeDir()
	id.WriteString(home)
	id.WriteString(runtime.GOOS)
	id.WriteString(runtime.GOARCH)
	if uid := os.Getuid(); uid != -1 {
		fmt.Fprintf(&id, "uid:%d", uid)
	}
	id.WriteString(salt)
	sum := sha256.Sum256([]byte(id.String()))
	return sum[:]
}
