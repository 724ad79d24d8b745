// Package crypto protects exchange API credentials at rest.
// Credentials are sealed with AES-256-GCM and stored with a version tag so
// keys can be rotated without re-encrypting every row up front.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard

	// sealed values look like ENC[v3]:base64(nonce || ciphertext)
	sealedPrefix = "ENC[v"

	// CredentialKeyEnv is the env var holding the base64 primary key.
	// Rotated keys use CREDENTIAL_KEY_V2, CREDENTIAL_KEY_V3, ...
	CredentialKeyEnv = "CREDENTIAL_KEY"

	maxKeyVersions = 10
)

var (
	ErrKeyNotFound   = errors.New("credential key not found in environment")
	ErrBadKeyLength  = errors.New("credential key must decode to 32 bytes")
	ErrMalformed     = errors.New("malformed sealed credential")
	ErrUnsealFailed  = errors.New("credential unseal failed")
	ErrUnknownKeyVer = errors.New("unknown key version")
)

// Vault seals and unseals credential strings. It holds every loaded key
// version, sealing with the newest and unsealing with whichever version a
// stored value names.
type Vault struct {
	mu      sync.RWMutex
	keys    map[int][]byte
	current int
}

// LoadVault reads keys from the environment. The primary key is required;
// higher versions are picked up when present and the newest becomes the
// sealing key.
func LoadVault() (*Vault, error) {
	v := &Vault{keys: make(map[int][]byte)}

	key, err := keyFromEnv(CredentialKeyEnv)
	if err != nil {
		return nil, fmt.Errorf("load primary credential key: %w", err)
	}
	v.keys[1] = key
	v.current = 1

	for ver := 2; ver <= maxKeyVersions; ver++ {
		key, err := keyFromEnv(fmt.Sprintf("%s_V%d", CredentialKeyEnv, ver))
		if err != nil {
			continue
		}
		v.keys[ver] = key
		v.current = ver
	}
	return v, nil
}

// NewVaultWithKey builds a vault around a single raw key. Used by tests and
// by the key generation script.
func NewVaultWithKey(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, ErrBadKeyLength
	}
	return &Vault{keys: map[int][]byte{1: key}, current: 1}, nil
}

func keyFromEnv(name string) ([]byte, error) {
	encoded := os.Getenv(name)
	if encoded == "" {
		return nil, ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if len(key) != keySize {
		return nil, ErrBadKeyLength
	}
	return key, nil
}

// Seal encrypts a credential with the current key version.
func (v *Vault) Seal(plaintext string) (string, error) {
	v.mu.RLock()
	key, ver := v.keys[v.current], v.current
	v.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", ver, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Unseal decrypts a sealed credential, selecting the key version the value
// was sealed with.
func (v *Vault) Unseal(sealed string) (string, error) {
	ver, encoded, err := splitSealed(sealed)
	if err != nil {
		return "", err
	}

	v.mu.RLock()
	key, ok := v.keys[ver]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnknownKeyVer, ver)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(data) <= nonceSize {
		return "", ErrMalformed
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrUnsealFailed
	}
	return string(plaintext), nil
}

// Reseal unseals a value and seals it again with the current key version.
// Run over stored rows after rotating in a new key.
func (v *Vault) Reseal(sealed string) (string, error) {
	plaintext, err := v.Unseal(sealed)
	if err != nil {
		return "", err
	}
	return v.Seal(plaintext)
}

// CurrentVersion reports the sealing key version.
func (v *Vault) CurrentVersion() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// SealedVersion extracts the key version named by a sealed value, or 0.
func SealedVersion(sealed string) int {
	ver, _, err := splitSealed(sealed)
	if err != nil {
		return 0
	}
	return ver
}

func splitSealed(sealed string) (version int, encoded string, err error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return 0, "", ErrMalformed
	}
	end := strings.Index(sealed, "]:")
	if end == -1 {
		return 0, "", ErrMalformed
	}
	if _, err := fmt.Sscanf(sealed, "ENC[v%d]:", &version); err != nil || version <= 0 {
		return 0, "", ErrMalformed
	}
	return version, sealed[end+2:], nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateKey returns a fresh base64-encoded 32 byte key for CREDENTIAL_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
