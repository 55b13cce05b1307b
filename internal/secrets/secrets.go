// Package secrets implements the authenticated encryption layer for
// operation payloads: AES-256-GCM with a fresh random nonce per call,
// portable base64 key export/import, PBKDF2 passphrase derivation, and
// short key fingerprints to tell key generations apart.
//
// The relay server is untrusted for confidentiality, so every payload
// that leaves a client is sealed here first.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// NonceSize is the AES-GCM nonce size in bytes.
	NonceSize = 12
	// SaltSize is the salt size for passphrase key derivation.
	SaltSize = 32
	// pbkdf2Iterations is the iteration count for passphrase derivation.
	pbkdf2Iterations = 100000
	// fingerprintLen is the number of hex characters in a key fingerprint.
	fingerprintLen = 8
)

// Sentinel errors. Use errors.Is to distinguish decryption failures
// (tampered ciphertext, wrong key) from malformed inputs.
var (
	ErrDecrypt    = errors.New("secrets: decryption failed")
	ErrInvalidKey = errors.New("secrets: invalid key")
)

// Key is a symmetric AEAD key with its precomputed GCM instance.
// Keys are read-only after construction; rotation swaps the whole Key.
type Key struct {
	raw []byte
	gcm cipher.AEAD
}

// Envelope is the wire form of an encrypted payload. Both fields are
// base64-encoded by encoding/json's []byte handling.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
}

// GenerateKey creates a fresh random 256-bit key.
func GenerateKey() (*Key, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("secrets: generating key: %w", err)
	}

	return newKey(raw)
}

// ImportKey parses a key from its portable base64 string form.
func ImportKey(exported string) (*Key, error) {
	raw, err := base64.StdEncoding.DecodeString(exported)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid base64: %v", ErrInvalidKey, err)
	}

	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}

	return newKey(raw)
}

// DeriveKey derives a key from a passphrase and salt via PBKDF2-SHA256.
// Two devices sharing the same passphrase and salt derive the same key,
// so key material never has to be copied between them.
func DeriveKey(passphrase string, salt []byte) (*Key, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
	}

	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: got %d salt bytes, want %d", ErrInvalidKey, len(salt), SaltSize)
	}

	raw := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, KeySize, sha256.New)

	return newKey(raw)
}

// NewSalt returns a fresh random salt for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("secrets: generating salt: %w", err)
	}

	return salt, nil
}

// newKey wraps raw key bytes with a ready GCM instance.
func newKey(raw []byte) (*Key, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("secrets: creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: creating GCM: %w", err)
	}

	return &Key{raw: raw, gcm: gcm}, nil
}

// Export returns the portable base64 string form of the key.
func (k *Key) Export() string {
	return base64.StdEncoding.EncodeToString(k.raw)
}

// Fingerprint returns a short hex hash identifying this key generation.
// Operations encrypted under different keys can be told apart by it.
func (k *Key) Fingerprint() string {
	sum := sha256.Sum256(k.raw)
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// Encrypt seals plaintext under the key with a fresh random IV.
// A new IV is drawn on every call; IV reuse under the same key breaks
// GCM, so there is deliberately no way to supply one.
func Encrypt(plaintext []byte, k *Key) (Envelope, error) {
	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Envelope{}, fmt.Errorf("secrets: generating IV: %w", err)
	}

	return Envelope{
		Ciphertext: k.gcm.Seal(nil, iv, plaintext, nil),
		IV:         iv,
	}, nil
}

// Decrypt opens an envelope. Tampered ciphertext or a wrong key returns
// an error wrapping ErrDecrypt, never silent garbage.
func Decrypt(env Envelope, k *Key) ([]byte, error) {
	if len(env.IV) != NonceSize {
		return nil, fmt.Errorf("%w: IV is %d bytes, want %d", ErrDecrypt, len(env.IV), NonceSize)
	}

	plaintext, err := k.gcm.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return plaintext, nil
}

// EncryptJSON marshals the envelope of the sealed plaintext, producing
// the opaque payload bytes that travel in an Operation.
func EncryptJSON(plaintext []byte, k *Key) ([]byte, error) {
	env, err := Encrypt(plaintext, k)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("secrets: encoding envelope: %w", err)
	}

	return payload, nil
}

// DecryptJSON parses an envelope payload and opens it.
func DecryptJSON(payload []byte, k *Key) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecrypt, err)
	}

	return Decrypt(env, k)
}

// VerifyKey reports whether the exported key string is usable: it must
// import cleanly and round-trip a synthetic payload.
func VerifyKey(exported string) bool {
	k, err := ImportKey(exported)
	if err != nil {
		return false
	}

	probe := []byte(`{"verify":"probe"}`)

	env, err := Encrypt(probe, k)
	if err != nil {
		return false
	}

	out, err := Decrypt(env, k)
	if err != nil {
		return false
	}

	return string(out) == string(probe)
}
