package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every symmetric key the engine produces.
const KeySize = 32

var (
	// ErrAuthenticationFailed means the GCM tag did not verify: the ciphertext,
	// nonce or key is not what was sealed. Treat as tamper evidence.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrPrimitive covers failures of the underlying primitives (rng, cipher setup).
	ErrPrimitive = errors.New("crypto primitive failure")
)

// CryptoError wraps an engine failure with the operation that produced it.
// Kind is one of ErrAuthenticationFailed or ErrPrimitive. Messages never
// contain key material.
type CryptoError struct {
	Op   string
	Kind error
	Err  error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

// Is lets errors.Is match against the Kind sentinel.
func (e *CryptoError) Is(target error) bool {
	return target == e.Kind
}

func (e *CryptoError) Unwrap() error { return e.Err }

func primitive(op string, err error) error {
	return &CryptoError{Op: op, Kind: ErrPrimitive, Err: err}
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, primitive("generate key", err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte subkey from root using HKDF-SHA256 bound to context.
func DeriveKey(root []byte, context string) ([]byte, error) {
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, root, nil, []byte(context))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, primitive("derive key", err)
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes", KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM under key. A fresh nonce is
// generated per call and returned alongside the ciphertext.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, primitive("encrypt", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, primitive("encrypt", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt. A tag mismatch yields
// ErrAuthenticationFailed and no plaintext.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, primitive("decrypt", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, &CryptoError{Op: "decrypt", Kind: ErrAuthenticationFailed}
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Kind: ErrAuthenticationFailed}
	}
	return plaintext, nil
}

// WrapKey seals a data key under a KEK. The nonce is prepended for storage.
func WrapKey(key, kek []byte) ([]byte, error) {
	ciphertext, nonce, err := Encrypt(key, kek)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ciphertext))
	out = append(out, nonce...)
	return append(out, ciphertext...), nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(wrapped, kek []byte) ([]byte, error) {
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, primitive("unwrap key", err)
	}
	ns := gcm.NonceSize()
	if len(wrapped) < ns {
		return nil, &CryptoError{Op: "unwrap key", Kind: ErrAuthenticationFailed, Err: errors.New("wrapped key too short")}
	}
	return Decrypt(wrapped[ns:], wrapped[:ns], kek)
}

// Hash is a SHA-256 content digest.
type Hash []byte

// Digest returns the SHA-256 of plaintext.
func Digest(plaintext []byte) Hash {
	sum := sha256.Sum256(plaintext)
	return Hash(sum[:])
}

// Equal compares digests in constant time.
func (h Hash) Equal(other []byte) bool {
	return len(h) == len(other) && subtle.ConstantTimeCompare(h, other) == 1
}

func (h Hash) String() string {
	return hex.EncodeToString(h)
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
