package core

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/org/consentvault/internal/crypto"
)

// KEKContext binds the KEK derivation to this vault's key hierarchy.
const KEKContext = "consentvault-kek-v1"

const checkContext = "consentvault-kek-check-v1"

var (
	ErrSealed         = errors.New("vault is sealed")
	ErrDuplicateShare = errors.New("duplicate key share")
	ErrInvalidRootKey = errors.New("key shares do not match this vault")
)

// Keyring holds the KEK while the vault is unsealed and wraps per-owner
// data keys with it. The KEK lives in memory only.
type Keyring struct {
	mu        sync.RWMutex
	kek       []byte
	sealed    bool
	threshold int
	check     []byte
	collected [][]byte
}

// NewKeyring creates a sealed keyring that needs threshold shares to open.
func NewKeyring(threshold int) *Keyring {
	return &Keyring{
		sealed:    true,
		threshold: threshold,
	}
}

func (k *Keyring) IsSealed() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sealed
}

// Progress returns how many shares have been submitted toward unsealing.
func (k *Keyring) Progress() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.collected)
}

func (k *Keyring) Threshold() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.threshold
}

// Configure sets the share threshold and the check value recorded at init.
// With a check value set, an unseal with the wrong root key fails.
func (k *Keyring) Configure(threshold int, check []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.threshold = threshold
	k.check = append([]byte(nil), check...)
	k.collected = nil
}

// CheckValue returns the check value for the current KEK, to be persisted at init.
func (k *Keyring) CheckValue() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.sealed {
		return nil, ErrSealed
	}
	return checkValue(k.kek)
}

func checkValue(kek []byte) ([]byte, error) {
	sub, err := crypto.DeriveKey(kek, checkContext)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(sub)
	return crypto.Digest(sub), nil
}

// Unseal submits one share. It reports true once the KEK is available.
// A failed reconstruction discards all collected shares.
func (k *Keyring) Unseal(share []byte) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.sealed {
		return true, nil
	}
	for _, existing := range k.collected {
		if bytes.Equal(existing, share) {
			return false, ErrDuplicateShare
		}
	}
	k.collected = append(k.collected, append([]byte(nil), share...))
	if len(k.collected) < k.threshold {
		return false, nil
	}

	root, err := crypto.CombineShares(k.collected)
	k.collected = nil
	if err != nil {
		return false, fmt.Errorf("reconstructing root key: %w", err)
	}
	defer crypto.Zero(root)
	if err := k.openLocked(root); err != nil {
		return false, err
	}
	return true, nil
}

// UnsealWithRootKey opens the keyring directly; used right after init.
func (k *Keyring) UnsealWithRootKey(root []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.collected = nil
	return k.openLocked(root)
}

func (k *Keyring) openLocked(root []byte) error {
	kek, err := crypto.DeriveKey(root, KEKContext)
	if err != nil {
		return fmt.Errorf("deriving KEK: %w", err)
	}
	if len(k.check) > 0 {
		got, err := checkValue(kek)
		if err != nil {
			crypto.Zero(kek)
			return err
		}
		if !crypto.Hash(got).Equal(k.check) {
			crypto.Zero(kek)
			return ErrInvalidRootKey
		}
	}
	k.kek = kek
	k.sealed = false
	return nil
}

// Seal wipes the KEK and any partial unseal progress.
func (k *Keyring) Seal() {
	k.mu.Lock()
	defer k.mu.Unlock()
	crypto.Zero(k.kek)
	k.kek = nil
	k.sealed = true
	k.collected = nil
}

// Wrap seals an owner's data key under the KEK.
func (k *Keyring) Wrap(dataKey []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.sealed {
		return nil, ErrSealed
	}
	return crypto.WrapKey(dataKey, k.kek)
}

// Unwrap recovers an owner's data key. Callers should Zero it when done.
func (k *Keyring) Unwrap(wrapped []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.sealed {
		return nil, ErrSealed
	}
	return crypto.UnwrapKey(wrapped, k.kek)
}

// Derive returns a subkey of the KEK bound to context.
func (k *Keyring) Derive(context string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.sealed {
		return nil, ErrSealed
	}
	return crypto.DeriveKey(k.kek, context)
}
