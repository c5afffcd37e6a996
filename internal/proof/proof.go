// Package proof attaches verifiable attestations to record digests.
package proof

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/org/consentvault/internal/crypto"
)

// Provider produces and checks an opaque proof over a content digest.
type Provider interface {
	Generate(digest []byte) ([]byte, error)
	Verify(digest, proof []byte) bool
	Name() string
}

var placeholderTag = []byte("placeholder-v1")

// Placeholder accepts every proof. It keeps the call sites in place for
// deployments without an attestation backend.
type Placeholder struct{}

func (Placeholder) Generate([]byte) ([]byte, error) {
	return append([]byte(nil), placeholderTag...), nil
}

func (Placeholder) Verify([]byte, []byte) bool { return true }

func (Placeholder) Name() string { return "placeholder" }

// KeySource derives subkeys; the keyring satisfies it once unsealed.
type KeySource interface {
	Derive(context string) ([]byte, error)
}

const hmacContext = "consentvault-proof-v1"

var hmacPrefix = []byte{'h', 1}

// HMACProvider attests digests with an HMAC-SHA256 under a key derived from
// the vault KEK, so proofs only verify on the vault that produced them.
type HMACProvider struct {
	keys KeySource
}

func NewHMACProvider(keys KeySource) *HMACProvider {
	return &HMACProvider{keys: keys}
}

func (p *HMACProvider) mac(digest []byte) ([]byte, error) {
	key, err := p.keys.Derive(hmacContext)
	if err != nil {
		return nil, fmt.Errorf("deriving proof key: %w", err)
	}
	defer crypto.Zero(key)
	m := hmac.New(sha256.New, key)
	m.Write(digest)
	return m.Sum(nil), nil
}

func (p *HMACProvider) Generate(digest []byte) ([]byte, error) {
	if len(digest) == 0 {
		return nil, errors.New("empty digest")
	}
	sum, err := p.mac(digest)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), hmacPrefix...), sum...), nil
}

func (p *HMACProvider) Verify(digest, proof []byte) bool {
	if !bytes.HasPrefix(proof, hmacPrefix) {
		return false
	}
	sum, err := p.mac(digest)
	if err != nil {
		return false
	}
	return hmac.Equal(sum, proof[len(hmacPrefix):])
}

func (p *HMACProvider) Name() string { return "hmac" }

// New returns the provider registered under name.
func New(name string, keys KeySource) (Provider, error) {
	switch name {
	case "", "placeholder":
		return Placeholder{}, nil
	case "hmac":
		if keys == nil {
			return nil, errors.New("hmac proof provider needs a key source")
		}
		return NewHMACProvider(keys), nil
	}
	return nil, fmt.Errorf("unknown proof provider %q", name)
}
