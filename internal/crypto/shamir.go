package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// fieldPrime is 2^256 - 189, larger than any 32-byte secret.
var fieldPrime, _ = new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007908834671663", 10)

var (
	ErrThreshold   = errors.New("invalid share threshold")
	ErrShareFormat = errors.New("malformed key share")
	ErrReconstruct = errors.New("failed to reconstruct root key")
)

type sharePoint struct{ x, y *big.Int }

// SplitKey splits a 32-byte root key into n shares, any k of which reconstruct it.
func SplitKey(key []byte, n, k int) ([][]byte, error) {
	switch {
	case k < 2:
		return nil, fmt.Errorf("%w: threshold must be at least 2", ErrThreshold)
	case k > n:
		return nil, fmt.Errorf("%w: threshold %d exceeds shares %d", ErrThreshold, k, n)
	case n > 255:
		return nil, fmt.Errorf("%w: at most 255 shares", ErrThreshold)
	case len(key) != KeySize:
		return nil, fmt.Errorf("key must be %d bytes", KeySize)
	}

	// f(x) = secret + a1*x + ... + a(k-1)*x^(k-1)
	poly := make([]*big.Int, k)
	poly[0] = new(big.Int).SetBytes(key)
	for i := 1; i < k; i++ {
		c, err := rand.Int(rand.Reader, fieldPrime)
		if err != nil {
			return nil, primitive("split key", err)
		}
		poly[i] = c
	}

	shares := make([][]byte, n)
	for i := 1; i <= n; i++ {
		y := evaluate(poly, big.NewInt(int64(i)))
		shares[i-1] = marshalShare(byte(i), y.Bytes())
	}
	return shares, nil
}

// CombineShares reconstructs the root key from at least threshold shares.
// Fewer shares produce a wrong key rather than an error.
func CombineShares(shares [][]byte) ([]byte, error) {
	if len(shares) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 shares", ErrThreshold)
	}
	points := make([]sharePoint, 0, len(shares))
	for i, s := range shares {
		x, y, err := unmarshalShare(s)
		if err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
		points = append(points, sharePoint{big.NewInt(int64(x)), y})
	}

	secret := interpolateAtZero(points)
	if secret == nil {
		return nil, ErrReconstruct
	}
	b := secret.Bytes()
	if len(b) > KeySize {
		return nil, ErrReconstruct
	}
	out := make([]byte, KeySize)
	copy(out[KeySize-len(b):], b)
	return out, nil
}

func evaluate(poly []*big.Int, x *big.Int) *big.Int {
	// Horner's rule, highest coefficient first.
	acc := new(big.Int)
	for i := len(poly) - 1; i >= 0; i-- {
		acc.Mul(acc, x)
		acc.Add(acc, poly[i])
		acc.Mod(acc, fieldPrime)
	}
	return acc
}

func interpolateAtZero(points []sharePoint) *big.Int {
	secret := new(big.Int)
	for i, pi := range points {
		num, den := big.NewInt(1), big.NewInt(1)
		for j, pj := range points {
			if i == j {
				continue
			}
			num.Mul(num, new(big.Int).Neg(pj.x))
			num.Mod(num, fieldPrime)
			den.Mul(den, new(big.Int).Sub(pi.x, pj.x))
			den.Mod(den, fieldPrime)
		}
		inv := new(big.Int).ModInverse(den, fieldPrime)
		if inv == nil {
			return nil
		}
		term := new(big.Int).Mul(pi.y, num)
		term.Mul(term, inv)
		secret.Add(secret, term)
		secret.Mod(secret, fieldPrime)
	}
	return secret
}

// Share layout: [x:1][len(y):4][y].
func marshalShare(x byte, y []byte) []byte {
	buf := make([]byte, 5+len(y))
	buf[0] = x
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(y)))
	copy(buf[5:], y)
	return buf
}

func unmarshalShare(b []byte) (int, *big.Int, error) {
	if len(b) < 5 {
		return 0, nil, ErrShareFormat
	}
	n := binary.BigEndian.Uint32(b[1:5])
	if uint32(len(b)-5) < n {
		return 0, nil, ErrShareFormat
	}
	return int(b[0]), new(big.Int).SetBytes(b[5 : 5+n]), nil
}
