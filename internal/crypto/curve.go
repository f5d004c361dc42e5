package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"math/big"
)

// fieldPrime is 2^255 - 19
var fieldPrime = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))

// ed25519PublicKeyToCurve25519 maps an Edwards public key to its Montgomery u-coordinate,
// u = (1 + y) / (1 - y) mod p
func ed25519PublicKeyToCurve25519(pub ed25519.PublicKey) (*[32]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("invalid Ed25519 public key size")
	}

	var yBytes [32]byte
	copy(yBytes[:], pub)
	yBytes[31] &= 0x7F // drop the x sign bit

	y := new(big.Int).SetBytes(reverseBytes(yBytes[:]))
	one := big.NewInt(1)

	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, fieldPrime)

	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, fieldPrime)

	inverse := new(big.Int).ModInverse(denominator, fieldPrime)
	if inverse == nil {
		return nil, errors.New("public key is not a valid curve point")
	}

	u := new(big.Int).Mul(numerator, inverse)
	u.Mod(u, fieldPrime)

	uBytes := u.Bytes()
	padded := make([]byte, 32)
	copy(padded[32-len(uBytes):], uBytes)

	var out [32]byte
	copy(out[:], reverseBytes(padded))
	return &out, nil
}

// ed25519PrivateKeyToCurve25519 derives the clamped X25519 scalar from the Ed25519 seed
func ed25519PrivateKeyToCurve25519(priv ed25519.PrivateKey) (*[32]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid Ed25519 private key size")
	}

	hash := sha512.Sum512(priv.Seed())

	var out [32]byte
	copy(out[:], hash[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return &out, nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}
