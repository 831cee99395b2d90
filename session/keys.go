package session

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/opd-ai/trustcore/identity"
)

// KeyTypeDJB prefixes serialized Curve25519 identity keys.
const KeyTypeDJB byte = 0x05

var (
	// ErrZeroKey is returned for an all-zero private key.
	ErrZeroKey = errors.New("invalid secret key: all zeros")
	// ErrBadIdentityKey is returned when an identity key is not a
	// serialized Curve25519 public key.
	ErrBadIdentityKey = errors.New("identity key is not a curve25519 public key")
)

// KeyPair is a Curve25519 static key pair.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("failed to read random key: %w", err)
	}
	kp, err := FromSecretKey(secret)
	ZeroBytes(secret[:])
	return kp, err
}

// FromSecretKey derives the key pair for an existing private key.
func FromSecretKey(secret [32]byte) (*KeyPair, error) {
	if isZeroKey(secret) {
		return nil, ErrZeroKey
	}

	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &KeyPair{Private: secret}
	copy(kp.Public[:], pub)
	return kp, nil
}

// IdentityKey returns the serialized public key as stored in trust records.
func (kp *KeyPair) IdentityKey() identity.IdentityKey {
	return PublicIdentityKey(kp.Public)
}

// PublicIdentityKey serializes a Curve25519 public key with its type byte.
func PublicIdentityKey(pub [32]byte) identity.IdentityKey {
	out := make(identity.IdentityKey, 0, 33)
	out = append(out, KeyTypeDJB)
	return append(out, pub[:]...)
}

// staticKey extracts the raw 32-byte public key from a serialized identity
// key.
func staticKey(key identity.IdentityKey) ([]byte, error) {
	if len(key) != 33 || key[0] != KeyTypeDJB {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadIdentityKey, len(key))
	}
	out := make([]byte, 32)
	copy(out, key[1:])
	return out, nil
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZeroKey(key [32]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
