package crypto

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	PasswordIterations = 100_000
	PasswordKeyLength  = 64
	PasswordSaltLength = 32
)

var ErrInvalidSalt = errors.New("invalid password salt")

// PasswordHash is a derived key and the salt it was derived with, both hex
// encoded for storage.
type PasswordHash struct {
	Hash string
	Salt string
}

// HashPassword derives a pbkdf2-sha512 key with a fresh random salt.
func HashPassword(password string) (*PasswordHash, error) {
	salt, err := RandomBytes(PasswordSaltLength)
	if err != nil {
		return nil, err
	}

	key := derive(password, salt)
	return &PasswordHash{
		Hash: hex.EncodeToString(key),
		Salt: hex.EncodeToString(salt),
	}, nil
}

// VerifyPassword recomputes the key for password with the stored salt and
// compares it in constant time.
func VerifyPassword(password, hash, salt string) (bool, error) {
	rawSalt, err := hex.DecodeString(salt)
	if err != nil {
		return false, ErrInvalidSalt
	}
	expected, err := hex.DecodeString(hash)
	if err != nil {
		return false, nil
	}

	key := derive(password, rawSalt)
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

func derive(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PasswordIterations, PasswordKeyLength, sha512.New)
}
