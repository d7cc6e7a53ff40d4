// Package crypto provides credential hashing and discriminator tag generation.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
)

var ErrMalformedCredential = errors.New("crypto: malformed credential")

// Argon2id parameters. Changing these invalidates stored credentials.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPassword derives a salted argon2id credential from a password.
// The result encodes the salt alongside the hash:
//
//	argon2id$<base64 salt>$<base64 hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return "argon2id$" +
		base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(key), nil
}

// VerifyPassword reports whether password matches an encoded credential.
// Comparison is constant-time over the derived key.
func VerifyPassword(password, credential string) (bool, error) {
	parts := strings.Split(credential, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false, ErrMalformedCredential
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, ErrMalformedCredential
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, ErrMalformedCredential
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// NewTag generates a random 4-digit zero-padded discriminator tag.
// Tags disambiguate same-named accounts; they are not globally unique.
func NewTag() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("crypto: generate tag: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
