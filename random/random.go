// Package random provides cryptographically secure token generation.
package random

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

// CharsetAlphanumeric is the default charset for String.
const CharsetAlphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Hex generates a random hex string. The output length is twice the input
// length (each byte = 2 hex chars).
func Hex(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// String generates a random string from the given charset.
func String(length int, charset string) (string, error) {
	if length <= 0 {
		return "", nil
	}
	if charset == "" {
		charset = CharsetAlphanumeric
	}
	result := make([]byte, length)
	charsetLen := big.NewInt(int64(len(charset)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", fmt.Errorf("generate random index: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

// SecureToken generates a URL-safe opaque token of exactly the given length.
// Used for invite tokens.
func SecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	s := base64.RawURLEncoding.EncodeToString(bytes)
	if len(s) > length {
		return s[:length], nil
	}
	return s, nil
}
