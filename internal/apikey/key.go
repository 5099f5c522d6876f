// Package apikey implements the key generator and hasher (spec §4.1): it
// produces prefixed random bearer tokens, hashes them for storage, and
// verifies presented keys in constant time.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"regexp"
)

// Environment is the key environment embedded in its prefix.
type Environment string

const (
	EnvLive Environment = "live"
	EnvTest Environment = "test"

	tokenBytes = 32 // 32 bytes of randomness -> 43 base64url chars, no padding
	tokenChars = 43
	hintChars  = 4
)

// formatPattern matches pk_{live|test}_{43 url-safe base64 chars}.
var formatPattern = regexp.MustCompile(`^pk_(live|test)_[A-Za-z0-9_-]{43}$`)

// Generated is the output of Generate: the plaintext key (shown exactly
// once to the caller), its stored hash, and display metadata.
type Generated struct {
	FullKey  string
	KeyHash  string
	KeyHint  string
	KeyPrefix string
}

// Generate produces a new key of the form pk_{env}_{token} where token is
// 43 URL-safe base64 characters derived from 32 bytes of crypto/rand
// randomness.
func Generate(env Environment) (Generated, error) {
	if env != EnvLive && env != EnvTest {
		return Generated{}, errors.New("apikey: environment must be live or test")
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return Generated{}, errors.New("apikey: failed to read random bytes")
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	if len(token) != tokenChars {
		// crypto/rand with 32 bytes always yields 43 raw-url-base64 chars;
		// this guards against a future tokenBytes change going unnoticed.
		return Generated{}, errors.New("apikey: unexpected token length")
	}

	prefix := "pk_" + string(env) + "_"
	fullKey := prefix + token
	hash := Hash(fullKey)

	return Generated{
		FullKey:   fullKey,
		KeyHash:   hash,
		KeyHint:   token[len(token)-hintChars:],
		KeyPrefix: prefix,
	}, nil
}

// Hash returns the lowercase hex SHA-256 digest of plaintext.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether plaintext hashes to storedHash, using a
// constant-time comparison of the computed digest. Any malformed input
// returns false rather than an error.
func Verify(plaintext, storedHash string) bool {
	if plaintext == "" || storedHash == "" {
		return false
	}
	computed, err := hex.DecodeString(Hash(plaintext))
	if err != nil {
		return false
	}
	stored, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(computed, stored) == 1
}

// ValidFormat reports whether key matches pk_{live|test}_{43 chars}.
func ValidFormat(key string) bool {
	return formatPattern.MatchString(key)
}
