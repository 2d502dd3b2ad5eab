// Package auth implements the handshake token verification and session
// identity primitives for the ECP server.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
)

// ErrUnknownHashType is returned when a stored token hash has an
// unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// TokenLength is the number of random bytes in a generated token.
// Hex-encoded, a token is twice this many characters.
const TokenLength = 32

// GenerateToken returns a fresh random shared secret, hex-encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MaskToken renders a token for one-time display: first and last eight
// characters visible, the middle elided. Short tokens are fully masked.
func MaskToken(token string) string {
	if len(token) <= 16 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "…" + token[len(token)-8:]
}

// ConstantTimeEqual compares two tokens without leaking timing
// information about either content or length. Unequal-length inputs
// still traverse every byte of the longer input before returning false.
func ConstantTimeEqual(a, b string) bool {
	ab := []byte(a)
	bb := []byte(b)

	n := len(ab)
	if len(bb) > n {
		n = len(bb)
	}
	if n == 0 {
		return len(ab) == len(bb)
	}

	var diff byte
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(ab) {
			x = ab[i]
		}
		if i < len(bb) {
			y = bb[i]
		}
		diff |= x ^ y
	}

	lengthsEqual := subtle.ConstantTimeEq(int32(len(ab)), int32(len(bb))) == 1
	return diff == 0 && lengthsEqual
}

// Verifier checks handshake tokens against either a plaintext shared
// secret or a hash at rest. Exactly one of the two is configured.
type Verifier struct {
	plain      string
	storedHash string
}

// NewVerifier builds a Verifier for a plaintext per-invocation token.
func NewVerifier(token string) *Verifier {
	return &Verifier{plain: token}
}

// NewHashVerifier builds a Verifier for a token hash at rest. Supported
// formats: Argon2id PHC ($argon2id$…), "sha256:<hex>", and legacy bare
// 64-character hex.
func NewHashVerifier(storedHash string) *Verifier {
	return &Verifier{storedHash: storedHash}
}

// Verify reports whether the presented token matches. The plaintext path
// is constant-time; the hash path inherits the properties of the
// underlying hash comparison.
func (v *Verifier) Verify(raw string) (bool, error) {
	if v.storedHash == "" {
		return ConstantTimeEqual(raw, v.plain), nil
	}

	switch DetectHashType(v.storedHash) {
	case "argon2id":
		return safeArgon2idCompare(raw, v.storedHash)
	case "sha256":
		expected := strings.TrimPrefix(v.storedHash, "sha256:")
		computed := HashToken(raw)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// HashToken returns the SHA-256 hex hash of the raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// argon2idParams follows the OWASP minimum parameters.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashTokenArgon2id returns an Argon2id hash of the raw token in PHC
// format, suitable for the auth.token_hash config field.
func HashTokenArgon2id(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

// DetectHashType identifies the hash algorithm of a stored hash.
// Returns "argon2id", "sha256", or "unknown".
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery: the underlying library panics on malformed PHC parameters.
func safeArgon2idCompare(raw, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, storedHash)
}

// NewSessionID returns a 32-character lowercase hex session id.
func NewSessionID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NewClientID returns a stable client identifier for a connection.
func NewClientID() string {
	return uuid.NewString()
}
