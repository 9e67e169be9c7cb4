// Package security provides hardening utilities for the enclave and Parent
// Coordinator processes: secure random generation and HKDF key derivation
// for the track secret and its ephemeral agreements (internal/enclavecrypto),
// path validation and atomic secret-file writes for crash dumps and config
// (file.go, validation.go), a preflight hardening checklist and resource
// limits run before the enclave or coordinator process starts serving
// (process.go), and a failure limiter guarding export_keys against repeated
// bad-attestation probing from a single peer (ratelimit.go).
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16 // 128 bits

// GenerateSecureRandom fills the given slice with cryptographically secure random bytes.
func GenerateSecureRandom(data []byte) error {
	n, err := rand.Read(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: only got %d of %d bytes", ErrInsufficientEntropy, n, len(data))
	}
	return nil
}

// DeriveKey derives a key using HKDF with SHA-256.
// This is the recommended way to derive keys from a master key.
func DeriveKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}

	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	// Use HKDF with SHA-256
	reader := hkdf.New(sha256.New, masterKey, salt, info)

	derivedKey := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derivedKey); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	return derivedKey, nil
}

// DeriveKeyWithLabel derives a key with a domain separation label.
// This prevents key reuse across different contexts.
func DeriveKeyWithLabel(masterKey []byte, label string, keySize int) ([]byte, error) {
	// Use label as info parameter for domain separation
	info := []byte("enclave-notify:" + label)
	return DeriveKey(masterKey, nil, info, keySize)
}

// HashDomainSeparated computes a SHA-256 hash with domain separation.
// The domain prefix prevents hash collisions across different uses.
func HashDomainSeparated(domain string, data ...[]byte) [32]byte {
	h := sha256.New()

	// Write domain prefix with length
	prefix := []byte(domain)
	h.Write([]byte{byte(len(prefix))})
	h.Write(prefix)

	// Write all data
	for _, d := range data {
		h.Write(d)
	}

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

