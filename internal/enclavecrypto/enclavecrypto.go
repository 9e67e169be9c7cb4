// Package enclavecrypto implements the X25519 key agreement, XChaCha20-
// Poly1305 sealing, and HKDF-SHA256 key derivation used to move the track
// secret key between attested enclave peers, and to decrypt the hybrid-
// encrypted push identifiers the enclave delivers.
package enclavecrypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/privmsg/enclave-notify/internal/enclaveerr"
	"github.com/privmsg/enclave-notify/internal/security"
)

// KeySize is the size in bytes of an X25519 key (public or private) and of
// the track secret.
const KeySize = 32

// SecretKey is the track's shared decryption key. Recipients' push
// identifiers are encrypted to the track's public key; the corresponding
// SecretKey lives only inside attested enclave instances.
type SecretKey [KeySize]byte

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// EphemeralKeypair is a short-lived X25519 keypair generated for a single
// key-exchange or attestation round.
type EphemeralKeypair struct {
	Public  PublicKey
	private [KeySize]byte
}

// GenerateSecretKey creates a new random track secret key, generated once
// per track at genesis and held only in enclave memory thereafter.
func GenerateSecretKey() (SecretKey, error) {
	var secret SecretKey
	if err := security.GenerateSecureRandom(secret[:]); err != nil {
		return SecretKey{}, fmt.Errorf("enclavecrypto: generate secret key: %w", err)
	}
	return secret, nil
}

// GenerateEphemeralKeypair creates a new random X25519 keypair.
func GenerateEphemeralKeypair() (*EphemeralKeypair, error) {
	var priv [KeySize]byte
	if err := security.GenerateSecureRandom(priv[:]); err != nil {
		return nil, fmt.Errorf("enclavecrypto: generate private key: %w", err)
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		Wipe(priv[:])
		return nil, fmt.Errorf("enclavecrypto: derive public key: %w", err)
	}

	kp := &EphemeralKeypair{private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Destroy wipes the private scalar. Safe to call more than once.
func (k *EphemeralKeypair) Destroy() {
	Wipe(k.private[:])
}

// Agree performs X25519 Diffie-Hellman between k's private scalar and
// peerPublic, then derives a symmetric key from the shared secret via
// HKDF-SHA256 with the given domain-separation label.
func (k *EphemeralKeypair) Agree(peerPublic PublicKey, label string) ([]byte, error) {
	shared, err := curve25519.X25519(k.private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("enclavecrypto: key agreement: %w", err)
	}
	defer Wipe(shared)

	return security.DeriveKeyWithLabel(shared, label, chacha20poly1305.KeySize)
}

// sealBytes encrypts plaintext to peerPublic using a freshly generated
// ephemeral sender keypair. The wire format is:
//
//	sender ephemeral public key (32 bytes) || nonce (24 bytes) || ciphertext+tag
//
// so the receiver can recover the shared secret without a prior handshake.
// This is the shared implementation behind SealSecret (used to distribute
// the track secret) and the sender-side counterpart to HybridDecrypt (used
// by clients, outside this enclave, to encrypt push identifiers — included
// here so tests can construct valid ciphertexts without duplicating the
// wire format).
func sealBytes(plaintext []byte, peerPublic PublicKey, label string) ([]byte, error) {
	ephemeral, err := GenerateEphemeralKeypair()
	if err != nil {
		return nil, err
	}
	defer ephemeral.Destroy()

	symKey, err := ephemeral.Agree(peerPublic, label)
	if err != nil {
		return nil, err
	}
	defer Wipe(symKey)

	aead, err := chacha20poly1305.NewX(symKey)
	if err != nil {
		return nil, fmt.Errorf("enclavecrypto: init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("enclavecrypto: generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, KeySize+len(nonce)+len(ciphertext))
	out = append(out, ephemeral.Public[:]...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// openBytes reverses sealBytes given the recipient's static or ephemeral
// keypair.
func openBytes(sealed []byte, recipient *EphemeralKeypair, label string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(make([]byte, chacha20poly1305.KeySize))
	if err != nil {
		return nil, fmt.Errorf("enclavecrypto: init aead: %w", err)
	}
	minLen := KeySize + aead.NonceSize() + chacha20poly1305.Overhead
	if len(sealed) < minLen {
		return nil, fmt.Errorf("%w: ciphertext too short", enclaveerr.DecryptionFailed)
	}

	var senderPublic PublicKey
	copy(senderPublic[:], sealed[:KeySize])
	nonce := sealed[KeySize : KeySize+aead.NonceSize()]
	ciphertext := sealed[KeySize+aead.NonceSize():]

	symKey, err := recipient.Agree(senderPublic, label)
	if err != nil {
		return nil, err
	}
	defer Wipe(symKey)

	openAead, err := chacha20poly1305.NewX(symKey)
	if err != nil {
		return nil, fmt.Errorf("enclavecrypto: init aead: %w", err)
	}

	plaintext, err := openAead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", enclaveerr.DecryptionFailed, err)
	}
	return plaintext, nil
}

// SealSecret encrypts the track secret to peerPublic for transport to a
// joining peer.
func SealSecret(secret SecretKey, peerPublic PublicKey, label string) ([]byte, error) {
	return sealBytes(secret[:], peerPublic, label)
}

// OpenSecret reverses SealSecret using the recipient keypair whose public
// key the secret was sealed to (a joining peer's ephemeral keypair).
func OpenSecret(sealed []byte, recipient *EphemeralKeypair, label string) (SecretKey, error) {
	var zero SecretKey

	plaintext, err := openBytes(sealed, recipient, label)
	if err != nil {
		return zero, err
	}
	defer Wipe(plaintext)

	if len(plaintext) != KeySize {
		return zero, fmt.Errorf("%w: unexpected secret length %d", enclaveerr.DecryptionFailed, len(plaintext))
	}

	var secret SecretKey
	copy(secret[:], plaintext)
	return secret, nil
}

// SealPushID encrypts a push identifier to the track's public key. Called
// by clients outside the enclave; exported so both production callers and
// tests can construct wire-compatible ciphertexts for HybridDecrypt.
func SealPushID(pushID []byte, trackPublic PublicKey, label string) ([]byte, error) {
	return sealBytes(pushID, trackPublic, label)
}

// HybridDecrypt decrypts a push identifier encrypted under the track's
// public key via SealPushID, using the track's SecretKey as the static
// recipient private scalar.
func HybridDecrypt(encrypted []byte, secret SecretKey, label string) ([]byte, error) {
	staticKeypair, err := staticKeypairFromSecret(secret)
	if err != nil {
		return nil, err
	}

	return openBytes(encrypted, staticKeypair, label)
}

// PublicKeyFromSecret derives the X25519 public key corresponding to
// secret, i.e. the track's externally-published public key.
func PublicKeyFromSecret(secret SecretKey) (PublicKey, error) {
	kp, err := staticKeypairFromSecret(secret)
	if err != nil {
		return PublicKey{}, err
	}
	return kp.Public, nil
}

func staticKeypairFromSecret(secret SecretKey) (*EphemeralKeypair, error) {
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("enclavecrypto: derive static public key: %w", err)
	}
	kp := &EphemeralKeypair{private: secret}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
