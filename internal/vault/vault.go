// Package vault encrypts per-user provider credentials at rest.
//
// Every ciphertext carries its own random salt and nonce. The symmetric key is
// derived from the long-lived server secret with scrypt on each call, so there is
// no separate key store to manage and brute-forcing a stolen row stays expensive.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// ErrCredentialCorrupt is returned when a ciphertext is malformed or fails authentication.
var ErrCredentialCorrupt = errors.New("credential ciphertext corrupt")

// ErrWeakSecret is returned when the server secret is too short to derive keys from.
var ErrWeakSecret = errors.New("vault secret must be at least 32 bytes")

const (
	envelopeVersion byte = 1
	saltLen              = 16
	keyLen               = chacha20poly1305.KeySize
	minSecretLen         = 32
	fingerprintVisible   = 4
)

// ScryptParams tunes key derivation cost.
type ScryptParams struct {
	N int
	R int
	P int
}

// DefaultScryptParams are the interactive-login parameters recommended by the scrypt paper.
var DefaultScryptParams = ScryptParams{N: 1 << 15, R: 8, P: 1}

// Vault implements authenticated encryption of credential strings.
// It is safe for concurrent use.
type Vault struct {
	secret []byte
	params ScryptParams
}

// Option configures a Vault.
type Option func(*Vault)

// WithScryptParams overrides key derivation cost. Tests use cheap parameters.
func WithScryptParams(p ScryptParams) Option {
	return func(v *Vault) { v.params = p }
}

// New creates a Vault from the server secret.
func New(secret string, opts ...Option) (*Vault, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	v := &Vault{secret: []byte(secret), params: DefaultScryptParams}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Encrypt seals plaintext into an opaque, URL-safe envelope:
// version || salt || nonce || ciphertext+tag.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	aead, err := v.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+saltLen+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, envelopeVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), []byte{envelopeVersion})

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt. Any malformed or tampered input
// yields ErrCredentialCorrupt and no plaintext.
func (v *Vault) Decrypt(opaque string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(opaque)
	if err != nil {
		return "", ErrCredentialCorrupt
	}
	nonceLen := chacha20poly1305.NonceSizeX
	if len(raw) < 1+saltLen+nonceLen+chacha20poly1305.Overhead {
		return "", ErrCredentialCorrupt
	}
	if raw[0] != envelopeVersion {
		return "", ErrCredentialCorrupt
	}

	salt := raw[1 : 1+saltLen]
	nonce := raw[1+saltLen : 1+saltLen+nonceLen]
	sealed := raw[1+saltLen+nonceLen:]

	aead, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, sealed, []byte{envelopeVersion})
	if err != nil {
		return "", ErrCredentialCorrupt
	}
	return string(plain), nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(v.secret, salt, v.params.N, v.params.R, v.params.P, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return aead, nil
}

// Fingerprint returns a display-safe hint of a credential: the last four characters
// behind a mask. Short secrets are fully masked.
func Fingerprint(plaintext string) string {
	plaintext = strings.TrimSpace(plaintext)
	n := utf8.RuneCountInString(plaintext)
	if n < 2*fingerprintVisible {
		return strings.Repeat("•", 4)
	}
	runes := []rune(plaintext)
	return "••••" + string(runes[n-fingerprintVisible:])
}
