// Package security implements per-session identity and message protection:
// an RSA keypair generated fresh for each participant, DER export/import of
// the public half, PKCS#1 v1.5 signatures over SHA-384 digests, and a hybrid
// RSA-OAEP + AES-CBC encryption scheme with PKCS#5 block padding.
//
// Known limitation, kept for protocol compatibility: signing and encryption
// are mutually exclusive, never combined. An encrypted message carries no
// sender authentication beyond what padding validity coincidentally reveals.
// A hardened redesign would use an authenticated-encryption construction.
package security

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// DefaultKeySize is the default RSA modulus size in bits.
	DefaultKeySize = 1024

	// DefaultAESKeySize is the default ephemeral AES key size in bytes.
	DefaultAESKeySize = 16
)

var (
	// ErrMissingRemoteKey indicates an operation that needs the peer's
	// public key was attempted before one was loaded.
	ErrMissingRemoteKey = errors.New("security: no remote key loaded")

	// ErrMalformedKey indicates an imported public key could not be decoded.
	ErrMalformedKey = errors.New("security: malformed public key")

	// ErrInvalidPadding indicates block padding validation failed after
	// decryption. This is a hard integrity fault: the channel's
	// cryptographic state can no longer be trusted.
	ErrInvalidPadding = errors.New("security: invalid padding")
)

// Manager owns one participant's key material. The private key never leaves
// the Manager; the public key is exportable for the handshake. A Manager is
// created per session and discarded with it.
type Manager struct {
	priv   *rsa.PrivateKey
	remote *rsa.PublicKey

	aesKeySize int
}

// Option configures a Manager.
type Option func(*managerConfig)

type managerConfig struct {
	keySize    int
	aesKeySize int
}

// WithKeySize sets the RSA modulus size in bits.
func WithKeySize(bits int) Option {
	return func(c *managerConfig) {
		c.keySize = bits
	}
}

// WithAESKeySize sets the ephemeral AES key size in bytes.
func WithAESKeySize(n int) Option {
	return func(c *managerConfig) {
		c.aesKeySize = n
	}
}

// NewManager generates a fresh keypair.
func NewManager(opts ...Option) (*Manager, error) {
	cfg := managerConfig{
		keySize:    DefaultKeySize,
		aesKeySize: DefaultAESKeySize,
	}
	for _, o := range opts {
		o(&cfg)
	}
	priv, err := rsa.GenerateKey(rand.Reader, cfg.keySize)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &Manager{priv: priv, aesKeySize: cfg.aesKeySize}, nil
}

// ExportPublic returns the local public key in DER (PKIX) encoding.
func (m *Manager) ExportPublic() []byte {
	der, err := x509.MarshalPKIXPublicKey(&m.priv.PublicKey)
	if err != nil {
		// Marshaling a key we generated ourselves cannot fail.
		panic(fmt.Sprintf("marshaling own public key: %s", err))
	}
	return der
}

// ExportPublicHex returns the DER public key as a hex string.
func (m *Manager) ExportPublicHex() string {
	return hex.EncodeToString(m.ExportPublic())
}

// LoadRemote parses a DER-encoded public key and stores it as the peer key.
func (m *Manager) LoadRemote(der []byte) error {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedKey, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: not an RSA key", ErrMalformedKey)
	}
	m.remote = rsaPub
	return nil
}

// LoadRemoteHex parses a hex-encoded DER public key and stores it as the
// peer key.
func (m *Manager) LoadRemoteHex(s string) error {
	der, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedKey, err)
	}
	return m.LoadRemote(der)
}

// HasRemote reports whether a peer key has been loaded.
func (m *Manager) HasRemote() bool {
	return m.remote != nil
}

// SignatureSize returns the fixed signature length in bytes, equal to the
// local RSA modulus size.
func (m *Manager) SignatureSize() int {
	return m.priv.Size()
}

// Sign signs the SHA-384 digest of data with the local private key.
func (m *Manager) Sign(data []byte) ([]byte, error) {
	digest := sha512.Sum384(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, m.priv, crypto.SHA384, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}

// Verify checks sig against data using the remote public key. A mismatched
// signature returns (false, nil); a missing remote key is an error.
func (m *Manager) Verify(data, sig []byte) (bool, error) {
	if m.remote == nil {
		return false, ErrMissingRemoteKey
	}
	digest := sha512.Sum384(data)
	if err := rsa.VerifyPKCS1v15(m.remote, crypto.SHA384, digest[:], sig); err != nil {
		return false, nil
	}
	return true, nil
}

// Encrypt protects data for the peer: a fresh AES key and IV per message,
// AES-CBC over the padded payload, and the AES key wrapped with RSA-OAEP
// under the remote public key. Output is wrappedKey || IV || ciphertext,
// where wrappedKey has the remote modulus size.
func (m *Manager) Encrypt(data []byte) ([]byte, error) {
	if m.remote == nil {
		return nil, ErrMissingRemoteKey
	}

	key := make([]byte, m.aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating message key: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	padded := pad(data, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, m.remote, key, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping message key: %w", err)
	}

	out := make([]byte, 0, len(wrapped)+len(iv)+len(ct))
	out = append(out, wrapped...)
	out = append(out, iv...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt reverses Encrypt using the local private key. Padding validation
// failure returns ErrInvalidPadding and must be treated as fatal to the
// message.
func (m *Manager) Decrypt(data []byte) ([]byte, error) {
	wrappedLen := m.priv.Size()
	if len(data) < wrappedLen+aes.BlockSize {
		return nil, fmt.Errorf("security: short ciphertext: %d bytes", len(data))
	}
	wrapped, rest := data[:wrappedLen], data[wrappedLen:]

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, m.priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping message key: %w", err)
	}

	iv, ct := rest[:aes.BlockSize], rest[aes.BlockSize:]
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrInvalidPadding)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return unpad(pt)
}

// Fingerprint returns the SHA-256 hex fingerprint of a DER public key,
// for display and logging.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// pad appends PKCS#5 padding: the pad length repeated that many times,
// always at least one byte.
func pad(data []byte, size int) []byte {
	need := size - len(data)%size
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(need)}, need)...)
}

// unpad validates and strips PKCS#5 padding. Every padding byte must equal
// the declared pad length.
func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrInvalidPadding)
	}
	plen := int(data[len(data)-1])
	if plen == 0 || plen > len(data) {
		return nil, fmt.Errorf("%w: pad length %d", ErrInvalidPadding, plen)
	}
	for _, b := range data[len(data)-plen:] {
		if int(b) != plen {
			return nil, fmt.Errorf("%w: inconsistent pad bytes", ErrInvalidPadding)
		}
	}
	return data[:len(data)-plen], nil
}
