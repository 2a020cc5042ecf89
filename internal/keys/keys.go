// Package keys holds the per-user asymmetric key material used for private
// messages. Private text is sealed to the recipient's X25519 public key with
// an anonymous NaCl box, so only the holder of the matching private key can
// open it. Private keys are only ever stored wrapped under a password-derived key.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	keySize = 32

	wrapVersion    = 1
	saltSize       = 16
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = chacha20poly1305.KeySize
)

var (
	ErrInvalidKey  = errors.New("invalid key")
	ErrDecrypt     = errors.New("decryption failed")
	ErrInvalidPass = errors.New("invalid passphrase")
	ErrCorruptWrap = errors.New("corrupted wrapped key")
)

var encoding = base64.StdEncoding

// KeyPair is a base64 encoded X25519 key pair.
type KeyPair struct {
	Public  string
	Private string
}

// GenerateKeyPair creates a fresh key pair for a user.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	defer zeroBytes(priv[:])
	return KeyPair{
		Public:  encoding.EncodeToString(pub[:]),
		Private: encoding.EncodeToString(priv[:]),
	}, nil
}

// PublicFromPrivate derives the public key matching an encoded private key.
func PublicFromPrivate(private string) (string, error) {
	priv, err := decodeKey(private)
	if err != nil {
		return "", err
	}
	defer zeroBytes(priv[:])
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", ErrInvalidKey)
	}
	return encoding.EncodeToString(pub), nil
}

// Seal encrypts plaintext so that only the owner of publicKey can read it.
func Seal(publicKey, plaintext string) (string, error) {
	pub, err := decodeKey(publicKey)
	if err != nil {
		return "", err
	}
	out, err := box.SealAnonymous(nil, []byte(plaintext), pub, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return encoding.EncodeToString(out), nil
}

// Open decrypts a ciphertext produced by Seal. Any malformed input or key
// mismatch yields an error wrapping ErrDecrypt or ErrInvalidKey.
func Open(privateKey, ciphertext string) (string, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return "", err
	}
	defer zeroBytes(priv[:])

	pubRaw, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", ErrInvalidKey)
	}
	var pub [keySize]byte
	copy(pub[:], pubRaw)

	sealed, err := encoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", ErrDecrypt)
	}
	out, ok := box.OpenAnonymous(nil, sealed, &pub, priv)
	if !ok {
		return "", ErrDecrypt
	}
	return string(out), nil
}

// ValidatePublic reports whether s decodes to a usable public key.
func ValidatePublic(s string) error {
	_, err := decodeKey(s)
	return err
}

// WrapPrivate seals an encoded private key under a key derived from password
// with Argon2id and XChaCha20-Poly1305.
func WrapPrivate(private, password string) (string, error) {
	if password == "" {
		return "", ErrInvalidPass
	}
	if _, err := decodeKey(private); err != nil {
		return "", err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	master := deriveKey(password, salt)
	defer zeroBytes(master)

	aead, err := chacha20poly1305.NewX(master)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	buf := make([]byte, 0, 1+saltSize+len(nonce)+len(private)+aead.Overhead())
	buf = append(buf, wrapVersion)
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = aead.Seal(buf, nonce, []byte(private), []byte{wrapVersion})
	return encoding.EncodeToString(buf), nil
}

// UnwrapPrivate reverses WrapPrivate. A wrong password yields ErrInvalidPass.
func UnwrapPrivate(wrapped, password string) (string, error) {
	raw, err := encoding.DecodeString(wrapped)
	if err != nil {
		return "", ErrCorruptWrap
	}
	nonceSize := chacha20poly1305.NonceSizeX
	if len(raw) < 1+saltSize+nonceSize+chacha20poly1305.Overhead || raw[0] != wrapVersion {
		return "", ErrCorruptWrap
	}
	salt := raw[1 : 1+saltSize]
	nonce := raw[1+saltSize : 1+saltSize+nonceSize]
	ciphertext := raw[1+saltSize+nonceSize:]

	master := deriveKey(password, salt)
	defer zeroBytes(master)

	aead, err := chacha20poly1305.NewX(master)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte{wrapVersion})
	if err != nil {
		return "", ErrInvalidPass
	}
	return string(plain), nil
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func decodeKey(s string) (*[keySize]byte, error) {
	raw, err := encoding.DecodeString(s)
	if err != nil || len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	var k [keySize]byte
	copy(k[:], raw)
	zeroBytes(raw)
	return &k, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
