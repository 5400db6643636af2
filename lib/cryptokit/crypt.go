package cryptokit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

func newChaCha20Poly1305(key []byte) (aead, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("cryptokit: chacha20poly1305 requires a %d byte key, got %d", chacha20poly1305.KeySize, len(key))
	}
	return chacha20poly1305.New(key)
}

func newAESGCM(key []byte) (aead, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: aes-gcm: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under method/key, prefixing the returned slice
// with a random nonce sized for the method. MethodNone returns plaintext
// unchanged, matching SPEC_FULL.md section 4.1: "Method None short-circuits
// encrypt/decrypt to identity."
func Encrypt(method MethodName, key, plaintext []byte) ([]byte, error) {
	if method == MethodNone {
		return plaintext, nil
	}

	a, err := buildAEAD(method, key)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: encrypt: %w", err)
	}

	nonce := make([]byte, a.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptokit: encrypt: generating nonce: %w", err)
	}

	out := make([]byte, 0, len(nonce)+len(plaintext)+a.Overhead())
	out = append(out, nonce...)
	out = a.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt is the inverse of Encrypt. A corrupt or truncated ciphertext, or
// an authentication failure, surfaces a recoverable error per SPEC_FULL.md
// section 4.1/7 (closes only the affected session; never fatal to the
// Inlet/Outlet).
func Decrypt(method MethodName, key, ciphertext []byte) ([]byte, error) {
	if method == MethodNone {
		return ciphertext, nil
	}

	a, err := buildAEAD(method, key)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: decrypt: %w", err)
	}

	if len(ciphertext) < a.NonceSize() {
		return nil, fmt.Errorf("cryptokit: decrypt: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:a.NonceSize()], ciphertext[a.NonceSize():]

	plaintext, err := a.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: decrypt: %w", err)
	}
	return plaintext, nil
}
