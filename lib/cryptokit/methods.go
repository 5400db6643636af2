// Package cryptokit implements the crypto kit collaborator from
// SPEC_FULL.md section 4.1: method lookup, key generation, encrypt/decrypt,
// and a general byte-stream compressor. The method table is grounded on
// xtaci-kcptun/std/crypt.go's cryptMethods map; the concrete ciphers come
// from golang.org/x/crypto and the standard library.
package cryptokit

import "crypto/rand"

// MethodName identifies an encryption method by its negotiated wire name.
type MethodName string

const (
	// MethodNone is the no-op method: encrypt/decrypt are identity.
	MethodNone MethodName = "none"

	// MethodChaCha20Poly1305 selects golang.org/x/crypto/chacha20poly1305.
	MethodChaCha20Poly1305 MethodName = "chacha20poly1305"

	// MethodAESGCM selects AES-256-GCM via the standard library.
	MethodAESGCM MethodName = "aes-gcm"
)

// method describes one entry in the lookup table: its key size and the
// sealer/opener pair that implements it.
type method struct {
	keySize int // bytes; 0 for MethodNone
	build   func(key []byte) (aead, error)
}

// aead is the minimal interface both supported ciphers satisfy; it mirrors
// cipher.AEAD without forcing callers to import crypto/cipher directly.
type aead interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

var methods = map[MethodName]method{
	MethodNone: {
		keySize: 0,
		build:   func(key []byte) (aead, error) { return nil, nil },
	},
	MethodChaCha20Poly1305: {
		keySize: 32,
		build:   newChaCha20Poly1305,
	},
	MethodAESGCM: {
		keySize: 32,
		build:   newAESGCM,
	},
}

// GetMethod resolves a wire method name to its canonical MethodName,
// falling back to MethodNone for anything unrecognized per SPEC_FULL.md
// section 4.1 ("unknown names map to None").
func GetMethod(name string) MethodName {
	if _, ok := methods[MethodName(name)]; ok {
		return MethodName(name)
	}
	return MethodNone
}

// KeySize reports the key length required by method, 0 for MethodNone.
func KeySize(m MethodName) int {
	if entry, ok := methods[m]; ok {
		return entry.keySize
	}
	return 0
}

// GenerateKey produces a fresh random key sized for method. Returns a
// zero-length slice for MethodNone.
func GenerateKey(m MethodName) ([]byte, error) {
	size := KeySize(m)
	if size == 0 {
		return []byte{}, nil
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func buildAEAD(m MethodName, key []byte) (aead, error) {
	entry, ok := methods[m]
	if !ok {
		entry = methods[MethodNone]
	}
	return entry.build(key)
}
