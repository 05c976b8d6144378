// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"slices"
)

// Cipher encrypts and decrypts the credentials column. Credentials never
// touch the database in plaintext.
type Cipher interface {
	// Encrypt encrypts the given plaintext string and returns ciphertext.
	Encrypt(plaintext string) (string, error)
	// Decrypt decrypts the given ciphertext string and returns plaintext.
	Decrypt(encrypted string) (string, error)
}

// DefaultPBKDF2Iterations balances derivation cost against store open time;
// the derivation runs per row, not per process.
const DefaultPBKDF2Iterations = 600_000

// pbkdf2AesGcm implements Cipher using PBKDF2 for key derivation and
// AES-256-GCM for encryption. Each row gets a fresh salt, so equal
// credential payloads produce distinct ciphertexts.
type pbkdf2AesGcm struct {
	passphrase string
	saltSize   int
	keyLength  int
	iterations int
}

// NewPBKDF2AesGcmCipher creates a Cipher keyed off a user passphrase.
func NewPBKDF2AesGcmCipher(passphrase string, iterations int) Cipher {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	return &pbkdf2AesGcm{
		passphrase: passphrase,
		saltSize:   16,
		keyLength:  32,
		iterations: iterations,
	}
}

func (p pbkdf2AesGcm) deriveKey(salt []byte) ([]byte, error) {
	return pbkdf2.Key(sha256.New, p.passphrase, salt, p.iterations, p.keyLength)
}

// Encrypt seals the plaintext under a key derived from the passphrase and a
// random salt. Output layout: base64(salt || nonce || ciphertext).
func (p pbkdf2AesGcm) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, p.saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key, err := p.deriveKey(salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	combined := slices.Concat(salt, nonce, sealed)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// Decrypt reverses Encrypt, re-deriving the key from the embedded salt.
func (p pbkdf2AesGcm) Decrypt(encrypted string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", err
	}
	if len(data) < p.saltSize {
		return "", fmt.Errorf("encrypted data too short")
	}

	salt := data[:p.saltSize]
	key, err := p.deriveKey(salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < p.saltSize+nonceSize {
		return "", fmt.Errorf("encrypted data too short")
	}
	nonce := data[p.saltSize : p.saltSize+nonceSize]
	ct := data[p.saltSize+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// PlaintextCipher stores values unencrypted. Only for tests and explicitly
// opted-in throwaway stores.
type PlaintextCipher struct{}

// Encrypt implements Cipher.
func (PlaintextCipher) Encrypt(plaintext string) (string, error) { return plaintext, nil }

// Decrypt implements Cipher.
func (PlaintextCipher) Decrypt(encrypted string) (string, error) { return encrypted, nil }
