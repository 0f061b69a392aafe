/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package crypto implements tenant envelope encryption: per-tenant data keys
// wrapped by a KMS provider, AES-256-GCM over record payloads, and a
// versioned key registry with resumable rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

const (
	// DEKSize is AES-256.
	DEKSize = 32

	nonceSize  = 12
	headerSize = 4 + nonceSize
)

// NewDEK generates a fresh data-encryption key.
func NewDEK() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generating data key, %w", err)
	}
	return dek, nil
}

// Seal encrypts plaintext under the DEK, producing
// version || nonce || ciphertext. The key version is bound as AAD, so a
// ciphertext relabeled to another version fails authentication on open.
func Seal(dek []byte, version int32, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(dek)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(plaintext)+aead.Overhead())
	binary.BigEndian.PutUint32(out[:4], uint32(version))
	if _, err := io.ReadFull(rand.Reader, out[4:headerSize]); err != nil {
		return nil, fmt.Errorf("generating record nonce, %w", err)
	}
	return aead.Seal(out, out[4:headerSize], plaintext, out[:4]), nil
}

// ParseVersion extracts the key version without decrypting, so callers can
// unwrap the right DEK first.
func ParseVersion(ciphertext []byte) (int32, error) {
	if len(ciphertext) < headerSize {
		return 0, apierrors.Newf(apierrors.CodeDecryptionFailed, "ciphertext too short")
	}
	return int32(binary.BigEndian.Uint32(ciphertext[:4])), nil
}

// Open decrypts a sealed record with the DEK for its embedded key version.
func Open(dek []byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < headerSize {
		return nil, apierrors.Newf(apierrors.CodeDecryptionFailed, "ciphertext too short")
	}
	aead, err := newAEAD(dek)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, ciphertext[4:headerSize], ciphertext[headerSize:], ciphertext[:4])
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeDecryptionFailed, "record decryption failed")
	}
	return plaintext, nil
}

func newAEAD(dek []byte) (cipher.AEAD, error) {
	if len(dek) != DEKSize {
		return nil, apierrors.Newf(apierrors.CodeDecryptionFailed, "data key must be %d bytes", DEKSize)
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("constructing record cipher, %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("constructing record AEAD, %w", err)
	}
	return aead, nil
}
