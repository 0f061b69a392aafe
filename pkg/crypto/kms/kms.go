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

// Package kms abstracts data-key wrapping. The local provider wraps under a
// master key held in configuration; the aws provider delegates to AWS KMS.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/sony/gobreaker"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/utils/extcall"
)

const (
	ProviderLocal = "local"
	ProviderAWS   = "aws"
)

// Provider wraps and unwraps data-encryption keys. Implementations must be
// safe for concurrent use.
type Provider interface {
	Name() string
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// Local wraps DEKs with AES-256-GCM under a master key supplied as 64 hex
// characters. Suitable for single-region deployments and tests.
type Local struct {
	aead cipher.AEAD
}

func NewLocal(masterKeyHex string) (*Local, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding local master key, %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("local master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing master cipher, %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing master AEAD, %w", err)
	}
	return &Local{aead: aead}, nil
}

func (l *Local) Name() string { return ProviderLocal }

func (l *Local) Wrap(_ context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating wrap nonce, %w", err)
	}
	return l.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (l *Local) Unwrap(_ context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) < l.aead.NonceSize() {
		return nil, apierrors.Newf(apierrors.CodeDecryptionFailed, "wrapped key too short")
	}
	nonce, sealed := wrapped[:l.aead.NonceSize()], wrapped[l.aead.NonceSize():]
	plaintext, err := l.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeDecryptionFailed, "unwrapping data key failed")
	}
	return plaintext, nil
}

type awsAPI interface {
	Encrypt(ctx context.Context, params *awskms.EncryptInput, optFns ...func(*awskms.Options)) (*awskms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *awskms.DecryptInput, optFns ...func(*awskms.Options)) (*awskms.DecryptOutput, error)
}

// AWS wraps DEKs with a KMS key. Calls run behind a circuit breaker so a KMS
// outage sheds fast with KMS_UNAVAILABLE instead of queueing timeouts.
type AWS struct {
	client  awsAPI
	keyID   string
	breaker *gobreaker.CircuitBreaker
}

func NewAWS(client awsAPI, keyID string) *AWS {
	return &AWS{
		client: client,
		keyID:  keyID,
		breaker: extcall.NewBreaker("kms"),
	}
}

func (a *AWS) Name() string { return ProviderAWS }

func (a *AWS) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := a.breaker.Execute(func() (any, error) {
		return a.client.Encrypt(ctx, &awskms.EncryptInput{KeyId: &a.keyID, Plaintext: plaintext})
	})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeKMSUnavailable, "wrapping data key with KMS", err)
	}
	return out.(*awskms.EncryptOutput).CiphertextBlob, nil
}

func (a *AWS) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := a.breaker.Execute(func() (any, error) {
		return a.client.Decrypt(ctx, &awskms.DecryptInput{KeyId: &a.keyID, CiphertextBlob: wrapped})
	})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeKMSUnavailable, "unwrapping data key with KMS", err)
	}
	return out.(*awskms.DecryptOutput).Plaintext, nil
}
