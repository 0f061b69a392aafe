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

package crypto_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/crypto"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/fake"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

func TestCrypto(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Crypto")
}

var keyColumns = []string{
	"tenant_id", "version", "alias", "state", "wrapped_dek", "created_at", "retired_at",
}

var _ = Describe("Envelope", func() {
	var dek []byte

	BeforeEach(func() {
		var err error
		dek, err = crypto.NewDEK()
		Expect(err).ToNot(HaveOccurred())
	})

	It("should round-trip a record and expose its key version", func() {
		ciphertext, err := crypto.Seal(dek, 3, []byte("quarterly revenue figures"))
		Expect(err).ToNot(HaveOccurred())

		version, err := crypto.ParseVersion(ciphertext)
		Expect(err).ToNot(HaveOccurred())
		Expect(version).To(Equal(int32(3)))

		plaintext, err := crypto.Open(dek, ciphertext)
		Expect(err).ToNot(HaveOccurred())
		Expect(plaintext).To(Equal([]byte("quarterly revenue figures")))
	})

	It("should refuse a ciphertext relabeled to another version", func() {
		ciphertext, err := crypto.Seal(dek, 1, []byte("payload"))
		Expect(err).ToNot(HaveOccurred())
		ciphertext[3] = 2 // version is bound as AAD

		_, err = crypto.Open(dek, ciphertext)
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeDecryptionFailed))
	})

	It("should refuse tampered and truncated ciphertexts", func() {
		ciphertext, err := crypto.Seal(dek, 1, []byte("payload"))
		Expect(err).ToNot(HaveOccurred())

		ciphertext[len(ciphertext)-1] ^= 0xff
		_, err = crypto.Open(dek, ciphertext)
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeDecryptionFailed))

		_, err = crypto.Open(dek, []byte("short"))
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeDecryptionFailed))
		_, err = crypto.ParseVersion([]byte("short"))
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeDecryptionFailed))
	})

	It("should refuse a wrong-size data key", func() {
		_, err := crypto.Seal([]byte("tiny"), 1, []byte("payload"))
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeDecryptionFailed))
	})
})

var _ = Describe("Registry", func() {
	var (
		mock     sqlmock.Sqlmock
		provider *fake.KMS
		registry *crypto.Registry
	)
	ctx := context.Background()

	BeforeEach(func() {
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		provider = &fake.KMS{}
		registry = crypto.NewRegistry(storage.NewFromDB(raw, zap.NewNop()), provider, zap.NewNop())
	})

	keyRow := func(version int32, state string, wrapped []byte) *sqlmock.Rows {
		return sqlmock.NewRows(keyColumns).
			AddRow("t_1", version, "primary", state, wrapped, time.Now(), nil)
	}

	It("should encrypt under the active key and decrypt by embedded version", func() {
		dek, err := crypto.NewDEK()
		Expect(err).ToNot(HaveOccurred())
		wrapped, err := provider.Wrap(ctx, dek)
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery(`SELECT \* FROM crypto_keys`).WillReturnRows(keyRow(2, crypto.KeyStateActive, wrapped))
		mock.ExpectQuery(`SELECT \* FROM crypto_keys`).WillReturnRows(keyRow(2, crypto.KeyStateActive, wrapped))

		ciphertext, version, err := registry.Encrypt(ctx, "t_1", []byte("record body"))
		Expect(err).ToNot(HaveOccurred())
		Expect(version).To(Equal(int32(2)))

		// The unwrapped DEK is cached, so decryption needs no further reads.
		plaintext, err := registry.Decrypt(ctx, "t_1", ciphertext)
		Expect(err).ToNot(HaveOccurred())
		Expect(plaintext).To(Equal([]byte("record body")))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("should demand a key before encrypting for a crypto-enabled tenant", func() {
		mock.ExpectQuery(`SELECT \* FROM crypto_keys`).
			WillReturnRows(sqlmock.NewRows(keyColumns))
		_, _, err := registry.Encrypt(ctx, "t_1", []byte("record body"))
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeEncryptionRequired))
	})

	It("should surface KMS failures during unwrap", func() {
		dek, err := crypto.NewDEK()
		Expect(err).ToNot(HaveOccurred())
		wrapped, err := provider.Wrap(ctx, dek)
		Expect(err).ToNot(HaveOccurred())
		ciphertext, err := crypto.Seal(dek, 1, []byte("record body"))
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery(`SELECT \* FROM crypto_keys`).WillReturnRows(keyRow(1, crypto.KeyStateRetired, wrapped))
		provider.NextError.Set(apierrors.New(apierrors.CodeKMSUnavailable, "kms is down"))

		_, err = registry.Decrypt(ctx, "t_1", ciphertext)
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeKMSUnavailable))
	})

	It("should mint version 1 on enable and return it unchanged on re-enable", func() {
		mock.ExpectQuery(`SELECT \* FROM crypto_keys`).
			WillReturnRows(sqlmock.NewRows(keyColumns))
		mock.ExpectQuery(`INSERT INTO crypto_keys`).
			WillReturnRows(keyRow(1, crypto.KeyStateActive, []byte("wrapped")))
		mock.ExpectExec(`UPDATE tenants`).WillReturnResult(sqlmock.NewResult(0, 1))

		key, err := registry.EnableTenant(ctx, "t_1", "primary")
		Expect(err).ToNot(HaveOccurred())
		Expect(key.Version).To(Equal(int32(1)))
		Expect(key.State).To(Equal(crypto.KeyStateActive))
		Expect(provider.Wraps.Len()).To(Equal(1))

		mock.ExpectQuery(`SELECT \* FROM crypto_keys`).
			WillReturnRows(keyRow(1, crypto.KeyStateActive, []byte("wrapped")))
		again, err := registry.EnableTenant(ctx, "t_1", "primary")
		Expect(err).ToNot(HaveOccurred())
		Expect(again.Version).To(Equal(int32(1)))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
