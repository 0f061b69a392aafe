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

package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/auth"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

func TestAuth(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Auth")
}

var keyColumns = []string{
	"key_id", "tenant_id", "role", "secret_hash", "prefix",
	"created_at", "last_used_at", "revoked_at",
}

var _ = Describe("Key Format", func() {
	It("should mint parseable keys with a public prefix", func() {
		minted, err := auth.MintKey()
		Expect(err).ToNot(HaveOccurred())
		Expect(minted.Plaintext).To(HavePrefix("nxr_"))
		Expect(minted.Prefix).To(Equal(minted.Plaintext[:12]))

		keyID, secret, ok := auth.SplitKey(minted.Plaintext)
		Expect(ok).To(BeTrue())
		Expect(keyID).To(Equal(minted.KeyID))
		Expect(secret).ToNot(BeEmpty())
	})

	It("should reject malformed bearer tokens", func() {
		for _, token := range []string{"", "nxr_only-two", "wrong_ab_cd", "nxr__secret", "nxr_id_"} {
			_, _, ok := auth.SplitKey(token)
			Expect(ok).To(BeFalse(), token)
		}
	})
})

var _ = Describe("Roles", func() {
	It("should rank reader below editor below admin", func() {
		Expect(auth.RoleEditor.AtLeast(auth.RoleReader)).To(BeTrue())
		Expect(auth.RoleReader.AtLeast(auth.RoleEditor)).To(BeFalse())
		Expect(auth.RoleAdmin.AtLeast(auth.RoleEditor)).To(BeTrue())
	})

	It("should reject unknown role names", func() {
		_, ok := auth.ParseRole("superuser")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Authenticator", func() {
	var (
		mock          sqlmock.Sqlmock
		authenticator *auth.Authenticator
		minted        *auth.MintedKey
	)
	ctx := context.Background()

	BeforeEach(func() {
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		authenticator, err = auth.NewAuthenticator(
			storage.NewAPIKeyRepository(storage.NewFromDB(raw, zap.NewNop())), false)
		Expect(err).ToNot(HaveOccurred())

		minted, err = auth.MintKey()
		Expect(err).ToNot(HaveOccurred())
	})

	expectKey := func(role string, revokedAt *time.Time) {
		mock.ExpectQuery(`SELECT \* FROM api_keys`).
			WillReturnRows(sqlmock.NewRows(keyColumns).
				AddRow(minted.KeyID, "t_1", role, minted.SecretHash, minted.Prefix, time.Now(), nil, revokedAt))
	}

	It("should authenticate a valid key and build the principal", func() {
		expectKey("editor", nil)
		mock.ExpectExec(`UPDATE api_keys`).WillReturnResult(sqlmock.NewResult(0, 1))

		principal, err := authenticator.Authenticate(ctx, minted.Plaintext)
		Expect(err).ToNot(HaveOccurred())
		Expect(principal.TenantID).To(Equal("t_1"))
		Expect(principal.Role).To(Equal(auth.RoleEditor))
		Expect(principal.APIKeyID).To(Equal(minted.KeyID))
	})

	It("should not reveal whether the id or the secret was wrong", func() {
		mock.ExpectQuery(`SELECT \* FROM api_keys`).
			WillReturnRows(sqlmock.NewRows(keyColumns))
		_, err := authenticator.Authenticate(ctx, minted.Plaintext)
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeUnauthorized))

		expectKey("editor", nil)
		_, err = authenticator.Authenticate(ctx, minted.Plaintext[:len(minted.Plaintext)-1]+"x")
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeUnauthorized))
	})

	It("should refuse revoked keys before the expensive verification", func() {
		revoked := time.Now().Add(-time.Minute)
		expectKey("editor", &revoked)
		_, err := authenticator.Authenticate(ctx, minted.Plaintext)
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeUnauthorized))
	})

	It("should refuse tokens that do not parse without touching storage", func() {
		_, err := authenticator.Authenticate(ctx, "Bearer something")
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeUnauthorized))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Context("dev bypass", func() {
		It("should stay inert unless the flag is on", func() {
			_, ok := authenticator.DevBypass("t_1", "admin")
			Expect(ok).To(BeFalse())
		})

		It("should build a principal from headers when enabled", func() {
			raw, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
			Expect(err).ToNot(HaveOccurred())
			bypass, err := auth.NewAuthenticator(
				storage.NewAPIKeyRepository(storage.NewFromDB(raw, zap.NewNop())), true)
			Expect(err).ToNot(HaveOccurred())

			principal, ok := bypass.DevBypass("t_1", "reader")
			Expect(ok).To(BeTrue())
			Expect(principal.Role).To(Equal(auth.RoleReader))
			Expect(principal.DevBypass).To(BeTrue())

			admin, ok := bypass.DevBypass("t_1", "")
			Expect(ok).To(BeTrue())
			Expect(admin.Role).To(Equal(auth.RoleAdmin))

			_, ok = bypass.DevBypass("", "admin")
			Expect(ok).To(BeFalse())
			_, ok = bypass.DevBypass("t_1", "superuser")
			Expect(ok).To(BeFalse())
		})
	})
})
