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

package kms_test

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexusrag/nexusrag/pkg/crypto/kms"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

func TestKMS(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "KMS")
}

var _ = Describe("Local Provider", func() {
	var provider *kms.Local
	ctx := context.Background()

	BeforeEach(func() {
		var err error
		provider, err = kms.NewLocal(strings.Repeat("ab", 32))
		Expect(err).ToNot(HaveOccurred())
	})

	It("should round-trip a data key", func() {
		plaintext := []byte("0123456789abcdef0123456789abcdef")
		wrapped, err := provider.Wrap(ctx, plaintext)
		Expect(err).ToNot(HaveOccurred())
		Expect(wrapped).ToNot(Equal(plaintext))

		unwrapped, err := provider.Unwrap(ctx, wrapped)
		Expect(err).ToNot(HaveOccurred())
		Expect(unwrapped).To(Equal(plaintext))
	})

	It("should produce a distinct ciphertext per wrap", func() {
		plaintext := []byte("0123456789abcdef0123456789abcdef")
		first, err := provider.Wrap(ctx, plaintext)
		Expect(err).ToNot(HaveOccurred())
		second, err := provider.Wrap(ctx, plaintext)
		Expect(err).ToNot(HaveOccurred())
		Expect(first).ToNot(Equal(second))
	})

	It("should fail to unwrap under a different master key", func() {
		wrapped, err := provider.Wrap(ctx, []byte("secret"))
		Expect(err).ToNot(HaveOccurred())

		other, err := kms.NewLocal(strings.Repeat("cd", 32))
		Expect(err).ToNot(HaveOccurred())
		_, err = other.Unwrap(ctx, wrapped)
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeDecryptionFailed))
	})

	It("should reject a tampered ciphertext", func() {
		wrapped, err := provider.Wrap(ctx, []byte("secret"))
		Expect(err).ToNot(HaveOccurred())
		wrapped[len(wrapped)-1] ^= 0xff
		_, err = provider.Unwrap(ctx, wrapped)
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeDecryptionFailed))
	})

	It("should reject a truncated ciphertext", func() {
		_, err := provider.Unwrap(ctx, []byte("short"))
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeDecryptionFailed))
	})

	It("should reject master keys that are not 32 bytes", func() {
		_, err := kms.NewLocal(hex.EncodeToString([]byte("too-short")))
		Expect(err).To(MatchError(ContainSubstring("32 bytes")))
	})

	It("should reject master keys that are not hex", func() {
		_, err := kms.NewLocal("zz")
		Expect(err).To(HaveOccurred())
	})
})
