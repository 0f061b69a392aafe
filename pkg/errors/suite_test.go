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

package errors_test

import (
	goerrors "errors"
	"fmt"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Errors")
}

var _ = Describe("Errors", func() {
	Context("Status Mapping", func() {
		It("should map known codes to their statuses", func() {
			Expect(apierrors.New(apierrors.CodeUnauthorized, "").Status()).To(Equal(http.StatusUnauthorized))
			Expect(apierrors.New(apierrors.CodeQuotaExceeded, "").Status()).To(Equal(http.StatusPaymentRequired))
			Expect(apierrors.New(apierrors.CodeRateLimited, "").Status()).To(Equal(http.StatusTooManyRequests))
			Expect(apierrors.New(apierrors.CodeValidationFailed, "").Status()).To(Equal(http.StatusUnprocessableEntity))
			Expect(apierrors.New(apierrors.CodeWriteFrozen, "").Status()).To(Equal(http.StatusServiceUnavailable))
		})

		It("should map unknown codes to 500", func() {
			Expect(apierrors.New(apierrors.Code("NO_SUCH_CODE"), "").Status()).To(Equal(http.StatusInternalServerError))
		})
	})

	Context("Wrapping", func() {
		It("should surface the code through fmt wrapping", func() {
			err := fmt.Errorf("outer context, %w", apierrors.New(apierrors.CodeNotFound, "document missing"))
			Expect(apierrors.IsCode(err, apierrors.CodeNotFound)).To(BeTrue())
			Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeNotFound))
		})

		It("should keep the cause reachable through Unwrap", func() {
			cause := goerrors.New("socket closed")
			err := apierrors.Wrap(apierrors.CodeKMSUnavailable, "wrapping data key", cause)
			Expect(goerrors.Is(err, cause)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("socket closed"))
		})

		It("should coerce unknown errors to INTERNAL without leaking the message", func() {
			coerced := apierrors.AsError(goerrors.New("pq: password authentication failed"))
			Expect(coerced.Code).To(Equal(apierrors.CodeInternal))
			Expect(coerced.Message).To(Equal("internal error"))
		})
	})

	Context("Classification", func() {
		It("should treat every 409 code as a conflict", func() {
			Expect(apierrors.IsConflict(apierrors.New(apierrors.CodeIdempotencyKeyConflict, ""))).To(BeTrue())
			Expect(apierrors.IsConflict(apierrors.New(apierrors.CodeLegalHoldActive, ""))).To(BeTrue())
			Expect(apierrors.IsConflict(apierrors.New(apierrors.CodeNotFound, ""))).To(BeFalse())
		})

		It("should mark only transient integration codes retryable", func() {
			Expect(apierrors.IsRetryable(apierrors.New(apierrors.CodeKMSUnavailable, ""))).To(BeTrue())
			Expect(apierrors.IsRetryable(apierrors.New(apierrors.CodeAWSRetrievalError, ""))).To(BeTrue())
			Expect(apierrors.IsRetryable(apierrors.New(apierrors.CodeAWSAuthError, ""))).To(BeFalse())
			Expect(apierrors.IsRetryable(goerrors.New("plain"))).To(BeFalse())
		})

		It("should not classify nil", func() {
			Expect(apierrors.IsCode(nil, apierrors.CodeNotFound)).To(BeFalse())
			Expect(apierrors.IsConflict(nil)).To(BeFalse())
		})
	})

	Context("Details", func() {
		It("should copy on WithDetails", func() {
			base := apierrors.New(apierrors.CodeQuotaExceeded, "daily quota exhausted")
			detailed := base.WithDetails(map[string]any{"limit": 1000})
			Expect(base.Details).To(BeNil())
			Expect(detailed.Details).To(HaveKeyWithValue("limit", 1000))
			Expect(detailed.Code).To(Equal(base.Code))
		})
	})
})
