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

package extcall_test

import (
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker"

	"github.com/nexusrag/nexusrag/pkg/utils/extcall"
)

func TestExtCall(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ExtCall")
}

var _ = Describe("ExtCall", func() {
	It("should keep current settings for non-positive values", func() {
		extcall.Configure(0, 0, 0)
		Expect(extcall.RetryAttempts()).To(BeNumerically(">", 0))
	})

	It("should apply a configured retry budget", func() {
		extcall.Configure(0, 0, 7)
		Expect(extcall.RetryAttempts()).To(Equal(uint(7)))
		extcall.Configure(0, 0, 3)
	})

	It("should trip the breaker after the configured consecutive failures", func() {
		extcall.Configure(time.Minute, 2, 0)
		breaker := extcall.NewBreaker("test")

		boom := errors.New("boom")
		fail := func() (any, error) { return nil, boom }
		_, err := breaker.Execute(fail)
		Expect(err).To(MatchError(boom))
		_, err = breaker.Execute(fail)
		Expect(err).To(MatchError(boom))

		_, err = breaker.Execute(func() (any, error) { return nil, nil })
		Expect(err).To(MatchError(gobreaker.ErrOpenState))
	})

	It("should not trip below the threshold", func() {
		extcall.Configure(time.Minute, 5, 0)
		breaker := extcall.NewBreaker("test")
		_, err := breaker.Execute(func() (any, error) { return nil, errors.New("boom") })
		Expect(err).To(HaveOccurred())
		_, err = breaker.Execute(func() (any, error) { return "ok", nil })
		Expect(err).ToNot(HaveOccurred())
	})
})
