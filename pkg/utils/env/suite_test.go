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

package env_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexusrag/nexusrag/pkg/utils/env"
)

func TestEnv(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Env")
}

var _ = Describe("Defaults", func() {
	It("should return the default when the variable is unset", func() {
		Expect(env.WithDefaultString("NEXUSRAG_TEST_UNSET", "fallback")).To(Equal("fallback"))
		Expect(env.WithDefaultInt("NEXUSRAG_TEST_UNSET", 7)).To(Equal(7))
		Expect(env.WithDefaultDuration("NEXUSRAG_TEST_UNSET", time.Minute)).To(Equal(time.Minute))
	})

	It("should parse set variables", func() {
		GinkgoT().Setenv("NEXUSRAG_TEST_SET", "42")
		Expect(env.WithDefaultInt("NEXUSRAG_TEST_SET", 7)).To(Equal(42))
		Expect(env.WithDefaultInt64("NEXUSRAG_TEST_SET", 7)).To(Equal(int64(42)))
		Expect(env.WithDefaultFloat64("NEXUSRAG_TEST_SET", 0.5)).To(Equal(42.0))

		GinkgoT().Setenv("NEXUSRAG_TEST_SET", "250ms")
		Expect(env.WithDefaultDuration("NEXUSRAG_TEST_SET", time.Minute)).To(Equal(250 * time.Millisecond))
	})

	It("should fall back when parsing fails", func() {
		GinkgoT().Setenv("NEXUSRAG_TEST_SET", "not-a-number")
		Expect(env.WithDefaultInt("NEXUSRAG_TEST_SET", 7)).To(Equal(7))
		Expect(env.WithDefaultBool("NEXUSRAG_TEST_SET", true)).To(BeTrue())
	})
})
