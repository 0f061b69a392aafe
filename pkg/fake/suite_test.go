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

package fake_test

import (
	"context"
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexusrag/nexusrag/pkg/fake"
	"github.com/nexusrag/nexusrag/pkg/llm"
)

func TestFake(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Fake")
}

var _ = Describe("AtomicError", func() {
	It("should fail a single call by default and then clear", func() {
		var injected fake.AtomicError
		boom := errors.New("boom")
		injected.Set(boom)
		Expect(injected.Get()).To(MatchError(boom))
		Expect(injected.Get()).To(Succeed())
	})

	It("should honor an explicit call budget", func() {
		var injected fake.AtomicError
		boom := errors.New("boom")
		injected.Set(boom, fake.MaxCalls(2))
		Expect(injected.Get()).To(MatchError(boom))
		Expect(injected.Get()).To(MatchError(boom))
		Expect(injected.Get()).To(Succeed())
	})

	It("should persist with Forever until reset", func() {
		var injected fake.AtomicError
		boom := errors.New("boom")
		injected.Set(boom, fake.Forever())
		for i := 0; i < 10; i++ {
			Expect(injected.Get()).To(MatchError(boom))
		}
		injected.Reset()
		Expect(injected.IsNil()).To(BeTrue())
		Expect(injected.Get()).To(Succeed())
	})
})

var _ = Describe("LLM", func() {
	ctx := context.Background()

	It("should echo the last user message word by word without a script", func() {
		adapter := fake.NewLLM()
		var deltas []string
		completion, err := adapter.Stream(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "user", Text: "ignored earlier turn"},
				{Role: "user", Text: "final question here"},
			},
		}, func(delta string) error {
			deltas = append(deltas, delta)
			return nil
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(deltas).To(Equal([]string{"final ", "question ", "here "}))
		Expect(completion.Text).To(Equal("final question here "))
		Expect(completion.Usage.OutputTokens).To(Equal(int64(3)))
		Expect(adapter.Requests.Len()).To(Equal(1))
	})

	It("should prefer scripted deltas and stop on emit failure", func() {
		adapter := fake.NewLLM()
		adapter.Deltas = []string{"scripted ", "answer"}
		stop := errors.New("client gone")
		emitted := 0
		_, err := adapter.Stream(ctx, llm.Request{}, func(string) error {
			emitted++
			return stop
		})
		Expect(err).To(MatchError(stop))
		Expect(emitted).To(Equal(1))
	})

	It("should fail while an error is injected", func() {
		adapter := fake.NewLLM()
		boom := errors.New("provider down")
		adapter.NextError.Set(boom)
		_, err := adapter.Stream(ctx, llm.Request{}, func(string) error { return nil })
		Expect(err).To(MatchError(boom))

		completion, err := adapter.Stream(ctx, llm.Request{
			Messages: []llm.Message{{Role: "user", Text: "retry"}},
		}, func(string) error { return nil })
		Expect(err).ToNot(HaveOccurred())
		Expect(completion.FinishReason).To(Equal("stop"))
	})
})
