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

package llm_test

import (
	"context"
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexusrag/nexusrag/pkg/llm"
)

func TestLLM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "LLM")
}

var _ = Describe("Local Adapter", func() {
	var adapter *llm.Local
	ctx := context.Background()

	BeforeEach(func() {
		adapter = llm.NewLocal()
	})

	collect := func(request llm.Request) ([]string, *llm.Completion, error) {
		var deltas []string
		completion, err := adapter.Stream(ctx, request, func(delta string) error {
			deltas = append(deltas, delta)
			return nil
		})
		return deltas, completion, err
	}

	It("should answer from retrieved passages", func() {
		deltas, completion, err := collect(llm.Request{
			ContextPassages: []string{"The retention window is thirty days. More detail follows."},
			Messages:        []llm.Message{{Role: "user", Text: "what is the retention window?"}},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(completion.FinishReason).To(Equal(llm.FinishStop))
		Expect(completion.Text).To(ContainSubstring("thirty days."))
		Expect(completion.Text).ToNot(ContainSubstring("More detail"))
		Expect(len(deltas)).To(BeNumerically(">", 1))
	})

	It("should say so when no context matched", func() {
		_, completion, err := collect(llm.Request{
			Messages: []llm.Message{{Role: "user", Text: "anything"}},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(completion.Text).To(ContainSubstring("No indexed context"))
	})

	It("should be deterministic", func() {
		request := llm.Request{
			ContextPassages: []string{"Alpha beta gamma."},
			Messages:        []llm.Message{{Role: "user", Text: "q"}},
		}
		_, first, err := collect(request)
		Expect(err).ToNot(HaveOccurred())
		_, second, err := collect(request)
		Expect(err).ToNot(HaveOccurred())
		Expect(second.Text).To(Equal(first.Text))
	})

	It("should truncate at max tokens", func() {
		_, completion, err := collect(llm.Request{
			ContextPassages: []string{"one two three four five six seven eight nine ten."},
			Messages:        []llm.Message{{Role: "user", Text: "q"}},
			MaxTokens:       3,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(completion.FinishReason).To(Equal(llm.FinishMaxTokens))
		Expect(completion.Usage.OutputTokens).To(Equal(int64(3)))
	})

	It("should stop when emit fails", func() {
		boom := errors.New("client went away")
		completion, err := adapter.Stream(ctx, llm.Request{
			ContextPassages: []string{"some passage."},
			Messages:        []llm.Message{{Role: "user", Text: "q"}},
		}, func(string) error { return boom })
		Expect(err).To(MatchError(boom))
		Expect(completion.FinishReason).To(Equal(llm.FinishCancelled))
	})

	It("should reassemble the exact text from deltas", func() {
		deltas, completion, err := collect(llm.Request{
			ContextPassages: []string{"Primary fact here."},
			Messages:        []llm.Message{{Role: "user", Text: "q"}},
		})
		Expect(err).ToNot(HaveOccurred())
		var joined string
		for _, d := range deltas {
			joined += d
		}
		Expect(joined).To(Equal(completion.Text))
	})
})
