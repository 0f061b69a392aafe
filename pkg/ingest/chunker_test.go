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

package ingest_test

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/ingest"
)

func TestIngest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ingest")
}

var _ = Describe("Content Sniffing", func() {
	It("should accept declared supported types as-is", func() {
		got, err := ingest.SniffContentType("text/markdown; charset=utf-8", []byte("plain words"))
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(ingest.ContentTypeMarkdown))
	})

	It("should reject unknown declared types", func() {
		_, err := ingest.SniffContentType("application/pdf", []byte("%PDF-1.4"))
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeUnsupportedContentType))
	})

	It("should reject non-UTF8 bytes", func() {
		_, err := ingest.SniffContentType("", []byte{0xff, 0xfe, 0x00})
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeUnsupportedContentType))
	})

	It("should detect JSON documents", func() {
		got, err := ingest.SniffContentType("", []byte(`{"title":"runbook"}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(ingest.ContentTypeJSONText))
	})

	It("should detect markdown by structure", func() {
		got, err := ingest.SniffContentType("application/octet-stream", []byte("# Title\n\nbody"))
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(ingest.ContentTypeMarkdown))
	})

	It("should fall back to plain text", func() {
		got, err := ingest.SniffContentType("", []byte("just a sentence"))
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(ingest.ContentTypePlain))
	})
})

var _ = Describe("Normalization", func() {
	It("should strip markdown markup but keep fenced code", func() {
		text := ingest.Normalize(ingest.ContentTypeMarkdown, []byte("# Heading\n\n- item **bold**\n\n```\ncode line\n```\n"))
		Expect(text).To(ContainSubstring("Heading"))
		Expect(text).To(ContainSubstring("item bold"))
		Expect(text).To(ContainSubstring("code line"))
		Expect(text).ToNot(ContainSubstring("#"))
		Expect(text).ToNot(ContainSubstring("**"))
	})

	It("should flatten JSON to path lines with sorted keys", func() {
		text := ingest.Normalize(ingest.ContentTypeJSONText, []byte(`{"b":1,"a":{"c":["x",true,null]}}`))
		Expect(strings.Split(text, "\n")).To(Equal([]string{
			"a.c.0: x",
			"a.c.1: true",
			"a.c.2: null",
			"b: 1",
		}))
	})

	It("should normalize line endings and trailing space", func() {
		text := ingest.Normalize(ingest.ContentTypePlain, []byte("one  \r\ntwo\t\r\n"))
		Expect(text).To(Equal("one\ntwo"))
	})
})

var _ = Describe("Chunking", func() {
	It("should return nothing for empty text", func() {
		Expect(ingest.Chunk("", 100, 10)).To(BeNil())
	})

	It("should keep short text as a single chunk", func() {
		Expect(ingest.Chunk("short text", 100, 10)).To(Equal([]string{"short text"}))
	})

	It("should respect the window size", func() {
		text := strings.Repeat("word ", 500)
		for _, chunk := range ingest.Chunk(text, 100, 20) {
			Expect(len([]rune(chunk))).To(BeNumerically("<=", 100))
		}
	})

	It("should overlap adjacent chunks", func() {
		text := strings.Repeat("alpha beta gamma delta ", 50)
		chunks := ingest.Chunk(text, 100, 20)
		Expect(len(chunks)).To(BeNumerically(">", 1))
		// The tail of each chunk reappears at the head of the next.
		for i := 1; i < len(chunks); i++ {
			head := strings.Fields(chunks[i])[0]
			Expect(chunks[i-1]).To(ContainSubstring(head))
		}
	})

	It("should not split words when a boundary is near", func() {
		text := strings.Repeat("boundary ", 200)
		for _, chunk := range ingest.Chunk(text, 95, 10) {
			for _, word := range strings.Fields(chunk) {
				Expect(word).To(Equal("boundary"))
			}
		}
	})

	It("should apply defaults for invalid parameters", func() {
		text := strings.Repeat("x", 2000)
		chunks := ingest.Chunk(text, 0, -1)
		Expect(len(chunks)).To(BeNumerically(">", 1))
		Expect(len([]rune(chunks[0]))).To(BeNumerically("<=", ingest.DefaultChunkSize))
	})

	It("should cover all input runes", func() {
		text := strings.Repeat("lorem ipsum dolor sit amet ", 100)
		joined := strings.Join(ingest.Chunk(text, 120, 30), " ")
		for _, word := range []string{"lorem", "ipsum", "dolor", "sit", "amet"} {
			Expect(joined).To(ContainSubstring(word))
		}
	})
})
