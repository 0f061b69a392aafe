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

package tts_test

import (
	"context"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/tts"
)

func TestTTS(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "TTS")
}

var _ = Describe("Local Synthesizer", func() {
	var synth *tts.Local
	ctx := context.Background()

	BeforeEach(func() {
		synth = tts.NewLocal()
	})

	It("should produce a WAV clip", func() {
		audio, err := synth.Synthesize(ctx, "hello", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(audio.MimeType).To(Equal("audio/wav"))
		Expect(audio.Voice).To(Equal(tts.DefaultVoice))
		Expect(audio.AudioID).To(HavePrefix("aud_"))
		Expect(string(audio.Data[:4])).To(Equal("RIFF"))
		Expect(string(audio.Data[8:12])).To(Equal("WAVE"))
	})

	It("should be deterministic per text and voice", func() {
		first, err := synth.Synthesize(ctx, "same text", "bright")
		Expect(err).ToNot(HaveOccurred())
		second, err := synth.Synthesize(ctx, "same text", "bright")
		Expect(err).ToNot(HaveOccurred())
		Expect(second.AudioID).To(Equal(first.AudioID))
		Expect(second.Data).To(Equal(first.Data))
	})

	It("should vary output by voice", func() {
		standard, _ := synth.Synthesize(ctx, "same text", "standard")
		narrow, _ := synth.Synthesize(ctx, "same text", "narrow")
		Expect(narrow.AudioID).ToNot(Equal(standard.AudioID))
		Expect(narrow.Data).ToNot(Equal(standard.Data))
	})

	It("should scale size with text length", func() {
		short, _ := synth.Synthesize(ctx, "ab", "")
		long, _ := synth.Synthesize(ctx, "abcdefghij", "")
		Expect(len(long.Data)).To(BeNumerically(">", len(short.Data)))
	})

	It("should reject empty text", func() {
		_, err := synth.Synthesize(ctx, "", "")
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeTTSError))
	})

	It("should reject oversized text", func() {
		_, err := synth.Synthesize(ctx, strings.Repeat("a", tts.MaxTextRunes+1), "")
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeTTSError))
	})
})

var _ = Describe("Voice Validation", func() {
	It("should accept the known voices and the empty default", func() {
		for _, voice := range []string{"", "standard", "narrow", "bright"} {
			Expect(tts.ValidateVoice(voice)).To(Succeed())
		}
	})

	It("should reject unknown voices", func() {
		err := tts.ValidateVoice("baritone")
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeValidationFailed))
	})
})
