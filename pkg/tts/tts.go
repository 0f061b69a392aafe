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

// Package tts synthesizes speech for finished run answers. The local
// synthesizer is deterministic: the same text and voice always produce the
// same WAV bytes, so audio ids and sizes are stable across replays.
package tts

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

const (
	DefaultVoice = "standard"
	MaxTextRunes = 10_000

	sampleRate     = 8000
	samplesPerRune = 160 // 20ms per rune
)

// Audio is one synthesized clip.
type Audio struct {
	AudioID  string
	MimeType string
	Data     []byte
	Voice    string
}

type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text, voice string) (*Audio, error)
}

// Local renders text to a PCM WAV where each rune contributes a short tone
// whose frequency is derived from the rune and voice. Not speech, but a
// faithful stand-in with realistic sizes and full determinism.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Name() string { return "local" }

func (l *Local) Synthesize(ctx context.Context, text, voice string) (*Audio, error) {
	if text == "" {
		return nil, apierrors.Newf(apierrors.CodeTTSError, "cannot synthesize empty text")
	}
	runes := []rune(text)
	if len(runes) > MaxTextRunes {
		return nil, apierrors.Newf(apierrors.CodeTTSError, "text exceeds %d runes", MaxTextRunes)
	}
	if voice == "" {
		voice = DefaultVoice
	}

	voiceSeed := sha256.Sum256([]byte(voice))
	base := 200 + float64(binary.BigEndian.Uint16(voiceSeed[:2])%200)

	samples := make([]int16, 0, len(runes)*samplesPerRune)
	for i, r := range runes {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		freq := base + float64(r%64)*12
		for s := 0; s < samplesPerRune; s++ {
			v := math.Sin(2 * math.Pi * freq * float64(s) / sampleRate)
			samples = append(samples, int16(v*8000))
		}
	}

	data := encodeWAV(samples)
	sum := sha256.Sum256(append([]byte(voice+":"), []byte(text)...))
	return &Audio{
		AudioID:  "aud_" + hex.EncodeToString(sum[:12]),
		MimeType: "audio/wav",
		Data:     data,
		Voice:    voice,
	}, nil
}

// encodeWAV wraps 16-bit mono PCM in a minimal RIFF header.
func encodeWAV(samples []int16) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, 0, 44+dataSize)
	le := binary.LittleEndian

	u32 := func(v uint32) []byte { b := make([]byte, 4); le.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); le.PutUint16(b, v); return b }

	buf = append(buf, []byte("RIFF")...)
	buf = append(buf, u32(uint32(36+dataSize))...)
	buf = append(buf, []byte("WAVE")...)
	buf = append(buf, []byte("fmt ")...)
	buf = append(buf, u32(16)...)
	buf = append(buf, u16(1)...) // PCM
	buf = append(buf, u16(1)...) // mono
	buf = append(buf, u32(sampleRate)...)
	buf = append(buf, u32(sampleRate*2)...)
	buf = append(buf, u16(2)...)
	buf = append(buf, u16(16)...)
	buf = append(buf, []byte("data")...)
	buf = append(buf, u32(uint32(dataSize))...)
	for _, s := range samples {
		buf = append(buf, u16(uint16(s))...)
	}
	return buf
}

// Validate rejects unknown voices up front so the failure surfaces as a
// 422 on the request instead of an audio.error mid-stream.
func ValidateVoice(voice string) error {
	switch voice {
	case "", DefaultVoice, "narrow", "bright":
		return nil
	default:
		return apierrors.Newf(apierrors.CodeValidationFailed, "unknown voice %q", voice)
	}
}
