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

package v1

// SSE event names for the /run stream. Order within one stream:
// request.accepted, token.delta*, message.final, (audio.ready|audio.error)?,
// done. debug.retrieval may follow retrieval when debug is enabled, and
// heartbeat events interleave during long gaps. A fatal in-stream failure
// emits error then done.
const (
	EventRequestAccepted   = "request.accepted"
	EventTokenDelta        = "token.delta"
	EventMessageFinal      = "message.final"
	EventAudioReady        = "audio.ready"
	EventAudioError        = "audio.error"
	EventDebugRetrieval    = "debug.retrieval"
	EventHeartbeat         = "heartbeat"
	EventError             = "error"
	EventDone              = "done"
	EventResumeUnsupported = "resume.unsupported"
)

// StreamEvent is implemented by every SSE payload. The stream writer assigns
// the sequence number and request id just before framing; payload producers
// leave EventMeta zero.
type StreamEvent interface {
	EventName() string
	Meta() *EventMeta
}

// EventMeta is embedded in every SSE payload. Seq is monotonic and gap-free
// per request, starting at 1.
type EventMeta struct {
	Seq       int64  `json:"seq"`
	RequestID string `json:"request_id"`
}

func (m *EventMeta) Meta() *EventMeta { return m }

type RequestAccepted struct {
	EventMeta
	SessionID string `json:"session_id"`
	CorpusID  string `json:"corpus_id"`
	Provider  string `json:"provider"`
}

func (*RequestAccepted) EventName() string { return EventRequestAccepted }

type TokenDelta struct {
	EventMeta
	Text string `json:"text"`
}

func (*TokenDelta) EventName() string { return EventTokenDelta }

type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type MessageFinal struct {
	EventMeta
	MessageID    string      `json:"message_id"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

func (*MessageFinal) EventName() string { return EventMessageFinal }

type AudioReady struct {
	EventMeta
	AudioID     string `json:"audio_id"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int    `json:"size_bytes"`
	Voice       string `json:"voice"`
	AudioBase64 string `json:"audio_base64"`
}

func (*AudioReady) EventName() string { return EventAudioReady }

type AudioError struct {
	EventMeta
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*AudioError) EventName() string { return EventAudioError }

// RetrievedChunkRef is the debug view of one retrieval hit. Chunk text is
// deliberately omitted from the stream.
type RetrievedChunkRef struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentURI string  `json:"document_uri,omitempty"`
	Score       float64 `json:"score"`
}

type DebugRetrieval struct {
	EventMeta
	Provider  string              `json:"provider"`
	TopK      int                 `json:"top_k"`
	ElapsedMS int64               `json:"elapsed_ms"`
	Results   []RetrievedChunkRef `json:"results"`
}

func (*DebugRetrieval) EventName() string { return EventDebugRetrieval }

type Heartbeat struct {
	EventMeta
	TS string `json:"ts"`
}

func (*Heartbeat) EventName() string { return EventHeartbeat }

type StreamError struct {
	EventMeta
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*StreamError) EventName() string { return EventError }

type Done struct {
	EventMeta
	Status string `json:"status"`
}

func (*Done) EventName() string { return EventDone }

type ResumeUnsupported struct {
	EventMeta
	Message string `json:"message"`
}

func (*ResumeUnsupported) EventName() string { return EventResumeUnsupported }
