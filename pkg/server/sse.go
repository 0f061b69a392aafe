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

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	"github.com/nexusrag/nexusrag/pkg/run"
)

// sseSink frames stream events as Server-Sent Events and flushes after each
// one. It is driven by the single writer goroutine in the run engine, so no
// locking is needed here.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE commits the response to a stream. After the headers are written no
// HTTP error can be returned; failures surface as in-stream error events.
func startSSE(w http.ResponseWriter, requestID string) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("X-Request-Id", requestID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{w: w, flusher: flusher}, nil
}

// Send writes one `event: <name>\ndata: <json>\n\n` frame. A write error
// means the client is gone; the stream layer translates it to cancellation.
func (s *sseSink) Send(event v1.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s event, %w", event.EventName(), err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.EventName(), payload); err != nil {
		return run.ErrClientGone
	}
	s.flusher.Flush()
	return nil
}
