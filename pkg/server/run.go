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
	"net/http"

	"go.uber.org/zap"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	"github.com/nexusrag/nexusrag/pkg/auth"
	"github.com/nexusrag/nexusrag/pkg/logging"
)

// handleRun validates everything it can before committing to SSE; once the
// stream starts, failures are delivered as in-stream error events.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := auth.FromContext(ctx)
	requestID := requestIDFrom(ctx)

	var request v1.RunRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}

	// Resume is not supported: a reconnect with Last-Event-ID gets a
	// well-formed terminal event instead of a replayed stream.
	if r.Header.Get("Last-Event-ID") != "" {
		sink, err := startSSE(w, requestID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.runEngine.RefuseResume(ctx, sink, requestID)
		return
	}

	prepared, err := s.runEngine.Prepare(ctx, principal, requestID, request)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sink, err := startSSE(w, requestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.runEngine.Stream(ctx, sink, prepared)
	logging.FromContext(ctx).Debug("run stream finished", zap.String("session_id", request.SessionID))
}
