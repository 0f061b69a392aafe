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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/logging"
)

const maxBodyBytes = 12 << 20

type requestIDKey struct{}

func withRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// writeData renders the {data, meta} envelope. Every JSON response flows
// through here so X-Request-Id is never missing.
func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := requestIDFrom(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v1.Envelope{Data: data, Meta: v1.NewMeta(requestID)}); err != nil {
		logging.FromContext(r.Context()).Warn("encoding response failed", zap.Error(err))
	}
}

// writeError renders the {error, meta} envelope from the stable taxonomy.
// Unknown errors collapse to 500 INTERNAL without leaking internals.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.AsError(err)
	if apiErr.Status() >= 500 {
		logging.FromContext(r.Context()).Error("request failed", zap.Error(err))
	}
	requestID := requestIDFrom(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(apiErr.Status())
	body := v1.ErrorEnvelope{
		Error: v1.ErrorDetail{
			Code:    string(apierrors.CodeOf(err)),
			Message: apiErr.Message,
			Details: apiErr.Details,
		},
		Meta: v1.NewMeta(requestID),
	}
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		logging.FromContext(r.Context()).Warn("encoding error response failed", zap.Error(encodeErr))
	}
}

// decode reads and validates a JSON request body into dst.
func (s *Server) decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return apierrors.Wrap(apierrors.CodeValidationFailed, "reading request body failed", err)
	}
	if len(body) > maxBodyBytes {
		return apierrors.Newf(apierrors.CodeValidationFailed, "request body exceeds %d bytes", maxBodyBytes)
	}
	if len(body) == 0 {
		return apierrors.New(apierrors.CodeValidationFailed, "request body must not be empty")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apierrors.Wrap(apierrors.CodeValidationFailed, "request body is not valid JSON", err)
	}
	return s.validateStruct(dst)
}

// validateStruct maps validator failures to 422 with per-field details.
func (s *Server) validateStruct(dst any) error {
	err := s.validate.Struct(dst)
	if err == nil {
		return nil
	}
	var invalid validator.ValidationErrors
	details := map[string]any{}
	if errors.As(err, &invalid) {
		for _, field := range invalid {
			details[field.Field()] = field.Tag()
		}
	}
	return apierrors.New(apierrors.CodeValidationFailed, "request validation failed").WithDetails(details)
}

// queryInt parses an integer query parameter with a fallback.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
