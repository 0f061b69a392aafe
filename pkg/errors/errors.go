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

package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code carried on every error
// envelope. Codes are part of the public contract and never renamed.
type Code string

const (
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodeForbidden               Code = "FORBIDDEN"
	CodeFeatureNotEnabled       Code = "FEATURE_NOT_ENABLED"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeRateLimitUnavailable    Code = "RATE_LIMIT_UNAVAILABLE"
	CodeQuotaExceeded           Code = "QUOTA_EXCEEDED"
	CodeIdempotencyKeyConflict  Code = "IDEMPOTENCY_KEY_CONFLICT"
	CodeInvalidCursor           Code = "INVALID_CURSOR"
	CodeServiceBusy             Code = "SERVICE_BUSY"
	CodeServiceDisabled         Code = "SERVICE_DISABLED"
	CodeWriteFrozen             Code = "WRITE_FROZEN"
	CodeTenantMismatch          Code = "TENANT_MISMATCH"
	CodeAuthzDenied             Code = "AUTHZ_DENIED"
	CodePolicyDenied            Code = "POLICY_DENIED"
	CodeLegalHoldActive         Code = "LEGAL_HOLD_ACTIVE"
	CodeDSARRequiresApproval    Code = "DSAR_REQUIRES_APPROVAL"
	CodeDSARNotFound            Code = "DSAR_NOT_FOUND"
	CodeIntegrationUnavailable  Code = "INTEGRATION_UNAVAILABLE"
	CodeAWSConfigMissing        Code = "AWS_CONFIG_MISSING"
	CodeAWSAuthError            Code = "AWS_AUTH_ERROR"
	CodeAWSRetrievalError       Code = "AWS_RETRIEVAL_ERROR"
	CodeVertexConfigMissing     Code = "VERTEX_RETRIEVAL_CONFIG_MISSING"
	CodeVertexAuthError         Code = "VERTEX_RETRIEVAL_AUTH_ERROR"
	CodeVertexRetrievalError    Code = "VERTEX_RETRIEVAL_ERROR"
	CodeTTSError                Code = "TTS_ERROR"
	CodeKMSUnavailable          Code = "KMS_UNAVAILABLE"
	CodeEncryptionRequired      Code = "ENCRYPTION_REQUIRED"
	CodeKeyRotationInProgress   Code = "KEY_ROTATION_IN_PROGRESS"
	CodeKeyRotationFailed       Code = "KEY_ROTATION_FAILED"
	CodeKeyNotActive            Code = "KEY_NOT_ACTIVE"
	CodeDecryptionFailed        Code = "DECRYPTION_FAILED"
	CodeCryptoPolicyDenied      Code = "CRYPTO_POLICY_DENIED"
	CodeComplianceSnapshotStale Code = "COMPLIANCE_SNAPSHOT_STALE"
	CodeComplianceVerifyFailed  Code = "COMPLIANCE_VERIFY_FAILED"
	CodeFailoverTokenInvalid    Code = "FAILOVER_TOKEN_INVALID"
	CodeFailoverCooldown        Code = "FAILOVER_COOLDOWN_ACTIVE"
	CodeFailoverInProgress      Code = "FAILOVER_IN_PROGRESS"
	CodeNotFound                Code = "NOT_FOUND"
	CodeConflict                Code = "CONFLICT"
	CodeValidationFailed        Code = "VALIDATION_FAILED"
	CodeUnsupportedContentType  Code = "UNSUPPORTED_CONTENT_TYPE"
	CodeInternal                Code = "INTERNAL"
)

// statusByCode is not an exhaustive mapping; codes absent here render as 500.
var statusByCode = map[Code]int{
	CodeUnauthorized:            http.StatusUnauthorized,
	CodeForbidden:               http.StatusForbidden,
	CodeFeatureNotEnabled:       http.StatusForbidden,
	CodeRateLimited:             http.StatusTooManyRequests,
	CodeRateLimitUnavailable:    http.StatusServiceUnavailable,
	CodeQuotaExceeded:           http.StatusPaymentRequired,
	CodeIdempotencyKeyConflict:  http.StatusConflict,
	CodeInvalidCursor:           http.StatusBadRequest,
	CodeServiceBusy:             http.StatusServiceUnavailable,
	CodeServiceDisabled:         http.StatusServiceUnavailable,
	CodeWriteFrozen:             http.StatusServiceUnavailable,
	CodeTenantMismatch:          http.StatusConflict,
	CodeAuthzDenied:             http.StatusForbidden,
	CodePolicyDenied:            http.StatusForbidden,
	CodeLegalHoldActive:         http.StatusConflict,
	CodeDSARRequiresApproval:    http.StatusConflict,
	CodeDSARNotFound:            http.StatusNotFound,
	CodeIntegrationUnavailable:  http.StatusServiceUnavailable,
	CodeAWSConfigMissing:        http.StatusUnprocessableEntity,
	CodeAWSAuthError:            http.StatusBadGateway,
	CodeAWSRetrievalError:       http.StatusBadGateway,
	CodeVertexConfigMissing:     http.StatusUnprocessableEntity,
	CodeVertexAuthError:         http.StatusBadGateway,
	CodeVertexRetrievalError:    http.StatusBadGateway,
	CodeTTSError:                http.StatusBadGateway,
	CodeKMSUnavailable:          http.StatusServiceUnavailable,
	CodeEncryptionRequired:      http.StatusConflict,
	CodeKeyRotationInProgress:   http.StatusConflict,
	CodeKeyRotationFailed:       http.StatusInternalServerError,
	CodeKeyNotActive:            http.StatusConflict,
	CodeDecryptionFailed:        http.StatusInternalServerError,
	CodeCryptoPolicyDenied:      http.StatusForbidden,
	CodeComplianceSnapshotStale: http.StatusConflict,
	CodeComplianceVerifyFailed:  http.StatusUnprocessableEntity,
	CodeFailoverTokenInvalid:    http.StatusConflict,
	CodeFailoverCooldown:        http.StatusConflict,
	CodeFailoverInProgress:      http.StatusConflict,
	CodeNotFound:                http.StatusNotFound,
	CodeConflict:                http.StatusConflict,
	CodeValidationFailed:        http.StatusUnprocessableEntity,
	CodeUnsupportedContentType:  http.StatusUnprocessableEntity,
	CodeInternal:                http.StatusInternalServerError,
}

// Error is the typed error carried across component boundaries. Message is
// safe to return to callers; wrapped causes are not.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an internal cause that is logged but never serialized.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetails returns a copy carrying the supplied detail map. Details are
// serialized on the error envelope and must never contain secret material.
func (e *Error) WithDetails(details map[string]any) *Error {
	out := *e
	out.Details = details
	return &out
}

// Status returns the HTTP status for the error code.
func (e *Error) Status() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// AsError coerces any error into an *Error, mapping unknown errors to
// INTERNAL with a generic message so internals never leak.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// IsCode returns true if the err is an *Error (even if it's wrapped) with the
// supplied code.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// CodeOf returns the stable code for the err, or INTERNAL for unknown errors.
func CodeOf(err error) Code {
	return AsError(err).Code
}

func IsNotFound(err error) bool     { return IsCode(err, CodeNotFound) }
func IsUnauthorized(err error) bool { return IsCode(err, CodeUnauthorized) }
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status() == http.StatusConflict
	}
	return false
}

// IsRetryable reports whether the error class is transient and worth a
// bounded retry against the same integration.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeIntegrationUnavailable, CodeKMSUnavailable, CodeRateLimitUnavailable,
		CodeAWSRetrievalError, CodeVertexRetrievalError:
		return true
	default:
		return false
	}
}
