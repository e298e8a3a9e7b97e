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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/smithy-go"
	"k8s.io/apimachinery/pkg/util/sets"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
)

const conditionalCheckFailedCode = "ConditionalCheckFailedException"

var (
	// This is not an exhaustive list, add to it as needed
	notFoundErrorCodes = sets.New(
		"ResourceNotFoundException",
		"NoSuchKey",
		"NoSuchBucket",
		"NotFound",
		"ClusterNotFoundException",
		"QueueDoesNotExist",
		"AWS.SimpleQueueService.NonExistentQueue",
	)
	// transientErrorCodes signify that the call may succeed on a retry
	transientErrorCodes = sets.New(
		"ThrottlingException",
		"Throttling",
		"ProvisionedThroughputExceededException",
		"RequestLimitExceeded",
		"InternalServerError",
		"ServiceUnavailable",
		"ServiceUnavailableException",
		"TransactionConflictException",
		"RequestTimeout",
		"RequestTimeoutException",
	)
	accessDeniedErrorCodes = sets.New(
		"AccessDenied",
		"AccessDeniedException",
		"UnauthorizedOperation",
	)
)

// Error carries the caller-visible kind alongside the wrapped cause. Business
// logic branches on the kind only; the cause is for logs. RetryAfter is only
// set on UNAVAILABLE errors, where it tells the caller when capacity is worth
// probing again.
type Error struct {
	Kind       v1.ErrorKind
	Message    string
	RetryAfter time.Duration
	err        error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s, %s", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

// New constructs a classified error with no underlying cause.
func New(kind v1.ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying cause. A nil cause returns nil.
func Wrap(kind v1.ErrorKind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: err}
}

// NewUnavailable constructs an UNAVAILABLE error carrying a retry hint.
func NewUnavailable(retryAfter time.Duration, format string, args ...any) error {
	return &Error{Kind: v1.ErrorKindUnavailable, Message: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// RetryAfterOf extracts the retry hint from an UNAVAILABLE error, or zero when
// the error carries none.
func RetryAfterOf(err error) time.Duration {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// MessageOf extracts the caller-facing message of a classified error without
// the wrapped cause. Unclassified errors have no message safe to surface.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ""
}

// KindOf extracts the classification of err, defaulting to INTERNAL for
// anything that reached business logic unclassified.
func KindOf(err error) v1.ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return v1.ErrorKindInternal
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind v1.ErrorKind) bool {
	if err == nil {
		return false
	}
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func IsValidation(err error) bool   { return IsKind(err, v1.ErrorKindValidation) }
func IsQuota(err error) bool        { return IsKind(err, v1.ErrorKindQuota) }
func IsUnavailable(err error) bool  { return IsKind(err, v1.ErrorKindUnavailable) }
func IsNotFound(err error) bool     { return IsKind(err, v1.ErrorKindNotFound) }
func IsConflict(err error) bool     { return IsKind(err, v1.ErrorKindConflict) }
func IsStaleVersion(err error) bool { return IsKind(err, v1.ErrorKindStaleVersion) }
func IsTransient(err error) bool    { return IsKind(err, v1.ErrorKindTransient) }
func IsLaunch(err error) bool       { return IsKind(err, v1.ErrorKindLaunch) }

// IsConditionalCheckFailed returns true if the err is the storage layer
// rejecting a conditional write (even if it's wrapped). The caller decides
// whether that means STALE_VERSION, CONFLICT, or an idempotent replay.
func IsConditionalCheckFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == conditionalCheckFailedCode
	}
	return false
}

// IsAWSNotFound returns true if the err is an AWS error (even if it's
// wrapped) and is known to mean "not found" (as opposed to a more serious or
// unexpected error).
func IsAWSNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return notFoundErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsAWSAccessDenied returns true if the error is an AWS error (even if it's
// wrapped) and is known to mean "access denied".
func IsAWSAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return accessDeniedErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsAWSTransient returns true when the error is a throttle, timeout, or
// server-side fault that a backoff retry may clear.
func IsAWSTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientErrorCodes.Has(apiErr.ErrorCode()) {
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	return false
}

// ClassifyAWS maps a raw AWS SDK error into the taxonomy at the storage or
// runtime boundary so business logic never sees SDK error shapes.
func ClassifyAWS(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	switch {
	case IsAWSNotFound(err):
		return Wrap(v1.ErrorKindNotFound, err, format, args...)
	case IsAWSTransient(err):
		return Wrap(v1.ErrorKindTransient, err, format, args...)
	default:
		return Wrap(v1.ErrorKindInternal, err, format, args...)
	}
}
