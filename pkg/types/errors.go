/*
Copyright 2025 GuardAnt Authors.

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

package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies failures for retry predicates and the outer
// HTTP layer. Layers translate errors into one of these kinds before
// surfacing them; kinds, not concrete types, cross component
// boundaries.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindAuth         ErrorKind = "auth"
	KindRateLimit    ErrorKind = "rate_limit"
	KindNetwork      ErrorKind = "network"
	KindTimeout      ErrorKind = "timeout"
	KindUpstream     ErrorKind = "upstream"    // external-service 5xx
	KindStorage      ErrorKind = "storage"     // backend unavailable
	KindQueue        ErrorKind = "queue"       // queue-delivery failure
	KindInternal     ErrorKind = "internal"    // invariant violation
)

// KindedError attaches an ErrorKind to an underlying cause.
type KindedError struct {
	ErrKind    ErrorKind
	Message    string
	RetryAfter time.Duration // set for rate-limit errors
	Cause      error
}

func (e *KindedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrKind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Message)
}

func (e *KindedError) Unwrap() error { return e.Cause }

// NewError builds a KindedError wrapping cause (cause may be nil).
func NewError(kind ErrorKind, message string, cause error) *KindedError {
	return &KindedError{ErrKind: kind, Message: message, Cause: cause}
}

// NewRateLimitError carries the deterministic retryAfter hint.
func NewRateLimitError(message string, retryAfter time.Duration) *KindedError {
	return &KindedError{ErrKind: KindRateLimit, Message: message, RetryAfter: retryAfter}
}

// Kind extracts the classification of err, falling back to structural
// inspection for errors produced outside this module (net, context).
func Kind(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.ErrKind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return KindNetwork
	}
	return KindInternal
}

// Retryable reports whether an error kind is transient. Validation,
// not-found and auth failures are never retried; rate limits are
// deferred by the caller, not retried blindly.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindNetwork, KindTimeout, KindUpstream, KindQueue, KindStorage:
		return true
	default:
		return false
	}
}

// TransportClass reports whether err is a transport-level failure
// (timeout, refused, TLS handshake abort) as opposed to a semantic
// verdict. The engine's attempt loop only retries transport-class
// failures.
func TransportClass(err error) bool {
	switch Kind(err) {
	case KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}
