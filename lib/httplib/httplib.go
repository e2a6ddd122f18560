/*
Copyright 2024 Pharos Networks, Inc.

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

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// MaxBodyBytes bounds request bodies read by ReadJSON.
const MaxBodyBytes = 1 << 20

// HandlerFunc specifies HTTP handler function that returns error
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads HTTP json request and unmarshals it
// into passed interface{} obj
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, &val); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

// ReplyJSON encodes val and writes it with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, val interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(val); err != nil {
		slog.Warn("Failed to encode response.", "error", err)
	}
}

// errorMessage is the JSON body of error replies.
type errorMessage struct {
	Message string `json:"message"`
}

// ReplyError sets up http error response and writes it to writer w.
// The mapping follows the control plane error taxonomy: validation
// 400, unauthenticated 401, denied 403, not found 404, conflict 409,
// rate limited 429, unavailable 503, anything else 500.
func ReplyError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case IsUnauthenticated(err):
		code = http.StatusUnauthorized
	case trace.IsBadParameter(err):
		code = http.StatusBadRequest
	case trace.IsAccessDenied(err):
		code = http.StatusForbidden
	case trace.IsNotFound(err):
		code = http.StatusNotFound
	case trace.IsAlreadyExists(err), trace.IsCompareFailed(err):
		code = http.StatusConflict
	case trace.IsLimitExceeded(err):
		code = http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusInternalServerError
	}
	ReplyJSON(w, code, errorMessage{Message: trace.UserMessage(err)})
}

// unauthenticatedError translates to HTTP 401. Kept distinct from
// trace.AccessDenied (403) so an invalid token and a blocked client
// are distinguishable on the wire.
type unauthenticatedError struct {
	message string
}

// Error returns the error message.
func (e *unauthenticatedError) Error() string {
	return e.message
}

// Unauthenticated returns a new 401 error with the given message.
func Unauthenticated(message string) error {
	return trace.Wrap(&unauthenticatedError{message: message})
}

// IsUnauthenticated reports whether err translates to HTTP 401.
func IsUnauthenticated(err error) bool {
	var ue *unauthenticatedError
	return errors.As(trace.Unwrap(err), &ue) || errors.As(err, &ue)
}
