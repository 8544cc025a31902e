// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package murmur

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/creachadair/murmur/wire"
)

var (
	// ErrTimeout is reported when a call attempt receives no response
	// before its deadline.
	ErrTimeout = errors.New("timed out")

	// ErrNotStarted is reported by operations that require a running node.
	ErrNotStarted = errors.New("node is not running")

	// ErrStopped is reported by calls interrupted because the node stopped.
	ErrStopped = errors.New("node stopped")

	// ErrTooManyPending is reported when a call would exceed the limit on
	// outstanding calls.
	ErrTooManyPending = errors.New("too many pending calls")

	// ErrDuplicateRoute is reported when registering a route that already
	// has a handler under [RouteReject].
	ErrDuplicateRoute = errors.New("duplicate route")
)

// statusCoder is an extension interface an error may implement to set the
// status reported for the error in a response.
type statusCoder interface{ Status() wire.Status }

// A statusError is an error carrying its own status.
type statusError struct {
	status wire.Status
	msg    string
}

func (e statusError) Error() string       { return e.msg }
func (e statusError) Status() wire.Status { return e.status }

// Errorf returns an error with the given status, whose message is formatted
// from format and args. When returned by a handler, the caller receives a
// response with that status.
func Errorf(status wire.Status, format string, args ...any) error {
	return statusError{status: status, msg: fmt.Sprintf(format, args...)}
}

// StatusOf reports the response status corresponding to err. A nil error has
// status OK. A *CallError reports its own status, so a handler that returns
// the error from a nested call passes its status along. Any other error that
// does not carry a status is an internal error.
func StatusOf(err error) wire.Status {
	if err == nil {
		return wire.StatusOK
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.Status()
	}
	var ce *CallError
	if errors.As(err, &ce) && ce.Status != 0 {
		return ce.Status
	}
	return wire.StatusInternalError
}

// errorBody is the payload of a response reporting an error.
type errorBody struct {
	Error string `json:"error"`
}

func errorPayload(msg string) []byte {
	data, _ := json.Marshal(errorBody{Error: msg}) // cannot fail
	return data
}

// CallError is the concrete type of errors reported by the Call and Exec
// methods of a Node. For errors reported by the remote peer, Err is nil and
// Response is the complete response envelope.
type CallError struct {
	Status   wire.Status    // the status of the failure
	Message  string         // a description of the failure, if available
	Err      error          // the underlying local error, or nil
	CallID   string         // the ID of the first attempt of the call
	Response *wire.Envelope // set if the error came from a response
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	switch {
	case c.Message != "":
		return fmt.Sprintf("%v: %s", c.Status, c.Message)
	case c.Err != nil:
		return c.Err.Error()
	}
	return c.Status.String()
}

// responseError constructs a CallError for a response with a failure status.
func responseError(callID string, rsp *wire.Envelope) *CallError {
	ce := &CallError{Status: rsp.Status, CallID: callID, Response: rsp}
	var body errorBody
	if err := json.Unmarshal(rsp.Payload, &body); err == nil && body.Error != "" {
		ce.Message = body.Error
	} else if len(rsp.Payload) != 0 {
		ce.Message = string(rsp.Payload)
	}
	return ce
}
