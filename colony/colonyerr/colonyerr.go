// Package colonyerr defines the error taxonomy actors, connections, and the
// manager use to report failures to clients and to internal callers.
package colonyerr

import "fmt"

// Error is a typed, wire-safe error. Only errors with Public set are ever
// forwarded to a client with their Message intact; non-public errors surface
// to clients as actor.internal_error unless development mode is on.
type Error struct {
	Group      string
	Code       string
	Message    string
	Public     bool
	Metadata   map[string]any
	StatusCode int

	// ActionID, when non-zero, is echoed back on the wire Error frame so the
	// client can correlate the failure with its ActionRequest.
	ActionID uint64
	hasID    bool

	cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s.%s: %s", e.Group, e.Code, e.Message)
	}
	return fmt.Sprintf("%s.%s", e.Group, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// FullCode returns the "group.code" identifier used on the wire and in logs.
func (e *Error) FullCode() string { return e.Group + "." + e.Code }

// WithActionID returns a copy of e carrying actionId, for Error frames that
// respond to a specific ActionRequest.
func (e *Error) WithActionID(id uint64) *Error {
	cp := *e
	cp.ActionID = id
	cp.hasID = true
	return &cp
}

// HasActionID reports whether WithActionID was used to set ActionID.
func (e *Error) HasActionID() bool { return e.hasID }

// WithCause attaches an underlying error for errors.Is/As and logging, without
// changing the public-facing Message.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// WithMetadata returns a copy of e with Metadata merged in.
func (e *Error) WithMetadata(md map[string]any) *Error {
	cp := *e
	merged := make(map[string]any, len(e.Metadata)+len(md))
	for k, v := range e.Metadata {
		merged[k] = v
	}
	for k, v := range md {
		merged[k] = v
	}
	cp.Metadata = merged
	return &cp
}

func newError(group, code, message string, public bool, status int) *Error {
	return &Error{Group: group, Code: code, Message: message, Public: public, StatusCode: status}
}

// Taxonomy from spec.md §6. All are Public unless noted otherwise.
var (
	ActionTimedOut      = newError("action", "timed_out", "the action did not complete within its timeout", true, 504)
	ActionNotFound      = newError("action", "not_found", "no action registered with that name", true, 404)
	ActionInvalidRequest = newError("action", "invalid_request", "the action request was malformed", true, 400)

	ActorNotFound     = newError("actor", "not_found", "no actor exists with that id", true, 404)
	ActorDuplicateKey = newError("actor", "duplicate_key", "an actor with that name and key already exists", true, 409)
	ActorStopping     = newError("actor", "stopping", "the actor is sleeping or being destroyed", true, 409)
	ActorAborted      = newError("actor", "aborted", "the operation was aborted because the actor is stopping", true, 409)
	// ActorInternalError is never Public on the wire; ForClient substitutes
	// it for any non-public error outside development mode.
	ActorInternalError = newError("actor", "internal_error", "internal error", false, 500)

	QueueFull = newError("queue", "full", "the connection's inbound queue is full", true, 429)

	EncodingInvalid = newError("encoding", "invalid", "unsupported or unrecognized connection encoding", true, 400)

	MessageMalformed       = newError("message", "malformed", "the frame could not be decoded", true, 400)
	MessageIncomingTooLong = newError("message", "incoming_too_long", "incoming frame exceeds maxIncomingMessageSize", true, 413)
	MessageOutgoingTooLong = newError("message", "outgoing_too_long", "outgoing frame exceeds the configured size limit", true, 500)

	StateInvalidType = newError("state", "invalid_type", "persisted state has an unexpected shape or version", false, 500)

	AuthForbidden = newError("auth", "forbidden", "not authorized to perform this operation", true, 403)
)

// StaleGeneration is returned by persistence writes guarded against a
// create/destroy race (spec.md §4.A). Not part of the client-facing
// taxonomy table, but shares the same Error shape for uniform handling.
var StaleGeneration = newError("actor", "stale_generation", "write observed a generation that no longer matches the actor", false, 409)

// Internal, for converting an arbitrary error into the wire-safe form a
// client may see. When dev is false, non-public errors are collapsed to
// ActorInternalError so internal detail never leaks.
func ForClient(err error, dev bool) *Error {
	var ce *Error
	if asError(err, &ce) {
		if ce.Public || dev {
			return ce
		}
		return ActorInternalError.WithMetadata(map[string]any{"cause": ce.FullCode()})
	}
	if dev {
		return ActorInternalError.WithMetadata(map[string]any{"cause": err.Error()})
	}
	return ActorInternalError
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
