// Package protocol implements the Message Pipeline (spec.md §4.G): the
// ToServer/ToClient wire types, the json/cbor/bare codecs that move between
// wire bytes and those types, and the dispatcher that turns a decoded
// ToServer message into an actor.Instance call and a ToClient response.
package protocol

// ToServer is exactly one of ActionRequest or SubscriptionRequest (spec.md
// §6 "a ToServer message has exactly one of two shapes").
type ToServer struct {
	Action       *ActionRequest
	Subscription *SubscriptionRequest
}

// ActionRequest dispatches to a named action. Id MUST round-trip unchanged
// onto the matching ActionResponse or Error (spec.md §4.G).
type ActionRequest struct {
	ID   uint64
	Name string
	Args any
}

// SubscriptionRequest toggles membership in an event's subscriber set.
type SubscriptionRequest struct {
	EventName string
	Subscribe bool
}

// ToClient is exactly one of ActionResponse, Error, or Event.
type ToClient struct {
	ActionResponse *ActionResponse
	Error          *WireError
	Event          *Event
}

// ActionResponse answers a successful ActionRequest with the same Id.
type ActionResponse struct {
	ID     uint64
	Output any
}

// WireError is the on-wire shape of a colonyerr.Error (spec.md §6 Error
// taxonomy). ActionID is set only when the error is in response to a
// specific ActionRequest.
type WireError struct {
	Group    string
	Code     string
	Message  string
	Metadata map[string]any
	ActionID *uint64
}

// Event is an application-level push, unprompted by any client request
// (e.g. a broadcast). Payload is the already-JSON-marshaled application
// value the actor passed to Conn.Send/Manager.Broadcast; see codec.go for
// how each encoding re-expresses it.
type Event struct {
	Name    string
	Payload []byte
}
