// Package session implements C7 of spec.md: the duplex websocket
// gateway that multiplexes query/subscribe/insert/update/delete
// requests from one client connection over length-delimited JSON
// frames correlated by client-chosen id.
//
// Grounded on eventsync.WebSocketClient/WebSocketHandler
// (websocket_client.go): the same per-connection receiveLoop
// goroutine, mutex-guarded writes, and ctx/cancel cooperative
// shutdown, generalized from a single "sync" message type to the full
// frame-type dispatch table spec.md §6 specifies.
package session

import "encoding/json"

// FrameType is the wire discriminator spec.md §6 names for each
// client request / server response kind.
type FrameType string

const (
	FrameQuery            FrameType = "query"
	FrameSubscribe        FrameType = "subscribe"
	FrameUnsubscribe      FrameType = "unsubscribe"
	FrameInsert           FrameType = "insert"
	FrameUpdate           FrameType = "update"
	FrameDelete           FrameType = "delete"
	FrameListCollections  FrameType = "list_collections"
	FramePing             FrameType = "ping"
	FrameResult           FrameType = "result"
	FrameError            FrameType = "error"
	FrameSubscribed       FrameType = "subscribed"
	FrameUnsubscribed     FrameType = "unsubscribed"
	FrameChange           FrameType = "change"
	FramePong             FrameType = "pong"
)

// Frame is the envelope every wire message shares: a client-chosen
// correlation id and a type-specific payload. Inbound frames populate
// Query/Collection/Data/DocumentID/SubscriptionID depending on Type;
// outbound frames populate Result/Error/Change.
type Frame struct {
	ID   string    `json:"id"`
	Type FrameType `json:"type"`

	// Inbound fields.
	Query          string          `json:"query,omitempty"`
	Collection     string          `json:"collection,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	DocumentID     string          `json:"document_id,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`

	// Outbound fields.
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
	Change  *ChangePayload  `json:"change,omitempty"`
}

// ErrorPayload carries the taxonomy kind (protoerr.Kind) and a
// human-readable message, per spec.md §7.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ChangePayload is one live-match delivery pushed to a subscribed
// client: Type is one of initial/insert/update/delete, New carries
// the post-change document (initial/insert/update) and Old the
// pre-change document (update/delete). The enclosing Frame's ID
// echoes the subscription's id.
type ChangePayload struct {
	Type string          `json:"type"`
	New  json.RawMessage `json:"new,omitempty"`
	Old  json.RawMessage `json:"old,omitempty"`
	// Patch is an RFC 7396 JSON merge patch from Old to New, present
	// only on update deliveries, for clients that would rather apply a
	// diff than replace their local copy.
	Patch   json.RawMessage `json:"patch,omitempty"`
	Overrun bool            `json:"overrun,omitempty"`
}
