package netio

import "github.com/nmxmxh/kadmesh/kad/pb"

// EventKind tags a QueryEvent's variant, matching spec.md §4.4's closed set
// of event variants (typed tagged-variant event stream instead of dynamic
// dispatch).
type EventKind int

const (
	EventDialingPeer EventKind = iota
	EventSendingQuery
	EventPeerResponse
	EventQueryError
)

func (k EventKind) String() string {
	switch k {
	case EventDialingPeer:
		return "dialing_peer"
	case EventSendingQuery:
		return "sending_query"
	case EventPeerResponse:
		return "peer_response"
	case EventQueryError:
		return "query_error"
	default:
		return "unknown"
	}
}

// ErrorClass distinguishes why a stream attempt failed, so the query engine
// can tell an abort apart from a dial failure or protocol mismatch.
type ErrorClass int

const (
	ErrClassUnknown ErrorClass = iota
	ErrClassAborted
	ErrClassDialFailed
	ErrClassTimeout
	ErrClassStreamReset
	ErrClassProtocolMismatch
)

// QueryEvent is one event emitted from a send_request call, per spec.md
// §4.4. Only one of the payload fields is meaningful, keyed by Kind.
type QueryEvent struct {
	Kind EventKind
	From string

	// EventPeerResponse
	Type      pb.MessageType
	Closer    []pb.Peer
	Providers []pb.Peer
	Record    *pb.Record

	// EventQueryError
	Err      error
	ErrClass ErrorClass
}
