package query

import "github.com/nmxmxh/kadmesh/kad/pb"

// EventKind tags a lookup Event's variant — spec.md §4.5's closed set of
// event variants.
type EventKind int

const (
	EventPeerResponse EventKind = iota
	EventValueFound
	EventProviderFound
	EventFinishPath
	EventQueryError
)

func (k EventKind) String() string {
	switch k {
	case EventPeerResponse:
		return "peer_response"
	case EventValueFound:
		return "value_found"
	case EventProviderFound:
		return "provider_found"
	case EventFinishPath:
		return "finish_path"
	case EventQueryError:
		return "query_error"
	default:
		return "unknown"
	}
}

// Event is one item in the engine's lazy output sequence.
type Event struct {
	Kind EventKind
	From string
	Path int

	Type   pb.MessageType
	Closer []pb.Peer

	Value    []byte
	Record   *pb.Record
	Provider pb.Peer

	Err error
}
