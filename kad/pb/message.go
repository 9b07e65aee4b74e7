// Package pb defines the wire schema shared by every DHT message: the
// Message/Peer/Record triple from spec.md §6, field numbers fixed to match
// the upstream protocol. Marshal/Unmarshal are hand-written against
// google.golang.org/protobuf's low-level wire primitives rather than
// generated from a .proto file, since the schema is small, stable, and
// shared by exactly one package.
package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType enumerates the four external operations plus FIND_NODE/PING.
type MessageType int32

const (
	MessageTypePutValue      MessageType = 0
	MessageTypeGetValue      MessageType = 1
	MessageTypeAddProvider   MessageType = 2
	MessageTypeGetProviders  MessageType = 3
	MessageTypeFindNode      MessageType = 4
	MessageTypePing          MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePutValue:
		return "PUT_VALUE"
	case MessageTypeGetValue:
		return "GET_VALUE"
	case MessageTypeAddProvider:
		return "ADD_PROVIDER"
	case MessageTypeGetProviders:
		return "GET_PROVIDERS"
	case MessageTypeFindNode:
		return "FIND_NODE"
	case MessageTypePing:
		return "PING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// ConnectionType mirrors the Peer.connection enum; the exact values are a
// libp2p connection-manager concern (out of scope, spec.md §1) so this core
// only needs to round-trip whatever value it's given.
type ConnectionType int32

// Peer is a closer-peer or provider-peer reference carried on the wire.
type Peer struct {
	ID         []byte
	Addrs      [][]byte
	Connection ConnectionType
}

// Record is a signed value stored under a key, plus a freeform received
// timestamp (format and signature scheme are validator concerns).
type Record struct {
	Key          []byte
	Value        []byte
	TimeReceived string
}

// Message is the single wire envelope used by every DHT RPC.
type Message struct {
	Type            MessageType
	Key             []byte
	Record          *Record
	ClusterLevelRaw int32
	CloserPeers     []Peer
	ProviderPeers   []Peer
}

const (
	fieldMessageType            = 1
	fieldMessageKey             = 2
	fieldMessageRecord          = 3
	fieldMessageClusterLevelRaw = 8
	fieldMessageCloserPeers     = 9
	fieldMessageProviderPeers   = 10

	fieldPeerID         = 1
	fieldPeerAddrs      = 2
	fieldPeerConnection = 3

	fieldRecordKey          = 1
	fieldRecordValue        = 2
	fieldRecordTimeReceived = 5
)

// Marshal encodes m to its protobuf wire representation.
func (m *Message) Marshal() []byte {
	var b []byte
	if m.Type != 0 {
		b = protowire.AppendTag(b, fieldMessageType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Type))
	}
	if len(m.Key) > 0 {
		b = protowire.AppendTag(b, fieldMessageKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Key)
	}
	if m.Record != nil {
		b = protowire.AppendTag(b, fieldMessageRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Record.Marshal())
	}
	if m.ClusterLevelRaw != 0 {
		b = protowire.AppendTag(b, fieldMessageClusterLevelRaw, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.ClusterLevelRaw)))
	}
	for _, p := range m.CloserPeers {
		b = protowire.AppendTag(b, fieldMessageCloserPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Marshal())
	}
	for _, p := range m.ProviderPeers {
		b = protowire.AppendTag(b, fieldMessageProviderPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Marshal())
	}
	return b
}

// Unmarshal decodes b into m, which is zeroed first.
func (m *Message) Unmarshal(b []byte) error {
	*m = Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldMessageType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Type = MessageType(v)
			b = b[n:]
		case fieldMessageKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Key = append([]byte(nil), v...)
			b = b[n:]
		case fieldMessageRecord:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			rec := &Record{}
			if err := rec.Unmarshal(v); err != nil {
				return err
			}
			m.Record = rec
			b = b[n:]
		case fieldMessageClusterLevelRaw:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ClusterLevelRaw = int32(int64(v))
			b = b[n:]
		case fieldMessageCloserPeers:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			var p Peer
			if err := p.Unmarshal(v); err != nil {
				return err
			}
			m.CloserPeers = append(m.CloserPeers, p)
			b = b[n:]
		case fieldMessageProviderPeers:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			var p Peer
			if err := p.Unmarshal(v); err != nil {
				return err
			}
			m.ProviderPeers = append(m.ProviderPeers, p)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// Marshal encodes p to its protobuf wire representation.
func (p *Peer) Marshal() []byte {
	var b []byte
	if len(p.ID) > 0 {
		b = protowire.AppendTag(b, fieldPeerID, protowire.BytesType)
		b = protowire.AppendBytes(b, p.ID)
	}
	for _, a := range p.Addrs {
		b = protowire.AppendTag(b, fieldPeerAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	if p.Connection != 0 {
		b = protowire.AppendTag(b, fieldPeerConnection, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Connection))
	}
	return b
}

// Unmarshal decodes b into p, which is zeroed first.
func (p *Peer) Unmarshal(b []byte) error {
	*p = Peer{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldPeerID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			p.ID = append([]byte(nil), v...)
			b = b[n:]
		case fieldPeerAddrs:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			p.Addrs = append(p.Addrs, append([]byte(nil), v...))
			b = b[n:]
		case fieldPeerConnection:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			p.Connection = ConnectionType(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// Marshal encodes r to its protobuf wire representation.
func (r *Record) Marshal() []byte {
	var b []byte
	if len(r.Key) > 0 {
		b = protowire.AppendTag(b, fieldRecordKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Key)
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, fieldRecordValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	if r.TimeReceived != "" {
		b = protowire.AppendTag(b, fieldRecordTimeReceived, protowire.BytesType)
		b = protowire.AppendString(b, r.TimeReceived)
	}
	return b
}

// Unmarshal decodes b into r, which is zeroed first.
func (r *Record) Unmarshal(b []byte) error {
	*r = Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldRecordKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.Key = append([]byte(nil), v...)
			b = b[n:]
		case fieldRecordValue:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.Value = append([]byte(nil), v...)
			b = b[n:]
		case fieldRecordTimeReceived:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.TimeReceived = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
