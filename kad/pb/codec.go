package pb

import (
	"bufio"
	"io"

	"github.com/multiformats/go-varint"

	"github.com/nmxmxh/kadmesh/kad/errs"
)

// MaxMessageSize is the largest encoded message the wire codec accepts,
// per spec.md §4.6 ("oversize messages (>16 KiB) are refused").
const MaxMessageSize = 16 * 1024

// WriteMessage length-prefix-frames m with an unsigned varint and writes it
// to w in a single call, matching spec.md §6's framing rule.
func WriteMessage(w io.Writer, m *Message) error {
	body := m.Marshal()
	if len(body) > MaxMessageSize {
		return errs.ErrOversizeMessage
	}
	prefixed := varint.ToUvarint(uint64(len(body)))
	_, err := w.Write(append(prefixed, body...))
	return err
}

// ReadMessage reads exactly one length-prefixed message from r. r is
// wrapped in a bufio.Reader so the varint prefix can be read byte-by-byte
// without issuing a syscall per byte; callers open one stream per request
// so there is nothing after the message to over-buffer.
func ReadMessage(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)
	size, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if size > MaxMessageSize {
		return nil, errs.ErrOversizeMessage
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	m := &Message{}
	if err := m.Unmarshal(buf); err != nil {
		return nil, err
	}
	return m, nil
}
