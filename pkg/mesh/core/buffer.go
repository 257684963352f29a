// Package core implements the connection, routing, topology, time-sync, and
// plugin-dispatch layers of painlessMesh: the three tightly coupled
// subsystems spec.md §1 calls "the hard engineering" (minus OTA, which lives
// in pkg/mesh/ota as a Dispatch consumer).
//
// Ownership follows DESIGN NOTES §9: Router/Topology own Connection objects
// by strong reference; a Connection never holds a pointer back to its
// owner, only a stable types.ConnID resolved back through Router when
// needed. This keeps the object graph acyclic, unlike the teacher's
// Peer/Deliver back-pointer pair.
package core

import (
	"bytes"
	"fmt"

	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

const delimiter = byte(0)

// Buffer frames a `\0`-delimited JSON message on a byte stream per
// spec.md §4.1: each message is `\0` + UTF-8 JSON + `\0`. The decoder is
// resumable — Feed may be called with bytes split at arbitrary points — and
// discards empty runs and any accumulation that grows past the size cap.
type Buffer struct {
	acc      bytes.Buffer
	cap      int
	overflow bool
}

// NewBuffer creates a Buffer that rejects accumulations larger than cap
// bytes (spec.md §3's MaxMessageSize when cap <= 0).
func NewBuffer(cap int) *Buffer {
	if cap <= 0 {
		cap = types.MaxMessageSize
	}
	return &Buffer{cap: cap}
}

// Feed appends data to the buffer and returns every complete message framed
// by it, in order. A receiver accumulates bytes; on reaching a `\0` that
// follows a non-empty run, the intervening bytes are emitted as one message;
// leading/trailing `\0`s and empty messages are discarded silently.
//
// If an accumulation exceeds the configured cap before a terminating `\0` is
// seen, Feed resets the buffer and returns ErrMessageTooLarge; the caller
// (Connection) is responsible for deciding whether to close the transport.
func (b *Buffer) Feed(data []byte) ([][]byte, error) {
	var out [][]byte
	for _, c := range data {
		if c == delimiter {
			if b.acc.Len() > 0 {
				msg := make([]byte, b.acc.Len())
				copy(msg, b.acc.Bytes())
				out = append(out, msg)
				b.acc.Reset()
			}
			continue
		}

		if b.acc.Len() >= b.cap {
			b.acc.Reset()
			return out, fmt.Errorf("buffer: accumulated %d bytes without delimiter: %w", b.cap, types.ErrMessageTooLarge)
		}
		b.acc.WriteByte(c)
	}
	return out, nil
}

// Frame wraps a serialized message with its delimiters for writing to the
// transport.
func Frame(payload []byte) []byte {
	framed := make([]byte, 0, len(payload)+2)
	framed = append(framed, delimiter)
	framed = append(framed, payload...)
	framed = append(framed, delimiter)
	return framed
}
