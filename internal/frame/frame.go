// Package frame implements the 16-byte framed message codec used over the
// adapter's bulk USB endpoints.
//
// Wire layout: magic(4,LE) | length(4,LE) | type(4,LE) | checksum(4,LE),
// followed by payload[length]. checksum must equal type XOR 0xFFFFFFFF;
// frames that fail this check are rejected rather than dispatched.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic is the fixed 4-byte frame sync word.
	Magic uint32 = 0x55AA55AA

	// HeaderSize is the size in bytes of the fixed frame header.
	HeaderSize = 16

	// MaxPayload is the largest payload a single frame may carry. Pinned at
	// 1 MiB per spec (some scattered source constants say 8 KB; video frames
	// require the larger bound, so 1 MiB is used everywhere).
	MaxPayload = 1 << 20
)

// ErrPayloadTooLarge is returned by Encode when payload exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("frame: payload exceeds MaxPayload")

// checksum returns the expected checksum for a given message type.
func checksum(msgType uint32) uint32 {
	return msgType ^ 0xFFFFFFFF
}

// Encode writes the 16-byte header for msgType/payload followed by payload
// itself, appending to dst and returning the extended slice. It enforces
// len(payload) <= MaxPayload.
func Encode(dst []byte, msgType uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}

	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[8:12], msgType)
	binary.LittleEndian.PutUint32(hdr[12:16], checksum(msgType))

	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst, nil
}

// Frame is a decoded message: its type and payload bytes (payload is a
// fresh copy owned by the caller; later calls to Decoder.Next do not
// overwrite it).
type Frame struct {
	Type    uint32
	Payload []byte
}

// ByteSource is the minimal read interface a Decoder needs. usbtransport's
// read loop and any io.Reader satisfy it.
type ByteSource interface {
	// Read returns the next chunk of bytes read from the transport. It may
	// return fewer bytes than requested; a zero-length, nil-error result
	// means "try again" (e.g. a retriable transport timeout).
	Read(p []byte) (n int, err error)
}

// Decoder accumulates bytes from a ByteSource and yields frames, resyncing
// past corrupt data by scanning for the next magic word. It never panics.
type Decoder struct {
	src ByteSource
	buf []byte // unconsumed bytes, grows as needed

	// ResyncCount counts how many times a corrupt frame forced a magic-word
	// rescan. Exposed for diagnostics; the session does not read it, and
	// resyncs are not logged.
	ResyncCount uint64

	chunk []byte // reused scratch buffer for Read calls
}

// NewDecoder returns a Decoder reading from src.
func NewDecoder(src ByteSource) *Decoder {
	return &Decoder{src: src, chunk: make([]byte, 64*1024)}
}

// ErrRetry signals a transient read that yielded no new bytes; the caller
// (usually the session's read loop) should call Next again rather than
// treat this as a transport failure.
var ErrRetry = errors.New("frame: no data yet")

// Next reads from the ByteSource until a full, checksum-valid frame is
// available, and returns it. A Read that yields no bytes makes Next return
// ErrRetry, and a Read error is returned as is. Corrupt frames are silently skipped
// after a resync; Next never returns a corrupt frame and never panics on
// malformed input.
func (d *Decoder) Next() (Frame, error) {
	for {
		if f, ok := d.tryParse(); ok {
			return f, nil
		}

		n, err := d.src.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
		}
		if err != nil {
			return Frame{}, err
		}
		if n == 0 {
			return Frame{}, ErrRetry
		}
	}
}

// tryParse attempts to extract one valid frame from d.buf. It returns
// ok=false when more bytes are needed. Any bytes preceding a valid magic
// word are discarded (a resync) and ResyncCount is incremented once per
// resync event.
func (d *Decoder) tryParse() (Frame, bool) {
	for {
		idx := findMagic(d.buf)
		if idx < 0 {
			// No magic anywhere in the buffer; keep only the last 3 bytes
			// (a partial magic word might span the next read) and wait.
			if len(d.buf) > 3 {
				d.ResyncCount++
				d.buf = d.buf[len(d.buf)-3:]
			}
			return Frame{}, false
		}
		if idx > 0 {
			// Bytes before the magic are garbage; drop them and resync.
			d.ResyncCount++
			d.buf = d.buf[idx:]
		}

		if len(d.buf) < HeaderSize {
			return Frame{}, false
		}

		length := binary.LittleEndian.Uint32(d.buf[4:8])
		msgType := binary.LittleEndian.Uint32(d.buf[8:12])
		sum := binary.LittleEndian.Uint32(d.buf[12:16])

		if length > MaxPayload || sum != checksum(msgType) {
			// Corrupt header: drop just the magic word's first byte and
			// rescan, rather than the whole buffer, so a false-positive
			// magic match inside real payload data doesn't cost us a full
			// frame's worth of bytes.
			d.buf = d.buf[1:]
			continue
		}

		total := HeaderSize + int(length)
		if len(d.buf) < total {
			return Frame{}, false
		}

		payload := make([]byte, length)
		copy(payload, d.buf[HeaderSize:total])
		d.buf = d.buf[total:]
		return Frame{Type: msgType, Payload: payload}, true
	}
}

// findMagic returns the index of the first occurrence of the little-endian
// Magic word in buf, or -1 if not present.
func findMagic(buf []byte) int {
	if len(buf) < 4 {
		return -1
	}
	var want [4]byte
	binary.LittleEndian.PutUint32(want[:], Magic)
	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] == want[0] && buf[i+1] == want[1] && buf[i+2] == want[2] && buf[i+3] == want[3] {
			return i
		}
	}
	return -1
}
