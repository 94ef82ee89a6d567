package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout: <stream:uint32><flags:uint8><length:uint32><payload>
const (
	headerSize = 9

	flagSYN byte = 1 << 0 // opens a stream, may carry data
	flagFIN byte = 1 << 1 // sender will write no more data on the stream
	flagRST byte = 1 << 2 // stream aborted

	knownFlags = flagSYN | flagFIN | flagRST

	DefaultMaxFrameSize = 16 << 10

	// Oversized frames up to this length are skipped so the session can continue;
	// anything larger cannot be resynchronised cheaply and kills the session.
	maxDiscard = 1 << 20
)

var (
	ErrSessionClosed = errors.New("mux: session closed")
	ErrStreamClosed  = errors.New("mux: stream closed for writing")
	ErrStreamReset   = errors.New("mux: stream reset")
	ErrAcceptBacklog = errors.New("mux: accept backlog full")
)

// FramingError reports an oversized or malformed frame. The offending stream is reset; the
// session itself continues.
type FramingError struct {
	Stream uint32
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("mux: framing error on stream %d: %s", e.Stream, e.Reason)
}

type header struct {
	stream uint32
	flags  byte
	length uint32
}

func (h header) String() string {
	return fmt.Sprintf("frame{stream=%d flags=%03b len=%d}", h.stream, h.flags, h.length)
}

func encodeFrame(dst []byte, h header, payload []byte) []byte {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], h.stream)
	hdr[4] = h.flags
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

func readHeader(r io.Reader) (header, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return header{}, err
	}
	return header{
		stream: binary.BigEndian.Uint32(hdr[0:4]),
		flags:  hdr[4],
		length: binary.BigEndian.Uint32(hdr[5:9]),
	}, nil
}
