// Copyright (C) 2025 Canmi

// Package wire implements the binary frame protocol spoken over every
// stream. A frame is a fixed 16 byte little-endian header followed by a
// bounded body. Decoding is strict: unknown frame types, oversized
// lengths and truncated bodies are errors, never skipped, so a peer
// speaking a newer protocol revision fails loudly instead of being
// silently misparsed.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Protocol revision negotiated in the Handshake frame.
const Version = 3

const (
	// HeaderSize is the fixed size of the frame header on the wire.
	HeaderSize = 16

	// MaxPayload is the largest data payload a single block request or
	// response may carry.
	MaxPayload = 1 << 20

	// MaxBody bounds the whole frame body. Payload plus the request
	// fields that surround it. Anything larger is rejected before the
	// body is read so a malicious peer cannot make us allocate
	// unbounded memory.
	MaxBody = MaxPayload + 512
)

// Frame types. 0x01-0x10 are reserved for the protocol itself.
const (
	TypeHandshake     = 0x01
	TypeCapability    = 0x02
	TypeBlockRequest  = 0x03
	TypeBlockResponse = 0x04
	TypeError         = 0x05
	TypePing          = 0x06
	TypePong          = 0x07
)

// Frame flags.
const (
	// FlagFinal marks the last frame of a message sequence, e.g. the
	// last Capability frame of the handshake exchange.
	FlagFinal = 1 << 0

	// FlagFatal on an Error frame means the connection is dead and the
	// peer must not expect any further frames.
	FlagFatal = 1 << 1
)

var (
	ErrFrameTooLarge    = errors.New("wire: frame exceeds maximum size")
	ErrUnknownFrameType = errors.New("wire: unknown frame type")
	ErrMalformed        = errors.New("wire: malformed frame body")
)

// Frame is one protocol message. RequestID correlates responses with
// requests; within a stream it is strictly increasing on the request
// side and echoed verbatim on the response side.
type Frame struct {
	Type      uint8
	Flags     uint8
	RequestID uint64
	Body      []byte
}

// Final reports whether the final flag is set.
func (f *Frame) Final() bool {
	return f.Flags&FlagFinal != 0
}

// Fatal reports whether the fatal flag is set.
func (f *Frame) Fatal() bool {
	return f.Flags&FlagFatal != 0
}

func validType(t uint8) bool {
	return t >= TypeHandshake && t <= TypePong
}

// WriteFrame encodes f and writes it to w as a single contiguous
// buffer. A single Write call keeps the header and body in one QUIC
// stream frame for small messages.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Body) > MaxBody {
		return ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Body))
	buf[0] = f.Type
	buf[1] = f.Flags
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(f.Body)))
	binary.LittleEndian.PutUint64(buf[8:16], f.RequestID)
	copy(buf[HeaderSize:], f.Body)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from r. It returns io.EOF only on a
// clean boundary, i.e. when not even the first header byte was read.
// Any error other than io.EOF means the stream is poisoned and must be
// reset: a partially read frame is never accepted.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte

	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, fmt.Errorf("%w: truncated header", ErrMalformed)
		}
		return Frame{}, err
	}

	f := Frame{
		Type:      hdr[0],
		Flags:     hdr[1],
		RequestID: binary.LittleEndian.Uint64(hdr[8:16]),
	}

	if !validType(f.Type) {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, f.Type)
	}

	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length > MaxBody {
		return Frame{}, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, length)
	}

	if length > 0 {
		f.Body = make([]byte, length)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return Frame{}, fmt.Errorf("%w: truncated body", ErrMalformed)
		}
	}

	return f, nil
}
