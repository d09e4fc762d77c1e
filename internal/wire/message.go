// Copyright (C) 2025 Canmi

package wire

import (
	"encoding/binary"
	"fmt"
)

// Block operation codes. Numbering follows the NBD command set so
// traces read familiar; Disc (2) is unused, close is a transport
// concern here.
const (
	OpRead  = 0
	OpWrite = 1
	OpFlush = 3
	OpTrim  = 4
)

// AccessMode is the access a session claims on a partition.
type AccessMode uint8

const (
	AccessNone AccessMode = 0
	AccessRead AccessMode = 1
	// AccessWrite implies read. At most one session holds it per
	// partition.
	AccessWrite AccessMode = 2
)

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "none"
	}
}

// Status is the typed result of a block request, carried in the first
// body byte of every BlockResponse.
type Status uint8

const (
	StatusOK               Status = 0
	StatusOutOfRange       Status = 1
	StatusPermissionDenied Status = 2
	StatusConflict         Status = 3
	StatusNotFound         Status = 4
	StatusTimeout          Status = 5
	StatusCancelled        Status = 6
	StatusDeviceError      Status = 7
	StatusInternal         Status = 8
	StatusOverloaded       Status = 9
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusOutOfRange:
		return "out-of-range"
	case StatusPermissionDenied:
		return "permission-denied"
	case StatusConflict:
		return "conflict"
	case StatusNotFound:
		return "not-found"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	case StatusDeviceError:
		return "device-error"
	case StatusOverloaded:
		return "overloaded"
	default:
		return "internal"
	}
}

// Handshake is the first frame on the control stream. The client states
// its protocol version and the partitions it wants access to; the
// server echoes the version it selected and follows up with Capability
// frames.
type Handshake struct {
	Version uint16
	Claims  []Claim
}

// Claim is one partition access request inside a Handshake.
type Claim struct {
	Partition string
	Mode      AccessMode
}

// Capability advertises one bound partition to a session, including the
// access mode that was actually granted. Granted AccessNone together
// with a non-final frame is a revocation notice for a partition that
// was unbound while the session held it.
type Capability struct {
	Partition string
	BlockSize uint32
	Size      uint64
	ReadOnly  bool
	Granted   AccessMode
}

// BlockRequest is the unit of remote I/O against one partition.
// DeadlineMs of zero means no deadline.
type BlockRequest struct {
	Op         uint8
	Partition  string
	Offset     uint64
	Length     uint32
	DeadlineMs uint32
	Payload    []byte
}

// BlockResponse answers a BlockRequest. Payload is only present for a
// successful read.
type BlockResponse struct {
	Status  Status
	Payload []byte
}

// Fault is the body of an Error frame.
type Fault struct {
	Code   Status
	Detail string
}

// putString appends a length-prefixed identifier. Identifiers are
// bounded at 255 bytes by the u8 prefix.
func putString(buf []byte, s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, fmt.Errorf("%w: identifier longer than 255 bytes", ErrMalformed)
	}
	buf = append(buf, uint8(len(s)))
	return append(buf, s...), nil
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", nil, fmt.Errorf("%w: missing identifier length", ErrMalformed)
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return "", nil, fmt.Errorf("%w: truncated identifier", ErrMalformed)
	}
	return string(buf[1 : 1+n]), buf[1+n:], nil
}

func (h *Handshake) Encode() ([]byte, error) {
	buf := make([]byte, 4, 4+8*len(h.Claims))
	binary.LittleEndian.PutUint16(buf[0:2], h.Version)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(h.Claims)))

	var err error
	for _, c := range h.Claims {
		if buf, err = putString(buf, c.Partition); err != nil {
			return nil, err
		}
		buf = append(buf, uint8(c.Mode))
	}

	return buf, nil
}

func DecodeHandshake(body []byte) (Handshake, error) {
	if len(body) < 4 {
		return Handshake{}, fmt.Errorf("%w: short handshake", ErrMalformed)
	}

	h := Handshake{Version: binary.LittleEndian.Uint16(body[0:2])}
	count := int(binary.LittleEndian.Uint16(body[2:4]))
	body = body[4:]

	var err error
	for i := 0; i < count; i++ {
		var c Claim
		if c.Partition, body, err = getString(body); err != nil {
			return Handshake{}, err
		}
		if len(body) < 1 {
			return Handshake{}, fmt.Errorf("%w: truncated claim", ErrMalformed)
		}
		c.Mode = AccessMode(body[0])
		body = body[1:]
		h.Claims = append(h.Claims, c)
	}

	if len(body) != 0 {
		return Handshake{}, fmt.Errorf("%w: trailing bytes after handshake", ErrMalformed)
	}

	return h, nil
}

func (c *Capability) Encode() ([]byte, error) {
	buf, err := putString(make([]byte, 0, 16+len(c.Partition)), c.Partition)
	if err != nil {
		return nil, err
	}

	buf = binary.LittleEndian.AppendUint32(buf, c.BlockSize)
	buf = binary.LittleEndian.AppendUint64(buf, c.Size)

	var ro uint8
	if c.ReadOnly {
		ro = 1
	}
	buf = append(buf, ro, uint8(c.Granted))

	return buf, nil
}

func DecodeCapability(body []byte) (Capability, error) {
	var c Capability
	var err error

	if c.Partition, body, err = getString(body); err != nil {
		return Capability{}, err
	}
	if len(body) != 14 {
		return Capability{}, fmt.Errorf("%w: capability body", ErrMalformed)
	}

	c.BlockSize = binary.LittleEndian.Uint32(body[0:4])
	c.Size = binary.LittleEndian.Uint64(body[4:12])
	c.ReadOnly = body[12] != 0
	c.Granted = AccessMode(body[13])

	return c, nil
}

func (r *BlockRequest) Encode() ([]byte, error) {
	if len(r.Payload) > MaxPayload {
		return nil, ErrFrameTooLarge
	}

	buf, err := putString(make([]byte, 0, 32+len(r.Partition)+len(r.Payload)), r.Partition)
	if err != nil {
		return nil, err
	}

	buf = append(buf, r.Op)
	buf = binary.LittleEndian.AppendUint64(buf, r.Offset)
	buf = binary.LittleEndian.AppendUint32(buf, r.Length)
	buf = binary.LittleEndian.AppendUint32(buf, r.DeadlineMs)

	return append(buf, r.Payload...), nil
}

func DecodeBlockRequest(body []byte) (BlockRequest, error) {
	var r BlockRequest
	var err error

	if r.Partition, body, err = getString(body); err != nil {
		return BlockRequest{}, err
	}
	if len(body) < 17 {
		return BlockRequest{}, fmt.Errorf("%w: short block request", ErrMalformed)
	}

	r.Op = body[0]
	r.Offset = binary.LittleEndian.Uint64(body[1:9])
	r.Length = binary.LittleEndian.Uint32(body[9:13])
	r.DeadlineMs = binary.LittleEndian.Uint32(body[13:17])
	body = body[17:]

	switch r.Op {
	case OpWrite:
		if uint32(len(body)) != r.Length {
			return BlockRequest{}, fmt.Errorf("%w: write payload length mismatch", ErrMalformed)
		}
		r.Payload = body
	case OpRead, OpFlush, OpTrim:
		if len(body) != 0 {
			return BlockRequest{}, fmt.Errorf("%w: unexpected payload for op %d", ErrMalformed, r.Op)
		}
	default:
		return BlockRequest{}, fmt.Errorf("%w: unknown op %d", ErrMalformed, r.Op)
	}

	return r, nil
}

func (r *BlockResponse) Encode() ([]byte, error) {
	if len(r.Payload) > MaxPayload {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, 1, 1+len(r.Payload))
	buf[0] = uint8(r.Status)

	return append(buf, r.Payload...), nil
}

func DecodeBlockResponse(body []byte) (BlockResponse, error) {
	if len(body) < 1 {
		return BlockResponse{}, fmt.Errorf("%w: empty block response", ErrMalformed)
	}

	r := BlockResponse{Status: Status(body[0])}
	if len(body) > 1 {
		r.Payload = body[1:]
	}

	return r, nil
}

func (f *Fault) Encode() ([]byte, error) {
	buf := make([]byte, 1, 1+len(f.Detail))
	buf[0] = uint8(f.Code)

	return append(buf, f.Detail...), nil
}

func DecodeFault(body []byte) (Fault, error) {
	if len(body) < 1 {
		return Fault{}, fmt.Errorf("%w: empty error body", ErrMalformed)
	}

	return Fault{Code: Status(body[0]), Detail: string(body[1:])}, nil
}
