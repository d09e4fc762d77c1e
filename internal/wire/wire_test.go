// Copyright (C) 2025 Canmi

package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	assert := assert.New(t)

	frames := []Frame{
		{Type: TypePing, RequestID: 1},
		{Type: TypeHandshake, Flags: FlagFinal, RequestID: 0, Body: []byte{3, 0, 0, 0}},
		{Type: TypeBlockRequest, RequestID: 1<<64 - 1, Body: bytes.Repeat([]byte{0xab}, MaxBody)},
		{Type: TypeError, Flags: FlagFatal | FlagFinal, RequestID: 42, Body: []byte{8, 'b', 'o', 'o', 'm'}},
	}

	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	for _, want := range frames {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(want.Type, got.Type)
		assert.Equal(want.Flags, got.Flags)
		assert.Equal(want.RequestID, got.RequestID)
		assert.Equal(want.Body, got.Body)
	}

	_, err := ReadFrame(&buf)
	assert.Equal(io.EOF, err)
}

func TestFrameTooLarge(t *testing.T) {
	assert := assert.New(t)

	err := WriteFrame(io.Discard, Frame{Type: TypeBlockRequest, Body: make([]byte, MaxBody+1)})
	assert.ErrorIs(err, ErrFrameTooLarge)

	// A header declaring an oversized body must be rejected before any
	// body byte is consumed.
	hdr := make([]byte, HeaderSize)
	hdr[0] = TypeBlockRequest
	binary.LittleEndian.PutUint32(hdr[4:8], MaxBody+1)

	_, err = ReadFrame(bytes.NewReader(hdr))
	assert.ErrorIs(err, ErrFrameTooLarge)
}

func TestFrameUnknownType(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	hdr[0] = 0x7f

	_, err := ReadFrame(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrUnknownFrameType)
}

func TestFrameTruncated(t *testing.T) {
	assert := assert.New(t)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: TypePong, RequestID: 7, Body: []byte("pong")}))

	// Cut the frame mid-header and mid-body; both are malformed, not EOF.
	raw := buf.Bytes()

	_, err := ReadFrame(bytes.NewReader(raw[:HeaderSize-3]))
	assert.ErrorIs(err, ErrMalformed)

	_, err = ReadFrame(bytes.NewReader(raw[:HeaderSize+2]))
	assert.ErrorIs(err, ErrMalformed)
}

func TestHandshakeRoundTrip(t *testing.T) {
	assert := assert.New(t)

	h := Handshake{
		Version: Version,
		Claims: []Claim{
			{Partition: "sdb1", Mode: AccessWrite},
			{Partition: "vdisk-archive", Mode: AccessRead},
		},
	}

	body, err := h.Encode()
	require.NoError(t, err)

	got, err := DecodeHandshake(body)
	require.NoError(t, err)
	assert.Equal(h, got)

	// Trailing garbage is a protocol violation.
	_, err = DecodeHandshake(append(body, 0))
	assert.ErrorIs(err, ErrMalformed)
}

func TestCapabilityRoundTrip(t *testing.T) {
	assert := assert.New(t)

	c := Capability{
		Partition: "sdb1",
		BlockSize: 4096,
		Size:      100 << 20,
		ReadOnly:  false,
		Granted:   AccessWrite,
	}

	body, err := c.Encode()
	require.NoError(t, err)

	got, err := DecodeCapability(body)
	require.NoError(t, err)
	assert.Equal(c, got)
}

func TestBlockRequestRoundTrip(t *testing.T) {
	assert := assert.New(t)

	reqs := []BlockRequest{
		{Op: OpRead, Partition: "sdb1", Offset: 4096, Length: 8192},
		{Op: OpWrite, Partition: "sdb1", Offset: 0, Length: 4, DeadlineMs: 250, Payload: []byte("data")},
		{Op: OpFlush, Partition: "p"},
		{Op: OpTrim, Partition: "sdb1", Offset: 1 << 30, Length: 1 << 20},
	}

	for _, want := range reqs {
		body, err := want.Encode()
		require.NoError(t, err)

		got, err := DecodeBlockRequest(body)
		require.NoError(t, err)
		assert.Equal(want, got)
	}
}

func TestBlockRequestMalformed(t *testing.T) {
	assert := assert.New(t)

	// Write whose declared length disagrees with its payload.
	r := BlockRequest{Op: OpWrite, Partition: "sdb1", Length: 8, Payload: []byte("data")}
	body, err := r.Encode()
	require.NoError(t, err)
	_, err = DecodeBlockRequest(body)
	assert.ErrorIs(err, ErrMalformed)

	// Read carrying a payload.
	r = BlockRequest{Op: OpRead, Partition: "sdb1", Length: 4}
	body, err = r.Encode()
	require.NoError(t, err)
	_, err = DecodeBlockRequest(append(body, 'x'))
	assert.ErrorIs(err, ErrMalformed)

	// Unknown op code.
	r = BlockRequest{Op: 9, Partition: "sdb1"}
	body, err = r.Encode()
	require.NoError(t, err)
	_, err = DecodeBlockRequest(body)
	assert.ErrorIs(err, ErrMalformed)
}

func TestBlockResponseRoundTrip(t *testing.T) {
	assert := assert.New(t)

	for _, want := range []BlockResponse{
		{Status: StatusOK, Payload: []byte{1, 2, 3}},
		{Status: StatusOutOfRange},
		{Status: StatusDeviceError},
	} {
		body, err := want.Encode()
		require.NoError(t, err)

		got, err := DecodeBlockResponse(body)
		require.NoError(t, err)
		assert.Equal(want, got)
	}
}

func TestFaultRoundTrip(t *testing.T) {
	f := Fault{Code: StatusConflict, Detail: "partition sdb1 is write-locked"}

	body, err := f.Encode()
	require.NoError(t, err)

	got, err := DecodeFault(body)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}
