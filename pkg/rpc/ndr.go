package rpc

import (
	"encoding/binary"
	"fmt"
)

// NDRHeader is the 20-byte Network Data Representation argument prelude
// that must precede every PNIO block payload. Omitting it causes
// conformant device stacks to silently drop the request.
type NDRHeader struct {
	ArgsMaximum uint32
	ArgsLength  uint32
	MaxCount    uint32
	Offset      uint32
	ActualCount uint32
}

// NewNDRHeader builds the NDR prelude for a payload of the given length,
// using payloadLen as both the negotiated ceiling and the actual count —
// the normal case for a single, unfragmented call.
func NewNDRHeader(payloadLen int) NDRHeader {
	n := uint32(payloadLen)
	return NDRHeader{ArgsMaximum: n, ArgsLength: n, MaxCount: n, Offset: 0, ActualCount: n}
}

func (h NDRHeader) Encode() []byte {
	buf := make([]byte, NDRHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.ArgsMaximum)
	binary.LittleEndian.PutUint32(buf[4:8], h.ArgsLength)
	binary.LittleEndian.PutUint32(buf[8:12], h.MaxCount)
	binary.LittleEndian.PutUint32(buf[12:16], h.Offset)
	binary.LittleEndian.PutUint32(buf[16:20], h.ActualCount)
	return buf
}

func DecodeNDRHeader(buf []byte) (NDRHeader, error) {
	if len(buf) < NDRHeaderSize {
		return NDRHeader{}, fmt.Errorf("rpc: NDR header needs %d bytes, have %d", NDRHeaderSize, len(buf))
	}
	return NDRHeader{
		ArgsMaximum: binary.LittleEndian.Uint32(buf[0:4]),
		ArgsLength:  binary.LittleEndian.Uint32(buf[4:8]),
		MaxCount:    binary.LittleEndian.Uint32(buf[8:12]),
		Offset:      binary.LittleEndian.Uint32(buf[12:16]),
		ActualCount: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// EncodePDU assembles a full RPC PDU: header, NDR prelude sized to
// payload, and payload, with ArgsLength/ActualCount set to len(payload).
func EncodePDU(h Header, payload []byte) []byte {
	ndr := NewNDRHeader(len(payload))
	out := make([]byte, 0, HeaderSize+NDRHeaderSize+len(payload))
	out = append(out, h.Encode()...)
	out = append(out, ndr.Encode()...)
	out = append(out, payload...)
	return out
}

// DecodePDU splits a received PDU into its header, NDR prelude and payload,
// verifying ArgsLength/ActualCount matches the trailing bytes.
func DecodePDU(buf []byte) (Header, NDRHeader, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, NDRHeader{}, nil, err
	}
	rest := buf[HeaderSize:]
	ndr, err := DecodeNDRHeader(rest)
	if err != nil {
		return Header{}, NDRHeader{}, nil, fmt.Errorf("rpc: missing NDR prelude: %w", err)
	}
	payload := rest[NDRHeaderSize:]
	if int(ndr.ActualCount) != len(payload) {
		return Header{}, NDRHeader{}, nil, fmt.Errorf("rpc: NDR ActualCount %d does not match payload length %d", ndr.ActualCount, len(payload))
	}
	return h, ndr, payload, nil
}
