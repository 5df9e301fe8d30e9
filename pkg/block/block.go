// Package block implements the PNIO block codec: encoders and decoders for
// the block families exchanged inside PROFINET RPC payloads, bit-exact with
// IEC 61158-6-10.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Every block starts with this 6-byte header. Length counts the bytes that
// follow the type + length fields, i.e. the 2 version bytes plus the payload.
const headerSize = 6

// Block type identifiers used on the wire inside RPC payloads.
const (
	TypeARBlockReq                Type = 0x0101
	TypeARBlockRes                Type = 0x8101
	TypeIOCRBlockReq              Type = 0x0102
	TypeIOCRBlockRes              Type = 0x8102
	TypeAlarmCRBlockReq           Type = 0x0103
	TypeAlarmCRBlockRes           Type = 0x8103
	TypeExpectedSubmoduleBlockReq Type = 0x0104
	TypeIODWriteReqHeader         Type = 0x0008
	TypeIODWriteResHeader         Type = 0x8008
	TypeIODReadReqHeader          Type = 0x0009
	TypeIODReadResHeader          Type = 0x8009
)

// Type identifies a PNIO block.
type Type uint16

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(0x%04x)", uint16(t))
}

var typeNames = map[Type]string{
	TypeARBlockReq:                "ARBlockReq",
	TypeARBlockRes:                "ARBlockRes",
	TypeIOCRBlockReq:              "IOCRBlockReq",
	TypeIOCRBlockRes:              "IOCRBlockRes",
	TypeAlarmCRBlockReq:           "AlarmCRBlockReq",
	TypeAlarmCRBlockRes:           "AlarmCRBlockRes",
	TypeExpectedSubmoduleBlockReq: "ExpectedSubmoduleBlockReq",
	TypeIODWriteReqHeader:         "IODWriteReqHeader",
	TypeIODWriteResHeader:         "IODWriteResHeader",
	TypeIODReadReqHeader:          "IODReadReqHeader",
	TypeIODReadResHeader:          "IODReadResHeader",
}

// Sentinel errors returned by decoders. Wrapped into *DecodeError with the
// byte offset where the failure was detected; callers that only care about
// the class of error can still errors.Is against these.
var (
	ErrInvalidBlockType  = errors.New("block: invalid block type")
	ErrInvalidLength     = errors.New("block: invalid length")
	ErrUnsupportedVersion = errors.New("block: unsupported version")
	ErrFieldOutOfRange   = errors.New("block: field out of range")
)

// DecodeError reports a decode failure together with the byte offset in the
// input where it was detected. The decoder is total: it never panics on
// malformed input.
type DecodeError struct {
	Offset int
	Reason error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("block: decode error at offset %d: %v", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Reason }

func decodeErr(offset int, reason error) error {
	return &DecodeError{Offset: offset, Reason: reason}
}

// header is the common 6-byte prefix of every block.
type header struct {
	Type         Type
	Length       uint16 // bytes following the type+length fields, i.e. len(payload)+2 (version)
	VersionHigh  uint8
	VersionLow   uint8
}

func putHeader(buf []byte, h header) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Type))
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	buf[4] = h.VersionHigh
	buf[5] = h.VersionLow
}

func getHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, decodeErr(0, fmt.Errorf("%w: need %d bytes for header, have %d", ErrInvalidLength, headerSize, len(buf)))
	}
	h := header{
		Type:        Type(binary.BigEndian.Uint16(buf[0:2])),
		Length:      binary.BigEndian.Uint16(buf[2:4]),
		VersionHigh: buf[4],
		VersionLow:  buf[5],
	}
	// Length excludes the type+length fields (4 bytes) but includes version (2 bytes).
	wantTotal := int(h.Length) + 4
	if wantTotal < headerSize || wantTotal > len(buf) {
		return header{}, decodeErr(2, fmt.Errorf("%w: declared length %d does not fit in %d available bytes", ErrInvalidLength, h.Length, len(buf)))
	}
	return h, nil
}

// PNIOStatus is the 4-byte error code carried by RPC Fault responses and by
// record write/read rejections.
type PNIOStatus struct {
	ErrorCode   uint8
	ErrorDecode uint8
	ErrorCode1  uint8
	ErrorCode2  uint8
}

// IsOK reports whether the status represents success (all-zero).
func (s PNIOStatus) IsOK() bool {
	return s == PNIOStatus{}
}

func (s PNIOStatus) Encode() []byte {
	return []byte{s.ErrorCode, s.ErrorDecode, s.ErrorCode1, s.ErrorCode2}
}

func DecodePNIOStatus(buf []byte) (PNIOStatus, error) {
	if len(buf) < 4 {
		return PNIOStatus{}, decodeErr(0, fmt.Errorf("%w: PNIOStatus needs 4 bytes, have %d", ErrInvalidLength, len(buf)))
	}
	return PNIOStatus{buf[0], buf[1], buf[2], buf[3]}, nil
}

// PNIOError wraps a non-zero PNIOStatus returned by a remote device,
// distinguishing protocol-violation failures from transient ones per the
// controller's error taxonomy.
type PNIOError struct {
	Status PNIOStatus
}

func (e *PNIOError) Error() string {
	return fmt.Sprintf("pnio status error: code=0x%02x decode=0x%02x code1=0x%02x code2=0x%02x",
		e.Status.ErrorCode, e.Status.ErrorDecode, e.Status.ErrorCode1, e.Status.ErrorCode2)
}
