package block

import (
	"encoding/binary"
	"fmt"
)

// ControlCommand bit values for IODControlReq/Res, used for the PrmEnd,
// ApplicationReady and Release handshake steps.
type ControlCommand uint16

const (
	ControlCommandPrmEnd          ControlCommand = 1 << 0
	ControlCommandApplicationReady ControlCommand = 1 << 1
	ControlCommandRelease         ControlCommand = 1 << 2
)

const (
	typeIODControlReq Type = 0x0110
	typeIODControlRes Type = 0x8110
)

// IODControlReq/Res carry a single control command plus the AREP
// (Application Relationship reference, = 1 for the single-AR case this
// controller supports) and, on the Res side, a PNIOStatus.
type IODControlReq struct {
	AREP           uint32
	ControlCommand ControlCommand
	Status         PNIOStatus
}

const iodControlLen = 4 + 2 + 2 /*reserved*/ + 4

func (c IODControlReq) encode(res bool) []byte {
	t := typeIODControlReq
	if res {
		t = typeIODControlRes
	}
	buf := make([]byte, headerSize+iodControlLen)
	putHeader(buf, header{Type: t, Length: uint16(iodControlLen + 2), VersionHigh: 1, VersionLow: 0})
	p := buf[headerSize:]
	binary.BigEndian.PutUint32(p[0:4], c.AREP)
	binary.BigEndian.PutUint16(p[4:6], uint16(c.ControlCommand))
	copy(p[8:12], c.Status.Encode())
	return buf
}

// EncodeReq serializes a PrmEnd/ApplicationReady/Release request.
func (c IODControlReq) EncodeReq() []byte { return c.encode(false) }

// EncodeRes serializes the matching response, carrying Status.
func (c IODControlReq) EncodeRes() []byte { return c.encode(true) }

// DecodeIODControl decodes either variant, reporting which one it was.
func DecodeIODControl(buf []byte) (IODControlReq, bool, error) {
	h, err := getHeader(buf)
	if err != nil {
		return IODControlReq{}, false, err
	}
	if h.Type != typeIODControlReq && h.Type != typeIODControlRes {
		return IODControlReq{}, false, decodeErr(0, fmt.Errorf("%w: expected IODControlReq/Res got %s", ErrInvalidBlockType, h.Type))
	}
	p := buf[headerSize:]
	if len(p) < iodControlLen {
		return IODControlReq{}, false, decodeErr(headerSize, fmt.Errorf("%w: IODControlReq truncated", ErrInvalidLength))
	}
	status, err := DecodePNIOStatus(p[8:12])
	if err != nil {
		return IODControlReq{}, false, err
	}
	return IODControlReq{
		AREP:           binary.BigEndian.Uint32(p[0:4]),
		ControlCommand: ControlCommand(binary.BigEndian.Uint16(p[4:6])),
		Status:         status,
	}, h.Type == typeIODControlRes, nil
}
