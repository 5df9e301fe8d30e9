package block

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ARType distinguishes the kind of Application Relationship being requested.
type ARType uint16

const (
	ARTypeIOController ARType = 0x0001
)

// ARProperties carries the AR negotiation flags. Bit 4 is "device access",
// not bit 1 — a field-debugging regression the codec guards explicitly.
type ARProperties uint32

const (
	arPropStartupModeLegacy ARProperties = 0 << 0
	arPropDeviceAccessBit   ARProperties = 1 << 4
	arPropSupervisorTakeover ARProperties = 1 << 6
)

// DeviceAccess reports whether the device-access bit (bit 4) is set.
func (p ARProperties) DeviceAccess() bool {
	return p&arPropDeviceAccessBit != 0
}

// WithDeviceAccess returns p with the device-access bit (bit 4) set or cleared.
func (p ARProperties) WithDeviceAccess(enabled bool) ARProperties {
	if enabled {
		return p | arPropDeviceAccessBit
	}
	return p &^ arPropDeviceAccessBit
}

// ARBlockReq is the Connect-request AR block (§4.1, §4.2).
type ARBlockReq struct {
	ARType           ARType
	ARUUID           uuid.UUID
	SessionKey       uint16
	CMInitiatorMAC   [6]byte
	CMInitiatorObjectUUID uuid.UUID
	ARProperties     ARProperties
	TimeoutFactor    uint16 // watchdog factor
	UDPRTPort        uint16
	StationNameLength uint16
	StationName      string
}

const arBlockReqFixedLen = 2 /*ARType*/ + 16 /*ARUUID*/ + 2 /*SessionKey*/ + 6 /*MAC*/ + 16 /*InitiatorObjUUID*/ + 4 /*ARProperties*/ + 2 /*Timeout*/ + 2 /*UDPPort*/ + 2 /*NameLen*/

// Encode serializes the ARBlockReq including its 6-byte block header.
// UUIDs embedded in blocks are written in their canonical (network) byte
// order — they are never DREP-swapped, unlike RPC-header UUID fields.
func (b ARBlockReq) Encode() ([]byte, error) {
	nameLen := len(b.StationName)
	payloadLen := arBlockReqFixedLen + nameLen
	buf := make([]byte, headerSize+payloadLen)
	putHeader(buf, header{Type: TypeARBlockReq, Length: uint16(payloadLen + 2), VersionHigh: 1, VersionLow: 0})

	p := buf[headerSize:]
	binary.BigEndian.PutUint16(p[0:2], uint16(b.ARType))
	arBytes, _ := b.ARUUID.MarshalBinary()
	copy(p[2:18], arBytes)
	binary.BigEndian.PutUint16(p[18:20], b.SessionKey)
	copy(p[20:26], b.CMInitiatorMAC[:])
	objBytes, _ := b.CMInitiatorObjectUUID.MarshalBinary()
	copy(p[26:42], objBytes)
	binary.BigEndian.PutUint32(p[42:46], uint32(b.ARProperties))
	binary.BigEndian.PutUint16(p[46:48], b.TimeoutFactor)
	binary.BigEndian.PutUint16(p[48:50], b.UDPRTPort)
	binary.BigEndian.PutUint16(p[50:52], uint16(nameLen))
	copy(p[52:], b.StationName)
	return buf, nil
}

// DecodeARBlockReq decodes an ARBlockReq including its header.
func DecodeARBlockReq(buf []byte) (ARBlockReq, error) {
	h, err := getHeader(buf)
	if err != nil {
		return ARBlockReq{}, err
	}
	if h.Type != TypeARBlockReq {
		return ARBlockReq{}, decodeErr(0, fmt.Errorf("%w: expected ARBlockReq got %s", ErrInvalidBlockType, h.Type))
	}
	p := buf[headerSize:]
	if len(p) < arBlockReqFixedLen {
		return ARBlockReq{}, decodeErr(headerSize, fmt.Errorf("%w: ARBlockReq fixed part truncated", ErrInvalidLength))
	}
	nameLen := int(binary.BigEndian.Uint16(p[50:52]))
	if len(p) < arBlockReqFixedLen+nameLen {
		return ARBlockReq{}, decodeErr(headerSize+50, fmt.Errorf("%w: station name truncated", ErrInvalidLength))
	}
	arUUID, err := uuid.FromBytes(p[2:18])
	if err != nil {
		return ARBlockReq{}, decodeErr(headerSize+2, fmt.Errorf("%w: %v", ErrFieldOutOfRange, err))
	}
	objUUID, err := uuid.FromBytes(p[26:42])
	if err != nil {
		return ARBlockReq{}, decodeErr(headerSize+26, fmt.Errorf("%w: %v", ErrFieldOutOfRange, err))
	}
	var mac [6]byte
	copy(mac[:], p[20:26])
	return ARBlockReq{
		ARType:                ARType(binary.BigEndian.Uint16(p[0:2])),
		ARUUID:                arUUID,
		SessionKey:            binary.BigEndian.Uint16(p[18:20]),
		CMInitiatorMAC:        mac,
		CMInitiatorObjectUUID: objUUID,
		ARProperties:          ARProperties(binary.BigEndian.Uint32(p[42:46])),
		TimeoutFactor:         binary.BigEndian.Uint16(p[46:48]),
		UDPRTPort:             binary.BigEndian.Uint16(p[48:50]),
		StationNameLength:     uint16(nameLen),
		StationName:           string(p[52 : 52+nameLen]),
	}, nil
}

// ARBlockRes is the Connect-response AR block.
type ARBlockRes struct {
	ARType       ARType
	ARUUID       uuid.UUID
	SessionKey   uint16
	CMResponderMAC [6]byte
	UDPRTPort    uint16
}

const arBlockResLen = 2 + 16 + 2 + 6 + 2

func (b ARBlockRes) Encode() []byte {
	buf := make([]byte, headerSize+arBlockResLen)
	putHeader(buf, header{Type: TypeARBlockRes, Length: uint16(arBlockResLen + 2), VersionHigh: 1, VersionLow: 0})
	p := buf[headerSize:]
	binary.BigEndian.PutUint16(p[0:2], uint16(b.ARType))
	arBytes, _ := b.ARUUID.MarshalBinary()
	copy(p[2:18], arBytes)
	binary.BigEndian.PutUint16(p[18:20], b.SessionKey)
	copy(p[20:26], b.CMResponderMAC[:])
	binary.BigEndian.PutUint16(p[26:28], b.UDPRTPort)
	return buf
}

func DecodeARBlockRes(buf []byte) (ARBlockRes, error) {
	h, err := getHeader(buf)
	if err != nil {
		return ARBlockRes{}, err
	}
	if h.Type != TypeARBlockRes {
		return ARBlockRes{}, decodeErr(0, fmt.Errorf("%w: expected ARBlockRes got %s", ErrInvalidBlockType, h.Type))
	}
	p := buf[headerSize:]
	if len(p) < arBlockResLen {
		return ARBlockRes{}, decodeErr(headerSize, fmt.Errorf("%w: ARBlockRes truncated", ErrInvalidLength))
	}
	arUUID, err := uuid.FromBytes(p[2:18])
	if err != nil {
		return ARBlockRes{}, decodeErr(headerSize+2, fmt.Errorf("%w: %v", ErrFieldOutOfRange, err))
	}
	var mac [6]byte
	copy(mac[:], p[20:26])
	return ARBlockRes{
		ARType:         ARType(binary.BigEndian.Uint16(p[0:2])),
		ARUUID:         arUUID,
		SessionKey:     binary.BigEndian.Uint16(p[18:20]),
		CMResponderMAC: mac,
		UDPRTPort:      binary.BigEndian.Uint16(p[26:28]),
	}, nil
}
