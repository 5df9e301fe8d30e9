// Package rpc frames and parses DCE/RPC 1.1 over UDP as used by PROFINET
// for acyclic Connect/Read/Write/Release exchanges: the 80-byte RPC header,
// the 20-byte NDR argument prelude, and the PNIO block payload that follows.
package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// HeaderSize is the fixed size of the DCE/RPC header on the wire.
const HeaderSize = 80

// NDRHeaderSize is the fixed size of the NDR argument prelude.
const NDRHeaderSize = 20

// PacketType identifies the kind of RPC PDU.
type PacketType uint8

const (
	PacketTypeRequest  PacketType = 0
	PacketTypeResponse PacketType = 2
	PacketTypeFault    PacketType = 3
	PacketTypeReject   PacketType = 6
)

// Flags1 bit values.
const (
	Flag1LastFragment Flags1 = 0x20
	Flag1Idempotent   Flags1 = 0x02
	// FlagsConnect is the value used for Connect requests: last fragment,
	// idempotent.
	FlagsConnect = Flag1LastFragment | Flag1Idempotent
)

type Flags1 uint8

// Opnum identifies the PROFINET RPC operation.
type Opnum uint16

const (
	OpnumConnect Opnum = 0
	OpnumRelease Opnum = 1
	OpnumRead    Opnum = 2
	OpnumWrite   Opnum = 3
	OpnumControl Opnum = 4
)

// DREP is the data representation byte; PROFINET always uses little-endian
// integers and IEEE floats, selector 0x10.
var DREP = [3]byte{0x10, 0x00, 0x00}

// PNIODeviceInterfaceUUID is the constant PROFINET IO Device interface
// UUID, specified in canonical (big-endian sub-field) form. It is swapped
// to little-endian sub-field form at encode time like every other
// RPC-header UUID field.
var PNIODeviceInterfaceUUID = uuid.MustParse("DEA00001-6C97-11D1-8271-00A02442DF7D")

// Header is the 80-byte DCE/RPC header preceding every PROFINET RPC PDU.
type Header struct {
	Version          uint8
	PacketType       PacketType
	Flags1           Flags1
	Flags2           uint8
	SerialHigh       uint8
	ObjectUUID       uuid.UUID
	InterfaceUUID    uuid.UUID
	ActivityUUID     uuid.UUID
	ServerBootTime   uint32
	InterfaceVersion uint32
	SequenceNumber   uint32
	Opnum            Opnum
	InterfaceHint    uint16
	ActivityHint     uint16
	FragmentLength   uint16
	FragmentNumber   uint16
	AuthProtocol     uint8
	SerialLow        uint8
}

// swapUUID applies the DREP=0x10 little-endian sub-field swap: bytes
// [0..4) reversed, [4..6) reversed, [6..8) reversed, [8..16) unchanged.
// Applying it twice is the identity on any 16-byte value (it is its own
// inverse) — the same function is used to encode and to decode.
func swapUUID(in [16]byte) [16]byte {
	var out [16]byte
	out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	out[4], out[5] = in[5], in[4]
	out[6], out[7] = in[7], in[6]
	copy(out[8:16], in[8:16])
	return out
}

func swapUUIDValue(u uuid.UUID) uuid.UUID {
	var raw [16]byte
	copy(raw[:], u[:])
	return uuid.UUID(swapUUID(raw))
}

// Encode serializes h into exactly HeaderSize bytes.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = uint8(h.PacketType)
	buf[2] = uint8(h.Flags1)
	buf[3] = h.Flags2
	copy(buf[4:7], DREP[:])
	buf[7] = h.SerialHigh
	copy(buf[8:24], swapUUIDValue(h.ObjectUUID)[:])
	copy(buf[24:40], swapUUIDValue(h.InterfaceUUID)[:])
	copy(buf[40:56], swapUUIDValue(h.ActivityUUID)[:])
	binary.LittleEndian.PutUint32(buf[56:60], h.ServerBootTime)
	binary.LittleEndian.PutUint32(buf[60:64], h.InterfaceVersion)
	binary.LittleEndian.PutUint32(buf[64:68], h.SequenceNumber)
	binary.LittleEndian.PutUint16(buf[68:70], uint16(h.Opnum))
	binary.LittleEndian.PutUint16(buf[70:72], h.InterfaceHint)
	binary.LittleEndian.PutUint16(buf[72:74], h.ActivityHint)
	binary.LittleEndian.PutUint16(buf[74:76], h.FragmentLength)
	binary.LittleEndian.PutUint16(buf[76:78], h.FragmentNumber)
	buf[78] = h.AuthProtocol
	buf[79] = h.SerialLow
	return buf
}

// DecodeHeader parses the first HeaderSize bytes of buf as a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("rpc: header needs %d bytes, have %d", HeaderSize, len(buf))
	}
	var objRaw, ifRaw, actRaw [16]byte
	copy(objRaw[:], buf[8:24])
	copy(ifRaw[:], buf[24:40])
	copy(actRaw[:], buf[40:56])
	return Header{
		Version:          buf[0],
		PacketType:       PacketType(buf[1]),
		Flags1:           Flags1(buf[2]),
		Flags2:           buf[3],
		SerialHigh:       buf[7],
		ObjectUUID:       uuid.UUID(swapUUID(objRaw)),
		InterfaceUUID:    uuid.UUID(swapUUID(ifRaw)),
		ActivityUUID:     uuid.UUID(swapUUID(actRaw)),
		ServerBootTime:   binary.LittleEndian.Uint32(buf[56:60]),
		InterfaceVersion: binary.LittleEndian.Uint32(buf[60:64]),
		SequenceNumber:   binary.LittleEndian.Uint32(buf[64:68]),
		Opnum:            Opnum(binary.LittleEndian.Uint16(buf[68:70])),
		InterfaceHint:    binary.LittleEndian.Uint16(buf[70:72]),
		ActivityHint:     binary.LittleEndian.Uint16(buf[72:74]),
		FragmentLength:   binary.LittleEndian.Uint16(buf[74:76]),
		FragmentNumber:   binary.LittleEndian.Uint16(buf[76:78]),
		AuthProtocol:     buf[78],
		SerialLow:        buf[79],
	}, nil
}
