package block

import (
	"encoding/binary"
	"fmt"
)

// IOCRType distinguishes input and output communication relationships.
type IOCRType uint16

const (
	IOCRTypeInput  IOCRType = 0x0001
	IOCRTypeOutput IOCRType = 0x0002
)

// IOCRTagHeaderDefault is the VLAN tag header that must appear on the wire:
// priority 6, VID 0. A value of 0x0000 is a regression that causes p-net
// stacks to silently drop the frame — this constant exists so no caller
// can accidentally encode the zero value.
const IOCRTagHeaderDefault uint16 = 0xC000

// SubmoduleFrameOffset describes where one submodule's IO data (and its
// trailing IOPS/IOCS byte) lives within a cyclic frame.
type SubmoduleFrameOffset struct {
	SubslotNumber uint16
	FrameOffset   uint16 // offset of IOData within the frame payload
	Length        uint16 // IOData length, NOT including the trailing status byte
}

// IOCRBlockReq is the IOCR block carried inside a Connect request, one per
// direction (input, output).
type IOCRBlockReq struct {
	IOCRType        IOCRType
	Reserved        uint16
	FrameID         uint16
	SendClockFactor uint16
	ReductionRatio  uint16
	Phase           uint16
	Sequence        uint16
	FrameSendOffset uint32
	WatchdogFactor  uint16
	DataHoldFactor  uint16
	IOCRTagHeader   uint16
	IOCRMulticastMAC [6]byte
	APIs            []IOCRAPI
}

// IOCRAPI groups the submodule offsets for one API within an IOCR.
type IOCRAPI struct {
	API        uint32
	IODataObjects []SubmoduleFrameOffset
	IOCSObjects   []SubmoduleFrameOffset
}

// LayoutSubmodules computes the per-submodule frame offsets for one IOCR
// direction. Each submodule occupies (length+1) bytes in the frame — the
// trailing byte is its IOPS (input direction) or IOCS (output direction)
// status byte. Submodules are laid out in the given order starting right
// after the 2-byte FrameID; offsets never overlap by construction.
func LayoutSubmodules(lengths []uint16) []SubmoduleFrameOffset {
	offsets := make([]SubmoduleFrameOffset, len(lengths))
	cursor := uint16(2) // after FrameID
	for i, length := range lengths {
		offsets[i] = SubmoduleFrameOffset{FrameOffset: cursor, Length: length}
		cursor += length + 1
	}
	return offsets
}

// FrameSize returns the total cyclic frame payload size (FrameID + all
// submodule IOData+status bytes) for the given submodule lengths.
func FrameSize(lengths []uint16) uint16 {
	total := uint16(2)
	for _, l := range lengths {
		total += l + 1
	}
	return total
}

func (b IOCRBlockReq) encodedAPILen() int {
	n := 0
	for _, api := range b.APIs {
		n += 4 /*API*/ + 2 /*NumberOfIODataObjects*/ + len(api.IODataObjects)*4 + 2 /*NumberOfIOCS*/ + len(api.IOCSObjects)*4
	}
	return n
}

const iocrBlockReqFixedLen = 2 + 2 + 2 + 2 + 2 + 2 + 2 + 4 + 2 + 2 + 2 + 6 + 2 /*NumberOfAPIs*/

// Encode serializes the IOCRBlockReq including its header.
func (b IOCRBlockReq) Encode() ([]byte, error) {
	if b.IOCRTagHeader == 0 {
		return nil, fmt.Errorf("%w: IOCRTagHeader must not be 0x0000, use IOCRTagHeaderDefault", ErrFieldOutOfRange)
	}
	payloadLen := iocrBlockReqFixedLen + b.encodedAPILen()
	buf := make([]byte, headerSize+payloadLen)
	putHeader(buf, header{Type: TypeIOCRBlockReq, Length: uint16(payloadLen + 2), VersionHigh: 1, VersionLow: 0})
	p := buf[headerSize:]
	binary.BigEndian.PutUint16(p[0:2], uint16(b.IOCRType))
	binary.BigEndian.PutUint16(p[2:4], b.Reserved)
	binary.BigEndian.PutUint16(p[4:6], b.FrameID)
	binary.BigEndian.PutUint16(p[6:8], b.SendClockFactor)
	binary.BigEndian.PutUint16(p[8:10], b.ReductionRatio)
	binary.BigEndian.PutUint16(p[10:12], b.Phase)
	binary.BigEndian.PutUint16(p[12:14], b.Sequence)
	binary.BigEndian.PutUint32(p[14:18], b.FrameSendOffset)
	binary.BigEndian.PutUint16(p[18:20], b.WatchdogFactor)
	binary.BigEndian.PutUint16(p[20:22], b.DataHoldFactor)
	binary.BigEndian.PutUint16(p[22:24], b.IOCRTagHeader)
	copy(p[24:30], b.IOCRMulticastMAC[:])
	binary.BigEndian.PutUint16(p[30:32], uint16(len(b.APIs)))

	cursor := 32
	for _, api := range b.APIs {
		binary.BigEndian.PutUint32(p[cursor:cursor+4], api.API)
		cursor += 4
		binary.BigEndian.PutUint16(p[cursor:cursor+2], uint16(len(api.IODataObjects)))
		cursor += 2
		for _, obj := range api.IODataObjects {
			binary.BigEndian.PutUint16(p[cursor:cursor+2], obj.SubslotNumber)
			binary.BigEndian.PutUint16(p[cursor+2:cursor+4], obj.FrameOffset)
			cursor += 4
		}
		binary.BigEndian.PutUint16(p[cursor:cursor+2], uint16(len(api.IOCSObjects)))
		cursor += 2
		for _, obj := range api.IOCSObjects {
			binary.BigEndian.PutUint16(p[cursor:cursor+2], obj.SubslotNumber)
			binary.BigEndian.PutUint16(p[cursor+2:cursor+4], obj.FrameOffset)
			cursor += 4
		}
	}
	return buf, nil
}

// DecodeIOCRBlockReq decodes an IOCRBlockReq including its header.
func DecodeIOCRBlockReq(buf []byte) (IOCRBlockReq, error) {
	h, err := getHeader(buf)
	if err != nil {
		return IOCRBlockReq{}, err
	}
	if h.Type != TypeIOCRBlockReq {
		return IOCRBlockReq{}, decodeErr(0, fmt.Errorf("%w: expected IOCRBlockReq got %s", ErrInvalidBlockType, h.Type))
	}
	p := buf[headerSize:]
	if len(p) < iocrBlockReqFixedLen {
		return IOCRBlockReq{}, decodeErr(headerSize, fmt.Errorf("%w: IOCRBlockReq fixed part truncated", ErrInvalidLength))
	}
	b := IOCRBlockReq{
		IOCRType:        IOCRType(binary.BigEndian.Uint16(p[0:2])),
		Reserved:        binary.BigEndian.Uint16(p[2:4]),
		FrameID:         binary.BigEndian.Uint16(p[4:6]),
		SendClockFactor: binary.BigEndian.Uint16(p[6:8]),
		ReductionRatio:  binary.BigEndian.Uint16(p[8:10]),
		Phase:           binary.BigEndian.Uint16(p[10:12]),
		Sequence:        binary.BigEndian.Uint16(p[12:14]),
		FrameSendOffset: binary.BigEndian.Uint32(p[14:18]),
		WatchdogFactor:  binary.BigEndian.Uint16(p[18:20]),
		DataHoldFactor:  binary.BigEndian.Uint16(p[20:22]),
		IOCRTagHeader:   binary.BigEndian.Uint16(p[22:24]),
	}
	copy(b.IOCRMulticastMAC[:], p[24:30])
	numAPIs := int(binary.BigEndian.Uint16(p[30:32]))
	cursor := 32
	for i := 0; i < numAPIs; i++ {
		if cursor+6 > len(p) {
			return IOCRBlockReq{}, decodeErr(headerSize+cursor, fmt.Errorf("%w: API[%d] truncated", ErrInvalidLength, i))
		}
		api := IOCRAPI{API: binary.BigEndian.Uint32(p[cursor : cursor+4])}
		cursor += 4
		numIOData := int(binary.BigEndian.Uint16(p[cursor : cursor+2]))
		cursor += 2
		for j := 0; j < numIOData; j++ {
			if cursor+4 > len(p) {
				return IOCRBlockReq{}, decodeErr(headerSize+cursor, fmt.Errorf("%w: IOData object truncated", ErrInvalidLength))
			}
			api.IODataObjects = append(api.IODataObjects, SubmoduleFrameOffset{
				SubslotNumber: binary.BigEndian.Uint16(p[cursor : cursor+2]),
				FrameOffset:   binary.BigEndian.Uint16(p[cursor+2 : cursor+4]),
			})
			cursor += 4
		}
		if cursor+2 > len(p) {
			return IOCRBlockReq{}, decodeErr(headerSize+cursor, fmt.Errorf("%w: IOCS count truncated", ErrInvalidLength))
		}
		numIOCS := int(binary.BigEndian.Uint16(p[cursor : cursor+2]))
		cursor += 2
		for j := 0; j < numIOCS; j++ {
			if cursor+4 > len(p) {
				return IOCRBlockReq{}, decodeErr(headerSize+cursor, fmt.Errorf("%w: IOCS object truncated", ErrInvalidLength))
			}
			api.IOCSObjects = append(api.IOCSObjects, SubmoduleFrameOffset{
				SubslotNumber: binary.BigEndian.Uint16(p[cursor : cursor+2]),
				FrameOffset:   binary.BigEndian.Uint16(p[cursor+2 : cursor+4]),
			})
			cursor += 4
		}
		b.APIs = append(b.APIs, api)
	}
	return b, nil
}
