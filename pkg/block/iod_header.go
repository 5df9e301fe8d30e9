package block

import (
	"encoding/binary"
	"fmt"
)

// IODReadHeader precedes a record-read request/response payload.
type IODReadHeader struct {
	Seq         uint16
	API         uint32
	SlotNumber  uint16
	SubslotNumber uint16
	Index       uint16
	MaxLength   uint32
}

const iodReadHeaderLen = 2 + 4 + 2 + 2 + 2 + 4

func (h IODReadHeader) Encode(res bool) []byte {
	t := TypeIODReadReqHeader
	if res {
		t = TypeIODReadResHeader
	}
	buf := make([]byte, headerSize+iodReadHeaderLen)
	putHeader(buf, header{Type: t, Length: uint16(iodReadHeaderLen + 2), VersionHigh: 1, VersionLow: 0})
	p := buf[headerSize:]
	binary.BigEndian.PutUint16(p[0:2], h.Seq)
	binary.BigEndian.PutUint32(p[2:6], h.API)
	binary.BigEndian.PutUint16(p[6:8], h.SlotNumber)
	binary.BigEndian.PutUint16(p[8:10], h.SubslotNumber)
	binary.BigEndian.PutUint16(p[10:12], h.Index)
	binary.BigEndian.PutUint32(p[12:16], h.MaxLength)
	return buf
}

func DecodeIODReadHeader(buf []byte) (IODReadHeader, bool, error) {
	hd, err := getHeader(buf)
	if err != nil {
		return IODReadHeader{}, false, err
	}
	if hd.Type != TypeIODReadReqHeader && hd.Type != TypeIODReadResHeader {
		return IODReadHeader{}, false, decodeErr(0, fmt.Errorf("%w: expected IODReadHeader got %s", ErrInvalidBlockType, hd.Type))
	}
	p := buf[headerSize:]
	if len(p) < iodReadHeaderLen {
		return IODReadHeader{}, false, decodeErr(headerSize, fmt.Errorf("%w: IODReadHeader truncated", ErrInvalidLength))
	}
	return IODReadHeader{
		Seq:           binary.BigEndian.Uint16(p[0:2]),
		API:           binary.BigEndian.Uint32(p[2:6]),
		SlotNumber:    binary.BigEndian.Uint16(p[6:8]),
		SubslotNumber: binary.BigEndian.Uint16(p[8:10]),
		Index:         binary.BigEndian.Uint16(p[10:12]),
		MaxLength:     binary.BigEndian.Uint32(p[12:16]),
	}, hd.Type == TypeIODReadResHeader, nil
}

// IODWriteHeader precedes a record-write request/response payload.
type IODWriteHeader struct {
	Seq           uint16
	API           uint32
	SlotNumber    uint16
	SubslotNumber uint16
	Index         uint16
	Length        uint32
	Status        PNIOStatus // only meaningful on the Res variant
}

const iodWriteHeaderLen = 2 + 4 + 2 + 2 + 2 + 4 + 4

func (h IODWriteHeader) Encode(res bool) []byte {
	t := TypeIODWriteReqHeader
	if res {
		t = TypeIODWriteResHeader
	}
	buf := make([]byte, headerSize+iodWriteHeaderLen)
	putHeader(buf, header{Type: t, Length: uint16(iodWriteHeaderLen + 2), VersionHigh: 1, VersionLow: 0})
	p := buf[headerSize:]
	binary.BigEndian.PutUint16(p[0:2], h.Seq)
	binary.BigEndian.PutUint32(p[2:6], h.API)
	binary.BigEndian.PutUint16(p[6:8], h.SlotNumber)
	binary.BigEndian.PutUint16(p[8:10], h.SubslotNumber)
	binary.BigEndian.PutUint16(p[10:12], h.Index)
	binary.BigEndian.PutUint32(p[12:16], h.Length)
	copy(p[16:20], h.Status.Encode())
	return buf
}

func DecodeIODWriteHeader(buf []byte) (IODWriteHeader, bool, error) {
	hd, err := getHeader(buf)
	if err != nil {
		return IODWriteHeader{}, false, err
	}
	if hd.Type != TypeIODWriteReqHeader && hd.Type != TypeIODWriteResHeader {
		return IODWriteHeader{}, false, decodeErr(0, fmt.Errorf("%w: expected IODWriteHeader got %s", ErrInvalidBlockType, hd.Type))
	}
	p := buf[headerSize:]
	if len(p) < iodWriteHeaderLen {
		return IODWriteHeader{}, false, decodeErr(headerSize, fmt.Errorf("%w: IODWriteHeader truncated", ErrInvalidLength))
	}
	status, err := DecodePNIOStatus(p[16:20])
	if err != nil {
		return IODWriteHeader{}, false, err
	}
	return IODWriteHeader{
		Seq:           binary.BigEndian.Uint16(p[0:2]),
		API:           binary.BigEndian.Uint32(p[2:6]),
		SlotNumber:    binary.BigEndian.Uint16(p[6:8]),
		SubslotNumber: binary.BigEndian.Uint16(p[8:10]),
		Index:         binary.BigEndian.Uint16(p[10:12]),
		Length:        binary.BigEndian.Uint32(p[12:16]),
		Status:        status,
	}, hd.Type == TypeIODWriteResHeader, nil
}
