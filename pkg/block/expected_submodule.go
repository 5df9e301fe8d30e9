package block

import (
	"encoding/binary"
	"fmt"
)

// DataDescriptionType selects which direction a DataDescription describes.
type DataDescriptionType uint16

const (
	DataDescriptionInput  DataDescriptionType = 1
	DataDescriptionOutput DataDescriptionType = 2
)

// NoIO is the DataDescription used for a direction a submodule does not use —
// the DAP at slot 0 / subslot 1 carries NoIO in both directions.
var NoIO = DataDescription{}

// DataDescription carries the IO shape for one direction of a submodule.
type DataDescription struct {
	Type        DataDescriptionType
	LengthIOData uint16
	LengthIOPS   uint16 // 1 for a normal submodule, 0 for NoIO
	LengthIOCS   uint16
}

func (d DataDescription) encode() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(d.Type))
	binary.BigEndian.PutUint16(b[2:4], d.LengthIOData)
	binary.BigEndian.PutUint16(b[4:6], d.LengthIOPS)
	binary.BigEndian.PutUint16(b[6:8], d.LengthIOCS)
	return b
}

func decodeDataDescription(b []byte) DataDescription {
	return DataDescription{
		Type:         DataDescriptionType(binary.BigEndian.Uint16(b[0:2])),
		LengthIOData: binary.BigEndian.Uint16(b[2:4]),
		LengthIOPS:   binary.BigEndian.Uint16(b[4:6]),
		LengthIOCS:   binary.BigEndian.Uint16(b[6:8]),
	}
}

// Submodule is one entry of an ExpectedSubmoduleBlockReq.
type Submodule struct {
	SubslotNumber          uint16
	SubmoduleIdentNumber   uint32
	SubmoduleProperties    uint16
	Input                  DataDescription
	Output                 DataDescription
}

// hasInput/hasOutput follow from SubmoduleProperties bit 0-1 in the real
// spec; here we infer presence directly from non-zero DataDescription
// since that is the only thing the codec round-trips.
func (s Submodule) hasInput() bool  { return s.Input != NoIO }
func (s Submodule) hasOutput() bool { return s.Output != NoIO }

// ExpectedSubmoduleBlockReq describes one slot/module and its submodules,
// as sent by the controller during Connect to tell the device what it
// expects to find plugged in.
type ExpectedSubmoduleBlockReq struct {
	API                uint32
	SlotNumber         uint16
	ModuleIdentNumber  uint32
	ModuleProperties   uint16
	Submodules         []Submodule
}

// DAPSlotNumber / DAPSubslotNumber are the mandatory slot-0/subslot-1
// addressing of the Device Access Point.
const (
	DAPSlotNumber    uint16 = 0
	DAPSubslotNumber uint16 = 1
)

// NewDAPExpectedSubmodule builds the expected-submodule entry for slot 0
// subslot 1 (the DAP), which always carries NoIO in both directions.
func NewDAPExpectedSubmodule(api uint32, moduleIdent, submoduleIdent uint32) ExpectedSubmoduleBlockReq {
	return ExpectedSubmoduleBlockReq{
		API:               api,
		SlotNumber:        DAPSlotNumber,
		ModuleIdentNumber: moduleIdent,
		Submodules: []Submodule{
			{
				SubslotNumber:        DAPSubslotNumber,
				SubmoduleIdentNumber: submoduleIdent,
				Input:                NoIO,
				Output:               NoIO,
			},
		},
	}
}

func (b ExpectedSubmoduleBlockReq) encodedLen() int {
	n := 4 + 2 + 4 + 2 + 2 // API, SlotNumber, ModuleIdentNumber, ModuleProperties, NumberOfSubmodules
	for range b.Submodules {
		n += 2 + 4 + 2 + 8 + 8 // SubslotNumber, SubmoduleIdentNumber, SubmoduleProperties, Input, Output
	}
	return n
}

// Encode serializes the ExpectedSubmoduleBlockReq including its header.
// NO_IO placement must match the IOCR direction being described: a
// submodule with an empty Input carries NoIO there regardless of what the
// output IOCR expects, and vice versa — the caller is responsible for
// constructing DataDescription consistently with the IOCR it will be used
// alongside.
func (b ExpectedSubmoduleBlockReq) Encode() []byte {
	payloadLen := b.encodedLen()
	buf := make([]byte, headerSize+payloadLen)
	putHeader(buf, header{Type: TypeExpectedSubmoduleBlockReq, Length: uint16(payloadLen + 2), VersionHigh: 1, VersionLow: 0})
	p := buf[headerSize:]
	binary.BigEndian.PutUint32(p[0:4], b.API)
	binary.BigEndian.PutUint16(p[4:6], b.SlotNumber)
	binary.BigEndian.PutUint32(p[6:10], b.ModuleIdentNumber)
	binary.BigEndian.PutUint16(p[10:12], b.ModuleProperties)
	binary.BigEndian.PutUint16(p[12:14], uint16(len(b.Submodules)))
	cursor := 14
	for _, sm := range b.Submodules {
		binary.BigEndian.PutUint16(p[cursor:cursor+2], sm.SubslotNumber)
		binary.BigEndian.PutUint32(p[cursor+2:cursor+6], sm.SubmoduleIdentNumber)
		binary.BigEndian.PutUint16(p[cursor+6:cursor+8], sm.SubmoduleProperties)
		cursor += 8
		in := sm.Input.encode()
		copy(p[cursor:cursor+8], in[:])
		cursor += 8
		out := sm.Output.encode()
		copy(p[cursor:cursor+8], out[:])
		cursor += 8
	}
	return buf
}

// DecodeExpectedSubmoduleBlockReq decodes including its header.
func DecodeExpectedSubmoduleBlockReq(buf []byte) (ExpectedSubmoduleBlockReq, error) {
	h, err := getHeader(buf)
	if err != nil {
		return ExpectedSubmoduleBlockReq{}, err
	}
	if h.Type != TypeExpectedSubmoduleBlockReq {
		return ExpectedSubmoduleBlockReq{}, decodeErr(0, fmt.Errorf("%w: expected ExpectedSubmoduleBlockReq got %s", ErrInvalidBlockType, h.Type))
	}
	p := buf[headerSize:]
	if len(p) < 14 {
		return ExpectedSubmoduleBlockReq{}, decodeErr(headerSize, fmt.Errorf("%w: fixed part truncated", ErrInvalidLength))
	}
	b := ExpectedSubmoduleBlockReq{
		API:              binary.BigEndian.Uint32(p[0:4]),
		SlotNumber:       binary.BigEndian.Uint16(p[4:6]),
		ModuleIdentNumber: binary.BigEndian.Uint32(p[6:10]),
		ModuleProperties:  binary.BigEndian.Uint16(p[10:12]),
	}
	numSubmodules := int(binary.BigEndian.Uint16(p[12:14]))
	cursor := 14
	for i := 0; i < numSubmodules; i++ {
		if cursor+24 > len(p) {
			return ExpectedSubmoduleBlockReq{}, decodeErr(headerSize+cursor, fmt.Errorf("%w: submodule[%d] truncated", ErrInvalidLength, i))
		}
		sm := Submodule{
			SubslotNumber:        binary.BigEndian.Uint16(p[cursor : cursor+2]),
			SubmoduleIdentNumber: binary.BigEndian.Uint32(p[cursor+2 : cursor+6]),
			SubmoduleProperties:  binary.BigEndian.Uint16(p[cursor+6 : cursor+8]),
			Input:                decodeDataDescription(p[cursor+8 : cursor+16]),
			Output:               decodeDataDescription(p[cursor+16 : cursor+24]),
		}
		cursor += 24
		b.Submodules = append(b.Submodules, sm)
	}
	if b.SlotNumber == DAPSlotNumber {
		for _, sm := range b.Submodules {
			if sm.SubslotNumber == DAPSubslotNumber && (sm.hasInput() || sm.hasOutput()) {
				return ExpectedSubmoduleBlockReq{}, decodeErr(headerSize, fmt.Errorf("%w: DAP subslot 1 must carry NO_IO in both directions", ErrFieldOutOfRange))
			}
		}
	}
	return b, nil
}
