package block

import (
	"encoding/binary"
	"fmt"
)

// AlarmCRType distinguishes alarm CR flavours; only the standard one is
// implemented (PROFIsafe alarms are out of scope).
type AlarmCRType uint16

const AlarmCRTypeStandard AlarmCRType = 0x0001

// MaxRTATimeoutFactor is the spec-maximum rta_timeout_factor. Values above
// this are a hard encoding error, not merely a field that gets clamped.
const MaxRTATimeoutFactor = 100

// AlarmCRBlockReq is the alarm communication relationship block sent
// during Connect.
type AlarmCRBlockReq struct {
	AlarmCRType      AlarmCRType
	LT               uint16 // local alarm reference / transport
	Properties       uint32
	RTATimeoutFactor uint16
	RTARetries       uint16
	LocalAlarmReference uint16
	MaxAlarmDataLength  uint16
	AlarmCRTagHeaderHigh uint16
	AlarmCRTagHeaderLow  uint16
}

const alarmCRBlockReqLen = 2 + 2 + 4 + 2 + 2 + 2 + 2 + 2 + 2

// Encode serializes the AlarmCRBlockReq including its header. Returns
// ErrFieldOutOfRange if RTATimeoutFactor exceeds MaxRTATimeoutFactor.
func (b AlarmCRBlockReq) Encode() ([]byte, error) {
	if b.RTATimeoutFactor > MaxRTATimeoutFactor {
		return nil, fmt.Errorf("%w: rta_timeout_factor %d exceeds maximum %d", ErrFieldOutOfRange, b.RTATimeoutFactor, MaxRTATimeoutFactor)
	}
	buf := make([]byte, headerSize+alarmCRBlockReqLen)
	putHeader(buf, header{Type: TypeAlarmCRBlockReq, Length: uint16(alarmCRBlockReqLen + 2), VersionHigh: 1, VersionLow: 0})
	p := buf[headerSize:]
	binary.BigEndian.PutUint16(p[0:2], uint16(b.AlarmCRType))
	binary.BigEndian.PutUint16(p[2:4], b.LT)
	binary.BigEndian.PutUint32(p[4:8], b.Properties)
	binary.BigEndian.PutUint16(p[8:10], b.RTATimeoutFactor)
	binary.BigEndian.PutUint16(p[10:12], b.RTARetries)
	binary.BigEndian.PutUint16(p[12:14], b.LocalAlarmReference)
	binary.BigEndian.PutUint16(p[14:16], b.MaxAlarmDataLength)
	binary.BigEndian.PutUint16(p[16:18], b.AlarmCRTagHeaderHigh)
	binary.BigEndian.PutUint16(p[18:20], b.AlarmCRTagHeaderLow)
	return buf, nil
}

// DecodeAlarmCRBlockReq decodes including its header, rejecting an
// rta_timeout_factor above MaxRTATimeoutFactor as a field-out-of-range error.
func DecodeAlarmCRBlockReq(buf []byte) (AlarmCRBlockReq, error) {
	h, err := getHeader(buf)
	if err != nil {
		return AlarmCRBlockReq{}, err
	}
	if h.Type != TypeAlarmCRBlockReq {
		return AlarmCRBlockReq{}, decodeErr(0, fmt.Errorf("%w: expected AlarmCRBlockReq got %s", ErrInvalidBlockType, h.Type))
	}
	p := buf[headerSize:]
	if len(p) < alarmCRBlockReqLen {
		return AlarmCRBlockReq{}, decodeErr(headerSize, fmt.Errorf("%w: AlarmCRBlockReq truncated", ErrInvalidLength))
	}
	b := AlarmCRBlockReq{
		AlarmCRType:          AlarmCRType(binary.BigEndian.Uint16(p[0:2])),
		LT:                   binary.BigEndian.Uint16(p[2:4]),
		Properties:           binary.BigEndian.Uint32(p[4:8]),
		RTATimeoutFactor:     binary.BigEndian.Uint16(p[8:10]),
		RTARetries:           binary.BigEndian.Uint16(p[10:12]),
		LocalAlarmReference:  binary.BigEndian.Uint16(p[12:14]),
		MaxAlarmDataLength:   binary.BigEndian.Uint16(p[14:16]),
		AlarmCRTagHeaderHigh: binary.BigEndian.Uint16(p[16:18]),
		AlarmCRTagHeaderLow:  binary.BigEndian.Uint16(p[18:20]),
	}
	if b.RTATimeoutFactor > MaxRTATimeoutFactor {
		return AlarmCRBlockReq{}, decodeErr(headerSize+8, fmt.Errorf("%w: rta_timeout_factor %d exceeds maximum %d", ErrFieldOutOfRange, b.RTATimeoutFactor, MaxRTATimeoutFactor))
	}
	return b, nil
}
