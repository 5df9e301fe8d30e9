package block

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestARBlockReqRoundTrip(t *testing.T) {
	req := ARBlockReq{
		ARType:                ARTypeIOController,
		ARUUID:                uuid.MustParse("0123abcd-4567-89ab-cdef-0123456789ab"),
		SessionKey:            1,
		CMInitiatorMAC:        [6]byte{0x00, 0x0e, 0xcf, 0x01, 0x02, 0x03},
		CMInitiatorObjectUUID: uuid.New(),
		ARProperties:          ARProperties(0).WithDeviceAccess(true),
		TimeoutFactor:         3,
		UDPRTPort:             0xc000,
		StationNameLength:     17,
		StationName:           "wtc-controller-01",
	}
	encoded, err := req.Encode()
	require.NoError(t, err)

	decoded, err := DecodeARBlockReq(encoded)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	reencoded, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded)
}

func TestARPropertiesDeviceAccessBitIsBit4(t *testing.T) {
	p := ARProperties(0).WithDeviceAccess(true)
	assert.Equal(t, ARProperties(1<<4), p)
	assert.True(t, p.DeviceAccess())
	assert.False(t, ARProperties(1<<1).DeviceAccess())
}

func TestIOCRTagHeaderRegressionVLANPriority(t *testing.T) {
	// S4: the fixture asserting 0x0000 must fail, and encoding must reject it.
	req := IOCRBlockReq{
		IOCRType:      IOCRTypeOutput,
		FrameID:       0x8000,
		IOCRTagHeader: IOCRTagHeaderDefault,
	}
	encoded, err := req.Encode()
	require.NoError(t, err)
	decoded, err := DecodeIOCRBlockReq(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xC000), decoded.IOCRTagHeader)
	assert.NotEqual(t, uint16(0x0000), decoded.IOCRTagHeader)

	zero := IOCRBlockReq{IOCRType: IOCRTypeOutput, FrameID: 0x8000, IOCRTagHeader: 0}
	_, err = zero.Encode()
	assert.ErrorIs(t, err, ErrFieldOutOfRange)
}

func TestIOCRBlockReqRoundTripWithAPIs(t *testing.T) {
	req := IOCRBlockReq{
		IOCRType:        IOCRTypeInput,
		FrameID:         0x8001,
		SendClockFactor: 32,
		ReductionRatio:  1,
		WatchdogFactor:  3,
		IOCRTagHeader:   IOCRTagHeaderDefault,
		APIs: []IOCRAPI{
			{
				API: 0,
				IODataObjects: []SubmoduleFrameOffset{
					{SubslotNumber: 0x8000, FrameOffset: 2},
					{SubslotNumber: 1, FrameOffset: 7},
				},
				IOCSObjects: []SubmoduleFrameOffset{
					{SubslotNumber: 1, FrameOffset: 11},
				},
			},
		},
	}
	encoded, err := req.Encode()
	require.NoError(t, err)
	decoded, err := DecodeIOCRBlockReq(encoded)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestLayoutSubmodulesAccountsForStatusByte(t *testing.T) {
	offsets := LayoutSubmodules([]uint16{5, 5, 4})
	require.Len(t, offsets, 3)
	assert.Equal(t, uint16(2), offsets[0].FrameOffset)
	assert.Equal(t, uint16(8), offsets[1].FrameOffset) // 2 + 5 + 1(IOPS)
	assert.Equal(t, uint16(14), offsets[2].FrameOffset) // 8 + 5 + 1
	assert.Equal(t, uint16(19), FrameSize([]uint16{5, 5, 4})) // 14 + 4 + 1
}

func TestExpectedSubmoduleBlockReqDAPMustBeNoIO(t *testing.T) {
	good := NewDAPExpectedSubmodule(0, 1, 1)
	encoded := good.Encode()
	decoded, err := DecodeExpectedSubmoduleBlockReq(encoded)
	require.NoError(t, err)
	assert.Equal(t, good, decoded)

	bad := good
	bad.Submodules = []Submodule{{
		SubslotNumber:        DAPSubslotNumber,
		SubmoduleIdentNumber: 1,
		Input:                DataDescription{Type: DataDescriptionInput, LengthIOData: 1, LengthIOPS: 1},
	}}
	_, err = DecodeExpectedSubmoduleBlockReq(bad.Encode())
	assert.ErrorIs(t, err, ErrFieldOutOfRange)
}

func TestExpectedSubmoduleBlockReqRoundTripWithIO(t *testing.T) {
	req := ExpectedSubmoduleBlockReq{
		API:               0,
		SlotNumber:        1,
		ModuleIdentNumber: 0x1234,
		Submodules: []Submodule{
			{
				SubslotNumber:        1,
				SubmoduleIdentNumber: 0x1,
				Input:                DataDescription{Type: DataDescriptionInput, LengthIOData: 5, LengthIOPS: 1},
				Output:               NoIO,
			},
		},
	}
	decoded, err := DecodeExpectedSubmoduleBlockReq(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestAlarmCRRTATimeoutFactorMax(t *testing.T) {
	ok := AlarmCRBlockReq{AlarmCRType: AlarmCRTypeStandard, RTATimeoutFactor: MaxRTATimeoutFactor}
	encoded, err := ok.Encode()
	require.NoError(t, err)
	decoded, err := DecodeAlarmCRBlockReq(encoded)
	require.NoError(t, err)
	assert.Equal(t, ok, decoded)

	bad := AlarmCRBlockReq{AlarmCRType: AlarmCRTypeStandard, RTATimeoutFactor: MaxRTATimeoutFactor + 1}
	_, err = bad.Encode()
	assert.ErrorIs(t, err, ErrFieldOutOfRange)
}

func TestIODReadHeaderRoundTrip(t *testing.T) {
	h := IODReadHeader{Seq: 1, API: 0, SlotNumber: 1, SubslotNumber: 1, Index: 0xaff0, MaxLength: 512}
	decoded, res, err := DecodeIODReadHeader(h.Encode(false))
	require.NoError(t, err)
	assert.False(t, res)
	assert.Equal(t, h, decoded)
}

func TestIODWriteHeaderRoundTripWithStatus(t *testing.T) {
	h := IODWriteHeader{Seq: 2, API: 0, SlotNumber: 1, SubslotNumber: 1, Index: 0x8010, Length: 4,
		Status: PNIOStatus{ErrorCode: 0xde, ErrorDecode: 0x80, ErrorCode1: 0xa0, ErrorCode2: 0x01}}
	decoded, res, err := DecodeIODWriteHeader(h.Encode(true))
	require.NoError(t, err)
	assert.True(t, res)
	assert.Equal(t, h, decoded)
}

func TestPNIOStatusIsOK(t *testing.T) {
	assert.True(t, PNIOStatus{}.IsOK())
	assert.False(t, PNIOStatus{ErrorCode: 1}.IsOK())
}

func TestIODControlReqRoundTrip(t *testing.T) {
	req := IODControlReq{AREP: 1, ControlCommand: ControlCommandPrmEnd}
	decoded, isRes, err := DecodeIODControl(req.EncodeReq())
	require.NoError(t, err)
	assert.False(t, isRes)
	assert.Equal(t, req, decoded)

	res := IODControlReq{AREP: 1, ControlCommand: ControlCommandApplicationReady, Status: PNIOStatus{ErrorCode: 1}}
	decoded, isRes, err = DecodeIODControl(res.EncodeRes())
	require.NoError(t, err)
	assert.True(t, isRes)
	assert.Equal(t, res, decoded)
}

func TestDecoderNeverPanicsOnTruncatedInput(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x01},
		{0x01, 0x01, 0x00, 0x02, 0x01, 0x00},
		make([]byte, 5),
	}
	decoders := []func([]byte) error{
		func(b []byte) error { _, err := DecodeARBlockReq(b); return err },
		func(b []byte) error { _, err := DecodeIOCRBlockReq(b); return err },
		func(b []byte) error { _, err := DecodeExpectedSubmoduleBlockReq(b); return err },
		func(b []byte) error { _, err := DecodeAlarmCRBlockReq(b); return err },
	}
	for _, in := range inputs {
		for _, dec := range decoders {
			assert.NotPanics(t, func() {
				_ = dec(in)
			})
		}
	}
}
