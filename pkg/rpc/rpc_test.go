package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wtc-scada/profinet-controller/pkg/block"
)

func TestHeaderEncodeSizeIsExactly80Bytes(t *testing.T) {
	h := Header{Version: 4, PacketType: PacketTypeRequest, Flags1: FlagsConnect,
		ObjectUUID: uuid.New(), InterfaceUUID: PNIODeviceInterfaceUUID, ActivityUUID: uuid.New(),
		Opnum: OpnumConnect}
	assert.Len(t, h.Encode(), HeaderSize)
}

func TestNDRHeaderSizeIsExactly20Bytes(t *testing.T) {
	ndr := NewNDRHeader(42)
	assert.Len(t, ndr.Encode(), NDRHeaderSize)
}

func TestEncodePDUArgsLengthMatchesPayload(t *testing.T) {
	payload := make([]byte, 37)
	pdu := EncodePDU(Header{Version: 4, Opnum: OpnumRead}, payload)
	_, ndr, decodedPayload, err := DecodePDU(pdu)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), ndr.ArgsLength)
	assert.EqualValues(t, len(payload), ndr.ActualCount)
	assert.Len(t, decodedPayload, len(payload))
}

func TestUUIDSwapIsInvolution(t *testing.T) {
	u := uuid.MustParse("0123abcd-4567-89ab-cdef-0123456789ab")
	var raw [16]byte
	copy(raw[:], u[:])
	once := swapUUID(raw)
	twice := swapUUID(once)
	assert.Equal(t, raw, twice)
}

func TestUUIDSwapWireBytes(t *testing.T) {
	// S2: object_uuid for AR UUID 0123abcd-4567-89ab-cdef-0123456789ab
	// appears on the wire as cd ab 23 01 67 45 ab 89 cd ef 01 23 45 67 89 ab.
	u := uuid.MustParse("0123abcd-4567-89ab-cdef-0123456789ab")
	h := Header{Version: 4, ObjectUUID: u, InterfaceUUID: u, ActivityUUID: u}
	encoded := h.Encode()
	want := []byte{0xcd, 0xab, 0x23, 0x01, 0x67, 0x45, 0xab, 0x89, 0xcd, 0xef, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab}
	assert.Equal(t, want, encoded[8:24])
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Version: 4, PacketType: PacketTypeResponse, Flags1: FlagsConnect, Flags2: 0,
		SerialHigh: 1, ObjectUUID: uuid.New(), InterfaceUUID: PNIODeviceInterfaceUUID,
		ActivityUUID: uuid.New(), ServerBootTime: 123456, InterfaceVersion: 1,
		SequenceNumber: 7, Opnum: OpnumConnect, FragmentLength: 50, SerialLow: 9,
	}
	decoded, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestBlockUUIDsAreNotSwapped(t *testing.T) {
	// UUIDs embedded in PNIO blocks (e.g. ARBlockReq.ARUUID) are written in
	// canonical network byte order, unlike RPC-header UUID fields.
	u := uuid.MustParse("0123abcd-4567-89ab-cdef-0123456789ab")
	req := block.ARBlockReq{ARUUID: u, CMInitiatorObjectUUID: uuid.New(), StationName: "x"}
	encoded, err := req.Encode()
	require.NoError(t, err)
	raw, _ := u.MarshalBinary()
	assert.Contains(t, string(encoded), string(raw))
}

// fakeDevice drops the first answerOnAttempt-1 datagrams it receives and
// answers every one after that: answerOnAttempt=2 exercises the
// one-retry-then-succeed path, and a value the test never reaches
// exercises the Timeout path.
func fakeDevice(t *testing.T, answerOnAttempt int) (*net.UDPAddr, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		attempts := 0
		buf := make([]byte, 4096)
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			attempts++
			if answerOnAttempt > 0 && attempts < answerOnAttempt {
				continue // drop, simulating S3 missing-NDR-style silent drop / lost packet
			}
			reqHeader, err := DecodeHeader(buf[:n])
			if err != nil {
				return
			}
			arRes := block.ARBlockRes{ARType: block.ARTypeIOController, ARUUID: reqHeader.ObjectUUID, SessionKey: 1}
			resHeader := reqHeader
			resHeader.PacketType = PacketTypeResponse
			resHeader.ServerBootTime = 99
			pdu := EncodePDU(resHeader, arRes.Encode())
			_, _ = conn.WriteToUDP(pdu, raddr)
			select {
			case <-done:
				return
			default:
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr), func() { close(done); conn.Close() }
}

func TestConnectSucceedsOnFirstAttempt(t *testing.T) {
	remote, cleanup := fakeDevice(t, 1)
	defer cleanup()

	client, err := Dial(net.IPv4(127, 0, 0, 1), remote, nil)
	require.NoError(t, err)
	defer client.Close()

	session, err := client.Connect(context.Background(), ConnectParams{
		ARUUID:      uuid.New(),
		StationName: "wtc-rtu-01",
		InputIOCR:   block.IOCRBlockReq{IOCRType: block.IOCRTypeInput, FrameID: 0x8001, IOCRTagHeader: block.IOCRTagHeaderDefault},
		OutputIOCR:  block.IOCRBlockReq{IOCRType: block.IOCRTypeOutput, FrameID: 0x8002, IOCRTagHeader: block.IOCRTagHeaderDefault},
		AlarmCR:     block.AlarmCRBlockReq{AlarmCRType: block.AlarmCRTypeStandard, RTATimeoutFactor: 10},
		ExpectedSubmodules: []block.ExpectedSubmoduleBlockReq{
			block.NewDAPExpectedSubmodule(0, 1, 1),
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 99, session.ServerBootTime)
}

func TestConnectRetriesOnceThenSucceeds(t *testing.T) {
	// S3-adjacent: first attempt is dropped (simulating a lost/rejected
	// frame), the retry succeeds.
	remote, cleanup := fakeDevice(t, 2)
	defer cleanup()

	client, err := Dial(net.IPv4(127, 0, 0, 1), remote, nil)
	require.NoError(t, err)
	client.timeout = 300 * time.Millisecond
	defer client.Close()

	_, err = client.Connect(context.Background(), ConnectParams{
		ARUUID:      uuid.New(),
		StationName: "wtc-rtu-01",
		InputIOCR:   block.IOCRBlockReq{IOCRType: block.IOCRTypeInput, FrameID: 0x8001, IOCRTagHeader: block.IOCRTagHeaderDefault},
		OutputIOCR:  block.IOCRBlockReq{IOCRType: block.IOCRTypeOutput, FrameID: 0x8002, IOCRTagHeader: block.IOCRTagHeaderDefault},
		AlarmCR:     block.AlarmCRBlockReq{AlarmCRType: block.AlarmCRTypeStandard, RTATimeoutFactor: 10},
		ExpectedSubmodules: []block.ExpectedSubmoduleBlockReq{
			block.NewDAPExpectedSubmodule(0, 1, 1),
		},
	})
	require.NoError(t, err)
}

func TestConnectTimesOutAfterOneRetryWhenDeviceNeverAnswers(t *testing.T) {
	remote, cleanup := fakeDevice(t, 1000) // never reaches that many attempts within the test
	defer cleanup()

	client, err := Dial(net.IPv4(127, 0, 0, 1), remote, nil)
	require.NoError(t, err)
	client.timeout = 100 * time.Millisecond
	defer client.Close()

	_, err = client.Connect(context.Background(), ConnectParams{
		ARUUID:      uuid.New(),
		StationName: "wtc-rtu-01",
		InputIOCR:   block.IOCRBlockReq{IOCRType: block.IOCRTypeInput, FrameID: 0x8001, IOCRTagHeader: block.IOCRTagHeaderDefault},
		OutputIOCR:  block.IOCRBlockReq{IOCRType: block.IOCRTypeOutput, FrameID: 0x8002, IOCRTagHeader: block.IOCRTagHeaderDefault},
		AlarmCR:     block.AlarmCRBlockReq{AlarmCRType: block.AlarmCRTypeStandard, RTATimeoutFactor: 10},
		ExpectedSubmodules: []block.ExpectedSubmoduleBlockReq{
			block.NewDAPExpectedSubmodule(0, 1, 1),
		},
	})
	assert.ErrorIs(t, err, ErrTimeout)
}
