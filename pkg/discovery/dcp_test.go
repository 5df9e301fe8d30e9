package discovery

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifyAllRequestIsWellFormed(t *testing.T) {
	req := buildIdentifyAllRequest(0x1234)
	h, blocks, err := decodeDCPHeader(req)
	require.NoError(t, err)
	assert.Equal(t, ServiceIDIdentify, h.ServiceID)
	assert.Equal(t, ServiceTypeRequest, h.ServiceType)
	assert.EqualValues(t, 0x1234, h.Xid)
	assert.Equal(t, []byte{optionAllSelector, suboptionAllSelector, 0, 0}, blocks)
}

func TestParseIdentifyResponseExtractsStationNameIPAndDeviceID(t *testing.T) {
	mac := [6]byte{0x00, 0x0e, 0xcf, 0x11, 0x22, 0x33}
	var payload []byte
	payload = append(payload, encodeBlock(optionDevice, suboptionNameOfStation, []byte("wtc-rtu-01"))...)
	ipVal := append(append(append([]byte{}, net.IPv4(192, 0, 2, 20).To4()...), net.IPv4(255, 255, 255, 0).To4()...), net.IPv4(192, 0, 2, 1).To4()...)
	payload = append(payload, encodeBlock(optionIP, suboptionIPAddr, ipVal)...)
	devID := make([]byte, 4)
	binary.BigEndian.PutUint16(devID[0:2], 0x002A)
	binary.BigEndian.PutUint16(devID[2:4], 0x0101)
	payload = append(payload, encodeBlock(optionDevice, suboptionDeviceID, devID)...)

	info, err := parseIdentifyResponse(mac, payload)
	require.NoError(t, err)
	assert.Equal(t, "wtc-rtu-01", info.StationName)
	assert.True(t, net.IPv4(192, 0, 2, 20).Equal(info.IP))
	assert.True(t, net.IPv4(255, 255, 255, 0).Equal(info.Netmask))
	assert.True(t, net.IPv4(192, 0, 2, 1).Equal(info.Gateway))
	assert.EqualValues(t, 0x002A, info.VendorID)
	assert.EqualValues(t, 0x0101, info.DeviceID)
	assert.Equal(t, mac, info.MAC)
}

func TestParseIdentifyResponseDefaultsUnconfiguredIPToZero(t *testing.T) {
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	payload := encodeBlock(optionDevice, suboptionNameOfStation, []byte("wtc-rtu-02"))
	info, err := parseIdentifyResponse(mac, payload)
	require.NoError(t, err)
	assert.True(t, net.IPv4zero.Equal(info.IP))
}

func TestEthernetFrameRoundTrip(t *testing.T) {
	dst := [6]byte{1, 2, 3, 4, 5, 6}
	src := [6]byte{6, 5, 4, 3, 2, 1}
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	frame := buildEthernetFrame(dst, src, payload)

	gotSrc, etherType, gotPayload, err := decodeEthernetFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, src, gotSrc)
	assert.EqualValues(t, EtherTypePROFINET, etherType)
	assert.Equal(t, payload, gotPayload)
}

func TestEthernetFrameDecodeUnwrapsOneVLANTag(t *testing.T) {
	src := [6]byte{6, 5, 4, 3, 2, 1}
	dst := [6]byte{1, 2, 3, 4, 5, 6}
	payload := []byte{0x11, 0x22}
	frame := make([]byte, 18+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], 0x8100) // VLAN tag
	binary.BigEndian.PutUint16(frame[14:16], 0x2000)  // TCI, priority nonzero
	binary.BigEndian.PutUint16(frame[16:18], EtherTypePROFINET)
	copy(frame[18:], payload)

	gotSrc, etherType, gotPayload, err := decodeEthernetFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, src, gotSrc)
	assert.EqualValues(t, EtherTypePROFINET, etherType)
	assert.Equal(t, payload, gotPayload)
}

func TestSetIPRequestCarriesIPNetmaskGateway(t *testing.T) {
	req := buildSetIPRequest(7, net.IPv4(192, 0, 2, 30), net.IPv4(255, 255, 255, 0), net.IPv4(192, 0, 2, 1))
	h, blocks, err := decodeDCPHeader(req)
	require.NoError(t, err)
	assert.Equal(t, ServiceIDSet, h.ServiceID)
	assert.EqualValues(t, 7, h.Xid)
	require.Len(t, blocks, 16)
	assert.Equal(t, uint8(optionIP), blocks[0])
	assert.Equal(t, uint8(suboptionIPAddr), blocks[1])
	assert.True(t, net.IP(blocks[4:8]).Equal(net.IPv4(192, 0, 2, 30)))
}
