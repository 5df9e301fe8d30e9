// Package discovery implements the PROFINET DCP (Discovery and basic
// Configuration Protocol) Identify-All exchange over a raw Ethernet
// socket, and the Set-IP provisioning operation for unconfigured
// devices.
package discovery

import (
	"encoding/binary"
	"fmt"
	"net"
)

// EtherTypePROFINET is the EtherType carrying both DCP and cyclic frames.
const EtherTypePROFINET = 0x8892

// IdentifyMulticastMAC is the destination MAC for DCP Identify requests.
var IdentifyMulticastMAC = [6]byte{0x01, 0x0e, 0xcf, 0x00, 0x00, 0x00}

// ServiceID identifies the kind of DCP service.
type ServiceID uint8

const (
	ServiceIDIdentify ServiceID = 5
	ServiceIDSet      ServiceID = 4
)

// ServiceType distinguishes request/response/success/error within a service.
type ServiceType uint8

const (
	ServiceTypeRequest     ServiceType = 0
	ServiceTypeResponse    ServiceType = 1
	ServiceTypeSuccess     ServiceType = 0
	ServiceTypeErrorReturn ServiceType = 5
)

// dcpHeader is the fixed part of every DCP frame following the Ethernet
// header (and an optional 4-byte 802.1Q tag the caller has already
// stripped).
type dcpHeader struct {
	ServiceID      ServiceID
	ServiceType    ServiceType
	Xid            uint32
	ResponseDelay  uint16
	DCPDataLength  uint16
}

const dcpHeaderLen = 1 + 1 + 4 + 2 + 2

// option/suboption numbers used by this controller. PROFINET defines many
// more; only the ones this system reads or writes are named.
const (
	optionIP         = 0x01
	suboptionIPAddr  = 0x02
	optionDevice     = 0x02
	suboptionNameOfStation = 0x02
	suboptionDeviceID      = 0x03
	optionAllSelector = 0xff
	suboptionAllSelector = 0xff
)

// DeviceInfo is everything the controller learns about one RTU from a
// single Identify response.
type DeviceInfo struct {
	MAC         [6]byte
	StationName string
	IP          net.IP // may be 0.0.0.0 (unconfigured)
	Netmask     net.IP
	Gateway     net.IP
	VendorID    uint16
	DeviceID    uint16
}

// buildIdentifyAllRequest assembles a DCP Identify-All request block (the
// "AllSelector" option) with the given transaction id.
func buildIdentifyAllRequest(xid uint32) []byte {
	block := encodeBlock(optionAllSelector, suboptionAllSelector, nil)
	return encodeDCPFrame(dcpHeader{
		ServiceID:     ServiceIDIdentify,
		ServiceType:   ServiceTypeRequest,
		Xid:           xid,
		DCPDataLength: uint16(len(block)),
	}, block)
}

// encodeBlock serializes one DCP option/suboption TLV: {option u8,
// suboption u8, length u16, value, pad-to-even}.
func encodeBlock(option, suboption uint8, value []byte) []byte {
	length := len(value)
	padded := length
	if padded%2 != 0 {
		padded++
	}
	buf := make([]byte, 4+padded)
	buf[0] = option
	buf[1] = suboption
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	copy(buf[4:], value)
	return buf
}

func encodeDCPFrame(h dcpHeader, payload []byte) []byte {
	buf := make([]byte, dcpHeaderLen+len(payload))
	buf[0] = uint8(h.ServiceID)
	buf[1] = uint8(h.ServiceType)
	binary.BigEndian.PutUint32(buf[2:6], h.Xid)
	binary.BigEndian.PutUint16(buf[6:8], h.ResponseDelay)
	binary.BigEndian.PutUint16(buf[8:10], h.DCPDataLength)
	copy(buf[10:], payload)
	return buf
}

func decodeDCPHeader(buf []byte) (dcpHeader, []byte, error) {
	if len(buf) < dcpHeaderLen {
		return dcpHeader{}, nil, fmt.Errorf("discovery: DCP frame shorter than header (%d bytes)", len(buf))
	}
	h := dcpHeader{
		ServiceID:     ServiceID(buf[0]),
		ServiceType:   ServiceType(buf[1]),
		Xid:           binary.BigEndian.Uint32(buf[2:6]),
		ResponseDelay: binary.BigEndian.Uint16(buf[6:8]),
		DCPDataLength: binary.BigEndian.Uint16(buf[8:10]),
	}
	rest := buf[dcpHeaderLen:]
	if len(rest) < int(h.DCPDataLength) {
		return dcpHeader{}, nil, fmt.Errorf("discovery: DCP payload shorter than DCPDataLength")
	}
	return h, rest[:h.DCPDataLength], nil
}

// parseIdentifyResponse walks the blocks of an Identify response and fills
// in a DeviceInfo. Unknown options/suboptions are skipped, not fatal.
func parseIdentifyResponse(mac [6]byte, payload []byte) (DeviceInfo, error) {
	info := DeviceInfo{MAC: mac}
	offset := 0
	for offset+4 <= len(payload) {
		option := payload[offset]
		suboption := payload[offset+1]
		length := int(binary.BigEndian.Uint16(payload[offset+2 : offset+4]))
		valStart := offset + 4
		if valStart+length > len(payload) {
			return info, fmt.Errorf("discovery: block at offset %d truncated", offset)
		}
		value := payload[valStart : valStart+length]
		switch {
		case option == optionDevice && suboption == suboptionNameOfStation:
			info.StationName = string(value)
		case option == optionDevice && suboption == suboptionDeviceID && length >= 4:
			info.VendorID = binary.BigEndian.Uint16(value[0:2])
			info.DeviceID = binary.BigEndian.Uint16(value[2:4])
		case option == optionIP && suboption == suboptionIPAddr && length >= 12:
			info.IP = net.IP(append([]byte(nil), value[0:4]...))
			info.Netmask = net.IP(append([]byte(nil), value[4:8]...))
			info.Gateway = net.IP(append([]byte(nil), value[8:12]...))
		}
		padded := length
		if padded%2 != 0 {
			padded++
		}
		offset = valStart + padded
	}
	if info.IP == nil {
		info.IP = net.IPv4zero
	}
	return info, nil
}

// buildSetIPRequest assembles a DCP Set request provisioning a station's
// IP/netmask/gateway. Engine.SetIP sends it unicast to the device's current
// MAC and does not wait for the device's reply.
func buildSetIPRequest(xid uint32, ip, netmask, gateway net.IP) []byte {
	value := make([]byte, 12)
	copy(value[0:4], ip.To4())
	copy(value[4:8], netmask.To4())
	copy(value[8:12], gateway.To4())
	block := encodeBlock(optionIP, suboptionIPAddr, value)
	return encodeDCPFrame(dcpHeader{
		ServiceID:     ServiceIDSet,
		ServiceType:   ServiceTypeRequest,
		Xid:           xid,
		DCPDataLength: uint16(len(block)),
	}, block)
}
