package rpc

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/wtc-scada/profinet-controller/pkg/block"
)

// unknownServerBootTime is sent on the Connect request before the
// controller has learned the device's actual boot counter.
const unknownServerBootTime = 0xFFFFFFFF

// ConnectParams describes one Connect request. The AR UUID and
// CMInitiatorMAC are supplied by the caller (typically the connection
// state machine, with a fresh AR UUID per connect attempt), so the RPC
// retry inside one Connect reuses the same AR UUID. The
// CMInitiatorObjectUUID is generated inside Connect.
type ConnectParams struct {
	ARUUID                uuid.UUID
	StationName           string
	CMInitiatorMAC        [6]byte
	WatchdogFactor        uint16
	UDPRTPort             uint16
	InputIOCR             block.IOCRBlockReq
	OutputIOCR            block.IOCRBlockReq
	AlarmCR               block.AlarmCRBlockReq
	ExpectedSubmodules    []block.ExpectedSubmoduleBlockReq
}

// Connect performs the Connect RPC, assembling ARBlockReq + both IOCR
// blocks + every ExpectedSubmoduleBlockReq + AlarmCRBlockReq as the
// request payload (no inter-block padding), and returns a new Session on
// success. A non-zero PNIOStatus in the response is returned as
// *block.PNIOError and is fatal for this connect attempt.
func (c *Client) Connect(ctx context.Context, p ConnectParams) (*Session, error) {
	arReq := block.ARBlockReq{
		ARType:                block.ARTypeIOController,
		ARUUID:                p.ARUUID,
		SessionKey:            1,
		CMInitiatorMAC:        p.CMInitiatorMAC,
		CMInitiatorObjectUUID: uuid.New(),
		ARProperties:          block.ARProperties(0).WithDeviceAccess(true),
		TimeoutFactor:         p.WatchdogFactor,
		UDPRTPort:             p.UDPRTPort,
		StationName:           p.StationName,
	}
	arBytes, err := arReq.Encode()
	if err != nil {
		return nil, fmt.Errorf("rpc: encode ARBlockReq: %w", err)
	}
	inputBytes, err := p.InputIOCR.Encode()
	if err != nil {
		return nil, fmt.Errorf("rpc: encode input IOCRBlockReq: %w", err)
	}
	outputBytes, err := p.OutputIOCR.Encode()
	if err != nil {
		return nil, fmt.Errorf("rpc: encode output IOCRBlockReq: %w", err)
	}
	alarmBytes, err := p.AlarmCR.Encode()
	if err != nil {
		return nil, fmt.Errorf("rpc: encode AlarmCRBlockReq: %w", err)
	}

	payload := make([]byte, 0, 256)
	payload = append(payload, arBytes...)
	payload = append(payload, inputBytes...)
	payload = append(payload, outputBytes...)
	for _, sm := range p.ExpectedSubmodules {
		payload = append(payload, sm.Encode()...)
	}
	payload = append(payload, alarmBytes...)

	activityUUID := uuid.New()
	respHeader, respPayload, err := c.call(ctx, p.ARUUID, activityUUID, unknownServerBootTime, OpnumConnect, FlagsConnect, payload)
	if err != nil {
		return nil, err
	}

	arRes, err := parseARBlockRes(respPayload)
	if err != nil {
		return nil, err
	}
	_ = arRes // the responder's MAC and UDP port are informational only

	session := &Session{
		ARUUID:         p.ARUUID,
		SessionUUID:    uuid.New(),
		ActivityUUID:   activityUUID,
		ServerBootTime: respHeader.ServerBootTime,
		StationName:    p.StationName,
		RemoteAddr:     c.remote,
		WatchdogFactor: p.WatchdogFactor,
		InputIOCR:      p.InputIOCR,
		OutputIOCR:     p.OutputIOCR,
		AlarmCR:        p.AlarmCR,
	}
	return session, nil
}

// parseARBlockRes extracts the ARBlockRes from a Connect response payload,
// which may be preceded by IOCRBlockRes/other confirmation blocks this
// controller does not need to act on.
func parseARBlockRes(payload []byte) (block.ARBlockRes, error) {
	offset := 0
	for offset+6 <= len(payload) {
		blockType := binary.BigEndian.Uint16(payload[offset : offset+2])
		blockLen := binary.BigEndian.Uint16(payload[offset+2 : offset+4])
		total := int(blockLen) + 4
		if offset+total > len(payload) {
			break
		}
		if block.Type(blockType) == block.TypeARBlockRes {
			return block.DecodeARBlockRes(payload[offset : offset+total])
		}
		offset += total
	}
	return block.ARBlockRes{}, fmt.Errorf("rpc: ARBlockRes not found in Connect response")
}
