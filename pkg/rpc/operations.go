package rpc

import (
	"context"
	"fmt"

	"github.com/wtc-scada/profinet-controller/pkg/block"
)

// arep is always 1: this controller supports exactly one AR per session
// (multiple controllers per RTU, and multiple ARs within one session, are
// both explicitly out of scope).
const arep = 1

func (c *Client) controlCall(ctx context.Context, s *Session, cmd block.ControlCommand) error {
	req := block.IODControlReq{AREP: arep, ControlCommand: cmd}
	_, respPayload, err := c.call(ctx, s.ARUUID, s.ActivityUUID, s.ServerBootTime, OpnumControl, FlagsConnect, req.EncodeReq())
	if err != nil {
		return err
	}
	res, isRes, err := block.DecodeIODControl(respPayload)
	if err != nil {
		return err
	}
	if !isRes {
		return fmt.Errorf("rpc: expected IODControlRes, got a request-shaped block")
	}
	if !res.Status.IsOK() {
		return &block.PNIOError{Status: res.Status}
	}
	return nil
}

// PrmEnd signals that parameterization is complete, per spec.md §4.4: on
// success the connection state machine proceeds to wait for
// ApplicationReady.
func (c *Client) PrmEnd(ctx context.Context, s *Session) error {
	return c.controlCall(ctx, s, block.ControlCommandPrmEnd)
}

// ApplicationReadyAck sends an IODControlReq carrying the ApplicationReady
// command and succeeds only when the device answers with an IODControlRes
// whose PNIOStatus is OK. It does not listen for a device-initiated
// ApplicationReady request. A cyclic frame with IOPS=GOOD is not treated
// as sufficient: this RPC exchange must succeed before the session may be
// considered RUNNING.
func (c *Client) ApplicationReadyAck(ctx context.Context, s *Session) error {
	return c.controlCall(ctx, s, block.ControlCommandApplicationReady)
}

// RecordIndexIM0 is the I&M0 (identification & maintenance) record index.
// Devices that reject this read (notably with index 0xF844, a related
// I&M record) should be handled by ReadRecord callers as a non-fatal
// fallback, per spec.md §9 — this controller still completes Connect
// without I&M data rather than escalating to ERROR.
const RecordIndexIM0 = 0xAFF0

// ReadRecord reads an acyclic parameter record, returning the raw record
// bytes. A non-zero PNIOStatus is returned as *block.PNIOError.
func (c *Client) ReadRecord(ctx context.Context, s *Session, api uint32, slot, subslot uint16, index uint16, maxLen uint32) ([]byte, error) {
	hdr := block.IODReadHeader{API: api, SlotNumber: slot, SubslotNumber: subslot, Index: index, MaxLength: maxLen}
	_, respPayload, err := c.call(ctx, s.ARUUID, s.ActivityUUID, s.ServerBootTime, OpnumRead, FlagsConnect, hdr.Encode(false))
	if err != nil {
		return nil, err
	}
	resHdr, isRes, err := block.DecodeIODReadHeader(respPayload)
	if err != nil {
		return nil, err
	}
	if !isRes {
		return nil, fmt.Errorf("rpc: expected IODReadResHeader, got a request-shaped block")
	}
	const readHeaderWireLen = 6 + 16 // header(6) + fixed fields(16), matches iodReadHeaderLen+headerSize in pkg/block
	if len(respPayload) < readHeaderWireLen {
		return nil, fmt.Errorf("rpc: read response shorter than its own header")
	}
	data := respPayload[readHeaderWireLen:]
	if uint32(len(data)) > resHdr.MaxLength && resHdr.MaxLength != 0 {
		data = data[:resHdr.MaxLength]
	}
	return data, nil
}

// WriteRecord writes an acyclic parameter record.
func (c *Client) WriteRecord(ctx context.Context, s *Session, api uint32, slot, subslot uint16, index uint16, payload []byte) error {
	hdr := block.IODWriteHeader{API: api, SlotNumber: slot, SubslotNumber: subslot, Index: index, Length: uint32(len(payload))}
	req := append(hdr.Encode(false), payload...)
	_, respPayload, err := c.call(ctx, s.ARUUID, s.ActivityUUID, s.ServerBootTime, OpnumWrite, FlagsConnect, req)
	if err != nil {
		return err
	}
	resHdr, isRes, err := block.DecodeIODWriteHeader(respPayload)
	if err != nil {
		return err
	}
	if !isRes {
		return fmt.Errorf("rpc: expected IODWriteResHeader, got a request-shaped block")
	}
	if !resHdr.Status.IsOK() {
		return &block.PNIOError{Status: resHdr.Status}
	}
	return nil
}

// Release tears down the AR. Per spec.md §4.4 this is invoked from any
// state on operator release, and from the orchestrator's shutdown drain.
func (c *Client) Release(ctx context.Context, s *Session) error {
	return c.controlCall(ctx, s, block.ControlCommandRelease)
}
