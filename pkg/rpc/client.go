package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wtc-scada/profinet-controller/internal/rawsock"
	"github.com/wtc-scada/profinet-controller/pkg/block"
)

// DefaultTimeout is the per-call RPC timeout before one retry is attempted.
const DefaultTimeout = 3 * time.Second

// ErrTimeout is returned once the single retry also times out.
var ErrTimeout = errors.New("rpc: timeout")

// Session holds everything that must persist across one Application
// Relationship, from a successful Connect to Release or a fatal error. It
// is exclusively owned by the Connection State Machine instance that
// created it.
type Session struct {
	ARUUID       uuid.UUID
	SessionUUID  uuid.UUID
	ActivityUUID uuid.UUID
	ServerBootTime uint32
	sequence     uint32

	StationName string
	RemoteAddr  *net.UDPAddr

	CycleTimeMs    uint32
	WatchdogFactor uint16

	InputIOCR  block.IOCRBlockReq
	OutputIOCR block.IOCRBlockReq
	AlarmCR    block.AlarmCRBlockReq
}

func (s *Session) nextSequence() uint32 {
	return atomic.AddUint32(&s.sequence, 1)
}

// Client is one RPC endpoint: a UDP socket bound to the controller's real
// interface address, used for the acyclic Connect/Read/Write/Release
// exchange with exactly one remote RTU.
type Client struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	logger  *slog.Logger
	timeout time.Duration
}

// Dial opens a new ephemeral UDP socket bound to localIP and targeting the
// remote RTU's RPC endpoint. One Client (and its socket) is created per AR
// session.
func Dial(localIP net.IP, remote *net.UDPAddr, logger *slog.Logger) (*Client, error) {
	conn, err := rawsock.BoundUDPConn(localIP, 0)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, remote: remote, logger: logger, timeout: DefaultTimeout}, nil
}

// Close releases the underlying UDP socket.
func (c *Client) Close() error { return c.conn.Close() }

// call sends one RPC request and waits for the matching response, retrying
// once on timeout before returning ErrTimeout. Not safe for concurrent use
// on the same Session (callers serialize acyclic calls per session, per
// the connection state machine's one-call-in-flight design).
func (c *Client) call(ctx context.Context, objectUUID, activityUUID uuid.UUID, serverBootTime uint32, opnum Opnum, flags1 Flags1, payload []byte) (Header, []byte, error) {
	req := Header{
		Version:        4,
		PacketType:     PacketTypeRequest,
		Flags1:         flags1,
		ObjectUUID:     objectUUID,
		InterfaceUUID:  PNIODeviceInterfaceUUID,
		ActivityUUID:   activityUUID,
		ServerBootTime: serverBootTime,
		Opnum:          opnum,
		FragmentLength: uint16(NDRHeaderSize + len(payload)),
	}
	pdu := EncodePDU(req, payload)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return Header{}, nil, err
		}
		respHeader, respPayload, err := c.roundTrip(pdu)
		if err == nil {
			return respHeader, respPayload, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTimeout) {
			return Header{}, nil, err
		}
		c.logger.Warn("rpc call timed out, retrying", "opnum", opnum, "attempt", attempt)
	}
	return Header{}, nil, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
}

func (c *Client) roundTrip(pdu []byte) (Header, []byte, error) {
	if _, err := c.conn.WriteToUDP(pdu, c.remote); err != nil {
		return Header{}, nil, fmt.Errorf("rpc: send: %w", err)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return Header{}, nil, err
	}
	buf := make([]byte, 4096)
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Header{}, nil, ErrTimeout
		}
		return Header{}, nil, fmt.Errorf("rpc: recv: %w", err)
	}
	respHeader, _, payload, err := DecodePDU(buf[:n])
	if err != nil {
		return Header{}, nil, err
	}
	if respHeader.PacketType == PacketTypeFault {
		status, serr := block.DecodePNIOStatus(payload)
		if serr != nil {
			return Header{}, nil, fmt.Errorf("rpc: fault with undecodable status: %w", serr)
		}
		return Header{}, nil, &block.PNIOError{Status: status}
	}
	return respHeader, payload, nil
}
