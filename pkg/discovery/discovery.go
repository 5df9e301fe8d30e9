package discovery

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wtc-scada/profinet-controller/internal/rawsock"
)

// DefaultInterval is the Identify-All repeat interval during the discovery
// phase, per spec.md §4.3.
const DefaultInterval = 5 * time.Second

// Engine runs Identify-All on one interface and de-duplicates responses by
// MAC. It owns the raw socket; the RPC client and cyclic scheduler open
// their own sockets (discovery does not hand off its socket to anyone).
type Engine struct {
	sock     *rawsock.RawSocket
	ifaceMAC [6]byte
	logger   *slog.Logger
	interval time.Duration
	xid      uint32

	mu      sync.Mutex
	known   map[[6]byte]DeviceInfo
	events  chan DeviceInfo

	stop chan struct{}
	wg   sync.WaitGroup
}

// New opens a raw socket on ifaceName and prepares an Engine. Call Run to
// start the Identify-All loop.
func New(ifaceName string, interval time.Duration, logger *slog.Logger) (*Engine, error) {
	sock, err := rawsock.OpenRaw(ifaceName)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sock:     sock,
		ifaceMAC: sock.InterfaceMAC(),
		logger:   logger,
		interval: interval,
		known:    make(map[[6]byte]DeviceInfo),
		events:   make(chan DeviceInfo, 64),
		stop:     make(chan struct{}),
	}, nil
}

// Events yields a DeviceInfo every time a new MAC is observed, or an
// existing MAC's DeviceInfo changes (e.g. after Set-IP provisioning).
func (e *Engine) Events() <-chan DeviceInfo { return e.events }

// Run starts the Identify-All transmit loop and the response receive loop.
// It blocks until Stop is called or recv fails permanently.
func (e *Engine) Run() error {
	e.wg.Add(2)
	errc := make(chan error, 1)
	go e.transmitLoop()
	go func() {
		defer e.wg.Done()
		errc <- e.receiveLoop()
	}()
	select {
	case <-e.stop:
		return nil
	case err := <-errc:
		return err
	}
}

// Stop halts the engine and closes its socket.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
	e.sock.Close()
}

func (e *Engine) transmitLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.sendIdentifyAll()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sendIdentifyAll()
		}
	}
}

func (e *Engine) sendIdentifyAll() {
	xid := atomic.AddUint32(&e.xid, 1)
	dcp := buildIdentifyAllRequest(xid)
	frame := buildEthernetFrame(IdentifyMulticastMAC, e.ifaceMAC, dcp)
	if err := e.sock.Send(frame); err != nil {
		e.logger.Warn("discovery: send Identify All failed", "error", err)
	}
}

func (e *Engine) receiveLoop() error {
	buf := make([]byte, 1600)
	for {
		select {
		case <-e.stop:
			return nil
		default:
		}
		n, err := e.sock.Recv(buf)
		if err != nil {
			return fmt.Errorf("discovery: recv: %w", err)
		}
		e.handleFrame(buf[:n])
	}
}

func (e *Engine) handleFrame(frame []byte) {
	srcMAC, etherType, payload, err := decodeEthernetFrame(frame)
	if err != nil || etherType != EtherTypePROFINET {
		return
	}
	h, blocks, err := decodeDCPHeader(payload)
	if err != nil {
		return
	}
	if h.ServiceID != ServiceIDIdentify || h.ServiceType != ServiceTypeResponse {
		return
	}
	info, err := parseIdentifyResponse(srcMAC, blocks)
	if err != nil {
		e.logger.Warn("discovery: malformed Identify response", "mac", srcMAC, "error", err)
		return
	}

	e.mu.Lock()
	prev, seen := e.known[srcMAC]
	changed := !seen || !deviceInfoEqual(prev, info)
	if changed {
		e.known[srcMAC] = info
	}
	e.mu.Unlock()

	if changed {
		select {
		case e.events <- info:
		default:
			e.logger.Warn("discovery: events channel full, dropping", "mac", srcMAC)
		}
	}
}

// deviceInfoEqual compares two DeviceInfo values field by field; net.IP is
// a byte slice and so is not comparable with ==.
func deviceInfoEqual(a, b DeviceInfo) bool {
	return a.MAC == b.MAC &&
		a.StationName == b.StationName &&
		a.IP.Equal(b.IP) &&
		a.Netmask.Equal(b.Netmask) &&
		a.Gateway.Equal(b.Gateway) &&
		a.VendorID == b.VendorID &&
		a.DeviceID == b.DeviceID
}

// Snapshot returns all devices observed so far, keyed by MAC.
func (e *Engine) Snapshot() map[[6]byte]DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[[6]byte]DeviceInfo, len(e.known))
	for k, v := range e.known {
		out[k] = v
	}
	return out
}

// SetIP provisions an unconfigured device (DeviceInfo.IP == 0.0.0.0) with a
// static IP/netmask/gateway via DCP Set. It does not wait for the device's
// Set response; the next Identify-All cycle will observe the new IP.
func (e *Engine) SetIP(target DeviceInfo, ip, netmask, gateway net.IP) error {
	xid := atomic.AddUint32(&e.xid, 1)
	dcp := buildSetIPRequest(xid, ip, netmask, gateway)
	frame := buildEthernetFrame(target.MAC, e.ifaceMAC, dcp)
	return e.sock.Send(frame)
}

// buildEthernetFrame prepends a 14-byte Ethernet header (no VLAN tag).
func buildEthernetFrame(dst, src [6]byte, payload []byte) []byte {
	buf := make([]byte, 14+len(payload))
	copy(buf[0:6], dst[:])
	copy(buf[6:12], src[:])
	binary.BigEndian.PutUint16(buf[12:14], EtherTypePROFINET)
	copy(buf[14:], payload)
	return buf
}

// decodeEthernetFrame strips the 14-byte Ethernet header, returning the
// source MAC, EtherType and payload. VLAN-tagged frames (EtherType
// 0x8100) are unwrapped one level, matching real DCP traffic on trunked
// links.
func decodeEthernetFrame(frame []byte) (src [6]byte, etherType uint16, payload []byte, err error) {
	if len(frame) < 14 {
		return src, 0, nil, fmt.Errorf("discovery: frame shorter than Ethernet header")
	}
	copy(src[:], frame[6:12])
	etherType = binary.BigEndian.Uint16(frame[12:14])
	payload = frame[14:]
	if etherType == 0x8100 {
		if len(payload) < 4 {
			return src, 0, nil, fmt.Errorf("discovery: truncated VLAN tag")
		}
		etherType = binary.BigEndian.Uint16(payload[2:4])
		payload = payload[4:]
	}
	return src, etherType, payload, nil
}
