// Package connsm implements the per-RTU connection state machine: the
// OFFLINE/DISCOVERY/CONNECTING/CONNECTED/RUNNING/ERROR lifecycle, its back-off schedule on ERROR, and the missed-frame
// watchdog threshold.
package connsm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wtc-scada/profinet-controller/pkg/block"
	"github.com/wtc-scada/profinet-controller/pkg/rpc"
)

// State is one of the connection lifecycle states.
type State uint8

const (
	StateOffline State = iota
	StateDiscovery
	StateConnecting
	StateConnected
	StateRunning
	StateError
)

var stateNames = map[State]string{
	StateOffline:    "OFFLINE",
	StateDiscovery:  "DISCOVERY",
	StateConnecting: "CONNECTING",
	StateConnected:  "CONNECTED",
	StateRunning:    "RUNNING",
	StateError:      "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// backoffSchedule is the ERROR→CONNECTING reconnect delay ladder, per
// spec.md §4.4: 1, 2, 4, 8, 16, 30s cap.
var backoffSchedule = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 30 * time.Second,
}

func backoffFor(reconnectCount int) time.Duration {
	if reconnectCount < 0 {
		reconnectCount = 0
	}
	if reconnectCount >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[reconnectCount]
}

// DefaultWatchdogFactor is the watchdog_factor MissedFrameThreshold uses
// when it is given 0.
const DefaultWatchdogFactor = 3

// MissedFrameThreshold computes N, the number of consecutive missed input
// frames that forces a transition to ERROR.
func MissedFrameThreshold(watchdogFactor uint16) int {
	if watchdogFactor == 0 {
		watchdogFactor = DefaultWatchdogFactor
	}
	return 3 * int(watchdogFactor)
}

// Params configures one RTU's connection attempt.
type Params struct {
	StationName        string
	LocalIP            net.IP
	RemoteAddr          *net.UDPAddr
	CMInitiatorMAC      [6]byte
	WatchdogFactor      uint16
	UDPRTPort           uint16
	InputIOCR           block.IOCRBlockReq
	OutputIOCR          block.IOCRBlockReq
	AlarmCR             block.AlarmCRBlockReq
	ExpectedSubmodules  []block.ExpectedSubmoduleBlockReq
}

// Machine is one RTU's connection state machine. One Machine exists per
// RTU for the lifetime of its registry entry; Enable/Disable/ForceReconnect
// transition it, and its own goroutine drives CONNECTING/RUNNING.
type Machine struct {
	logger *slog.Logger
	params Params

	mu              sync.Mutex
	state           State
	reconnectCount  int
	session         *rpc.Session
	client          *rpc.Client
	missedFrames    int
	watchdogTimer   *time.Timer
	callbacks       map[uint64]func(prev, next State)
	callbackNextID  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Machine in OFFLINE, not yet running its goroutine.
func New(params Params, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		logger:    logger,
		params:    params,
		state:     StateOffline,
		callbacks: make(map[uint64]func(prev, next State)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe registers a callback invoked on every state transition. The
// returned cancel func removes it.
func (m *Machine) Subscribe(cb func(prev, next State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.callbackNextID
	m.callbackNextID++
	m.callbacks[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.callbacks, id)
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current RPC session, or nil outside CONNECTED/RUNNING.
func (m *Machine) Session() *rpc.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Machine) setState(next State) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.logger.Info("connection state changed", "station", m.params.StationName, "previous", prev, "next", next)
	for _, cb := range m.callbacks {
		cb(prev, next)
	}
}

// Enable starts the OFFLINE→DISCOVERY transition and launches the
// connect-retry goroutine. Calling Enable twice is a no-op once running.
func (m *Machine) Enable() {
	m.mu.Lock()
	if m.state != StateOffline && m.state != StateError {
		m.mu.Unlock()
		return
	}
	select {
	case <-m.ctx.Done():
		m.ctx, m.cancel = context.WithCancel(context.Background())
	default:
	}
	m.setState(StateDiscovery)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
}

// NotifyDiscovered signals that DCP has observed this station's name with
// an assigned (non-zero) IP, allowing DISCOVERY→CONNECTING.
func (m *Machine) NotifyDiscovered(remote *net.UDPAddr) {
	m.mu.Lock()
	if m.state != StateDiscovery {
		m.mu.Unlock()
		return
	}
	m.params.RemoteAddr = remote
	m.setState(StateConnecting)
	m.mu.Unlock()
}

func (m *Machine) run() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		state := m.state
		m.mu.Unlock()

		switch state {
		case StateConnecting:
			if m.params.RemoteAddr == nil {
				select {
				case <-m.ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			if err := m.connectOnce(); err != nil {
				m.logger.Warn("connect attempt failed", "station", m.params.StationName, "error", err)
				m.mu.Lock()
				m.reconnectCount++
				m.setState(StateError)
				m.mu.Unlock()
			}
		case StateError:
			delay := backoffFor(m.reconnectCount - 1)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
			}
			m.mu.Lock()
			m.setState(StateConnecting)
			m.mu.Unlock()
		case StateRunning, StateConnected:
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		case StateOffline:
			return
		case StateDiscovery:
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

// connectOnce runs Connect→PrmEnd→ApplicationReadyAck in sequence, per
// spec.md §4.4. Any failure leaves the machine in ERROR via the caller.
func (m *Machine) connectOnce() error {
	client, err := rpc.Dial(m.params.LocalIP, m.params.RemoteAddr, m.logger)
	if err != nil {
		return fmt.Errorf("connsm: dial: %w", err)
	}

	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()

	session, err := client.Connect(ctx, rpc.ConnectParams{
		ARUUID:             uuid.New(),
		StationName:        m.params.StationName,
		CMInitiatorMAC:     m.params.CMInitiatorMAC,
		WatchdogFactor:     m.params.WatchdogFactor,
		UDPRTPort:          m.params.UDPRTPort,
		InputIOCR:          m.params.InputIOCR,
		OutputIOCR:         m.params.OutputIOCR,
		AlarmCR:            m.params.AlarmCR,
		ExpectedSubmodules: m.params.ExpectedSubmodules,
	})
	if err != nil {
		client.Close()
		return fmt.Errorf("connsm: connect: %w", err)
	}

	m.mu.Lock()
	m.client = client
	m.session = session
	m.setState(StateConnected)
	m.mu.Unlock()

	if err := client.PrmEnd(ctx, session); err != nil {
		return fmt.Errorf("connsm: prmend: %w", err)
	}
	if err := client.ApplicationReadyAck(ctx, session); err != nil {
		return fmt.Errorf("connsm: application ready ack: %w", err)
	}

	m.mu.Lock()
	m.missedFrames = 0
	m.setState(StateRunning)
	m.armWatchdog()
	m.mu.Unlock()
	return nil
}

// armWatchdog (re)starts the missed-input-frame watchdog timer. Must be
// called with m.mu held.
func (m *Machine) armWatchdog() {
	period := time.Duration(m.params.WatchdogFactor) * time.Millisecond
	if period <= 0 {
		period = time.Second
	}
	if m.watchdogTimer == nil {
		m.watchdogTimer = time.AfterFunc(period, m.onWatchdogExpired)
	} else {
		m.watchdogTimer.Reset(period)
	}
}

func (m *Machine) onWatchdogExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return
	}
	m.logger.Warn("cyclic watchdog expired", "station", m.params.StationName)
	m.reconnectCount++
	m.setState(StateError)
}

// NotifyInputFrame resets the watchdog on every valid cyclic input frame
// and clears the missed-frame counter. Called by the cyclic scheduler.
func (m *Machine) NotifyInputFrame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return
	}
	m.missedFrames = 0
	m.armWatchdog()
}

// NotifyMissedFrame increments the missed-frame counter; N=3*watchdog_factor
// consecutive misses force ERROR even before the watchdog timer fires.
func (m *Machine) NotifyMissedFrame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return
	}
	m.missedFrames++
	threshold := MissedFrameThreshold(m.params.WatchdogFactor)
	if m.missedFrames >= threshold {
		m.logger.Warn("missed-frame threshold exceeded", "station", m.params.StationName, "missed", m.missedFrames, "threshold", threshold)
		m.reconnectCount++
		m.setState(StateError)
	}
}

// NotifyPNIOError forces an immediate ERROR transition on a non-zero
// PNIOStatus surfaced by the cyclic layer or a record operation.
func (m *Machine) NotifyPNIOError(status block.PNIOStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateOffline {
		return
	}
	m.logger.Error("PNIO error status received", "station", m.params.StationName, "status", status)
	m.reconnectCount++
	m.setState(StateError)
}

// Disable releases the AR (if any) and transitions to OFFLINE from any
// state, per spec.md §4.4's any-state→DISCONNECT transition.
func (m *Machine) Disable(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	session := m.session
	m.client = nil
	m.session = nil
	if m.watchdogTimer != nil {
		m.watchdogTimer.Stop()
	}
	m.mu.Unlock()

	var releaseErr error
	if client != nil && session != nil {
		releaseErr = client.Release(ctx, session)
		client.Close()
	}

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.reconnectCount = 0
	m.setState(StateOffline)
	m.mu.Unlock()
	return releaseErr
}

// ForceReconnect drops the current session (if any) and re-enters
// CONNECTING immediately, bypassing back-off.
func (m *Machine) ForceReconnect(ctx context.Context) {
	m.mu.Lock()
	client := m.client
	session := m.session
	m.client = nil
	m.session = nil
	m.reconnectCount = 0
	m.mu.Unlock()

	if client != nil && session != nil {
		_ = client.Release(ctx, session)
		client.Close()
	}

	m.mu.Lock()
	m.setState(StateConnecting)
	m.mu.Unlock()
}
