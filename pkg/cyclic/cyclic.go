// Package cyclic runs the per-session real-time I/O frame streams: one
// preformatted output buffer transmitted every cycle tick, and an input
// stream decoded opportunistically as frames arrive, per spec.md §4.5.
package cyclic

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/wtc-scada/profinet-controller/internal/rawsock"
	"github.com/wtc-scada/profinet-controller/pkg/block"
)

// Quality is the sensor data-quality byte carried after every submodule's
// sensor reading.
type Quality uint8

const (
	QualityGood         Quality = 0x00
	QualityUncertain    Quality = 0x40
	QualityBad          Quality = 0x80
	QualityNotConnected Quality = 0xC0
)

// IOPS/IOCS values, set by the scheduler on each output cycle per whether
// the Controller currently has authority (see pkg/authority).
const (
	statusGood Quality = 0x80
	statusBad  Quality = 0x00
)

// SensorReading is one decoded submodule input value.
type SensorReading struct {
	Value     float32
	Quality   Quality
	Timestamp time.Time
}

// DecodeSensorReading parses the 5-byte sensor wire format: float32
// big-endian followed by one quality byte.
func DecodeSensorReading(b []byte, now time.Time) (SensorReading, error) {
	if len(b) != 5 {
		return SensorReading{}, fmt.Errorf("cyclic: sensor reading must be 5 bytes, got %d", len(b))
	}
	bits := binary.BigEndian.Uint32(b[0:4])
	return SensorReading{
		Value:     math.Float32frombits(bits),
		Quality:   Quality(b[4]),
		Timestamp: now,
	}, nil
}

// EncodeActuatorCommand packs the 4-byte actuator wire format:
// {command u8, pwm_duty u8, reserved[2]}.
func EncodeActuatorCommand(command, pwmDuty uint8) []byte {
	return []byte{command, pwmDuty, 0, 0}
}

// SubmoduleConfig describes one submodule's slot/IOData length in a
// cyclic frame, shared between the input and output layout computation.
type SubmoduleConfig struct {
	SubslotNumber uint16
	DataLength    uint16
}

// Config configures one session's cyclic scheduler.
type Config struct {
	Interface      string
	LocalMAC       [6]byte
	RemoteMAC      [6]byte
	OutputFrameID  uint16
	InputFrameID   uint16
	OutputSubmodules []SubmoduleConfig
	InputSubmodules  []SubmoduleConfig
	CycleTime      time.Duration
	WatchdogFactor uint16
}

// Stats is a point-in-time snapshot of the scheduler's counters.
type Stats struct {
	TotalCycles      uint64
	FailedCycles     uint64
	PacketLossPct    float64
}

// Scheduler runs one AR session's output/input frame streams at the
// configured cycle time over a raw Ethernet socket. One Scheduler exists
// per RUNNING session.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	sock   *rawsock.RawSocket

	hasAuthority func() bool
	onInput      func(submodule uint16, reading SensorReading)
	onValidFrame func()
	onMissedCycle func()

	outputOffsets []block.SubmoduleFrameOffset
	outputBuf     []byte
	outputMu      sync.Mutex

	inputOffsets []block.SubmoduleFrameOffset

	mu                   sync.Mutex
	totalCycles          uint64
	failedCycles         uint64
	receivedSinceLastTick bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Scheduler but does not open its socket or start any
// goroutine; call Run for that.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	outLengths := make([]uint16, len(cfg.OutputSubmodules))
	for i, sm := range cfg.OutputSubmodules {
		outLengths[i] = sm.DataLength
	}
	inLengths := make([]uint16, len(cfg.InputSubmodules))
	for i, sm := range cfg.InputSubmodules {
		inLengths[i] = sm.DataLength
	}
	outOffsets := block.LayoutSubmodules(outLengths)
	for i := range outOffsets {
		outOffsets[i].SubslotNumber = cfg.OutputSubmodules[i].SubslotNumber
	}
	inOffsets := block.LayoutSubmodules(inLengths)
	for i := range inOffsets {
		inOffsets[i].SubslotNumber = cfg.InputSubmodules[i].SubslotNumber
	}

	outBuf := make([]byte, block.FrameSize(outLengths))
	binary.BigEndian.PutUint16(outBuf[0:2], cfg.OutputFrameID)

	return &Scheduler{
		cfg:           cfg,
		logger:        logger,
		hasAuthority:  func() bool { return false },
		outputOffsets: outOffsets,
		outputBuf:     outBuf,
		inputOffsets:  inOffsets,
		stop:          make(chan struct{}),
	}
}

// SetAuthorityFunc installs the callback the scheduler polls each cycle to
// decide whether IOCS is GOOD or BAD.
func (s *Scheduler) SetAuthorityFunc(f func() bool) { s.hasAuthority = f }

// OnInput installs the callback invoked for every decoded submodule
// reading in a valid input frame.
func (s *Scheduler) OnInput(f func(subslot uint16, reading SensorReading)) { s.onInput = f }

// OnValidFrame installs a callback invoked once per accepted input frame
// (used by the connection state machine's watchdog reset).
func (s *Scheduler) OnValidFrame(f func()) { s.onValidFrame = f }

// OnMissedCycle installs a callback invoked once per output cycle with no
// matching input (used by the connection state machine's missed-frame
// counter).
func (s *Scheduler) OnMissedCycle(f func()) { s.onMissedCycle = f }

// SetOutputData writes one submodule's IOData region of the preformatted
// output buffer. Safe for concurrent use with the transmit loop.
func (s *Scheduler) SetOutputData(subslot uint16, data []byte) error {
	s.outputMu.Lock()
	defer s.outputMu.Unlock()
	for _, off := range s.outputOffsets {
		if off.SubslotNumber != subslot {
			continue
		}
		if uint16(len(data)) != off.Length {
			return fmt.Errorf("cyclic: subslot %d expects %d bytes, got %d", subslot, off.Length, len(data))
		}
		copy(s.outputBuf[off.FrameOffset:off.FrameOffset+off.Length], data)
		return nil
	}
	return fmt.Errorf("cyclic: unknown output subslot %d", subslot)
}

// Run opens the raw socket and runs the transmit and receive loops until
// Stop is called.
func (s *Scheduler) Run() error {
	sock, err := rawsock.OpenRaw(s.cfg.Interface)
	if err != nil {
		return err
	}
	s.sock = sock

	s.wg.Add(2)
	go s.transmitLoop()
	go s.receiveLoop()
	s.wg.Wait()
	return nil
}

// Stop halts both loops and closes the socket.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
	if s.sock != nil {
		s.sock.Close()
	}
}

// StatsSnapshot returns the current cycle counters.
func (s *Scheduler) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	pct := 0.0
	if s.totalCycles > 0 {
		pct = 100 * float64(s.failedCycles) / float64(s.totalCycles)
	}
	return Stats{TotalCycles: s.totalCycles, FailedCycles: s.failedCycles, PacketLossPct: pct}
}

func (s *Scheduler) transmitLoop() {
	defer s.wg.Done()
	cycleTime := s.cfg.CycleTime
	if cycleTime <= 0 {
		cycleTime = time.Millisecond
	}
	ticker := time.NewTicker(cycleTime)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.transmitOneCycle()
		}
	}
}

func (s *Scheduler) transmitOneCycle() {
	frame := s.prepareOutputFrame()
	if s.sock != nil {
		if err := s.sock.Send(frame); err != nil {
			s.logger.Warn("cyclic: output frame send failed", "error", err)
		}
	}
	s.recordCycle()
}

// prepareOutputFrame stamps the current IOCS status into the output
// buffer and returns the framed bytes ready to send. Split out from
// transmitOneCycle so the buffer/IOCS logic is exercisable without a live
// socket.
func (s *Scheduler) prepareOutputFrame() []byte {
	s.outputMu.Lock()
	defer s.outputMu.Unlock()
	status := statusBad
	if s.hasAuthority() {
		status = statusGood
	}
	for _, off := range s.outputOffsets {
		s.outputBuf[off.FrameOffset+off.Length] = byte(status)
	}
	return buildFrame(s.cfg.RemoteMAC, s.cfg.LocalMAC, s.outputBuf)
}

// recordCycle updates the total/failed cycle counters and fires
// onMissedCycle for a cycle with no matching input since the last tick.
func (s *Scheduler) recordCycle() {
	s.mu.Lock()
	s.totalCycles++
	received := s.receivedSinceLastTick
	s.receivedSinceLastTick = false
	if !received {
		s.failedCycles++
	}
	s.mu.Unlock()

	if !received && s.onMissedCycle != nil {
		s.onMissedCycle()
	}
}

func (s *Scheduler) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, 1600)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		n, err := s.sock.Recv(buf)
		if err != nil {
			return
		}
		s.handleFrame(buf[:n])
	}
}

func (s *Scheduler) handleFrame(frame []byte) {
	_, etherType, payload, err := parseFrame(frame)
	if err != nil || etherType != rawsock.ProfinetEtherType {
		return
	}
	if len(payload) < 2 {
		return
	}
	frameID := binary.BigEndian.Uint16(payload[0:2])
	if frameID != s.cfg.InputFrameID {
		return
	}

	now := time.Now()
	for _, off := range s.inputOffsets {
		end := int(off.FrameOffset) + int(off.Length) + 1
		if end > len(payload) {
			return
		}
		ipsIdx := int(off.FrameOffset) + int(off.Length)
		ips := payload[ipsIdx]
		if Quality(ips) == statusBad {
			continue // explicit BAD IOPS: not a decode error, just not fresh data
		}
		data := payload[off.FrameOffset : off.FrameOffset+off.Length]
		if off.Length == 5 {
			reading, err := DecodeSensorReading(data, now)
			if err == nil && s.onInput != nil {
				s.onInput(off.SubslotNumber, reading)
			}
		}
	}

	s.mu.Lock()
	s.receivedSinceLastTick = true
	s.mu.Unlock()

	if s.onValidFrame != nil {
		s.onValidFrame()
	}
}

func buildFrame(dst, src [6]byte, payload []byte) []byte {
	buf := make([]byte, 14+len(payload))
	copy(buf[0:6], dst[:])
	copy(buf[6:12], src[:])
	binary.BigEndian.PutUint16(buf[12:14], rawsock.ProfinetEtherType)
	copy(buf[14:], payload)
	return buf
}

func parseFrame(frame []byte) (src [6]byte, etherType uint16, payload []byte, err error) {
	if len(frame) < 14 {
		return src, 0, nil, fmt.Errorf("cyclic: frame shorter than Ethernet header")
	}
	copy(src[:], frame[6:12])
	etherType = binary.BigEndian.Uint16(frame[12:14])
	payload = frame[14:]
	return src, etherType, payload, nil
}
