// Package registry is the single-task owner of the RTU list, per
// spec.md §4.8: add/remove/enable/disable/force-reconnect, point-in-time
// snapshots for readers, and a subscribe channel for alarm/data/
// lifecycle events. Every structural mutation (add/remove/enable/disable/
// slot config/force-reconnect) is routed through one orchestrator
// goroutine so concurrent callers never interleave with each other;
// RecordCycleStats and RecordSample update an entry under the lock directly.
package registry

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/wtc-scada/profinet-controller/pkg/authority"
	"github.com/wtc-scada/profinet-controller/pkg/connsm"
	"github.com/wtc-scada/profinet-controller/pkg/cyclic"
	"github.com/wtc-scada/profinet-controller/pkg/historian"
)

// SlotKind distinguishes a sensor slot (input, historian-gated) from an
// actuator slot (output, authority-gated).
type SlotKind uint8

const (
	SlotSensor SlotKind = iota
	SlotActuator
)

// SlotConfig is one RTU's per-slot configuration, validated at AddRTU/
// SetSlotConfig time so a malformed threshold never reaches the wire.
type SlotConfig struct {
	SlotNumber  uint16
	Kind        SlotKind
	WarningLow  float64
	WarningHigh float64
	AlarmLow    float64
	AlarmHigh   float64
	Algorithm   historian.Algorithm
	Deadband    float64
}

// RTUConfig describes one RTU, either learned from discovery or supplied
// directly via operator provisioning.
type RTUConfig struct {
	StationName string
	StaticIP    net.IP
	VendorID    uint16
	DeviceID    uint16
	Slots       []SlotConfig
}

var stationNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// Validate checks station-name shape, that slot 0 is the DAP, and that
// warning thresholds nest inside alarm thresholds, per spec.md §7
// ("Configuration error ... rejected at API boundary, never reaches the
// wire").
func (c RTUConfig) Validate() error {
	if len(c.StationName) == 0 || len(c.StationName) > 64 {
		return fmt.Errorf("registry: station name must be 1-64 bytes")
	}
	if !stationNamePattern.MatchString(c.StationName) {
		return fmt.Errorf("registry: station name %q is not DNS-label-like", c.StationName)
	}
	if len(c.Slots) == 0 || c.Slots[0].SlotNumber != 0 {
		return fmt.Errorf("registry: slot 0 must be present and be the DAP")
	}
	for _, s := range c.Slots {
		if s.AlarmLow > s.WarningLow || s.WarningHigh > s.AlarmHigh {
			return fmt.Errorf("registry: slot %d warning thresholds must nest inside alarm thresholds", s.SlotNumber)
		}
	}
	return nil
}

// RTUSnapshot is the immutable, point-in-time view returned to readers.
// Registry internals are never exposed directly.
type RTUSnapshot struct {
	StationName    string
	IP             net.IP
	State          connsm.State
	LastSeenMs     int64
	ReconnectCount int
	Stats          cyclic.Stats
	Authority      authority.Record
	Slots          []SlotConfig
}

// EventKind tags which variant an Event carries.
type EventKind uint8

const (
	EventAlarmRaised EventKind = iota
	EventAlarmCleared
	EventRtuStateChanged
	EventSample
)

// Event is the tagged union delivered to subscribers: {AlarmRaised,
// AlarmCleared, RtuStateChanged, Sample}, per spec.md §9.
type Event struct {
	Kind        EventKind
	StationName string
	Slot        uint16
	Value       float64
	FromState   connsm.State
	ToState     connsm.State
	Reading     cyclic.SensorReading
}

type rtuEntry struct {
	config         RTUConfig
	machine        *connsm.Machine
	enabled        bool
	lastSeenMs     int64
	reconnectCount int
	stats          cyclic.Stats
	unsubscribe    func()
}

// Registry owns every known RTU's configuration and runtime status.
// Structural mutation happens inside run(), fed by the mailbox channel;
// RecordCycleStats and RecordSample bypass the mailbox and update an
// entry's stats and last-seen time under r.mu directly.
type Registry struct {
	authority *authority.Arbiter

	mu   sync.Mutex
	rtus map[string]*rtuEntry

	subMu       sync.Mutex
	subscribers map[uint64]func(Event)
	nextSubID   uint64

	mailbox chan func()
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Registry backed by arb for authority bookkeeping and
// starts its single orchestrator goroutine.
func New(arb *authority.Arbiter) *Registry {
	r := &Registry{
		authority:   arb,
		rtus:        make(map[string]*rtuEntry),
		subscribers: make(map[uint64]func(Event)),
		mailbox:     make(chan func(), 64),
		stop:        make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Registry) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case op := <-r.mailbox:
			op()
		}
	}
}

// do enqueues op on the mailbox and blocks until it has run, giving
// callers synchronous semantics while keeping every mutation serialized
// through the single orchestrator goroutine (spec.md §5: "operations are
// processed in FIFO order").
func (r *Registry) do(op func() error) error {
	done := make(chan error, 1)
	select {
	case r.mailbox <- func() { done <- op() }:
	case <-r.stop:
		return fmt.Errorf("registry: shutting down")
	}
	select {
	case err := <-done:
		return err
	case <-r.stop:
		return fmt.Errorf("registry: shutting down")
	}
}

// AddRTU registers rtu, either freshly discovered or operator-provisioned
// (spec.md §3: "Created by the Discovery Engine or by operator
// provisioning"). Rejects a duplicate station name or invalid config.
func (r *Registry) AddRTU(cfg RTUConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return r.do(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, exists := r.rtus[cfg.StationName]; exists {
			return fmt.Errorf("registry: station %q already registered", cfg.StationName)
		}
		r.rtus[cfg.StationName] = &rtuEntry{config: cfg}
		return nil
	})
}

// RemoveRTU disables and forgets station, releasing any held machine.
func (r *Registry) RemoveRTU(ctx context.Context, station string) error {
	return r.do(func() error {
		r.mu.Lock()
		entry, ok := r.rtus[station]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("registry: station %q not found", station)
		}
		delete(r.rtus, station)
		r.mu.Unlock()

		if entry.unsubscribe != nil {
			entry.unsubscribe()
		}
		if entry.machine != nil {
			return entry.machine.Disable(ctx)
		}
		return nil
	})
}

// SetSlotConfig replaces station's slot list, validating thresholds
// before any of it can reach a running session.
func (r *Registry) SetSlotConfig(station string, slots []SlotConfig) error {
	candidate := RTUConfig{StationName: station, Slots: slots}
	if err := candidate.Validate(); err != nil {
		return err
	}
	return r.do(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		entry, ok := r.rtus[station]
		if !ok {
			return fmt.Errorf("registry: station %q not found", station)
		}
		entry.config.Slots = slots
		return nil
	})
}

// Enable attaches machine (built by the caller from the RTU's discovered
// address and configured submodule layout) and starts it.
func (r *Registry) Enable(station string, machine *connsm.Machine) error {
	return r.do(func() error {
		r.mu.Lock()
		entry, ok := r.rtus[station]
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("registry: station %q not found", station)
		}
		if entry.machine != nil && entry.unsubscribe != nil {
			entry.unsubscribe()
		}
		entry.machine = machine
		entry.enabled = true
		entry.unsubscribe = machine.Subscribe(func(prev, next connsm.State) {
			r.mu.Lock()
			entry.lastSeenMs = nowMsUnlocked()
			r.mu.Unlock()
			r.publish(Event{Kind: EventRtuStateChanged, StationName: station, FromState: prev, ToState: next})
		})
		machine.Enable()
		return nil
	})
}

// Disable stops station's machine but keeps its configuration registered.
func (r *Registry) Disable(ctx context.Context, station string) error {
	return r.do(func() error {
		r.mu.Lock()
		entry, ok := r.rtus[station]
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("registry: station %q not found", station)
		}
		entry.enabled = false
		if entry.machine == nil {
			return nil
		}
		return entry.machine.Disable(ctx)
	})
}

// ForceReconnect drops station's current session and immediately retries
// discovery/connect instead of waiting out the back-off timer.
func (r *Registry) ForceReconnect(ctx context.Context, station string) error {
	return r.do(func() error {
		r.mu.Lock()
		entry, ok := r.rtus[station]
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("registry: station %q not found", station)
		}
		if entry.machine == nil {
			return fmt.Errorf("registry: station %q has no active session", station)
		}
		entry.machine.ForceReconnect(ctx)
		return nil
	})
}

// RecordCycleStats lets the owning cyclic scheduler report its latest
// counters for station, surfaced via Snapshot.
func (r *Registry) RecordCycleStats(station string, stats cyclic.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.rtus[station]; ok {
		entry.stats = stats
	}
}

// RecordSample publishes a Sample event and marks station as seen.
func (r *Registry) RecordSample(station string, slot uint16, reading cyclic.SensorReading) {
	r.mu.Lock()
	if entry, ok := r.rtus[station]; ok {
		entry.lastSeenMs = reading.Timestamp.UnixMilli()
	}
	r.mu.Unlock()
	r.publish(Event{Kind: EventSample, StationName: station, Slot: slot, Reading: reading})
}

// RaiseAlarm/ClearAlarm publish the matching tagged event for a slot
// whose value has crossed (or returned inside) its alarm threshold. The
// threshold evaluation itself lives with the host's alarm evaluator
// (out of scope per spec.md §1); the Registry only forwards the event.
func (r *Registry) RaiseAlarm(station string, slot uint16, value float64) {
	r.publish(Event{Kind: EventAlarmRaised, StationName: station, Slot: slot, Value: value})
}

func (r *Registry) ClearAlarm(station string, slot uint16, value float64) {
	r.publish(Event{Kind: EventAlarmCleared, StationName: station, Slot: slot, Value: value})
}

// GetSnapshot returns station's current immutable view.
func (r *Registry) GetSnapshot(station string) (RTUSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.rtus[station]
	if !ok {
		return RTUSnapshot{}, fmt.Errorf("registry: station %q not found", station)
	}
	return r.snapshotLocked(entry), nil
}

// Snapshot returns every known RTU's current view.
func (r *Registry) Snapshot() []RTUSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RTUSnapshot, 0, len(r.rtus))
	for _, entry := range r.rtus {
		out = append(out, r.snapshotLocked(entry))
	}
	return out
}

func (r *Registry) snapshotLocked(entry *rtuEntry) RTUSnapshot {
	snap := RTUSnapshot{
		StationName: entry.config.StationName,
		IP:          entry.config.StaticIP,
		LastSeenMs:  entry.lastSeenMs,
		Stats:       entry.stats,
		Slots:       entry.config.Slots,
	}
	if entry.machine != nil {
		snap.State = entry.machine.State()
	}
	if r.authority != nil {
		snap.Authority = r.authority.Snapshot(entry.config.StationName)
	}
	return snap
}

// Subscribe registers cb for every future Event and returns a function
// that removes it, mirroring the teacher's heartbeat-consumer callback
// idiom (map keyed by an incrementing id, removable via cancel func).
func (r *Registry) Subscribe(cb func(Event)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = cb
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subscribers, id)
	}
}

func (r *Registry) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, cb := range r.subscribers {
		cb(ev)
	}
}

// Shutdown honours spec.md §5's global shutdown signal: it releases every
// RUNNING session (Release, then Disable) before returning.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*rtuEntry, 0, len(r.rtus))
	for _, e := range r.rtus {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		if entry.machine != nil {
			_ = entry.machine.Disable(ctx)
		}
	}
	close(r.stop)
	r.wg.Wait()
	return nil
}

func nowMsUnlocked() int64 {
	return time.Now().UnixMilli()
}
