// Package authority arbitrates control of an RTU's actuators between the
// Controller (SUPERVISED) and the RTU's own local logic (AUTONOMOUS),
// preventing split-brain, per spec.md §4.6. Epochs are strictly
// monotonic and persisted to disk across Controller restarts.
package authority

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HolderState is where control of one RTU currently sits.
type HolderState uint8

const (
	StateAutonomous HolderState = iota
	StateHandoffPending
	StateSupervised
	StateReleasing
)

var stateNames = map[HolderState]string{
	StateAutonomous:     "AUTONOMOUS",
	StateHandoffPending: "HANDOFF_PENDING",
	StateSupervised:     "SUPERVISED",
	StateReleasing:      "RELEASING",
}

func (s HolderState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// DefaultStaleCommandThreshold is the age past which an outbound command
// is rejected, per spec.md §4.6.
const DefaultStaleCommandThreshold = 500 * time.Millisecond

// Record is one RTU's persisted authority state.
type Record struct {
	StationName string
	Epoch       uint32
	State       HolderState
	Holder      string // controller_station that holds SUPERVISED, if any
	RequestTimeMs int64
	GrantTimeMs   int64
}

// ErrStaleEpoch is returned when a command's epoch is behind the current
// holder's epoch.
var ErrStaleEpoch = fmt.Errorf("authority: stale epoch")

// ErrStaleCommand is returned when a command's age exceeds the stale
// command threshold.
var ErrStaleCommand = fmt.Errorf("authority: stale command")

// Store persists authority Records to disk. Implementations must be
// crash-safe (fsync + rename on every write).
type Store interface {
	Load() (map[string]Record, error)
	Save(map[string]Record) error
}

// Arbiter tracks one Controller process's view of every RTU's authority
// state, backed by a Store for crash-safe persistence.
type Arbiter struct {
	mu      sync.Mutex
	records map[string]Record
	store   Store
	logger  *slog.Logger
	staleThreshold time.Duration
}

// New loads existing records from store (if any) and returns a ready
// Arbiter.
func New(store Store, logger *slog.Logger) (*Arbiter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	records, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("authority: load: %w", err)
	}
	if records == nil {
		records = make(map[string]Record)
	}
	return &Arbiter{
		records:        records,
		store:          store,
		logger:         logger,
		staleThreshold: DefaultStaleCommandThreshold,
	}, nil
}

func (a *Arbiter) recordFor(station string) Record {
	r, ok := a.records[station]
	if !ok {
		r = Record{StationName: station, State: StateAutonomous, Epoch: 0}
	}
	return r
}

// RequestHandoff begins a SUPERVISED takeover for station, incrementing
// its epoch and persisting the pending state. Returns the new epoch to
// write in the outbound handoff record.
func (a *Arbiter) RequestHandoff(station, controllerStation string, nowMs int64) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.recordFor(station)
	r.State = StateHandoffPending
	r.Epoch++
	r.Holder = controllerStation
	r.RequestTimeMs = nowMs
	a.records[station] = r
	if err := a.persist(); err != nil {
		return 0, err
	}
	a.logger.Info("authority handoff requested", "station", station, "epoch", r.Epoch)
	return r.Epoch, nil
}

// ConfirmHandoff transitions station to SUPERVISED once the RTU's
// read-back record acknowledges the pending epoch.
func (a *Arbiter) ConfirmHandoff(station string, ackEpoch uint32, nowMs int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.recordFor(station)
	if r.State != StateHandoffPending {
		return fmt.Errorf("authority: %s not in HANDOFF_PENDING (state=%s)", station, r.State)
	}
	if ackEpoch != r.Epoch {
		return fmt.Errorf("authority: %s ack epoch %d does not match pending epoch %d", station, ackEpoch, r.Epoch)
	}
	r.State = StateSupervised
	r.GrantTimeMs = nowMs
	a.records[station] = r
	if err := a.persist(); err != nil {
		return err
	}
	a.logger.Info("authority handoff confirmed", "station", station, "epoch", r.Epoch)
	return nil
}

// Release begins releasing SUPERVISED control back to AUTONOMOUS.
func (a *Arbiter) Release(station string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.recordFor(station)
	r.State = StateReleasing
	a.records[station] = r
	return a.persist()
}

// ConfirmRelease finalizes the transition to AUTONOMOUS once the RTU has
// acked the release record, bumping the epoch again (per spec.md §9's S6
// scenario: release bumps the epoch once more).
func (a *Arbiter) ConfirmRelease(station string, nowMs int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.recordFor(station)
	if r.State != StateReleasing {
		return fmt.Errorf("authority: %s not in RELEASING (state=%s)", station, r.State)
	}
	r.Epoch++
	r.State = StateAutonomous
	r.Holder = ""
	a.records[station] = r
	if err := a.persist(); err != nil {
		return err
	}
	a.logger.Info("authority released", "station", station, "epoch", r.Epoch)
	return nil
}

// ValidateCommand checks a command's carried epoch and age against the
// current holder, per spec.md §4.6 point 3. Callers on the Controller
// side use this defensively; the authoritative check happens on the RTU.
func (a *Arbiter) ValidateCommand(station string, commandEpoch uint32, commandTime, now time.Time) error {
	a.mu.Lock()
	r := a.recordFor(station)
	threshold := a.staleThreshold
	a.mu.Unlock()

	if commandEpoch < r.Epoch {
		return ErrStaleEpoch
	}
	if now.Sub(commandTime) > threshold {
		return ErrStaleCommand
	}
	return nil
}

// ReconcileAfterReconnect handles spec.md §4.6 point 5: if the Controller
// reconnects and finds its local epoch behind what it last knew (the RTU
// may have reverted to AUTONOMOUS locally on cyclic loss), it resyncs to
// the RTU-reported epoch without decrementing its own bookkeeping.
func (a *Arbiter) ReconcileAfterReconnect(station string, rtuReportedEpoch uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.recordFor(station)
	if rtuReportedEpoch > r.Epoch {
		r.Epoch = rtuReportedEpoch
	}
	r.State = StateAutonomous
	r.Holder = ""
	a.records[station] = r
	return a.persist()
}

// Snapshot returns a copy of station's current record.
func (a *Arbiter) Snapshot(station string) Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recordFor(station)
}

func (a *Arbiter) persist() error {
	snapshot := make(map[string]Record, len(a.records))
	for k, v := range a.records {
		snapshot[k] = v
	}
	return a.store.Save(snapshot)
}
