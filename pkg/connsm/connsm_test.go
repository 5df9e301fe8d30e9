package connsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffScheduleCapsAt30Seconds(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffFor(0))
	assert.Equal(t, 2*time.Second, backoffFor(1))
	assert.Equal(t, 4*time.Second, backoffFor(2))
	assert.Equal(t, 8*time.Second, backoffFor(3))
	assert.Equal(t, 16*time.Second, backoffFor(4))
	assert.Equal(t, 30*time.Second, backoffFor(5))
	assert.Equal(t, 30*time.Second, backoffFor(100))
}

func TestMissedFrameThresholdDefaultsToNine(t *testing.T) {
	assert.Equal(t, 9, MissedFrameThreshold(0))
	assert.Equal(t, 9, MissedFrameThreshold(3))
	assert.Equal(t, 6, MissedFrameThreshold(2))
}

func TestStateStringNames(t *testing.T) {
	assert.Equal(t, "OFFLINE", StateOffline.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "ERROR", StateError.String())
}

func TestEnableTransitionsOfflineToDiscovery(t *testing.T) {
	m := New(Params{StationName: "wtc-rtu-01", WatchdogFactor: 3}, nil)
	var transitions [][2]State
	m.Subscribe(func(prev, next State) { transitions = append(transitions, [2]State{prev, next}) })

	m.Enable()
	defer m.Disable(nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.State() != StateOffline {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, StateDiscovery, m.State())
	assert.Contains(t, transitions, [2]State{StateOffline, StateDiscovery})
}

func TestMissedFrameThresholdForcesError(t *testing.T) {
	m := New(Params{StationName: "wtc-rtu-01", WatchdogFactor: 1}, nil)
	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()

	for i := 0; i < MissedFrameThreshold(1)-1; i++ {
		m.NotifyMissedFrame()
		assert.Equal(t, StateRunning, m.State())
	}
	m.NotifyMissedFrame()
	assert.Equal(t, StateError, m.State())
}

func TestMissedFramesReachErrorWithinThresholdTimesCycleTime(t *testing.T) {
	const cycleTime = 10 * time.Millisecond
	watchdogFactor := uint16(3)
	threshold := MissedFrameThreshold(watchdogFactor)

	m := New(Params{StationName: "wtc-rtu-01", WatchdogFactor: watchdogFactor}, nil)
	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()

	start := time.Now()
	ticker := time.NewTicker(cycleTime)
	defer ticker.Stop()
	for i := 0; i < threshold; i++ {
		<-ticker.C
		m.NotifyMissedFrame()
	}
	elapsed := time.Since(start)

	assert.Equal(t, StateError, m.State())
	want := time.Duration(threshold) * cycleTime
	assert.InDelta(t, float64(want), float64(elapsed), float64(cycleTime))
}

func TestNotifyInputFrameClearsMissedCounter(t *testing.T) {
	m := New(Params{StationName: "wtc-rtu-01", WatchdogFactor: 100}, nil)
	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()

	m.NotifyMissedFrame()
	m.NotifyMissedFrame()
	m.NotifyInputFrame()
	m.mu.Lock()
	missed := m.missedFrames
	m.mu.Unlock()
	assert.Equal(t, 0, missed)
}
