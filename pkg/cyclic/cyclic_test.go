package cyclic

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSensorReadingRoundTrip(t *testing.T) {
	var buf [5]byte
	bits := math.Float32bits(23.5)
	buf[0] = byte(bits >> 24)
	buf[1] = byte(bits >> 16)
	buf[2] = byte(bits >> 8)
	buf[3] = byte(bits)
	buf[4] = byte(QualityGood)

	now := time.Now()
	reading, err := DecodeSensorReading(buf[:], now)
	require.NoError(t, err)
	assert.InDelta(t, 23.5, reading.Value, 0.0001)
	assert.Equal(t, QualityGood, reading.Quality)
	assert.Equal(t, now, reading.Timestamp)
}

func TestDecodeSensorReadingRejectsWrongLength(t *testing.T) {
	_, err := DecodeSensorReading([]byte{1, 2, 3}, time.Now())
	assert.Error(t, err)
}

func TestEncodeActuatorCommandLayout(t *testing.T) {
	buf := EncodeActuatorCommand(1, 200)
	assert.Equal(t, []byte{1, 200, 0, 0}, buf)
}

func TestSchedulerOutputBufferLayoutAndIOCS(t *testing.T) {
	cfg := Config{
		OutputFrameID: 0x8001,
		OutputSubmodules: []SubmoduleConfig{
			{SubslotNumber: 1, DataLength: 4},
			{SubslotNumber: 2, DataLength: 5},
		},
		InputFrameID: 0x8002,
		CycleTime:    time.Millisecond,
	}
	s := New(cfg, nil)

	require.NoError(t, s.SetOutputData(1, []byte{1, 2, 3, 4}))
	require.NoError(t, s.SetOutputData(2, []byte{5, 6, 7, 8, 9}))

	err := s.SetOutputData(1, []byte{1, 2})
	assert.Error(t, err)
	err = s.SetOutputData(99, []byte{0})
	assert.Error(t, err)

	s.hasAuthority = func() bool { return true }
	s.prepareOutputFrame()

	assert.Equal(t, byte(1), s.outputBuf[2])
	assert.Equal(t, byte(0x80), s.outputBuf[2+4]) // IOCS GOOD at authority

	s.hasAuthority = func() bool { return false }
	s.prepareOutputFrame()
	assert.Equal(t, byte(0x00), s.outputBuf[2+4]) // IOCS BAD without authority
}

func TestCycleOrderingTimestampsNonDecreasing(t *testing.T) {
	s := New(Config{OutputFrameID: 1, CycleTime: time.Millisecond}, nil)
	s.hasAuthority = func() bool { return true }

	var timestamps []time.Time
	var cycleNums []uint64
	for i := 0; i < 20; i++ {
		s.prepareOutputFrame()
		s.recordCycle()
		timestamps = append(timestamps, time.Now())
		s.mu.Lock()
		cycleNums = append(cycleNums, s.totalCycles)
		s.mu.Unlock()
	}

	for i := 1; i < len(timestamps); i++ {
		assert.False(t, timestamps[i].Before(timestamps[i-1]), "frame timestamp went backwards at cycle %d", i)
		assert.Greater(t, cycleNums[i], cycleNums[i-1], "cycle number did not advance at cycle %d", i)
	}
}

func TestStatsSnapshotTracksFailedCycles(t *testing.T) {
	s := New(Config{OutputFrameID: 1, CycleTime: time.Millisecond}, nil)
	s.mu.Lock()
	s.totalCycles = 10
	s.failedCycles = 3
	s.mu.Unlock()
	stats := s.StatsSnapshot()
	assert.EqualValues(t, 10, stats.TotalCycles)
	assert.EqualValues(t, 3, stats.FailedCycles)
	assert.InDelta(t, 30.0, stats.PacketLossPct, 0.0001)
}
