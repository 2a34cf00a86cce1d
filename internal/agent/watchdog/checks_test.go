package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimpleChecks(t *testing.T) {
	tests := map[string]struct {
		check    func(Sample) *failure
		sample   Sample
		expected string
	}{
		"wall clock at limit": {
			check:  func(s Sample) *failure { return checkWallClock(s, 100*time.Second) },
			sample: Sample{WallClock: 100 * time.Second},
		},
		"wall clock over limit": {
			check:    func(s Sample) *failure { return checkWallClock(s, 100*time.Second) },
			sample:   Sample{WallClock: 101 * time.Second},
			expected: MinorWallClock,
		},
		"disk space at minimum": {
			check:  func(s Sample) *failure { return checkDiskSpace(s, 10) },
			sample: Sample{DiskSpaceMB: 10},
		},
		"disk space below minimum": {
			check:    func(s Sample) *failure { return checkDiskSpace(s, 10) },
			sample:   Sample{DiskSpaceMB: 9},
			expected: MinorDiskSpace,
		},
		"load at limit": {
			check:  func(s Sample) *failure { return checkLoadAverage(s, 8) },
			sample: Sample{LoadAverage: 8},
		},
		"load over limit": {
			check:    func(s Sample) *failure { return checkLoadAverage(s, 8) },
			sample:   Sample{LoadAverage: 8.5},
			expected: MinorLoad,
		},
		"cpu within margin": {
			check:  func(s Sample) *failure { return checkCPUTime(s, 1000*time.Second, 20) },
			sample: Sample{CPUTime: 1200 * time.Second},
		},
		"cpu over margin": {
			check:    func(s Sample) *failure { return checkCPUTime(s, 1000*time.Second, 20) },
			sample:   Sample{CPUTime: 1201 * time.Second},
			expected: MinorCPUTime,
		},
		"cpu without declared limit": {
			check:  func(s Sample) *failure { return checkCPUTime(s, 0, 20) },
			sample: Sample{CPUTime: 1000 * time.Hour},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := tc.check(tc.sample)
			if tc.expected == "" {
				assert.Nil(t, f)
				return
			}
			if assert.NotNil(t, f) {
				assert.Equal(t, tc.expected, f.minorStatus)
			}
		})
	}
}

func TestMemoryExceeded(t *testing.T) {
	assert.False(t, memoryExceeded(Sample{MemoryMB: 2048}, 2048))
	assert.True(t, memoryExceeded(Sample{MemoryMB: 2049}, 2048))
	assert.False(t, memoryExceeded(Sample{MemoryMB: 1 << 30}, 0))
}

func samples(cpuPerMinute ...time.Duration) []Sample {
	history := make([]Sample, 0, len(cpuPerMinute)+1)
	var cpu time.Duration
	history = append(history, Sample{})
	for i, used := range cpuPerMinute {
		cpu += used
		history = append(history, Sample{WallClock: time.Duration(i+1) * time.Minute, CPUTime: cpu})
	}
	return history
}

func TestCheckStall(t *testing.T) {
	tests := map[string]struct {
		history []Sample
		stalled bool
	}{
		"too short to decide": {
			history: samples(0, 0),
		},
		"busy": {
			history: samples(time.Minute, time.Minute, time.Minute, time.Minute, time.Minute),
		},
		"hung": {
			history: samples(time.Minute, 0, 0, 0, time.Second),
			stalled: true,
		},
		"recovered within the window": {
			history: samples(0, 0, 0, 0, time.Minute, time.Minute, time.Minute, 0, 0),
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := checkStall(tc.history, 4*time.Minute, 0.05)
			if tc.stalled {
				if assert.NotNil(t, f) {
					assert.Equal(t, MinorStalled, f.minorStatus)
				}
			} else {
				assert.Nil(t, f)
			}
		})
	}
}

func TestCheckTimeLeft(t *testing.T) {
	tests := map[string]struct {
		left   time.Duration
		little bool
		failed bool
	}{
		"plenty":         {left: time.Hour},
		"little":         {left: 5 * time.Minute, little: true},
		"at fine limit":  {left: time.Minute, little: true, failed: true},
		"none left":      {left: 0, little: true, failed: true},
		"at gross limit": {left: 10 * time.Minute, little: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			little, f := checkTimeLeft(tc.left, 10*time.Minute, time.Minute)
			assert.Equal(t, tc.little, little)
			assert.Equal(t, tc.failed, f != nil)
		})
	}
}
