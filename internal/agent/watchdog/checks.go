package watchdog

import (
	"fmt"
	"time"
)

const (
	MinorWallClock  = "Watchdog: exceeded wall clock time"
	MinorDiskSpace  = "Watchdog: not enough local disk space"
	MinorLoad       = "Watchdog: load average too high"
	MinorCPUTime    = "Watchdog: exceeded CPU time limit"
	MinorStalled    = "Watchdog: job stalled"
	MinorQueueLimit = "Watchdog: reached the CPU limit of the batch queue"
)

// Sample is one observation of a running payload and its host.
type Sample struct {
	Time        time.Time
	WallClock   time.Duration
	CPUTime     time.Duration
	MemoryMB    int64
	DiskSpaceMB int64
	LoadAverage float64
}

// result of a failed check; message is for the logs only.
type failure struct {
	check       string
	minorStatus string
	message     string
}

func checkWallClock(sample Sample, max time.Duration) *failure {
	if sample.WallClock <= max {
		return nil
	}
	return &failure{
		check:       "WallClock",
		minorStatus: MinorWallClock,
		message:     fmt.Sprintf("wall clock %s exceeds limit %s", sample.WallClock, max),
	}
}

func checkDiskSpace(sample Sample, minMB int64) *failure {
	if sample.DiskSpaceMB >= minMB {
		return nil
	}
	return &failure{
		check:       "DiskSpace",
		minorStatus: MinorDiskSpace,
		message:     fmt.Sprintf("%d MB free, at least %d MB required", sample.DiskSpaceMB, minMB),
	}
}

func checkLoadAverage(sample Sample, max float64) *failure {
	if sample.LoadAverage <= max {
		return nil
	}
	return &failure{
		check:       "LoadAverage",
		minorStatus: MinorLoad,
		message:     fmt.Sprintf("load average %.2f exceeds limit %.2f", sample.LoadAverage, max),
	}
}

// checkCPUTime compares consumption against the declared limit plus marginPercent. Jobs without a limit pass.
func checkCPUTime(sample Sample, limit time.Duration, marginPercent float64) *failure {
	if limit <= 0 {
		return nil
	}
	allowed := time.Duration(float64(limit) * (1 + marginPercent/100))
	if sample.CPUTime <= allowed {
		return nil
	}
	return &failure{
		check:       "CPUTime",
		minorStatus: MinorCPUTime,
		message:     fmt.Sprintf("CPU time %s exceeds limit %s with %.0f%% margin", sample.CPUTime, limit, marginPercent),
	}
}

// memoryExceeded is a soft check: exceeding it is logged and the payload keeps running.
func memoryExceeded(sample Sample, maxMB int64) bool {
	return maxMB > 0 && sample.MemoryMB > maxMB
}

// checkStall compares CPU progress against wall clock progress over the last window of samples.
// history is ordered oldest first. Nothing is decided before a full window has been observed.
func checkStall(history []Sample, window time.Duration, minRatio float64) *failure {
	if len(history) < 2 {
		return nil
	}
	latest := history[len(history)-1]
	var reference *Sample
	for i := len(history) - 2; i >= 0; i-- {
		if latest.WallClock-history[i].WallClock >= window {
			reference = &history[i]
			break
		}
	}
	if reference == nil {
		return nil
	}
	wall := latest.WallClock - reference.WallClock
	ratio := float64(latest.CPUTime-reference.CPUTime) / float64(wall)
	if ratio >= minRatio {
		return nil
	}
	return &failure{
		check:       "Stall",
		minorStatus: MinorStalled,
		message:     fmt.Sprintf("CPU/wall clock ratio %.3f over the last %s is below %.3f", ratio, wall, minRatio),
	}
}

// checkTimeLeft reports whether the slot is running out (little) and whether it has run out (failure).
func checkTimeLeft(left, gross, fine time.Duration) (little bool, f *failure) {
	if left > gross {
		return false, nil
	}
	if left > fine {
		return true, nil
	}
	return true, &failure{
		check:       "TimeLeft",
		minorStatus: MinorQueueLimit,
		message:     fmt.Sprintf("%s left in the batch slot", left),
	}
}
