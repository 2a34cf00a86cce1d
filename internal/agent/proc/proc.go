// Package proc reads process accounting from a Linux /proc filesystem.
package proc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// clockTicks is USER_HZ, which is 100 on every Linux platform the agent runs on.
const clockTicks = 100

// Stat is the subset of /proc/<pid>/stat the agent uses.
type Stat struct {
	PID     int
	PPID    int
	PGID    int
	CPUTime time.Duration
	RSS     int64
}

// FS reads process information below Root.
type FS struct {
	Root     string
	PageSize int64
}

func NewFS() FS {
	return FS{Root: "/proc", PageSize: int64(os.Getpagesize())}
}

// Stat reads the stat file of pid. CPUTime includes the waited-for children of the process.
func (fs FS) Stat(pid int) (Stat, error) {
	raw, err := os.ReadFile(filepath.Join(fs.Root, strconv.Itoa(pid), "stat"))
	if err != nil {
		return Stat{}, errors.WithStack(err)
	}
	return parseStat(pid, string(raw), fs.PageSize)
}

func parseStat(pid int, raw string, pageSize int64) (Stat, error) {
	// The command name may contain spaces and parentheses, so fields are counted from the last ')'.
	end := strings.LastIndexByte(raw, ')')
	if end < 0 {
		return Stat{}, errors.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(raw[end+1:])
	if len(fields) < 22 {
		return Stat{}, errors.Errorf("malformed stat for pid %d: %d fields", pid, len(fields))
	}
	values := make([]int64, 22)
	for _, i := range []int{1, 2, 11, 12, 13, 14, 21} {
		v, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return Stat{}, errors.Wrapf(err, "malformed stat field %d for pid %d", i, pid)
		}
		values[i] = v
	}
	ticks := values[11] + values[12] + values[13] + values[14]
	return Stat{
		PID:     pid,
		PPID:    int(values[1]),
		PGID:    int(values[2]),
		CPUTime: time.Duration(ticks) * time.Second / clockTicks,
		RSS:     values[21] * pageSize,
	}, nil
}

// All returns the stat of every process currently visible. Processes that exit while being read are skipped.
func (fs FS) All() ([]Stat, error) {
	entries, err := os.ReadDir(fs.Root)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	stats := make([]Stat, 0, len(entries))
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		stat, err := fs.Stat(pid)
		if err != nil {
			continue
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// Tree returns root and every live descendant of root, root first.
func (fs FS) Tree(root int) ([]Stat, error) {
	all, err := fs.All()
	if err != nil {
		return nil, err
	}
	return tree(root, all), nil
}

func tree(root int, all []Stat) []Stat {
	children := make(map[int][]Stat, len(all))
	var rootStat *Stat
	for i := range all {
		children[all[i].PPID] = append(children[all[i].PPID], all[i])
		if all[i].PID == root {
			rootStat = &all[i]
		}
	}
	if rootStat == nil {
		return nil
	}
	out := []Stat{*rootStat}
	for next := 0; next < len(out); next++ {
		out = append(out, children[out[next].PID]...)
	}
	return out
}

// Usage sums CPU time and resident memory over a process tree.
func Usage(stats []Stat) (cpu time.Duration, rss int64) {
	for _, stat := range stats {
		cpu += stat.CPUTime
		rss += stat.RSS
	}
	return cpu, rss
}
