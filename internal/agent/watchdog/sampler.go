package watchdog

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/gridwms/wms/internal/agent/proc"
)

// Sampler observes the resource usage of a payload process tree and of the host it runs on.
// Time and WallClock are filled in by the Watchdog.
type Sampler interface {
	Sample(pid int) (Sample, error)
}

// ProcSampler reads process usage from /proc and host state from the kernel.
type ProcSampler struct {
	fs      proc.FS
	workDir string
}

func NewProcSampler(fs proc.FS, workDir string) *ProcSampler {
	return &ProcSampler{fs: fs, workDir: workDir}
}

func (s *ProcSampler) Sample(pid int) (Sample, error) {
	tree, err := s.fs.Tree(pid)
	if err != nil {
		return Sample{}, err
	}
	if len(tree) == 0 {
		return Sample{}, errors.Errorf("process %d has exited", pid)
	}
	cpu, rss := proc.Usage(tree)

	var fs unix.Statfs_t
	if err := unix.Statfs(s.workDir, &fs); err != nil {
		return Sample{}, errors.Wrapf(err, "statfs %s", s.workDir)
	}
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Sample{}, errors.Wrap(err, "sysinfo")
	}
	return Sample{
		CPUTime:     cpu,
		MemoryMB:    rss / (1 << 20),
		DiskSpaceMB: int64(fs.Bavail * uint64(fs.Bsize) / (1 << 20)),
		// Kernel load averages are fixed point with 16 fractional bits.
		LoadAverage: float64(info.Loads[0]) / (1 << 16),
	}, nil
}
