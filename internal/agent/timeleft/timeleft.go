// Package timeleft estimates how much normalized CPU time a pilot still has in its batch slot.
package timeleft

import (
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gridwms/wms/internal/common/wmscontext"
)

type Config struct {
	// CPU time the batch system grants the pilot, in raw seconds of the local worker node.
	CPUBudget time.Duration `validate:"required"`
	// Converts raw CPU seconds on this node into the normalized units jobs declare their requirements in.
	NormalizationFactor float64 `validate:"gt=0"`
	// Optional command printing the seconds left in the batch slot.
	UtilityCommand []string
	UtilityTimeout time.Duration
}

// Utility asks the batch system how long the slot has left.
type Utility interface {
	Remaining(ctx *wmscontext.Context) (time.Duration, error)
}

// Estimator combines the configured CPU budget with the batch system's own view, taking the smaller.
type Estimator struct {
	budget  time.Duration
	factor  float64
	utility Utility
}

func NewEstimator(config Config, utility Utility) *Estimator {
	return &Estimator{budget: config.CPUBudget, factor: config.NormalizationFactor, utility: utility}
}

// TimeLeft returns the normalized CPU time still available after consumed raw CPU time has been used.
// A failing utility is logged and ignored in favour of the budget.
func (e *Estimator) TimeLeft(ctx *wmscontext.Context, consumed time.Duration) time.Duration {
	left := e.normalize(e.budget - consumed)
	if e.utility != nil {
		remaining, err := e.utility.Remaining(ctx)
		if err != nil {
			ctx.Log.Warnf("time left utility failed, using the CPU budget only: %s", err)
		} else if normalized := e.normalize(remaining); normalized < left {
			left = normalized
		}
	}
	if left < 0 {
		return 0
	}
	return left
}

func (e *Estimator) normalize(d time.Duration) time.Duration {
	return time.Duration(float64(d) * e.factor)
}

// CommandUtility runs an external command whose first output field is the number of seconds left.
type CommandUtility struct {
	Command []string
	Timeout time.Duration
}

func (u CommandUtility) Remaining(ctx *wmscontext.Context) (time.Duration, error) {
	if len(u.Command) == 0 {
		return 0, errors.New("no time left command configured")
	}
	if u.Timeout > 0 {
		var cancel func()
		ctx, cancel = wmscontext.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, u.Command[0], u.Command[1:]...).Output()
	if err != nil {
		return 0, errors.Wrapf(err, "running %s", u.Command[0])
	}
	return parseSeconds(string(out))
}

func parseSeconds(output string) (time.Duration, error) {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return 0, errors.New("time left command printed nothing")
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unexpected time left output %q", fields[0])
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
