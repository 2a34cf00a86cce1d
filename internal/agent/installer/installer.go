// Package installer prepares the software a job declares before its payload is started.
package installer

import (
	"bytes"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gridwms/wms/internal/common/wmscontext"
)

type Config struct {
	// Command is run with the package names appended. An empty command disables installation.
	Command []string
	Timeout time.Duration
}

type Installer interface {
	Install(ctx *wmscontext.Context, workDir string, packages []string) error
}

func New(config Config) Installer {
	if len(config.Command) == 0 {
		return NoopInstaller{}
	}
	return &CommandInstaller{command: config.Command, timeout: config.Timeout}
}

// NoopInstaller accepts every package. It is used on sites where software is provided out of band.
type NoopInstaller struct{}

func (NoopInstaller) Install(ctx *wmscontext.Context, _ string, packages []string) error {
	if len(packages) > 0 {
		ctx.Log.Debugf("skipping installation of %s", strings.Join(packages, ", "))
	}
	return nil
}

type CommandInstaller struct {
	command []string
	timeout time.Duration
}

func (i *CommandInstaller) Install(ctx *wmscontext.Context, workDir string, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	if i.timeout > 0 {
		var cancel func()
		ctx, cancel = wmscontext.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	args := append(append([]string{}, i.command[1:]...), packages...)
	cmd := exec.CommandContext(ctx, i.command[0], args...)
	cmd.Dir = workDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "installing %s: %s", strings.Join(packages, ", "), strings.TrimSpace(output.String()))
	}
	ctx.Log.Infof("installed %s", strings.Join(packages, ", "))
	return nil
}
