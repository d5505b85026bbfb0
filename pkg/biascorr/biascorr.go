// Package biascorr runs the external bias-field correction tool.
package biascorr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"icvmapper/internal/models"
)

var commandContext = exec.CommandContext

// Corrector removes low-frequency intensity inhomogeneity from an image.
type Corrector interface {
	Correct(ctx context.Context, in, out string) error
}

// Command invokes an N4-compatible executable:
//
//	<Binary> -d 3 -i <in> -o <out> [Args...]
type Command struct {
	Binary string
	Args   []string
	Log    log.FieldLogger
}

// NewCommand returns a Command for binary.
func NewCommand(binary string, args ...string) *Command {
	return &Command{Binary: binary, Args: args, Log: log.StandardLogger()}
}

// Correct implements Corrector. Failures wrap models.ErrToolInvocation and
// include the tool's stderr.
func (c *Command) Correct(ctx context.Context, in, out string) error {
	args := append([]string{"-d", "3", "-i", in, "-o", out}, c.Args...)
	cmd := commandContext(ctx, c.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if c.Log != nil {
		c.Log.WithFields(log.Fields{"tool": c.Binary, "in": in, "out": out}).Info("Running bias field correction")
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %v: %s", models.ErrToolInvocation, c.Binary, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
