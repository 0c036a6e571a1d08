package session

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/scusemua/kernel-broker/common/utils"
)

const commandWaitDelay = 2 * time.Second

// CommandRestarter restarts the session server by running a shell command.
type CommandRestarter struct {
	log logger.Logger

	Command string
}

func NewCommandRestarter(command string) *CommandRestarter {
	restarter := &CommandRestarter{
		Command: command,
	}
	config.InitLogger(&restarter.log, restarter)

	return restarter
}

// Restart runs the command with bash, failing if it exits with a non-zero status or ctx expires first.
func (r *CommandRestarter) Restart(ctx context.Context) error {
	r.log.Debug("Running restart command \"%s\"", r.Command)

	cmd := exec.CommandContext(ctx, "bash", "-c", r.Command)
	// Children of bash may hold the output pipe open after bash itself is killed.
	cmd.WaitDelay = commandWaitDelay
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}

		return errors.Wrapf(err, "restart command \"%s\" failed: %s", r.Command,
			utils.TruncateMiddle(strings.TrimSpace(string(output)), 400))
	}

	r.log.Debug("Restart command succeeded: %s", utils.TruncateMiddle(strings.TrimSpace(string(output)), 400))
	return nil
}
