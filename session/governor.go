package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/kernel-broker/common/types"
	"github.com/scusemua/kernel-broker/common/utils"
)

// Restarter restarts the session server.
type Restarter interface {
	Restart(ctx context.Context) error
}

// RestartGovernor rate-limits restarts of the session server.
//
// A single RestartGovernor should be shared by every Connector in a process. It refuses to restart while a
// restart is in progress, or within the configured window after the previous restart finished.
type RestartGovernor struct {
	log logger.Logger

	restarter Restarter
	window    time.Duration
	timeout   time.Duration

	mu          sync.Mutex
	restarting  bool
	lastRestart time.Time
	restarts    int

	// now is replaced in tests.
	now func() time.Time
}

// NewRestartGovernor creates a RestartGovernor.
//
// window is the minimum time between the end of one restart and the start of the next. Each restart is given at
// most timeout to complete.
func NewRestartGovernor(restarter Restarter, window time.Duration, timeout time.Duration) *RestartGovernor {
	governor := &RestartGovernor{
		restarter: restarter,
		window:    window,
		timeout:   timeout,
		now:       time.Now,
	}
	config.InitLogger(&governor.log, governor)

	return governor
}

// Restart restarts the session server unless doing so is currently refused.
func (g *RestartGovernor) Restart(ctx context.Context) error {
	g.mu.Lock()
	if g.restarting {
		g.mu.Unlock()
		g.log.Debug("Refusing to restart the session server: a restart is already in progress.")
		return types.ErrAlreadyRestarting
	}

	if !g.lastRestart.IsZero() {
		if elapsed := g.now().Sub(g.lastRestart); elapsed <= g.window {
			g.mu.Unlock()
			g.log.Debug("Refusing to restart the session server: restarted %v ago.", elapsed)
			return fmt.Errorf("%w: restarted %v ago", types.ErrRestartedTooRecently, elapsed)
		}
	}

	g.restarting = true
	g.mu.Unlock()

	g.log.Info("Restarting the session server.")

	restartCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		restartCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err := g.restarter.Restart(restartCtx)
	if err != nil {
		g.log.Warn(utils.YellowStyle.Render("Failed to restart the session server: %v"), err)
	} else {
		g.log.Info("Restarted the session server.")
	}

	g.mu.Lock()
	g.restarting = false
	g.lastRestart = g.now()
	g.restarts++
	g.mu.Unlock()

	return err
}

// Restarts returns the number of restarts that have been attempted.
func (g *RestartGovernor) Restarts() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.restarts
}

// LastRestart returns the time at which the most recent restart finished.
func (g *RestartGovernor) LastRestart() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.lastRestart
}
