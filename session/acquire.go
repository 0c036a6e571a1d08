package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/scusemua/kernel-broker/common/types"
	"k8s.io/apimachinery/pkg/util/wait"
)

// acquireSocket obtains a ready socket to the session server, restarting the server when it cannot be reached.
//
// Attempts are retried with exponential backoff until the startup timeout elapses, after which the error wraps
// types.ErrConnectionFailed. The returned socket has not been started.
func (c *Connector) acquireSocket(ctx context.Context) (*Socket, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StartupTimeout())
	defer cancel()

	backoff := wait.Backoff{
		Duration: c.opts.BackoffInitial(),
		Factor:   c.opts.BackoffFactor,
		Steps:    math.MaxInt32,
		Cap:      c.opts.BackoffMax(),
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		socket, pid, err := c.tryToConnect(ctx)
		if err == nil {
			c.metrics.RecordSocketOpened()
			return socket, pid, nil
		}

		lastErr = err
		c.metrics.RecordConnectFailure()

		delay := backoff.Step()
		c.log.Debug("Attempt #%d to connect to the session server failed: %v. Retrying in %v.", attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, 0, fmt.Errorf("%w after %d attempt(s): %v", types.ErrConnectionFailed, attempt, lastErr)
		}
	}
}

// tryToConnect makes one connection attempt. If it fails, the session server is restarted and, if the restart
// succeeds, a second attempt is made immediately.
func (c *Connector) tryToConnect(ctx context.Context) (*Socket, int, error) {
	socket, pid, err := c.connect(ctx)
	if err == nil {
		return socket, pid, nil
	}

	if c.governor == nil {
		return nil, 0, err
	}

	restartErr := c.governor.Restart(ctx)
	if !errors.Is(restartErr, types.ErrAlreadyRestarting) && !errors.Is(restartErr, types.ErrRestartedTooRecently) {
		c.metrics.RecordServerRestart(restartErr)
	}

	if restartErr != nil {
		return nil, 0, fmt.Errorf("%v (restart: %w)", err, restartErr)
	}

	return c.connect(ctx)
}

// lookupAddress returns the address of the session server.
func (c *Connector) lookupAddress(ctx context.Context) (string, error) {
	host := c.host

	var (
		port int
		err  error
	)
	if registry, ok := c.ports.(AddressRegistry); ok {
		var registered string
		registered, port, err = registry.GetAddress(ctx, c.opts.Service)
		if registered != "" {
			host = registered
		}
	} else {
		port, err = c.ports.GetPort(ctx, c.opts.Service)
	}
	if err != nil {
		return "", err
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// connect looks up the address of the session server, unlocks a socket to it and starts a session.
func (c *Connector) connect(ctx context.Context) (*Socket, int, error) {
	addr, err := c.lookupAddress(ctx)
	if err != nil {
		return nil, 0, err
	}

	socket, err := DialLocked(ctx, addr, c.token)
	if err != nil {
		c.ports.ForgetPort(c.opts.Service)
		return nil, 0, fmt.Errorf("session server at %s denied connection: %w", addr, err)
	}

	c.log.Debug("Unlocked a socket to the session server at %s.", addr)

	err = socket.WriteJSON(map[string]interface{}{
		"event": EventStartSession,
		"type":  SessionTypeDefault,
	})
	if err != nil {
		_ = socket.Close()
		return nil, 0, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.StartupTimeout())
	}

	reply, err := socket.ReadOne(deadline)
	if err != nil {
		_ = socket.Close()
		return nil, 0, fmt.Errorf("no session description from the session server: %w", err)
	}

	if reply.Kind != KindJSON {
		_ = socket.Close()
		return nil, 0, fmt.Errorf("unexpected %v message while waiting for the session description", reply.Kind)
	}

	pid := 0
	if value, ok := reply.JSON["pid"].(float64); ok {
		pid = int(value)
	}

	c.log.Debug("Session server started a session with pid %d.", pid)
	return socket, pid, nil
}
