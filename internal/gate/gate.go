// Package gate blocks startup until the companion process listens on its port.
package gate

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultInterval = 5 * time.Second
	// DefaultGrace gives the companion's sshd time to come up after the
	// HTTP port opens.
	DefaultGrace = 15 * time.Second
)

type Gate struct {
	Host     string
	Interval time.Duration
	Grace    time.Duration
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Gate {
	return &Gate{
		Host:     "127.0.0.1",
		Interval: DefaultInterval,
		Grace:    DefaultGrace,
		logger:   logger,
	}
}

// Wait polls until a TCP connect to port succeeds, then sleeps for the grace
// period. There is no attempt limit; only ctx ends the wait early.
func (g *Gate) Wait(ctx context.Context, port int) error {
	addr := net.JoinHostPort(g.Host, strconv.Itoa(port))

	err := wait.PollUntilContextCancel(ctx, g.Interval, true, func(ctx context.Context) (bool, error) {
		dialer := net.Dialer{Timeout: g.Interval}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			g.logger.Info("Jenkins is not up yet.  Waiting...", "address", addr)
			return false, nil
		}
		conn.Close()
		return true, nil
	})
	if err != nil {
		return err
	}
	g.logger.Info("Jenkins is contactable, continuing.", "address", addr)

	timer := time.NewTimer(g.Grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
