// Package reload asks the companion Jenkins to reload its configuration as
// code through the SSH endpoint it exposes on loopback.
package reload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aonescu/configsync/internal/metrics"
)

// Command is the only command ever run over the session.
const Command = "reload-jcasc-configuration"

const (
	loopback       = "127.0.0.1"
	defaultTimeout = 30 * time.Second
)

var ErrReloadFailed = errors.New("jcasc failed to reload")

type Options struct {
	PrivateKey string
	Username   string
	Port       int
	// Timeout bounds the TCP connect and SSH handshake.
	Timeout time.Duration
}

type Gateway struct {
	opts    Options
	host    string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(opts Options, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	return &Gateway{opts: opts, host: loopback, logger: logger, metrics: m}
}

// Notify runs the reload with the configured credentials. Failures are
// logged only.
func (g *Gateway) Notify(ctx context.Context) {
	err := g.Reload(ctx, g.opts.PrivateKey, g.opts.Username, g.opts.Port)
	if g.metrics != nil {
		g.metrics.Notifications.WithLabelValues("ssh", metrics.Result(err)).Inc()
	}
	if err != nil && !errors.Is(err, ErrReloadFailed) {
		g.logger.Error("jcasc reload could not be run", "error", err)
	}
}

// Reload opens a session to the loopback SSH port, runs Command once and
// classifies the result by what the command wrote to stderr. The host key is
// not verified; the target is always the local pod.
func (g *Gateway) Reload(ctx context.Context, privateKey, username string, port int) error {
	g.logger.Debug("Start of jenkins reload function")

	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	if err != nil {
		return fmt.Errorf("failed to parse admin private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         g.opts.Timeout,
	}

	addr := net.JoinHostPort(g.host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: g.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer func() {
		g.logger.Debug("Closing ssh client")
		client.Close()
	}()
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runErr := session.Run(Command)
	if out := strings.TrimSpace(stdout.String()); out != "" {
		g.logger.Debug("reload output", "stdout", out)
	}

	if result := stderr.String(); result != "" {
		g.logger.Error(fmt.Sprintf("jcasc failed to reload due to error: %s", result))
		return fmt.Errorf("%w: %s", ErrReloadFailed, strings.TrimSpace(result))
	}

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		g.logger.Error("jcasc failed to reload", "exit_status", exitErr.ExitStatus())
		return fmt.Errorf("%w: exit status %d", ErrReloadFailed, exitErr.ExitStatus())
	default:
		return fmt.Errorf("failed to run %s: %w", Command, runErr)
	}

	g.logger.Info("jcasc successfully reloaded")
	return nil
}
