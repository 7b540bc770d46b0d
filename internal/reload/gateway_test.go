package reload

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/aonescu/configsync/internal/metrics"
)

type fakeJenkins struct {
	port     int
	commands chan string
}

// newKey returns an ed25519 key as PEM text plus its public half.
func newKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "admin")
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block)), sshPub
}

// startFakeJenkins serves one exec per session, writing stderrOut and
// reporting exitStatus.
func startFakeJenkins(t *testing.T, authorized ssh.PublicKey, stderrOut string, exitStatus uint32) *fakeJenkins {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == "admin" && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unauthorized")
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fj := &fakeJenkins{
		port:     ln.Addr().(*net.TCPAddr).Port,
		commands: make(chan string, 10),
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fj.serve(conn, config, stderrOut, exitStatus)
		}
	}()
	return fj
}

func (fj *fakeJenkins) serve(conn net.Conn, config *ssh.ServerConfig, stderrOut string, exitStatus uint32) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					return
				}
				fj.commands <- payload.Command
				req.Reply(true, nil)

				io.WriteString(ch, "reloading\n")
				io.WriteString(ch.Stderr(), stderrOut)
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{exitStatus}))
				return
			}
		}()
	}
}

func newGateway(logs *bytes.Buffer, m *metrics.Metrics, opts Options) *Gateway {
	return New(opts, slog.New(slog.NewTextHandler(logs, nil)), m)
}

func TestReload_Success(t *testing.T) {
	key, pub := newKey(t)
	fj := startFakeJenkins(t, pub, "", 0)

	var logs bytes.Buffer
	g := newGateway(&logs, nil, Options{})

	require.NoError(t, g.Reload(context.Background(), key, "admin", fj.port))
	assert.Equal(t, Command, <-fj.commands)
	assert.Contains(t, logs.String(), "jcasc successfully reloaded")
}

func TestReload_StderrMeansFailure(t *testing.T) {
	key, pub := newKey(t)
	fj := startFakeJenkins(t, pub, "ERROR: configuration invalid", 0)

	var logs bytes.Buffer
	g := newGateway(&logs, nil, Options{})

	err := g.Reload(context.Background(), key, "admin", fj.port)
	require.ErrorIs(t, err, ErrReloadFailed)
	assert.Contains(t, err.Error(), "configuration invalid")
	assert.Contains(t, logs.String(), "jcasc failed to reload due to error: ERROR: configuration invalid")
}

func TestReload_NonZeroExit(t *testing.T) {
	key, pub := newKey(t)
	fj := startFakeJenkins(t, pub, "", 3)

	g := newGateway(&bytes.Buffer{}, nil, Options{})

	err := g.Reload(context.Background(), key, "admin", fj.port)
	assert.ErrorIs(t, err, ErrReloadFailed)
}

func TestReload_BadKey(t *testing.T) {
	g := newGateway(&bytes.Buffer{}, nil, Options{})

	err := g.Reload(context.Background(), "not a key", "admin", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse admin private key")
}

func TestReload_WrongUserRejected(t *testing.T) {
	key, pub := newKey(t)
	fj := startFakeJenkins(t, pub, "", 0)

	g := newGateway(&bytes.Buffer{}, nil, Options{})

	err := g.Reload(context.Background(), key, "intruder", fj.port)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake")
}

func TestReload_Unreachable(t *testing.T) {
	key, _ := newKey(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	g := newGateway(&bytes.Buffer{}, nil, Options{})
	assert.Error(t, g.Reload(context.Background(), key, "admin", port))
}

func TestNotify_NeverFailsAndCounts(t *testing.T) {
	key, pub := newKey(t)
	ok := startFakeJenkins(t, pub, "", 0)
	bad := startFakeJenkins(t, pub, "boom", 0)

	m := metrics.New()
	newGateway(&bytes.Buffer{}, m, Options{PrivateKey: key, Username: "admin", Port: ok.port}).Notify(context.Background())
	newGateway(&bytes.Buffer{}, m, Options{PrivateKey: key, Username: "admin", Port: bad.port}).Notify(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("ssh", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("ssh", "failure")))
}
