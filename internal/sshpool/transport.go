package sshpool

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
)

// DialParams is the resolved connection recipe for one node. Exactly one of
// KeyPath or Password is set.
type DialParams struct {
	Addr     string // host:port
	User     string
	Timeout  time.Duration
	KeyPath  string
	Password string
}

// Handle is the remote-session primitive: run a command, probe the
// transport, close. The pool owns exactly one Handle per connected node.
type Handle interface {
	Run(command string, timeout time.Duration) (exitCode int, stdout, stderr string, err error)
	Active() bool
	Close() error
}

// Dialer produces Handles. Swapped for a fake in tests.
type Dialer interface {
	Dial(p DialParams) (Handle, error)
}

// SSHDialer is the production Dialer on top of golang.org/x/crypto/ssh.
type SSHDialer struct{}

func (SSHDialer) Dial(p DialParams) (Handle, error) {
	var auth ssh.AuthMethod
	if p.KeyPath != "" {
		key, err := os.ReadFile(p.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key %s: %w", p.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key %s: %w", p.KeyPath, err)
		}
		auth = ssh.PublicKeys(signer)
	} else {
		auth = ssh.Password(p.Password)
	}

	cfg := &ssh.ClientConfig{
		User:            p.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.Timeout,
		BannerCallback:  func(string) error { return nil },
	}

	client, err := ssh.Dial("tcp", p.Addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", p.Addr, err)
	}

	cbs := gobreaker.Settings{
		Name:        "ssh-session " + p.Addr,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &sshHandle{client: client, breaker: gobreaker.NewCircuitBreaker(cbs)}, nil
}

// sshHandle wraps one *ssh.Client. Session creation goes through a circuit
// breaker so a wedged host stops burning handshakes.
type sshHandle struct {
	client  *ssh.Client
	breaker *gobreaker.CircuitBreaker
}

func (h *sshHandle) newSession() (*ssh.Session, error) {
	res, err := h.breaker.Execute(func() (any, error) {
		return h.client.NewSession()
	})
	if err != nil {
		return nil, err
	}
	return res.(*ssh.Session), nil
}

func (h *sshHandle) Run(command string, timeout time.Duration) (int, string, string, error) {
	sess, err := h.newSession()
	if err != nil {
		return 0, "", "", fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	exitCode := 0
	if err := runWithTimeout(sess, command, timeout); err != nil {
		var ee *ssh.ExitError
		if !errors.As(err, &ee) {
			return 0, decode(stdout.Bytes()), decode(stderr.Bytes()), err
		}
		exitCode = ee.ExitStatus()
	}
	return exitCode, decode(stdout.Bytes()), decode(stderr.Bytes()), nil
}

// commandSession is the slice of *ssh.Session that runWithTimeout needs.
type commandSession interface {
	Run(command string) error
	Close() error
}

// runWithTimeout waits for the command to finish. On timeout it closes the
// session, which unblocks Run and stops the output copy goroutines, then
// waits for Run to return so the caller can read the output buffers. The
// remote command may keep running detached.
func runWithTimeout(sess commandSession, command string, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		_ = sess.Close()
		<-done
		return fmt.Errorf("command timed out after %s", timeout)
	case err := <-done:
		return err
	}
}

func (h *sshHandle) Active() bool {
	_, _, err := h.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (h *sshHandle) Close() error {
	return h.client.Close()
}

// decode replaces invalid byte sequences instead of failing; remote output
// is not guaranteed to be clean UTF-8.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// hostPort appends the default port unless the address already carries one.
func hostPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, fmt.Sprintf("%d", port))
}
