package devices

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openlumen/openlumen/pkg/engine"
)

// SSHConfig holds SSH device client configuration.
type SSHConfig struct {
	// User is the management username.
	User string

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// KnownHostsPath is the path to the known_hosts file. If empty, host
	// key verification is disabled; keep it set outside of lab setups.
	KnownHostsPath string

	// Timeout bounds connection establishment and each command.
	Timeout time.Duration
}

// SSHClient talks to device management endpoints over an SSH command
// channel. Devices expose their subscription-scoped configuration as flat
// key=value lines via show/set/delete commands; the client does no protocol
// parsing beyond that framing.
type SSHClient struct {
	cfg      SSHConfig
	auth     []ssh.AuthMethod
	hostKeys ssh.HostKeyCallback
}

// NewSSHClient creates an SSH device client. The private key is loaded
// eagerly so misconfiguration surfaces at startup, not mid-workflow.
func NewSSHClient(cfg SSHConfig) (*SSHClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	keyData, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey() //nolint:gosec // lab fallback, see KnownHostsPath
	if cfg.KnownHostsPath != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &SSHClient{
		cfg:      cfg,
		auth:     []ssh.AuthMethod{ssh.PublicKeys(signer)},
		hostKeys: hostKeys,
	}, nil
}

// FetchState runs a show command and parses the key=value response lines.
func (c *SSHClient) FetchState(ctx context.Context, ref engine.DeviceRef) (map[string]string, error) {
	out, err := c.run(ctx, ref, fmt.Sprintf("show subscription %s", ref.SubscriptionID))
	if err != nil {
		return nil, err
	}

	state := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		state[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return state, nil
}

// ApplyConfig issues one set command per changed attribute.
func (c *SSHClient) ApplyConfig(ctx context.Context, ref engine.DeviceRef, changes map[string]string) error {
	for k, v := range changes {
		cmd := fmt.Sprintf("set subscription %s %s=%s", ref.SubscriptionID, k, v)
		if _, err := c.run(ctx, ref, cmd); err != nil {
			return err
		}
	}
	return nil
}

// RemoveConfig issues one delete command per removed attribute.
func (c *SSHClient) RemoveConfig(ctx context.Context, ref engine.DeviceRef, keys []string) error {
	for _, k := range keys {
		cmd := fmt.Sprintf("delete subscription %s %s", ref.SubscriptionID, k)
		if _, err := c.run(ctx, ref, cmd); err != nil {
			return err
		}
	}
	return nil
}

// run executes one command on the device management endpoint. Each command
// uses a fresh connection; device CLIs are stateful per session and a clean
// session avoids mode leakage between steps.
func (c *SSHClient) run(ctx context.Context, ref engine.DeviceRef, cmd string) (string, error) {
	if ref.Endpoint == "" {
		return "", engine.NewDeviceError("device reference has no endpoint", nil)
	}

	conn, err := ssh.Dial("tcp", ref.Endpoint, &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            c.auth,
		HostKeyCallback: c.hostKeys,
		Timeout:         c.cfg.Timeout,
	})
	if err != nil {
		return "", engine.NewDeviceError(fmt.Sprintf("failed to connect to %s", ref.Endpoint), err)
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return "", engine.NewDeviceError("failed to open session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", engine.NewDeviceError(
				fmt.Sprintf("command failed on %s: %s", ref.Endpoint, strings.TrimSpace(stderr.String())), err)
		}
	case <-time.After(c.cfg.Timeout):
		_ = session.Signal(ssh.SIGKILL)
		return "", engine.NewDeviceError(fmt.Sprintf("command timed out on %s", ref.Endpoint), nil)
	}

	return stdout.String(), nil
}
