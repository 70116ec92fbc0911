package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHAgentKey is the special value for --ssh-key to use the SSH agent.
const SSHAgentKey = "agent"

// SSHAgentAvailable reports whether an SSH agent socket is configured.
func SSHAgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// loadSSHSigners loads signers for keyPath: "agent" asks the SSH agent, ""
// disables key authentication, anything else is a private key file.
func loadSSHSigners(keyPath string) ([]ssh.Signer, error) {
	switch keyPath {
	case "":
		return nil, nil
	case SSHAgentKey:
		socket := os.Getenv("SSH_AUTH_SOCK")
		if socket == "" {
			return nil, errors.New("SSH_AUTH_SOCK not set")
		}
		var d net.Dialer
		conn, err := d.DialContext(context.Background(), "unix", socket)
		if err != nil {
			return nil, fmt.Errorf("connecting to SSH agent: %w", err)
		}
		// The agent connection backs the signers for the life of the process.
		signers, err := agent.NewClient(conn).Signers()
		if err != nil || len(signers) == 0 {
			_ = conn.Close()
			if err == nil {
				err = errors.New("no keys available")
			}
			return nil, fmt.Errorf("SSH agent: %w", err)
		}
		return signers, nil
	default:
		keyData, err := os.ReadFile(keyPath) //nolint:gosec // Path is from user config.
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parsing key file: %w", err)
		}
		return []ssh.Signer{signer}, nil
	}
}

// newHostKeyCallback verifies host keys against a known_hosts file, adding
// unknown hosts on first use. An empty path disables checking.
func newHostKeyCallback(path string, log *zap.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Checking explicitly disabled.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("creating known_hosts file: %w", err)
	}
	_ = f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("host key mismatch for %s: %w", hostname, err)
		}

		mu.Lock()
		defer mu.Unlock()

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return fmt.Errorf("opening known_hosts for writing: %w", err)
		}
		defer f.Close()

		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("writing to known_hosts: %w", err)
		}

		log.Info("added ssh host key", zap.String("host", hostname), zap.String("file", path))
		return nil
	}, nil
}
