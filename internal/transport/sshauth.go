package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	ncerr "scriptcon/internal/errors"
)

// PromptFunc asks the operator for a secret.
type PromptFunc func(prompt string) ([]byte, error)

// terminalPrompt reads a secret from the controlling terminal without
// echo.
func terminalPrompt(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(int(os.Stdin.Fd()))
}

func (c *SSHConfig) prompt(p string) ([]byte, error) {
	if c.Prompt != nil {
		return c.Prompt(p)
	}
	return terminalPrompt(p)
}

// authMethods lists the ways to authenticate to the gateway, in the
// order they are tried: key file, agent, password.  With none of
// them configured the agent and the usual key files are tried.
func authMethods(cfg *SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		m, err := keyFileAuth(cfg, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, m)
	}
	if cfg.UseAgent {
		m, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		methods = append(methods, m)
	}
	if cfg.PromptPass {
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			pass, err := cfg.prompt(fmt.Sprintf("%s@%s's password: ", cfg.User, cfg.Host))
			return string(pass), err
		}))
	}

	if len(methods) == 0 {
		methods = fallbackAuth(cfg)
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH authentication available; " +
			"use --ssh-key, --ssh-password, or --ssh-agent")
	}
	return methods, nil
}

func keyFileAuth(cfg *SSHConfig, path string) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		pass, perr := cfg.prompt(fmt.Sprintf("Enter passphrase for %s: ", path))
		if perr != nil {
			return nil, fmt.Errorf("reading passphrase: %w", perr)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// fallbackAuth tries the agent and unencrypted default keys, without
// prompting.
func fallbackAuth(cfg *SSHConfig) []ssh.AuthMethod {
	var out []ssh.AuthMethod
	if m, err := agentAuth(); err == nil {
		out = append(out, m)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(data); err == nil {
			out = append(out, ssh.PublicKeys(signer))
		}
	}
	return out
}

// hostKeyCallback verifies the gateway against known_hosts when
// strict checking is on.
func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // operator opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", path, err)
	}
	return func(host string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(host, remote, key)
		var ke *knownhosts.KeyError
		if errors.As(err, &ke) && len(ke.Want) > 0 {
			return fmt.Errorf("%s: %w", host, ncerr.ErrHostKeyMismatch)
		}
		return err
	}, nil
}
