package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "scriptcon/internal/errors"
	"scriptcon/internal/retry"
	"scriptcon/util"
)

// A gateway that fails this many times in a row is left alone for
// gatewayCooldown before the next attempt.
const (
	gatewayFailureThreshold = 3
	gatewayCooldown         = 30 * time.Second
)

// SSHConfig describes the gateway a device is reached through.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// KeepAlive is the interval between keepalive@openssh.com probes.
	// An attached controller can sit idle for a long time, and some
	// gateways drop quiet connections.  Zero disables probing.
	KeepAlive time.Duration

	// Prompt reads passwords and key passphrases; the controlling
	// terminal is used when nil.
	Prompt PromptFunc
}

// Gateway returns the gateway's host:port.
func (c *SSHConfig) Gateway() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SSHDialer forwards connections to the device through an SSH
// gateway.  The SSH client is established on the first Dial and
// re-established on a later Dial if the gateway connection dropped.
type SSHDialer struct {
	cfg    *SSHConfig
	logger *util.Logger

	breaker *retry.Breaker

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHDialer returns a dialer for the gateway in cfg.  Nothing is
// dialed until the first Dial.
func NewSSHDialer(cfg *SSHConfig, logger *util.Logger) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	d := &SSHDialer{cfg: cfg, logger: logger}
	d.breaker = &retry.Breaker{
		Threshold: gatewayFailureThreshold,
		Cooldown:  gatewayCooldown,
		OnChange: func(from, to retry.State) {
			logger.Verbose("ssh: gateway %s breaker %s -> %s", cfg.Gateway(), from, to)
		},
	}
	return d
}

// Dial opens a forwarded connection to address.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.gateway(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("ssh: forwarding %s %s via %s", network, address, d.cfg.Gateway())
	conn, err := client.Dial(network, address)
	if err != nil {
		// The gateway is up; the device behind it may just be restarting.
		return nil, &ncerr.NetworkError{Op: "forward", Addr: address, Err: err, Retryable: true}
	}
	return conn, nil
}

// Close shuts the gateway connection down.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// gateway returns the live SSH client, connecting if needed.  After
// repeated connection failures it fails fast for a while.
func (d *SSHDialer) gateway(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}

	var client *ssh.Client
	err := d.breaker.Do(func() error {
		var err error
		client, err = d.connect(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.client = client
	go d.watch(client)
	if d.cfg.KeepAlive > 0 {
		go d.keepAlive(client)
	}
	return client, nil
}

func (d *SSHDialer) connect(ctx context.Context) (*ssh.Client, error) {
	auth, err := authMethods(d.cfg)
	if err != nil {
		return nil, ncerr.WrapSSH("auth", d.cfg.Host, d.cfg.Port, err)
	}
	hostKey, err := hostKeyCallback(d.cfg)
	if err != nil {
		return nil, ncerr.WrapSSH("hostkey", d.cfg.Host, d.cfg.Port, err)
	}

	addr := d.cfg.Gateway()
	d.logger.Verbose("ssh: connecting to %s as %s", addr, d.cfg.User)

	var nd net.Dialer
	tcp, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.Wrap("dial", addr, err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(tcp, addr, &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.cfg.ConnTimeout,
	})
	if err != nil {
		tcp.Close()
		return nil, ncerr.WrapSSH("handshake", d.cfg.Host, d.cfg.Port, err)
	}
	return ssh.NewClient(conn, chans, reqs), nil
}

// watch forgets client once its connection ends.
func (d *SSHDialer) watch(client *ssh.Client) {
	err := client.Wait()
	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	d.mu.Unlock()
	d.logger.Verbose("ssh: gateway connection closed: %v", err)
}

func (d *SSHDialer) keepAlive(client *ssh.Client) {
	tick := time.NewTicker(d.cfg.KeepAlive)
	defer tick.Stop()
	for range tick.C {
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			d.logger.Debug("ssh: keepalive failed: %v", err)
			client.Close()
			return
		}
	}
}

// String names the route for logs.
func (d *SSHDialer) String() string {
	return fmt.Sprintf("ssh://%s@%s", d.cfg.User, d.cfg.Gateway())
}
