package connect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Tunnel forwards TCP connections through an SSH session to hosts that are
// only reachable from the remote side.
type Tunnel struct {
	client *ssh.Client
}

// DialTunnel opens an SSH session to addr ("host:port") with password auth.
func DialTunnel(ctx context.Context, addr, username, password string, timeout time.Duration) (*Tunnel, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("tunnel address is empty")
	}
	if strings.TrimSpace(username) == "" {
		return nil, errors.New("ssh username is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	conf := &ssh.ClientConfig{
		User:            strings.TrimSpace(username),
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	return &Tunnel{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// DialContext opens a forwarded connection through the tunnel. It matches
// pgconn's DialFunc signature so a database client can dial through it
// directly.
func (t *Tunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if t == nil || t.client == nil {
		return nil, errors.New("tunnel is not open")
	}
	return t.client.DialContext(ctx, network, addr)
}

func (t *Tunnel) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}
