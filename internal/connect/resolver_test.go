package connect

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeTunnel struct {
	closed bool
}

func (f *fakeTunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, errors.New("not dialed in tests")
}

func (f *fakeTunnel) Close() error {
	f.closed = true
	return nil
}

type fakeConn struct {
	pingErr error
	closed  bool
}

func (f *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("no rows in tests")
}

func (f *fakeConn) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeConn) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func testResolver() *Resolver {
	return NewResolver(nil, Credentials{
		DBUser:      "report",
		DBPassword:  "secret",
		SSHUser:     "ops",
		SSHPassword: "sshpass",
	}, time.Second, slog.New(slog.NewTextHandler(new(strings.Builder), nil)))
}

func TestOpenTunneled(t *testing.T) {
	r := testResolver()
	tun := &fakeTunnel{}
	var dialedAddr, dsnSeen string
	var dialSeen pgconn.DialFunc

	r.dialTunnel = func(ctx context.Context, addr, username, password string, timeout time.Duration) (tunnelDialer, error) {
		dialedAddr = addr
		if username != "ops" || password != "sshpass" {
			t.Fatalf("unexpected ssh credentials %q/%q", username, password)
		}
		return tun, nil
	}
	r.connectDB = func(ctx context.Context, dsn string, dial pgconn.DialFunc) (dbConn, error) {
		dsnSeen = dsn
		dialSeen = dial
		return &fakeConn{}, nil
	}

	h, err := r.Open(context.Background(), Descriptor{
		Tenant:  "acme",
		SSHHost: "gate.example.com",
		DBHost:  "127.0.0.1",
		DBPort:  5432,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !h.ViaTunnel() {
		t.Fatal("expected tunneled handle")
	}
	if dialedAddr != "gate.example.com:22" {
		t.Fatalf("dialed %q, want default ssh port", dialedAddr)
	}
	if dialSeen == nil {
		t.Fatal("database connection did not use the tunnel dialer")
	}
	if !strings.Contains(dsnSeen, "host=127.0.0.1") || !strings.Contains(dsnSeen, "dbname=storeinsight") {
		t.Fatalf("unexpected dsn %q", dsnSeen)
	}

	h.Close(context.Background())
	if !tun.closed {
		t.Fatal("closing the handle must close the tunnel")
	}
}

func TestOpenFallsBackToDirectWhenTunnelFails(t *testing.T) {
	r := testResolver()
	r.dialTunnel = func(ctx context.Context, addr, username, password string, timeout time.Duration) (tunnelDialer, error) {
		return nil, errors.New("handshake refused")
	}
	var directDSN string
	r.connectDB = func(ctx context.Context, dsn string, dial pgconn.DialFunc) (dbConn, error) {
		if dial != nil {
			t.Fatal("fallback must connect directly, not through a tunnel")
		}
		directDSN = dsn
		return &fakeConn{}, nil
	}

	h, err := r.Open(context.Background(), Descriptor{
		Tenant:  "acme",
		SSHHost: "gate.example.com",
		DBHost:  "10.0.0.5",
		DBPort:  5433,
		DBName:  "tenantdb",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h.ViaTunnel() {
		t.Fatal("fallback handle must not report a tunnel")
	}
	// The direct attempt targets the ssh host itself on the database port.
	if !strings.Contains(directDSN, "host=gate.example.com") || !strings.Contains(directDSN, "port=5433") {
		t.Fatalf("fallback dsn = %q, want ssh host on db port", directDSN)
	}
	h.Close(context.Background())
}

func TestOpenReportsBothFailures(t *testing.T) {
	r := testResolver()
	r.dialTunnel = func(ctx context.Context, addr, username, password string, timeout time.Duration) (tunnelDialer, error) {
		return nil, errors.New("handshake refused")
	}
	r.connectDB = func(ctx context.Context, dsn string, dial pgconn.DialFunc) (dbConn, error) {
		return nil, errors.New("connection refused")
	}

	_, err := r.Open(context.Background(), Descriptor{
		Tenant:  "acme",
		SSHHost: "gate.example.com",
		DBPort:  5432,
	})
	if err == nil {
		t.Fatal("expected an error when both attempts fail")
	}
	for _, want := range []string{"acme", "handshake refused", "connection refused"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestOpenClosesHandleWhenPingFails(t *testing.T) {
	r := testResolver()
	conn := &fakeConn{pingErr: errors.New("server is shutting down")}
	r.connectDB = func(ctx context.Context, dsn string, dial pgconn.DialFunc) (dbConn, error) {
		return conn, nil
	}

	_, err := r.Open(context.Background(), Descriptor{
		Tenant: "acme",
		DBHost: "10.0.0.5",
		DBPort: 5432,
	})
	if err == nil || !strings.Contains(err.Error(), "connection test failed") {
		t.Fatalf("err = %v, want liveness failure", err)
	}
	if !conn.closed {
		t.Fatal("failed handle must be closed")
	}
}

func TestResolveRequiresTenant(t *testing.T) {
	r := testResolver()
	if _, err := r.Resolve(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank tenant")
	}
}
