package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Credentials are the database and SSH accounts shared by every tenant
// connection, matching how the fleet is provisioned.
type Credentials struct {
	DBUser      string
	DBPassword  string
	SSHUser     string
	SSHPassword string
}

// DescriptorSource looks up a tenant's connection descriptor. The production
// implementation is the central config store; tests substitute their own.
type DescriptorSource interface {
	Descriptor(ctx context.Context, tenant string) (Descriptor, error)
}

type dbConn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type tunnelDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	Close() error
}

// Handle is a live connection to one tenant's database, scoped to a single
// extraction task. Close tears down the tunnel too, if one was used.
type Handle struct {
	tenant    string
	viaTunnel bool
	conn      dbConn
	tunnel    tunnelDialer
}

func (h *Handle) Tenant() string {
	if h == nil {
		return ""
	}
	return h.tenant
}

func (h *Handle) ViaTunnel() bool {
	return h != nil && h.viaTunnel
}

func (h *Handle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if h == nil || h.conn == nil {
		return nil, errors.New("handle is closed")
	}
	return h.conn.Query(ctx, sql, args...)
}

func (h *Handle) Close(ctx context.Context) {
	if h == nil {
		return
	}
	if h.conn != nil {
		_ = h.conn.Close(ctx)
		h.conn = nil
	}
	if h.tunnel != nil {
		_ = h.tunnel.Close()
		h.tunnel = nil
	}
}

// Resolver turns a tenant name into a working database handle. When the
// descriptor calls for a tunnel, a tunnel failure degrades to a direct
// connection attempt against the remote host before giving up.
type Resolver struct {
	Store          DescriptorSource
	Creds          Credentials
	ConnectTimeout time.Duration
	Logger         *slog.Logger

	// Dial seams, replaced in tests.
	dialTunnel func(ctx context.Context, addr, username, password string, timeout time.Duration) (tunnelDialer, error)
	connectDB  func(ctx context.Context, dsn string, dial pgconn.DialFunc) (dbConn, error)
}

func NewResolver(store DescriptorSource, creds Credentials, connectTimeout time.Duration, logger *slog.Logger) *Resolver {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		Store:          store,
		Creds:          creds,
		ConnectTimeout: connectTimeout,
		Logger:         logger,
	}
}

func (r *Resolver) Resolve(ctx context.Context, tenant string) (*Handle, error) {
	if r == nil {
		return nil, errors.New("resolver is nil")
	}
	if r.Store == nil {
		return nil, errors.New("descriptor source is not configured")
	}
	name := strings.TrimSpace(tenant)
	if name == "" {
		return nil, errors.New("tenant is required")
	}
	desc, err := r.Store.Descriptor(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("lookup connection for %q: %w", name, err)
	}
	desc.Tenant = name
	return r.Open(ctx, desc)
}

// Open connects using an already-resolved descriptor. Exported so the config
// store can reuse the same tunnel-or-direct policy for its own connection.
func (r *Resolver) Open(ctx context.Context, desc Descriptor) (*Handle, error) {
	if r == nil {
		return nil, errors.New("resolver is nil")
	}
	desc.applyDefaults()

	if desc.UsesTunnel() {
		h, tunnelErr := r.openTunneled(ctx, desc)
		if tunnelErr == nil {
			return h, nil
		}
		r.Logger.Warn("tunnel failed, trying direct connection",
			"tenant", desc.Tenant, "ssh_host", desc.SSHHost, "err", tunnelErr)

		// Best-effort degradation: the database may still be reachable on
		// the tunnel host itself.
		h, directErr := r.openDirect(ctx, desc, desc.SSHHost, desc.DBPort)
		if directErr == nil {
			return h, nil
		}
		return nil, fmt.Errorf("tenant %q unreachable: tunnel: %v; direct: %w", desc.Tenant, tunnelErr, directErr)
	}

	h, err := r.openDirect(ctx, desc, desc.DBHost, desc.DBPort)
	if err != nil {
		return nil, fmt.Errorf("tenant %q unreachable: %w", desc.Tenant, err)
	}
	return h, nil
}

func (r *Resolver) openTunneled(ctx context.Context, desc Descriptor) (*Handle, error) {
	addr := fmt.Sprintf("%s:%d", strings.TrimSpace(desc.SSHHost), desc.SSHPort)
	tun, err := r.tunnelDialerFunc()(ctx, addr, r.Creds.SSHUser, r.Creds.SSHPassword, r.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	conn, err := r.connectDBFunc()(ctx, r.dsn(desc.DBHost, desc.DBPort, desc.DBName), tun.DialContext)
	if err != nil {
		_ = tun.Close()
		return nil, err
	}
	h := &Handle{tenant: desc.Tenant, viaTunnel: true, conn: conn, tunnel: tun}
	if err := r.confirm(ctx, h); err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

func (r *Resolver) openDirect(ctx context.Context, desc Descriptor, host string, port int) (*Handle, error) {
	conn, err := r.connectDBFunc()(ctx, r.dsn(host, port, desc.DBName), nil)
	if err != nil {
		return nil, err
	}
	h := &Handle{tenant: desc.Tenant, conn: conn}
	if err := r.confirm(ctx, h); err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

// confirm runs a trivial liveness check before the handle is handed out.
func (r *Resolver) confirm(ctx context.Context, h *Handle) error {
	pingCtx, cancel := context.WithTimeout(ctx, r.ConnectTimeout)
	defer cancel()
	if err := h.conn.Ping(pingCtx); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

func (r *Resolver) dsn(host string, port int, database string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		strings.TrimSpace(host), port, strings.TrimSpace(r.Creds.DBUser), r.Creds.DBPassword, strings.TrimSpace(database))
}

func (r *Resolver) tunnelDialerFunc() func(ctx context.Context, addr, username, password string, timeout time.Duration) (tunnelDialer, error) {
	if r != nil && r.dialTunnel != nil {
		return r.dialTunnel
	}
	return func(ctx context.Context, addr, username, password string, timeout time.Duration) (tunnelDialer, error) {
		return DialTunnel(ctx, addr, username, password, timeout)
	}
}

func (r *Resolver) connectDBFunc() func(ctx context.Context, dsn string, dial pgconn.DialFunc) (dbConn, error) {
	if r != nil && r.connectDB != nil {
		return r.connectDB
	}
	return pgxConnect
}

func pgxConnect(ctx context.Context, dsn string, dial pgconn.DialFunc) (dbConn, error) {
	cc, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	if dial != nil {
		cc.DialFunc = dial
	}
	conn, err := pgx.ConnectConfig(ctx, cc)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
