package connect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storereport/internal/config"
)

// ConfigStore reads tenant connection descriptors from the central
// configuration database. The store itself may sit behind a tunnel and uses
// the same tunnel-or-direct policy as tenant connections. Nothing is cached
// across calls: connection topology may change between runs.
type ConfigStore struct {
	cfg    config.StoreConfig
	opener *Resolver
}

func NewConfigStore(cfg config.StoreConfig, opener *Resolver) *ConfigStore {
	return &ConfigStore{cfg: cfg, opener: opener}
}

func (s *ConfigStore) descriptor() Descriptor {
	return Descriptor{
		Tenant:  "config-store",
		SSHHost: strings.TrimSpace(s.cfg.SSHHost),
		SSHPort: s.cfg.SSHPort,
		DBHost:  strings.TrimSpace(s.cfg.Host),
		DBPort:  s.cfg.Port,
		DBName:  strings.TrimSpace(s.cfg.Database),
	}
}

func (s *ConfigStore) open(ctx context.Context) (*Handle, error) {
	if s == nil || s.opener == nil {
		return nil, errors.New("config store is not configured")
	}
	return s.opener.Open(ctx, s.descriptor())
}

// Descriptor implements DescriptorSource.
func (s *ConfigStore) Descriptor(ctx context.Context, tenant string) (Descriptor, error) {
	name := strings.TrimSpace(tenant)
	if name == "" {
		return Descriptor{}, errors.New("tenant is required")
	}
	h, err := s.open(ctx)
	if err != nil {
		return Descriptor{}, fmt.Errorf("config store: %w", err)
	}
	defer h.Close(ctx)

	rows, err := h.Query(ctx, `
		SELECT ssh_host, ssh_port, db_host, db_port, db_name
		FROM tenant_connection_config
		WHERE tenant = $1`, name)
	if err != nil {
		return Descriptor{}, fmt.Errorf("query connection config for %q: %w", name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Descriptor{}, err
		}
		return Descriptor{}, fmt.Errorf("no connection config for tenant %q", name)
	}
	var (
		sshHost, dbHost, dbName *string
		sshPort, dbPort         *int
	)
	if err := rows.Scan(&sshHost, &sshPort, &dbHost, &dbPort, &dbName); err != nil {
		return Descriptor{}, fmt.Errorf("scan connection config for %q: %w", name, err)
	}

	desc := Descriptor{Tenant: name}
	if sshHost != nil {
		desc.SSHHost = strings.TrimSpace(*sshHost)
	}
	if sshPort != nil {
		desc.SSHPort = *sshPort
	}
	if dbHost != nil {
		desc.DBHost = strings.TrimSpace(*dbHost)
	}
	if dbPort != nil {
		desc.DBPort = *dbPort
	}
	if dbName != nil {
		desc.DBName = strings.TrimSpace(*dbName)
	}
	desc.applyDefaults()
	return desc, nil
}

// ListTenants returns every tenant known to the config store, used when the
// report is configured for "all" stores.
func (s *ConfigStore) ListTenants(ctx context.Context) ([]string, error) {
	h, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("config store: %w", err)
	}
	defer h.Close(ctx)

	rows, err := h.Query(ctx, `SELECT DISTINCT tenant FROM tenant_connection_config ORDER BY tenant`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, err
		}
		if strings.TrimSpace(tenant) != "" {
			out = append(out, strings.TrimSpace(tenant))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
