package connect

import "strings"

// Descriptor is one tenant's row from the central connection table. When
// SSHHost is set the tenant database is not directly reachable and traffic
// is forwarded through an encrypted tunnel.
type Descriptor struct {
	Tenant  string
	SSHHost string
	SSHPort int
	DBHost  string
	DBPort  int
	DBName  string
}

func (d Descriptor) UsesTunnel() bool {
	return strings.TrimSpace(d.SSHHost) != ""
}

func (d *Descriptor) applyDefaults() {
	if d == nil {
		return
	}
	if d.SSHPort <= 0 {
		d.SSHPort = 22
	}
	if strings.TrimSpace(d.DBName) == "" {
		d.DBName = "storeinsight"
	}
}
