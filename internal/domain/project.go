package domain

import "time"

// SecretsProvider selects where project configuration and secrets are read from.
type SecretsProvider string

const (
	SecretsProviderLocal    SecretsProvider = "LOCAL"
	SecretsProviderColdrune SecretsProvider = "COLDRUNE"
)

// Valid reports whether p is a known provider.
func (p SecretsProvider) Valid() bool {
	return p == SecretsProviderLocal || p == SecretsProviderColdrune
}

// DaemonType distinguishes how a daemon is supervised.
type DaemonType string

const (
	DaemonTypeSystemd DaemonType = "SYSTEMD"
	DaemonTypeDocker  DaemonType = "DOCKER"
)

// Project describes a registered deployable application.
type Project struct {
	ID              string
	Name            string
	Code            string
	GitURL          string
	PipPackageName  string
	PipIndexURL     string
	PipIndexUser    string
	PipIndexAuth    string
	SecretsProvider SecretsProvider
	Daemons         []Daemon
	CreatedAt       time.Time
	UpdatedAt       *time.Time
	RemovedAt       *time.Time
}

// HasPackage reports whether the project ships as a pip package.
func (p Project) HasPackage() bool {
	return p.PipPackageName != ""
}

// SystemdDaemons returns the daemons supervised by systemd, in declaration order.
func (p Project) SystemdDaemons() []Daemon {
	var out []Daemon
	for _, d := range p.Daemons {
		if d.Type == DaemonTypeSystemd {
			out = append(out, d)
		}
	}
	return out
}

// Daemon is a runnable unit declared by a project. A port makes it a
// socket-activated HTTP service; without one it is a plain background service.
type Daemon struct {
	ID        string
	ProjectID string
	Name      string
	Port      *int
	Module    string
	Type      DaemonType
	CreatedAt time.Time
}

// IsHTTP reports whether the daemon listens on a port.
func (d Daemon) IsHTTP() bool {
	return d.Port != nil && *d.Port > 0
}
