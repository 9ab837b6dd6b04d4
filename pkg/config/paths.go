package config

import (
	"fmt"
	"path/filepath"
)

// DeployerGroup is the shared OS group every provisioned project user joins.
const DeployerGroup = "deployer"

// Paths holds the filesystem roots that provisioned applications are laid out under.
type Paths struct {
	AppRoot    string
	ConfigRoot string
	LogsRoot   string
	DataRoot   string
	HomeRoot   string
	SystemdDir string
}

// DefaultPaths mirrors the FHS locations used on production hosts.
func DefaultPaths() Paths {
	return Paths{
		AppRoot:    "/opt",
		ConfigRoot: "/etc",
		LogsRoot:   "/var/log",
		DataRoot:   "/var/lib",
		HomeRoot:   "/home",
		SystemdDir: "/etc/systemd/system",
	}
}

func loadPaths() Paths {
	def := DefaultPaths()
	return Paths{
		AppRoot:    GetString("APP_ROOT", def.AppRoot),
		ConfigRoot: GetString("CONFIG_ROOT", def.ConfigRoot),
		LogsRoot:   GetString("LOGS_ROOT", def.LogsRoot),
		DataRoot:   GetString("DATA_ROOT", def.DataRoot),
		HomeRoot:   GetString("HOME_ROOT", def.HomeRoot),
		SystemdDir: GetString("SYSTEMD_DIR", def.SystemdDir),
	}
}

// ApplicationID namespaces a project by mode, e.g. "production-acme".
func ApplicationID(code, mode string) string {
	return fmt.Sprintf("%s-%s", mode, code)
}

func (p Paths) ApplicationDir(code, mode string) string {
	return filepath.Join(p.AppRoot, ApplicationID(code, mode))
}

func (p Paths) ConfigDir(code, mode string) string {
	return filepath.Join(p.ConfigRoot, ApplicationID(code, mode))
}

func (p Paths) LogsDir(code, mode string) string {
	return filepath.Join(p.LogsRoot, ApplicationID(code, mode))
}

func (p Paths) DataDir(code, mode string) string {
	return filepath.Join(p.DataRoot, ApplicationID(code, mode))
}

func (p Paths) HomeDir(user string) string {
	return filepath.Join(p.HomeRoot, user)
}

// VenvDir is the virtual environment inside an application directory.
func VenvDir(applicationDir string) string {
	return filepath.Join(applicationDir, ".venv")
}

// VenvExecutables returns the python and pip binaries of a virtual environment.
func VenvExecutables(venvDir string) (python, pip string) {
	return filepath.Join(venvDir, "bin", "python"), filepath.Join(venvDir, "bin", "pip")
}
