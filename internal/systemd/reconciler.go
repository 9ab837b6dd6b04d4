// Package systemd materialises daemon specs as systemd units and activates them.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/host"
	"github.com/muratgozel/deployment-server/pkg/config"
)

const unitFileMode = 0o644

// Request describes the daemons of one project deployed under one mode.
type Request struct {
	Daemons     []domain.Daemon
	ProjectCode string
	Mode        string
	User        string
	Group       string
}

// Reconciler writes missing unit files and drives systemctl.
type Reconciler struct {
	paths  config.Paths
	runner host.Runner
	sys    host.System
	binary string
	log    *slog.Logger
}

// New constructs a Reconciler. An empty systemctl defaults to "systemctl" on PATH.
func New(paths config.Paths, runner host.Runner, sys host.System, systemctl string, log *slog.Logger) *Reconciler {
	if systemctl == "" {
		systemctl = "systemctl"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{paths: paths, runner: runner, sys: sys, binary: systemctl, log: log.With("component", "systemd")}
}

// ServiceID is the globally unique unit base name of a daemon.
func ServiceID(code, mode, daemon string) string {
	return fmt.Sprintf("%s-%s", config.ApplicationID(code, mode), daemon)
}

// plan tracks which unit files were written by this run and which already existed.
type plan struct {
	newSockets             []string
	newSocketServices      []string
	newServices            []string
	existingSockets        []string
	existingSocketServices []string
	existingServices       []string
}

func (p plan) wroteAny() bool {
	return len(p.newSockets)+len(p.newSocketServices)+len(p.newServices) > 0
}

// mustBeActive lists every unit whose health is the postcondition of Reconcile.
// Socket-activated services may legitimately idle until the first connection,
// so their sockets are checked instead.
func (p plan) mustBeActive() []string {
	var out []string
	out = append(out, p.newSockets...)
	out = append(out, p.existingSockets...)
	out = append(out, p.newServices...)
	out = append(out, p.existingServices...)
	return out
}

// Reconcile renders units for every systemd daemon, writes the ones that are
// missing, activates new units, restarts or reloads existing ones and finally
// confirms every unit is running.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (bool, error) {
	if req.ProjectCode == "" || req.Mode == "" || req.User == "" || req.Group == "" {
		return false, errors.New("project code, mode, user and group are required")
	}

	p, err := r.writeUnits(req)
	if err != nil {
		return false, err
	}

	if activate := append(append([]string{}, p.newSockets...), p.newServices...); len(activate) > 0 {
		r.log.Info("enabling new units", "units", activate)
		if err := r.ctl(ctx, "enable", activate...); err != nil {
			return false, fmt.Errorf("enable new units: %w", err)
		}
		if err := r.ctl(ctx, "start", activate...); err != nil {
			return false, fmt.Errorf("start new units: %w", err)
		}
	}

	if p.wroteAny() {
		r.log.Info("reloading systemd manager configuration")
		if err := r.ctl(ctx, "daemon-reload"); err != nil {
			return false, fmt.Errorf("daemon-reload: %w", err)
		}
	}

	if len(p.existingSocketServices) > 0 {
		r.log.Info("restarting existing socket services", "units", p.existingSocketServices)
		if err := r.ctl(ctx, "restart", p.existingSocketServices...); err != nil {
			return false, fmt.Errorf("restart existing socket services: %w", err)
		}
	}

	if len(p.existingServices) > 0 {
		r.log.Info("reloading existing services", "units", p.existingServices)
		if err := r.ctl(ctx, "reload-or-restart", p.existingServices...); err != nil {
			return false, fmt.Errorf("reload existing services: %w", err)
		}
	}

	if active := p.mustBeActive(); len(active) > 0 {
		res, err := r.runner.Run(ctx, host.Command{Name: r.binary, Args: append([]string{"is-active"}, active...)})
		if err != nil {
			states := strings.Join(strings.Fields(res.Stdout), ",")
			return false, fmt.Errorf("units not running (%s): %w", states, err)
		}
	}
	return true, nil
}

func (r *Reconciler) writeUnits(req Request) (plan, error) {
	var p plan
	appDir := r.paths.ApplicationDir(req.ProjectCode, req.Mode)
	python, _ := config.VenvExecutables(config.VenvDir(appDir))

	for _, d := range req.Daemons {
		if d.Type == domain.DaemonTypeDocker {
			r.log.Warn("docker based daemons aren't supported, skipping", "daemon", d.Name)
			continue
		}
		id := ServiceID(req.ProjectCode, req.Mode, d.Name)
		unit := Unit{
			ServiceID:      id,
			User:           req.User,
			Group:          req.Group,
			Mode:           req.Mode,
			ApplicationDir: appDir,
			ConfigDir:      r.paths.ConfigDir(req.ProjectCode, req.Mode),
			LogsDir:        r.paths.LogsDir(req.ProjectCode, req.Mode),
			DataDir:        r.paths.DataDir(req.ProjectCode, req.Mode),
			ExecStart:      fmt.Sprintf("%s -m %s", python, d.Module),
		}

		serviceName := id + ".service"
		if d.IsHTTP() {
			unit.Port = *d.Port
			socketName := id + ".socket"
			socket, err := RenderSocket(unit)
			if err != nil {
				return plan{}, err
			}
			service, err := RenderSocketService(unit)
			if err != nil {
				return plan{}, err
			}
			written, err := r.writeIfMissing(socketName, socket)
			if err != nil {
				return plan{}, err
			}
			if written {
				p.newSockets = append(p.newSockets, socketName)
			} else {
				p.existingSockets = append(p.existingSockets, socketName)
			}
			written, err = r.writeIfMissing(serviceName, service)
			if err != nil {
				return plan{}, err
			}
			if written {
				p.newSocketServices = append(p.newSocketServices, serviceName)
			} else {
				p.existingSocketServices = append(p.existingSocketServices, serviceName)
			}
			continue
		}

		service, err := RenderService(unit)
		if err != nil {
			return plan{}, err
		}
		written, err := r.writeIfMissing(serviceName, service)
		if err != nil {
			return plan{}, err
		}
		if written {
			p.newServices = append(p.newServices, serviceName)
		} else {
			p.existingServices = append(p.existingServices, serviceName)
		}
	}
	return p, nil
}

func (r *Reconciler) writeIfMissing(name, content string) (bool, error) {
	path := filepath.Join(r.paths.SystemdDir, name)
	exists, err := host.Exists(r.sys, path)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	r.log.Debug("creating unit file", "path", path)
	if err := r.sys.WriteFile(path, []byte(content), unitFileMode); err != nil {
		return false, fmt.Errorf("write unit %s: %w", name, err)
	}
	return true, nil
}

func (r *Reconciler) ctl(ctx context.Context, verb string, units ...string) error {
	_, err := r.runner.Run(ctx, host.Command{Name: r.binary, Args: append([]string{verb}, units...)})
	return err
}
