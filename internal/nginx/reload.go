package nginx

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/muratgozel/deployment-server/internal/host"
)

// Reloader makes a running nginx pick up configuration changes.
type Reloader interface {
	Reload(ctx context.Context) error
}

// CommandReloader runs a fixed command, "service nginx reload" by default.
type CommandReloader struct {
	runner host.Runner
	cmd    host.Command
}

// NewCommandReloader returns a Reloader that runs cmd.
func NewCommandReloader(runner host.Runner, cmd host.Command) *CommandReloader {
	return &CommandReloader{runner: runner, cmd: cmd}
}

// ParseCommand splits a shell-free command line such as "systemctl reload nginx".
func ParseCommand(line string) (host.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return host.Command{}, fmt.Errorf("reload command required")
	}
	return host.Command{Name: fields[0], Args: fields[1:]}, nil
}

func (r *CommandReloader) Reload(ctx context.Context) error {
	_, err := r.runner.Run(ctx, r.cmd)
	return err
}

// DockerReloader reloads nginx running in a container by sending it SIGHUP.
type DockerReloader struct {
	client    *client.Client
	container string
}

// NewDockerReloader connects to the Docker daemon described by the environment.
func NewDockerReloader(container string) (*DockerReloader, error) {
	container = strings.TrimSpace(container)
	if container == "" {
		return nil, fmt.Errorf("container name required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerReloader{client: cli, container: container}, nil
}

func (r *DockerReloader) Reload(ctx context.Context) error {
	if err := r.client.ContainerKill(ctx, r.container, "HUP"); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("nginx container %s not found", r.container)
		}
		return err
	}
	return nil
}

func (r *DockerReloader) Close() error {
	return r.client.Close()
}
