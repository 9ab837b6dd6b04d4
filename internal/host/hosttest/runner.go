package hosttest

import (
	"context"
	"strings"
	"sync"

	"github.com/muratgozel/deployment-server/internal/host"
)

type stub struct {
	prefix string
	result host.Result
	err    error
	exit   bool
}

// Runner records commands and answers them from stubs. Unstubbed account and
// venv commands are simulated against System when one is attached.
type Runner struct {
	System *System

	mu       sync.Mutex
	commands []host.Command
	stubs    []stub
}

var _ host.Runner = (*Runner)(nil)

// NewRunner returns a Runner that simulates side effects on sys.
func NewRunner(sys *System) *Runner {
	return &Runner{System: sys}
}

// On answers every command whose rendered form starts with prefix.
func (r *Runner) On(prefix string, result host.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stubs = append(r.stubs, stub{prefix: prefix, result: result, err: err})
}

// Fail makes commands starting with prefix exit with code and stderr.
func (r *Runner) Fail(prefix string, code int, stderr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stubs = append(r.stubs, stub{prefix: prefix, result: host.Result{Stderr: stderr, ExitCode: code}, exit: true})
}

// Run implements host.Runner.
func (r *Runner) Run(_ context.Context, cmd host.Command) (host.Result, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	line := cmd.String()
	for _, s := range r.stubs {
		if strings.HasPrefix(line, s.prefix) {
			r.mu.Unlock()
			if s.exit {
				return s.result, host.NewExitError(cmd, s.result.ExitCode, s.result.Stderr)
			}
			return s.result, s.err
		}
	}
	r.mu.Unlock()

	r.simulate(cmd)
	return host.Result{}, nil
}

func (r *Runner) simulate(cmd host.Command) {
	if r.System == nil || len(cmd.Args) == 0 {
		return
	}
	switch cmd.Name {
	case "groupadd":
		r.System.AddGroup(cmd.Args[len(cmd.Args)-1])
	case "useradd":
		name := cmd.Args[len(cmd.Args)-1]
		r.System.AddUser(name)
		for i, arg := range cmd.Args {
			if arg == "-d" && i+1 < len(cmd.Args) {
				_ = r.System.MkdirAll(cmd.Args[i+1], 0o755)
			}
		}
	default:
		// "<python> -m venv [flags] <dir>"
		if len(cmd.Args) >= 3 && cmd.Args[0] == "-m" && cmd.Args[1] == "venv" {
			_ = r.System.MkdirAll(cmd.Args[len(cmd.Args)-1], 0o755)
		}
	}
}

// Commands returns every command run so far.
func (r *Runner) Commands() []host.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]host.Command(nil), r.commands...)
}

// Lines returns the rendered form of every command run so far.
func (r *Runner) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.commands))
	for i, c := range r.commands {
		lines[i] = c.String()
	}
	return lines
}

// Count returns how many commands started with prefix.
func (r *Runner) Count(prefix string) int {
	n := 0
	for _, line := range r.Lines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// Reset forgets recorded commands but keeps stubs.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}
