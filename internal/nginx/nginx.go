// Package nginx renders virtual host configurations and installs them into the
// nginx configuration directory.
package nginx

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/muratgozel/deployment-server/internal/host"
	"github.com/muratgozel/deployment-server/internal/validate"
)

// Certificate path templates; <server_name> is replaced by the primary server name.
const (
	DefaultFullchainFile = "/etc/nginx/ssl/<server_name>/fullchain.pem"
	DefaultKeyFile       = "/etc/nginx/ssl/<server_name>/key.pem"
	DefaultConfDir       = "/etc/nginx/conf.d"

	serverNamePlaceholder = "<server_name>"
	confFileMode          = 0o644
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("nginx").Option("missingkey=error").ParseFS(templateFS, "templates/*.tmpl"))

var (
	ErrNoServerNames   = errors.New("no server names provided")
	ErrNoUpstreams     = errors.New("no upstream servers provided")
	ErrInvalidUpstream = errors.New("invalid upstream name")

	serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9*._-]+$`)
	staticPathPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	upstreamPattern   = regexp.MustCompile(`^[^\s;{}]+$`)
)

// TLS points at the certificate pair served for a host.
type TLS struct {
	FullchainFile string
	KeyFile       string
}

// resolve substitutes the primary server name into default certificate paths.
func (t TLS) resolve(primary string) TLS {
	if t.FullchainFile == "" {
		t.FullchainFile = DefaultFullchainFile
	}
	if t.KeyFile == "" {
		t.KeyFile = DefaultKeyFile
	}
	t.FullchainFile = strings.ReplaceAll(t.FullchainFile, serverNamePlaceholder, primary)
	t.KeyFile = strings.ReplaceAll(t.KeyFile, serverNamePlaceholder, primary)
	return t
}

// ProxyHost reverse-proxies server names to an upstream group.
type ProxyHost struct {
	ServerNames  []string
	UpstreamName string
	Upstreams    []string
	TLS          TLS
}

// StaticHost serves files from RootDir; StaticPaths get long-lived caching.
type StaticHost struct {
	ServerNames []string
	RootDir     string
	StaticPaths []string
	TLS         TLS
}

func checkServerNames(names []string) error {
	if len(names) == 0 {
		return ErrNoServerNames
	}
	for _, n := range names {
		if !serverNamePattern.MatchString(n) {
			return fmt.Errorf("invalid server name %q", n)
		}
	}
	return nil
}

// RenderProxy renders the configuration of a proxy host.
func RenderProxy(h ProxyHost) (string, error) {
	if err := checkServerNames(h.ServerNames); err != nil {
		return "", err
	}
	if len(h.Upstreams) == 0 {
		return "", ErrNoUpstreams
	}
	if !validate.NginxUpstreamName(h.UpstreamName) {
		return "", fmt.Errorf("%w: %s", ErrInvalidUpstream, h.UpstreamName)
	}
	for _, u := range h.Upstreams {
		if !upstreamPattern.MatchString(u) {
			return "", fmt.Errorf("invalid upstream server %q", u)
		}
	}
	tls := h.TLS.resolve(h.ServerNames[0])
	return render("proxy.conf.tmpl", map[string]any{
		"ServerName":    strings.Join(h.ServerNames, " "),
		"UpstreamName":  h.UpstreamName,
		"Upstreams":     h.Upstreams,
		"FullchainFile": tls.FullchainFile,
		"KeyFile":       tls.KeyFile,
	})
}

// RenderStatic renders the configuration of a static host.
func RenderStatic(h StaticHost) (string, error) {
	if err := checkServerNames(h.ServerNames); err != nil {
		return "", err
	}
	if !filepath.IsAbs(h.RootDir) {
		return "", fmt.Errorf("root directory must be absolute: %q", h.RootDir)
	}
	for _, p := range h.StaticPaths {
		if !staticPathPattern.MatchString(p) {
			return "", fmt.Errorf("invalid static path %q", p)
		}
	}
	staticPaths := ""
	if len(h.StaticPaths) > 0 {
		staticPaths = "(" + strings.Join(h.StaticPaths, "|") + ")"
	}
	tls := h.TLS.resolve(h.ServerNames[0])
	return render("static.conf.tmpl", map[string]any{
		"ServerName":    strings.Join(h.ServerNames, " "),
		"RootDir":       h.RootDir,
		"StaticPaths":   staticPaths,
		"FullchainFile": tls.FullchainFile,
		"KeyFile":       tls.KeyFile,
	})
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Installer validates, writes and activates host configurations.
type Installer struct {
	runner   host.Runner
	sys      host.System
	confDir  string
	nginx    string
	validate bool
	reloader Reloader
	log      *slog.Logger
}

// Option customises an Installer.
type Option func(*Installer)

// WithConfDir overrides DefaultConfDir.
func WithConfDir(dir string) Option {
	return func(i *Installer) { i.confDir = dir }
}

// WithValidation runs "nginx -t" against every rendered config before writing it.
func WithValidation(binary string) Option {
	return func(i *Installer) {
		i.validate = true
		if binary != "" {
			i.nginx = binary
		}
	}
}

// WithReloader replaces the default "service nginx reload" command.
func WithReloader(r Reloader) Option {
	return func(i *Installer) { i.reloader = r }
}

// NewInstaller builds an Installer.
func NewInstaller(runner host.Runner, sys host.System, log *slog.Logger, opts ...Option) *Installer {
	if log == nil {
		log = slog.Default()
	}
	i := &Installer{
		runner:  runner,
		sys:     sys,
		confDir: DefaultConfDir,
		nginx:   "nginx",
		log:     log.With("component", "nginx"),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.reloader == nil {
		i.reloader = NewCommandReloader(runner, host.Command{Name: "service", Args: []string{"nginx", "reload"}})
	}
	return i
}

// SetupProxy installs a proxy host and returns the written config path.
func (i *Installer) SetupProxy(ctx context.Context, h ProxyHost) (string, error) {
	content, err := RenderProxy(h)
	if err != nil {
		return "", err
	}
	if err := i.requireCertificates(h.TLS.resolve(h.ServerNames[0])); err != nil {
		return "", err
	}
	return i.install(ctx, h.ServerNames[0], content)
}

// SetupStatic installs a static host and returns the written config path.
func (i *Installer) SetupStatic(ctx context.Context, h StaticHost) (string, error) {
	content, err := RenderStatic(h)
	if err != nil {
		return "", err
	}
	if err := i.requireCertificates(h.TLS.resolve(h.ServerNames[0])); err != nil {
		return "", err
	}
	info, err := i.sys.Stat(h.RootDir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("root directory not found: %s", h.RootDir)
	}
	return i.install(ctx, h.ServerNames[0], content)
}

func (i *Installer) requireCertificates(tls TLS) error {
	for _, path := range []string{tls.FullchainFile, tls.KeyFile} {
		ok, err := host.Exists(i.sys, path)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ssl certificate file not found: %s", path)
		}
	}
	return nil
}

func (i *Installer) install(ctx context.Context, primary, content string) (string, error) {
	if i.validate {
		cmd := host.Command{Name: i.nginx, Args: []string{"-t", "-c", "/dev/stdin"}, Stdin: content}
		if _, err := i.runner.Run(ctx, cmd); err != nil {
			return "", fmt.Errorf("validate nginx config: %w", err)
		}
	}
	path := filepath.Join(i.confDir, primary+".conf")
	if err := i.sys.WriteFile(path, []byte(content), confFileMode); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := i.reloader.Reload(ctx); err != nil {
		return path, fmt.Errorf("reload nginx: %w", err)
	}
	i.log.Info("nginx host installed", "server_name", primary, "path", path)
	return path, nil
}
