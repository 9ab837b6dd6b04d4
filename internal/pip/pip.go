// Package pip installs a project's python distribution into its virtual environment.
package pip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"github.com/muratgozel/deployment-server/internal/host"
	"github.com/muratgozel/deployment-server/pkg/config"
)

// Request names the package to install and the index to fetch it from.
type Request struct {
	ApplicationDir string
	PackageName    string
	IndexURL       string
	IndexUser      string
	IndexAuth      string
}

// Result locates the installed package and the venv executables.
type Result struct {
	PackageDir string
	Python     string
	Pip        string
}

// Installer drives venv creation and pip.
type Installer struct {
	runner host.Runner
	sys    host.System
	python string
	log    *slog.Logger
}

// New constructs an Installer. python is the interpreter used to create venvs.
func New(runner host.Runner, sys host.System, python string, log *slog.Logger) *Installer {
	if python == "" {
		python = "python3"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Installer{runner: runner, sys: sys, python: python, log: log.With("component", "pip")}
}

// Install ensures the venv exists, installs or upgrades the package and resolves
// where pip put it.
func (i *Installer) Install(ctx context.Context, req Request) (Result, error) {
	if req.ApplicationDir == "" || req.PackageName == "" {
		return Result{}, errors.New("application dir and package name are required")
	}

	venv := config.VenvDir(req.ApplicationDir)
	exists, err := host.Exists(i.sys, venv)
	if err != nil {
		return Result{}, err
	}
	if !exists {
		cmd := host.Command{Name: i.python, Args: []string{"-m", "venv", "--upgrade-deps", venv}, Dir: req.ApplicationDir}
		if _, err := i.runner.Run(ctx, cmd); err != nil {
			return Result{}, fmt.Errorf("create venv: %w", err)
		}
	}
	i.log.Info("verified venv", "dir", venv)

	python, pip := config.VenvExecutables(venv)
	args := []string{"install", "--upgrade"}
	if req.IndexURL != "" {
		indexURL, err := AuthenticatedIndexURL(req.IndexURL, req.IndexUser, req.IndexAuth)
		if err != nil {
			return Result{}, err
		}
		args = append(args, "--index-url", indexURL)
	}
	args = append(args, req.PackageName)

	secrets := credentialForms(req.IndexUser, req.IndexAuth)
	install := host.Command{Name: pip, Args: args, Dir: req.ApplicationDir, Sensitive: secrets}
	if _, err := i.runner.Run(ctx, install); err != nil {
		return Result{}, fmt.Errorf("install package %s: %w", req.PackageName, redact(err, secrets))
	}
	i.log.Info("verified package", "package", req.PackageName)

	res, err := i.runner.Run(ctx, host.Command{Name: pip, Args: []string{"show", req.PackageName}, Dir: req.ApplicationDir})
	if err != nil {
		return Result{}, fmt.Errorf("locate package %s: %w", req.PackageName, err)
	}
	location, ok := ParseLocation(res.Stdout)
	if !ok {
		return Result{}, fmt.Errorf("locate package %s: no Location in pip show output", req.PackageName)
	}

	return Result{
		PackageDir: filepath.Join(location, req.PackageName),
		Python:     python,
		Pip:        pip,
	}, nil
}

// AuthenticatedIndexURL embeds credentials into the host part of indexURL.
func AuthenticatedIndexURL(indexURL, user, auth string) (string, error) {
	u, err := url.Parse(indexURL)
	if err != nil {
		return "", fmt.Errorf("parse index url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("index url %q must be absolute", indexURL)
	}
	u.User = userinfo(user, auth)
	return u.String(), nil
}

func userinfo(user, auth string) *url.Userinfo {
	switch {
	case user != "" && auth != "":
		return url.UserPassword(user, auth)
	case user != "":
		return url.User(user)
	case auth != "":
		return url.User(auth)
	}
	return nil
}

// credentialForms lists the index secret as it may appear in output: the
// userinfo exactly as rendered into the url, the raw secret and its
// percent-encoded forms. Longer forms come first so they mask whole.
func credentialForms(user, auth string) []string {
	if auth == "" {
		return nil
	}
	forms := []string{userinfo(user, auth).String()}
	for _, f := range []string{url.UserPassword("", auth).String()[1:], url.User(auth).String(), url.QueryEscape(auth), auth} {
		if !slices.Contains(forms, f) {
			forms = append(forms, f)
		}
	}
	return forms
}

// ParseLocation extracts the Location field from `pip show` output.
func ParseLocation(output string) (string, bool) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if value, ok := strings.CutPrefix(line, "Location:"); ok {
			value = strings.TrimSpace(value)
			if value != "" {
				return value, true
			}
		}
	}
	return "", false
}

func redact(err error, secrets []string) error {
	msg := err.Error()
	masked := host.Command{Sensitive: secrets}.Mask(msg)
	if masked == msg {
		return err
	}
	return errors.New(masked)
}
