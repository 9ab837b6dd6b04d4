package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/muratgozel/deployment-server/internal/host"
	apiclient "github.com/muratgozel/deployment-server/pkg/api/client"
	"github.com/muratgozel/deployment-server/pkg/logger"
)

const (
	envAPI    = "DEPLOYCTL_API"
	envUser   = "DEPLOYCTL_USER"
	envSecret = "DEPLOYCTL_SECRET"
)

type rootOpts struct {
	API      string
	User     string
	LogLevel string

	log    *slog.Logger
	runner host.Runner
	sys    host.System
	out    io.Writer

	// readSecret prompts for the API secret when it isn't in the environment.
	readSecret func() (string, error)
}

func newRoot() *rootOpts {
	return &rootOpts{
		sys:        host.Local{},
		out:        os.Stdout,
		readSecret: promptSecret,
	}
}

var rootLongHelp = strings.TrimSpace(`
deployctl manages a deployment server and the host it runs on.

Workflow:
  deployctl ssl setup example.com www.example.com --dns cf        # Issue and install a certificate.
  deployctl nginx proxy example.com --upstream 127.0.0.1:8000     # Put the app behind nginx.
  deployctl deploy --git-url git@github.com:acme/app.git --version v1.2.0
  deployctl projects
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "deployctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVar(&opts.API, "api", envOr(envAPI, apiclient.DefaultBaseURL),
		fmt.Sprintf("base URL of the deployment server; you can also set %s", envAPI))
	cmd.PersistentFlags().StringVar(&opts.User, "user", envOr(envUser, "admin"),
		fmt.Sprintf("API user; you can also set %s", envUser))
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")

	cmd.AddCommand(
		newSSL(opts).Command(),
		newNginx(opts).Command(),
		newDeploy(opts).Command(),
		newProjects(opts).Command(),
	)
	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	opts.log = logger.New("deployctl", logger.ParseLevel(opts.LogLevel))
	if opts.runner == nil {
		opts.runner = host.NewExec(0, opts.log)
	}
	if w := cmd.OutOrStdout(); w != nil {
		opts.out = w
	}
	return nil
}

// apiClient builds a client authenticated with the secret from the
// environment, prompting on the terminal when it is unset.
func (opts *rootOpts) apiClient() (*apiclient.Client, error) {
	secret := os.Getenv(envSecret)
	if secret == "" {
		var err error
		if secret, err = opts.readSecret(); err != nil {
			return nil, err
		}
	}
	return apiclient.New(opts.API, apiclient.WithBasicAuth(opts.User, secret))
}

func promptSecret() (string, error) {
	fmt.Fprint(os.Stderr, "API secret: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprint(os.Stderr, "\n")
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
