package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gosimple/slug"
	"github.com/spf13/cobra"

	"github.com/muratgozel/deployment-server/internal/host"
	"github.com/muratgozel/deployment-server/internal/nginx"
)

const (
	envNginxReload    = "NGINX_RELOAD"
	envNginxContainer = "NGINX_CONTAINER"
)

type nginxOpts struct {
	*rootOpts
	confDir   string
	fullchain string
	key       string
}

func newNginx(parent *rootOpts) *nginxOpts {
	return &nginxOpts{rootOpts: parent}
}

func (opts *nginxOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nginx",
		Short: "Write nginx server blocks and reload nginx.",
		Long: fmt.Sprintf("Write nginx server blocks and reload nginx.\n\n"+
			"nginx is reloaded with \"service nginx reload\" unless %s names another\n"+
			"command or %s names a docker container to send SIGHUP to.", envNginxReload, envNginxContainer),
	}
	cmd.PersistentFlags().StringVar(&opts.confDir, "conf-dir", nginx.DefaultConfDir, "directory server blocks are written to")
	cmd.PersistentFlags().StringVar(&opts.fullchain, "ssl-fullchain", nginx.DefaultFullchainFile, "certificate chain path")
	cmd.PersistentFlags().StringVar(&opts.key, "ssl-key", nginx.DefaultKeyFile, "certificate key path")
	cmd.AddCommand(
		newNginxProxy(opts).Command(),
		newNginxStatic(opts).Command(),
	)
	return cmd
}

func (opts *nginxOpts) tls() nginx.TLS {
	return nginx.TLS{FullchainFile: opts.fullchain, KeyFile: opts.key}
}

// installer returns the configured installer and a func releasing whatever
// the reloader holds open.
func (opts *nginxOpts) installer() (*nginx.Installer, func(), error) {
	options := []nginx.Option{nginx.WithConfDir(opts.confDir)}
	release := func() {}

	switch {
	case os.Getenv(envNginxContainer) != "":
		r, err := nginx.NewDockerReloader(os.Getenv(envNginxContainer))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to docker: %w", err)
		}
		options = append(options, nginx.WithReloader(r))
		release = func() { _ = r.Close() }
	case os.Getenv(envNginxReload) != "":
		c, err := nginx.ParseCommand(os.Getenv(envNginxReload))
		if err != nil {
			return nil, nil, err
		}
		options = append(options, nginx.WithReloader(nginx.NewCommandReloader(opts.runner, c)))
	}
	if host.LookPath("nginx") {
		options = append(options, nginx.WithValidation(""))
	}
	return nginx.NewInstaller(opts.runner, opts.sys, opts.log, options...), release, nil
}

type nginxProxyOpts struct {
	*nginxOpts
	upstreamName string
	upstreams    []string
}

func newNginxProxy(parent *nginxOpts) *nginxProxyOpts {
	return &nginxProxyOpts{nginxOpts: parent}
}

func (opts *nginxProxyOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proxy DOMAIN...",
		Short:   "Reverse proxy DOMAIN to one or more upstream servers.",
		Example: "  deployctl nginx proxy example.com --upstream-name app --upstream 127.0.0.1:8000 --upstream 127.0.0.1:8001",
		Args:    cobra.MinimumNArgs(1),
		RunE:    opts.RunE,
	}
	cmd.Flags().StringVar(&opts.upstreamName, "upstream-name", "", "upstream block name (defaults to the first domain)")
	cmd.Flags().StringArrayVar(&opts.upstreams, "upstream", nil, "upstream server address, repeatable")
	return cmd
}

func (opts *nginxProxyOpts) RunE(cmd *cobra.Command, args []string) error {
	name := opts.upstreamName
	if name == "" {
		name = upstreamNameFor(args[0])
	}
	inst, release, err := opts.installer()
	if err != nil {
		return err
	}
	defer release()

	path, err := inst.SetupProxy(cmd.Context(), nginx.ProxyHost{
		ServerNames:  args,
		UpstreamName: name,
		Upstreams:    opts.upstreams,
		TLS:          opts.tls(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.out, "wrote %s\n", path)
	return nil
}

// upstreamNameFor turns "api.example.com" into "api_example_com".
func upstreamNameFor(domain string) string {
	return strings.ReplaceAll(slug.Make(domain), "-", "_")
}

type nginxStaticOpts struct {
	*nginxOpts
	root        string
	staticPaths []string
}

func newNginxStatic(parent *nginxOpts) *nginxStaticOpts {
	return &nginxStaticOpts{nginxOpts: parent}
}

func (opts *nginxStaticOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "static DOMAIN...",
		Short:   "Serve a directory of static files for DOMAIN.",
		Example: "  deployctl nginx static cdn.example.com --root /var/www/cdn --static-path assets --static-path media",
		Args:    cobra.MinimumNArgs(1),
		RunE:    opts.RunE,
	}
	cmd.Flags().StringVar(&opts.root, "root", "", "document root")
	cmd.Flags().StringArrayVar(&opts.staticPaths, "static-path", nil, "top-level path served with long cache headers, repeatable")
	_ = cmd.MarkFlagRequired("root")
	return cmd
}

func (opts *nginxStaticOpts) RunE(cmd *cobra.Command, args []string) error {
	inst, release, err := opts.installer()
	if err != nil {
		return err
	}
	defer release()

	path, err := inst.SetupStatic(cmd.Context(), nginx.StaticHost{
		ServerNames: args,
		RootDir:     opts.root,
		StaticPaths: opts.staticPaths,
		TLS:         opts.tls(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.out, "wrote %s\n", path)
	return nil
}
