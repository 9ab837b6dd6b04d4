package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/muratgozel/deployment-server/internal/acme"
)

type sslOpts struct {
	*rootOpts
	binDir  string
	dataDir string
}

func newSSL(parent *rootOpts) *sslOpts {
	home, _ := os.UserHomeDir()
	return &sslOpts{
		rootOpts: parent,
		binDir:   filepath.Join(home, "acme.sh"),
		dataDir:  filepath.Join(home, ".acme.sh"),
	}
}

func (opts *sslOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ssl",
		Short: "Issue, install and remove certificates with acme.sh.",
	}
	cmd.PersistentFlags().StringVar(&opts.binDir, "acme-bin-dir", opts.binDir, "directory containing acme.sh")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "acme-data-dir", opts.dataDir, "acme.sh state directory")
	cmd.AddCommand(
		newSSLSetup(opts).Command(),
		newSSLRemove(opts).Command(),
	)
	return cmd
}

func (opts *sslOpts) client() *acme.Client {
	return acme.New(opts.runner, opts.sys, opts.binDir, opts.dataDir, opts.log)
}

type sslSetupOpts struct {
	*sslOpts
	dns       string
	sslRoot   string
	reloadCmd string
}

func newSSLSetup(parent *sslOpts) *sslSetupOpts {
	return &sslSetupOpts{sslOpts: parent}
}

func (opts *sslSetupOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "setup DOMAIN...",
		Short:   "Issue a certificate through DNS validation and install it.",
		Example: "  deployctl ssl setup example.com www.example.com --dns cf",
		Args:    cobra.MinimumNArgs(1),
		RunE:    opts.RunE,
	}
	cmd.Flags().StringVar(&opts.dns, "dns", string(acme.DNSCloudflare), "DNS provider (cf|gandi_livedns)")
	cmd.Flags().StringVar(&opts.sslRoot, "ssl-root-dir", acme.DefaultSSLRootDir, "directory certificates are installed under")
	cmd.Flags().StringVar(&opts.reloadCmd, "reload-cmd", acme.DefaultReloadCmd, "command acme.sh runs after renewals")
	return cmd
}

func (opts *sslSetupOpts) RunE(cmd *cobra.Command, args []string) error {
	cert, err := opts.client().Setup(cmd.Context(), acme.SetupRequest{
		Domains:    args,
		DNS:        acme.DNSProvider(opts.dns),
		SSLRootDir: opts.sslRoot,
		ReloadCmd:  opts.reloadCmd,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.out, "certificate installed\n  key:       %s\n  fullchain: %s\n", cert.KeyFile, cert.FullchainFile)
	return nil
}

type sslRemoveOpts struct {
	*sslOpts
	revoke bool
}

func newSSLRemove(parent *sslOpts) *sslRemoveOpts {
	return &sslRemoveOpts{sslOpts: parent}
}

func (opts *sslRemoveOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove DOMAIN...",
		Short: "Stop renewing a certificate and delete its acme.sh state.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  opts.RunE,
	}
	cmd.Flags().BoolVar(&opts.revoke, "revoke", true, "revoke the certificate before removing it (--revoke=false to skip)")
	return cmd
}

func (opts *sslRemoveOpts) RunE(cmd *cobra.Command, args []string) error {
	if err := opts.client().Remove(cmd.Context(), args, opts.revoke); err != nil {
		return err
	}
	fmt.Fprintf(opts.out, "certificate for %s removed\n", args[0])
	return nil
}
