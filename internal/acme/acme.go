// Package acme drives acme.sh to issue, install, revoke and remove TLS
// certificates through DNS validation.
package acme

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/muratgozel/deployment-server/internal/host"
)

// DNSProvider names an acme.sh DNS API integration.
type DNSProvider string

const (
	DNSCloudflare DNSProvider = "cf"
	DNSGandi      DNSProvider = "gandi_livedns"

	DefaultSSLRootDir = "/etc/nginx/ssl"
	DefaultReloadCmd  = "service nginx reload"

	// revokeReasonUnspecified is the RFC 5280 "unspecified" reason code.
	revokeReasonUnspecified = "0"
)

var (
	ErrNoDomains          = errors.New("no domains provided")
	ErrInvalidDNSProvider = errors.New("invalid dns provider")
)

// Valid reports whether p is a supported provider.
func (p DNSProvider) Valid() bool {
	return p == DNSCloudflare || p == DNSGandi
}

// Certificate is where an installed certificate pair lives.
type Certificate struct {
	Dir           string
	KeyFile       string
	FullchainFile string
}

// CertificatePaths lays out the certificate pair of primary under root.
func CertificatePaths(root, primary string) Certificate {
	dir := filepath.Join(root, primary)
	return Certificate{
		Dir:           dir,
		KeyFile:       filepath.Join(dir, "key.pem"),
		FullchainFile: filepath.Join(dir, "fullchain.pem"),
	}
}

// Client runs acme.sh from its installation directory.
type Client struct {
	runner  host.Runner
	sys     host.System
	binDir  string
	dataDir string
	log     *slog.Logger
}

// New builds a Client. binDir holds the acme.sh script, dataDir is where
// acme.sh keeps per-domain state (usually ~/.acme.sh).
func New(runner host.Runner, sys host.System, binDir, dataDir string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{runner: runner, sys: sys, binDir: binDir, dataDir: dataDir, log: log.With("component", "acme")}
}

func (c *Client) run(ctx context.Context, args ...string) error {
	_, err := c.runner.Run(ctx, host.Command{Name: "./acme.sh", Args: args, Dir: c.binDir})
	return err
}

func domainArgs(domains []string) []string {
	args := make([]string, 0, len(domains)*2)
	for _, d := range domains {
		args = append(args, "-d", d)
	}
	return args
}

// Issue obtains a certificate covering every domain using DNS validation.
func (c *Client) Issue(ctx context.Context, domains []string, dns DNSProvider) error {
	if len(domains) == 0 {
		return ErrNoDomains
	}
	if !dns.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidDNSProvider, dns)
	}
	args := append([]string{"--issue"}, domainArgs(domains)...)
	args = append(args, "--dns", "dns_"+string(dns))
	if err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("issue ssl certs: %w", err)
	}
	return nil
}

// Install copies the certificate of primary under sslRoot and registers
// reloadCmd to run after every renewal.
func (c *Client) Install(ctx context.Context, primary, sslRoot, reloadCmd string) (Certificate, error) {
	if sslRoot == "" {
		sslRoot = DefaultSSLRootDir
	}
	if reloadCmd == "" {
		reloadCmd = DefaultReloadCmd
	}
	cert := CertificatePaths(sslRoot, primary)
	if err := c.sys.MkdirAll(cert.Dir, 0o755); err != nil {
		return Certificate{}, fmt.Errorf("create %s: %w", cert.Dir, err)
	}
	err := c.run(ctx,
		"--install",
		"-d", primary,
		"--key-file", cert.KeyFile,
		"--fullchain-file", cert.FullchainFile,
		"--reloadcmd", reloadCmd,
	)
	if err != nil {
		return Certificate{}, fmt.Errorf("install ssl certs: %w", err)
	}
	return cert, nil
}

// SetupRequest describes a certificate to issue and install.
type SetupRequest struct {
	Domains    []string
	DNS        DNSProvider
	SSLRootDir string
	ReloadCmd  string
}

// Setup issues a certificate for every domain and installs it for the first one.
func (c *Client) Setup(ctx context.Context, req SetupRequest) (Certificate, error) {
	if len(req.Domains) == 0 {
		return Certificate{}, ErrNoDomains
	}
	if err := c.Issue(ctx, req.Domains, req.DNS); err != nil {
		return Certificate{}, err
	}
	cert, err := c.Install(ctx, req.Domains[0], req.SSLRootDir, req.ReloadCmd)
	if err != nil {
		return Certificate{}, err
	}
	c.log.Info("ssl certificate installed", "domains", req.Domains, "dir", cert.Dir)
	return cert, nil
}

// Remove optionally revokes the certificate, stops renewing it and deletes
// acme.sh state kept for the primary domain.
func (c *Client) Remove(ctx context.Context, domains []string, revoke bool) error {
	if len(domains) == 0 {
		return ErrNoDomains
	}
	if revoke {
		args := append([]string{"--revoke"}, domainArgs(domains)...)
		args = append(args, "--revoke-reason", revokeReasonUnspecified)
		if err := c.run(ctx, args...); err != nil {
			return fmt.Errorf("revoke ssl certs: %w", err)
		}
	}
	if err := c.run(ctx, append([]string{"--remove"}, domainArgs(domains)...)...); err != nil {
		return fmt.Errorf("remove ssl certs: %w", err)
	}
	if c.dataDir == "" {
		return nil
	}
	for _, dir := range []string{domains[0], domains[0] + "_ecc"} {
		path := filepath.Join(c.dataDir, dir)
		ok, err := host.Exists(c.sys, path)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := c.sys.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	c.log.Info("ssl certificate removed", "domains", domains, "revoked", revoke)
	return nil
}
