package acme

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/muratgozel/deployment-server/internal/host/hosttest"
)

const binDir = "/root/acme.sh"

func newClient(t *testing.T) (*Client, *hosttest.System, *hosttest.Runner) {
	t.Helper()
	sys := hosttest.NewSystem()
	runner := hosttest.NewRunner(sys)
	return New(runner, sys, binDir, "/root/.acme.sh", slog.New(slog.NewTextHandler(io.Discard, nil))), sys, runner
}

func TestSetupIssuesAndInstalls(t *testing.T) {
	client, sys, runner := newClient(t)

	cert, err := client.Setup(context.Background(), SetupRequest{
		Domains:    []string{"abc.com", "www.abc.com"},
		DNS:        DNSCloudflare,
		SSLRootDir: "/etc/nginx/ssl",
		ReloadCmd:  "service nginx reload",
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	want := []string{
		"./acme.sh --issue -d abc.com -d www.abc.com --dns dns_cf",
		"./acme.sh --install -d abc.com --key-file /etc/nginx/ssl/abc.com/key.pem --fullchain-file /etc/nginx/ssl/abc.com/fullchain.pem --reloadcmd service nginx reload",
	}
	if got := runner.Lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for _, cmd := range runner.Commands() {
		if cmd.Dir != binDir {
			t.Fatalf("expected commands to run in %s, got %q", binDir, cmd.Dir)
		}
	}
	if node, ok := sys.Node("/etc/nginx/ssl/abc.com"); !ok || !node.Dir {
		t.Fatalf("expected certificate directory created")
	}
	if cert.FullchainFile != "/etc/nginx/ssl/abc.com/fullchain.pem" {
		t.Fatalf("unexpected certificate %+v", cert)
	}
}

func TestSetupRejectsBadInput(t *testing.T) {
	client, _, runner := newClient(t)
	if _, err := client.Setup(context.Background(), SetupRequest{DNS: DNSCloudflare}); !errors.Is(err, ErrNoDomains) {
		t.Fatalf("expected ErrNoDomains, got %v", err)
	}
	if _, err := client.Setup(context.Background(), SetupRequest{Domains: []string{"abc.com"}, DNS: "route53"}); !errors.Is(err, ErrInvalidDNSProvider) {
		t.Fatalf("expected ErrInvalidDNSProvider, got %v", err)
	}
	if len(runner.Commands()) != 0 {
		t.Fatalf("expected no commands, got %v", runner.Lines())
	}
}

func TestSetupStopsWhenIssueFails(t *testing.T) {
	client, _, runner := newClient(t)
	runner.Fail("./acme.sh --issue", 1, "dns api error")

	_, err := client.Setup(context.Background(), SetupRequest{Domains: []string{"abc.com"}, DNS: DNSGandi})
	if err == nil || !strings.Contains(err.Error(), "dns api error") {
		t.Fatalf("expected issue error, got %v", err)
	}
	if runner.Count("./acme.sh --install") != 0 {
		t.Fatalf("expected no install after failed issue")
	}
}

func TestRemoveRevokesAndDeletesState(t *testing.T) {
	client, sys, runner := newClient(t)
	_ = sys.MkdirAll("/root/.acme.sh/abc.com_ecc", 0o700)
	_ = sys.MkdirAll("/root/.acme.sh/other.com", 0o700)

	if err := client.Remove(context.Background(), []string{"abc.com", "www.abc.com"}, true); err != nil {
		t.Fatalf("remove: %v", err)
	}
	want := []string{
		"./acme.sh --revoke -d abc.com -d www.abc.com --revoke-reason 0",
		"./acme.sh --remove -d abc.com -d www.abc.com",
	}
	if got := runner.Lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if _, ok := sys.Node("/root/.acme.sh/abc.com_ecc"); ok {
		t.Fatalf("expected acme state removed")
	}
	if _, ok := sys.Node("/root/.acme.sh/other.com"); !ok {
		t.Fatalf("expected unrelated state kept")
	}
}

func TestRemoveWithoutRevoke(t *testing.T) {
	client, sys, runner := newClient(t)
	if err := client.Remove(context.Background(), []string{"abc.com"}, false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if runner.Count("./acme.sh --revoke") != 0 || runner.Count("./acme.sh --remove") != 1 {
		t.Fatalf("unexpected commands %v", runner.Lines())
	}
	for _, op := range sys.Ops() {
		if strings.HasPrefix(op, "remove ") {
			t.Fatalf("expected no state removal when none exists, got %s", op)
		}
	}
}
