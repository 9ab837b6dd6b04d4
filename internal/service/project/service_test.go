package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/repository/memory"
)

func newTestService() (Service, *memory.Store) {
	store := memory.New()
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil)), "test-key"), store
}

func intPtr(v int) *int { return &v }

func TestCreateSlugifiesCodeAndSealsAuth(t *testing.T) {
	svc, store := newTestService()

	p, err := svc.Create(context.Background(), CreateInput{
		Name:           "Acme Web",
		GitURL:         "https://github.com/acme/web.git",
		PipPackageName: "Acme_Web",
		PipIndexURL:    "https://pypi.example.com/simple",
		PipIndexUser:   "bot",
		PipIndexAuth:   "hunter2",
		Daemons: []DaemonInput{
			{Name: "web", Port: intPtr(8080), Module: "acme_web.server"},
			{Name: "jobs", Module: "acme_web.jobs"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Code != "acme-web" {
		t.Fatalf("expected code acme-web, got %s", p.Code)
	}
	if p.PipPackageName != "acme-web" {
		t.Fatalf("expected normalized package name, got %s", p.PipPackageName)
	}
	if p.SecretsProvider != domain.SecretsProviderLocal {
		t.Fatalf("expected LOCAL provider default, got %s", p.SecretsProvider)
	}
	if !strings.HasPrefix(p.PipIndexAuth, "enc:v1:") {
		t.Fatalf("expected sealed credential, got %s", p.PipIndexAuth)
	}
	stored, _ := store.GetProjectByCode(context.Background(), "acme-web")
	auth, err := svc.PipIndexAuth(stored)
	if err != nil || auth != "hunter2" {
		t.Fatalf("expected round-tripped credential, got %q %v", auth, err)
	}
	if len(stored.Daemons) != 2 || stored.Daemons[0].Name != "web" || stored.Daemons[0].Type != domain.DaemonTypeSystemd {
		t.Fatalf("unexpected daemons %+v", stored.Daemons)
	}
}

func TestCreateRejectsDuplicateCode(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Create(context.Background(), CreateInput{Name: "Acme"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateInput{Name: "Other", Code: "ACME"}); !errors.Is(err, ErrProjectAlreadyExists) {
		t.Fatalf("expected ErrProjectAlreadyExists, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	cases := map[string]CreateInput{
		"empty name":      {Name: " "},
		"bad git url":     {Name: "a", GitURL: "https://github.com/only-owner"},
		"bad package":     {Name: "a", PipPackageName: "-bad-"},
		"bad index url":   {Name: "a", PipIndexURL: "not a url"},
		"bad provider":    {Name: "a", SecretsProvider: "VAULT"},
		"bad daemon name": {Name: "a", Daemons: []DaemonInput{{Name: "Web!", Module: "m"}}},
		"bad port":        {Name: "a", Daemons: []DaemonInput{{Name: "web", Port: intPtr(70000), Module: "m"}}},
		"bad module":      {Name: "a", Daemons: []DaemonInput{{Name: "web", Module: "rm -rf"}}},
		"duplicate":       {Name: "a", Daemons: []DaemonInput{{Name: "web", Module: "m"}, {Name: "web", Module: "m"}}},
	}
	for name, in := range cases {
		svc, _ := newTestService()
		if _, err := svc.Create(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestGetByRidOrCode(t *testing.T) {
	svc, _ := newTestService()
	p, err := svc.Create(context.Background(), CreateInput{Name: "Acme"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, key := range []string{p.ID, "acme"} {
		got, err := svc.Get(context.Background(), key)
		if err != nil || got.ID != p.ID {
			t.Fatalf("get %s: expected %s, got %+v %v", key, p.ID, got, err)
		}
	}
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestFindByGitURLMatchesAcrossURLForms(t *testing.T) {
	svc, _ := newTestService()
	p, err := svc.Create(context.Background(), CreateInput{Name: "Acme", GitURL: "git@github.com:acme/web.git"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := svc.FindByGitURL(context.Background(), "https://github.com/acme/web")
	if err != nil || got.ID != p.ID {
		t.Fatalf("expected %s, got %+v %v", p.ID, got, err)
	}
	if _, err := svc.FindByGitURL(context.Background(), "https://github.com/acme/api"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	svc, _ := newTestService()
	p, _ := svc.Create(context.Background(), CreateInput{Name: "Acme"})
	if _, err := svc.Remove(context.Background(), "acme"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.Get(context.Background(), p.ID); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected removed project to be gone, got %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateInput{Name: "Acme"}); err != nil {
		t.Fatalf("expected code reuse after removal, got %v", err)
	}
}
