package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/muratgozel/deployment-server/internal/gitrepo"
)

const signaturePrefix = "sha256="

var (
	ErrInvalidHeaders   = errors.New("missing webhook headers")
	ErrInvalidBody      = errors.New("invalid webhook body")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidRefType   = errors.New("release ref is not a tag")
	ErrInvalidRepoURL   = errors.New("invalid repository url")
	ErrInvalidRef       = errors.New("invalid release ref")
)

// ReleasePayload is the subset of a GitHub release notification we act on.
type ReleasePayload struct {
	Ref        string `json:"ref"`
	RefType    string `json:"ref_type"`
	Repository struct {
		HTMLURL  string `json:"html_url"`
		GitURL   string `json:"git_url"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

func (p ReleasePayload) repoURL() string {
	for _, u := range []string{p.Repository.HTMLURL, p.Repository.CloneURL, p.Repository.GitURL} {
		if u != "" {
			return u
		}
	}
	return ""
}

// ReleaseJob asks the consumer to create a deployment for a tagged release.
type ReleaseJob struct {
	RepoURL    string    `json:"repo_url"`
	Vendor     string    `json:"vendor"`
	Owner      string    `json:"owner"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Mode       string    `json:"mode"`
	ReceivedAt time.Time `json:"received_at"`
}

// Service verifies release notifications and queues deployment requests.
type Service struct {
	secret []byte
	queue  Queue
	mode   string
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a webhook service. Releases are deployed under mode.
func New(secret string, queue Queue, mode string, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		secret: []byte(secret),
		queue:  queue,
		mode:   mode,
		logger: logger.With("component", "webhook"),
		now:    time.Now,
	}
}

// ValidateSignature checks a "sha256=<hex>" HMAC of payload in constant time.
// An empty secret rejects everything.
func ValidateSignature(payload []byte, secret []byte, provided string) error {
	if len(secret) == 0 || !strings.HasPrefix(provided, signaturePrefix) {
		return ErrInvalidSignature
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := signaturePrefix + hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret []byte) string {
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	return signaturePrefix + hex.EncodeToString(hasher.Sum(nil))
}

// ParseRelease turns a verified payload into a ReleaseJob.
func ParseRelease(body []byte) (ReleaseJob, error) {
	var payload ReleasePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ReleaseJob{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if payload.RefType != "tag" {
		return ReleaseJob{}, ErrInvalidRefType
	}
	repoURL := payload.repoURL()
	repo, err := gitrepo.Parse(repoURL)
	if err != nil {
		return ReleaseJob{}, ErrInvalidRepoURL
	}
	version, err := gitrepo.VersionFromRef(payload.Ref)
	if err != nil {
		return ReleaseJob{}, ErrInvalidRef
	}
	return ReleaseJob{
		RepoURL: repoURL,
		Vendor:  repo.Vendor,
		Owner:   repo.Owner,
		Name:    repo.Name,
		Version: version,
	}, nil
}

// Receive validates a notification end to end and enqueues the release.
// The returned error is one of the package sentinels or a queue failure.
func (s Service) Receive(ctx context.Context, event, signature string, body []byte) (*ReleaseJob, error) {
	if event == "" || signature == "" {
		return nil, ErrInvalidHeaders
	}
	if err := ValidateSignature(body, s.secret, signature); err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, ErrInvalidBody
	}
	job, err := ParseRelease(body)
	if err != nil {
		return nil, err
	}
	job.Mode = s.mode
	job.ReceivedAt = s.now().UTC()
	if err := s.queue.Push(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue release: %w", err)
	}
	s.logger.Info("release accepted", "event", event, "repo", gitrepo.Repo{Vendor: job.Vendor, Owner: job.Owner, Name: job.Name}.String(), "version", job.Version)
	return &job, nil
}
