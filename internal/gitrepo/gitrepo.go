// Package gitrepo identifies git repositories independently of URL flavour.
package gitrepo

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	giturls "github.com/whilp/git-urls"
)

var (
	ErrInvalidURL = errors.New("invalid git repository url")
	ErrInvalidRef = errors.New("invalid git ref")
)

var refPattern = regexp.MustCompile(`^(refs/tags/)?v?(.+)$`)

// Repo is a repository identity: host, owner path and name.
type Repo struct {
	Vendor string
	Owner  string
	Name   string
}

func (r Repo) String() string {
	return r.Vendor + "/" + r.Owner + "/" + r.Name
}

// Equal compares repositories case-insensitively on the host and exactly elsewhere.
func (r Repo) Equal(other Repo) bool {
	return strings.EqualFold(r.Vendor, other.Vendor) && r.Owner == other.Owner && r.Name == other.Name
}

// Parse extracts the identity from an http(s), git:// or scp-style ssh URL.
// Nested owners such as gitlab subgroups are kept whole.
func Parse(raw string) (Repo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Repo{}, ErrInvalidURL
	}
	u, err := giturls.Parse(raw)
	if err != nil {
		return Repo{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	vendor := u.Hostname()
	p := strings.Trim(u.Path, "/")
	i := strings.LastIndex(p, "/")
	if vendor == "" || i <= 0 || i == len(p)-1 {
		return Repo{}, fmt.Errorf("%w: %s", ErrInvalidURL, SafeURL(raw))
	}
	name := strings.TrimSuffix(p[i+1:], path.Ext(p[i+1:]))
	if name == "" {
		return Repo{}, fmt.Errorf("%w: %s", ErrInvalidURL, SafeURL(raw))
	}
	return Repo{Vendor: vendor, Owner: p[:i], Name: name}, nil
}

// SameRepo reports whether two URLs point at the same repository.
func SameRepo(a, b string) bool {
	ra, err := Parse(a)
	if err != nil {
		return false
	}
	rb, err := Parse(b)
	if err != nil {
		return false
	}
	return ra.Equal(rb)
}

// SafeURL strips any password from a repository URL.
func SafeURL(raw string) string {
	u, err := giturls.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// VersionFromRef turns "refs/tags/v1.2.3", "v1.2.3" or "1.2.3" into "1.2.3".
func VersionFromRef(ref string) (string, error) {
	m := refPattern.FindStringSubmatch(strings.TrimSpace(ref))
	if m == nil || m[2] == "" {
		return "", ErrInvalidRef
	}
	return m[2], nil
}
