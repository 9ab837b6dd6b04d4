// Package validate holds the naming rules shared by the API and the deployer.
package validate

import (
	"regexp"
	"strings"
)

var (
	modeRe         = regexp.MustCompile(`^[A-Za-z]+$`)
	codeRe         = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)
	pipPackageRe   = regexp.MustCompile(`(?i)^([A-Z0-9]|[A-Z0-9][A-Z0-9._-]*[A-Z0-9])$`)
	pipSeparatorRe = regexp.MustCompile(`[-_.]+`)
	upstreamRe     = regexp.MustCompile(`^[a-z0-9]([a-z0-9_]*[a-z0-9])?$`)
	moduleRe       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// Mode reports whether name is a valid deployment mode: ASCII letters only.
func Mode(name string) bool {
	return modeRe.MatchString(name)
}

// ProjectCode reports whether code is safe to use as an OS user, group and path
// component.
func ProjectCode(code string) bool {
	return len(code) <= 32 && codeRe.MatchString(code)
}

// DaemonName shares the project code rules since it becomes part of a unit name.
func DaemonName(name string) bool {
	return ProjectCode(name)
}

// PipPackageName reports whether name is a valid distribution name.
func PipPackageName(name string) bool {
	return pipPackageRe.MatchString(name)
}

// NormalizePipPackageName lowercases name and collapses runs of -_. into "-".
func NormalizePipPackageName(name string) string {
	return strings.ToLower(pipSeparatorRe.ReplaceAllString(name, "-"))
}

// NginxUpstreamName reports whether name is usable as an nginx upstream block name.
func NginxUpstreamName(name string) bool {
	return upstreamRe.MatchString(name)
}

// PythonModule reports whether name is a dotted python module path.
func PythonModule(name string) bool {
	return moduleRe.MatchString(name)
}
