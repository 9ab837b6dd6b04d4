package systemd

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/units.tmpl
var templateFS embed.FS

var units = template.Must(template.New("units").Option("missingkey=error").ParseFS(templateFS, "templates/units.tmpl"))

const (
	defaultFileLimit = 65536
	defaultMemoryMax = "1G"
)

// Unit carries the substitutions for socket and service unit templates.
type Unit struct {
	ServiceID      string
	Port           int
	User           string
	Group          string
	Mode           string
	ApplicationDir string
	ConfigDir      string
	LogsDir        string
	DataDir        string
	ExecStart      string
	FileLimit      int
	MemoryMax      string
}

func (u Unit) withDefaults() Unit {
	if u.FileLimit == 0 {
		u.FileLimit = defaultFileLimit
	}
	if u.MemoryMax == "" {
		u.MemoryMax = defaultMemoryMax
	}
	return u
}

// RenderSocket renders the listening socket of an HTTP daemon.
func RenderSocket(u Unit) (string, error) {
	if u.Port <= 0 {
		return "", fmt.Errorf("socket unit %s requires a port", u.ServiceID)
	}
	return render("socket", u)
}

// RenderSocketService renders a service activated by its companion socket.
func RenderSocketService(u Unit) (string, error) {
	return render("socket_service", u)
}

// RenderService renders a plain long-running service.
func RenderService(u Unit) (string, error) {
	return render("service", u)
}

func render(name string, u Unit) (string, error) {
	var buf bytes.Buffer
	if err := units.ExecuteTemplate(&buf, name, u.withDefaults()); err != nil {
		return "", fmt.Errorf("render %s unit: %w", name, err)
	}
	return buf.String(), nil
}
