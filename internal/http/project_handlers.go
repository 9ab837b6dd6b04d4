package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/service/project"
)

type daemonJSON struct {
	Name   string            `json:"name"`
	Port   *int              `json:"port,omitempty"`
	Module string            `json:"python_module"`
	Type   domain.DaemonType `json:"type,omitempty"`
}

type projectRequest struct {
	Name            string                 `json:"name"`
	Code            string                 `json:"code"`
	GitURL          string                 `json:"git_url"`
	PipPackageName  string                 `json:"pip_package_name"`
	PipIndexURL     string                 `json:"pip_index_url"`
	PipIndexUser    string                 `json:"pip_index_user"`
	PipIndexAuth    string                 `json:"pip_index_auth"`
	SecretsProvider domain.SecretsProvider `json:"secrets_provider"`
	Daemons         []daemonJSON           `json:"daemons"`
}

type projectJSON struct {
	ID              string                 `json:"rid"`
	Name            string                 `json:"name"`
	Code            string                 `json:"code"`
	GitURL          string                 `json:"git_url,omitempty"`
	PipPackageName  string                 `json:"pip_package_name,omitempty"`
	PipIndexURL     string                 `json:"pip_index_url,omitempty"`
	PipIndexUser    string                 `json:"pip_index_user,omitempty"`
	SecretsProvider domain.SecretsProvider `json:"secrets_provider"`
	Daemons         []daemonJSON           `json:"daemons"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       *time.Time             `json:"updated_at,omitempty"`
}

// toProjectJSON never exposes the pip index credential.
func toProjectJSON(p domain.Project) projectJSON {
	out := projectJSON{
		ID:              p.ID,
		Name:            p.Name,
		Code:            p.Code,
		GitURL:          p.GitURL,
		PipPackageName:  p.PipPackageName,
		PipIndexURL:     p.PipIndexURL,
		PipIndexUser:    p.PipIndexUser,
		SecretsProvider: p.SecretsProvider,
		Daemons:         make([]daemonJSON, 0, len(p.Daemons)),
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	for _, d := range p.Daemons {
		out.Daemons = append(out.Daemons, daemonJSON{Name: d.Name, Port: d.Port, Module: d.Module, Type: d.Type})
	}
	return out
}

func (r *Router) handleProjectCreate(w http.ResponseWriter, req *http.Request) {
	var payload projectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody)
		return
	}
	in := project.CreateInput{
		Name:            payload.Name,
		Code:            payload.Code,
		GitURL:          payload.GitURL,
		PipPackageName:  payload.PipPackageName,
		PipIndexURL:     payload.PipIndexURL,
		PipIndexUser:    payload.PipIndexUser,
		PipIndexAuth:    payload.PipIndexAuth,
		SecretsProvider: payload.SecretsProvider,
	}
	for _, d := range payload.Daemons {
		in.Daemons = append(in.Daemons, project.DaemonInput{Name: d.Name, Port: d.Port, Module: d.Module, Type: d.Type})
	}
	p, err := r.projects.Create(req.Context(), in)
	switch {
	case errors.Is(err, project.ErrInvalidInput):
		writeErrorMessage(w, http.StatusBadRequest, codeInvalidRequestBody, err.Error())
		return
	case errors.Is(err, project.ErrProjectAlreadyExists):
		writeError(w, http.StatusConflict, codeProjectAlreadyExists)
		return
	case err != nil:
		r.logger.Error("create project failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}
	writeJSON(w, http.StatusCreated, toProjectJSON(*p))
}

func (r *Router) handleProjectList(w http.ResponseWriter, req *http.Request) {
	projects, err := r.projects.List(req.Context())
	if err != nil {
		r.logger.Error("list projects failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}
	out := make([]projectJSON, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (r *Router) handleProjectGet(w http.ResponseWriter, req *http.Request) {
	p, err := r.projects.Get(req.Context(), req.PathValue("rid"))
	if err != nil {
		r.writeProjectLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": toProjectJSON(*p)})
}

func (r *Router) handleProjectRemove(w http.ResponseWriter, req *http.Request) {
	if _, err := r.projects.Remove(req.Context(), req.PathValue("rid")); err != nil {
		r.writeProjectLookupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) writeProjectLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, project.ErrProjectNotFound) {
		writeError(w, http.StatusNotFound, codeProjectNotFound)
		return
	}
	r.logger.Error("project lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, codeInternal)
}
