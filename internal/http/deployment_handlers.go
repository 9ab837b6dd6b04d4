package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/muratgozel/deployment-server/internal/domain"
	"github.com/muratgozel/deployment-server/internal/gitrepo"
	"github.com/muratgozel/deployment-server/internal/repository"
	"github.com/muratgozel/deployment-server/internal/service/deployment"
	"github.com/muratgozel/deployment-server/internal/service/project"
)

type deploymentRequest struct {
	GitURL      string     `json:"git_url"`
	Version     string     `json:"version"`
	Mode        string     `json:"mode"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type statusJSON struct {
	ID          string        `json:"rid"`
	Status      domain.Status `json:"status"`
	Description string        `json:"description,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   *time.Time    `json:"updated_at,omitempty"`
}

type deploymentJSON struct {
	ID          string        `json:"rid"`
	ProjectID   string        `json:"project_rid"`
	Version     string        `json:"version"`
	Mode        string        `json:"mode"`
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   *time.Time    `json:"updated_at,omitempty"`
	Status      domain.Status `json:"status,omitempty"`
	Statuses    []statusJSON  `json:"statuses,omitempty"`
}

func toDeploymentJSON(d domain.Deployment) deploymentJSON {
	return deploymentJSON{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		Version:     d.Version,
		Mode:        d.Mode,
		ScheduledAt: d.ScheduledAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (r *Router) handleDeploymentCreate(w http.ResponseWriter, req *http.Request) {
	var payload deploymentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody)
		return
	}
	mode, err := deployment.NormalizeMode(payload.Mode)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, codeInvalidRequestBody, err.Error())
		return
	}
	p, err := r.projects.FindByGitURL(req.Context(), payload.GitURL)
	switch {
	case errors.Is(err, gitrepo.ErrInvalidURL):
		writeErrorMessage(w, http.StatusBadRequest, codeInvalidRequestBody, err.Error())
		return
	case errors.Is(err, project.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, codeProjectNotFound)
		return
	case err != nil:
		r.logger.Error("resolve project failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}

	d, err := r.deployments.Create(req.Context(), deployment.CreateInput{
		ProjectID:   p.ID,
		Version:     payload.Version,
		Mode:        mode,
		ScheduledAt: payload.ScheduledAt,
	})
	switch {
	case errors.Is(err, deployment.ErrNotAdmissible):
		writeError(w, http.StatusConflict, codeDeploymentAlreadyExists)
		return
	case errors.Is(err, deployment.ErrInvalidVersion), errors.Is(err, deployment.ErrInvalidMode):
		writeErrorMessage(w, http.StatusBadRequest, codeInvalidRequestBody, err.Error())
		return
	case err != nil:
		r.logger.Error("create deployment failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}
	writeJSON(w, http.StatusCreated, toDeploymentJSON(*d))
}

func (r *Router) handleDeploymentList(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	deployments, err := r.deployments.List(req.Context(), limit)
	if err != nil {
		r.logger.Error("list deployments failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}
	out := make([]deploymentJSON, 0, len(deployments))
	for _, d := range deployments {
		out = append(out, toDeploymentJSON(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": out})
}

func (r *Router) handleDeploymentGet(w http.ResponseWriter, req *http.Request) {
	detail, err := r.deployments.Get(req.Context(), req.PathValue("rid"))
	if err != nil {
		r.writeDeploymentLookupError(w, err)
		return
	}
	out := toDeploymentJSON(detail.Deployment)
	if current := detail.Current(); current != nil {
		out.Status = current.Status
	}
	for _, s := range detail.Statuses {
		out.Statuses = append(out.Statuses, statusJSON{
			ID:          s.ID,
			Status:      s.Status,
			Description: s.Description,
			CreatedAt:   s.CreatedAt,
			UpdatedAt:   s.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment": out})
}

func (r *Router) handleDeploymentRemove(w http.ResponseWriter, req *http.Request) {
	if err := r.deployments.Remove(req.Context(), req.PathValue("rid")); err != nil {
		r.writeDeploymentLookupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) writeDeploymentLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeDeploymentNotFound)
		return
	}
	r.logger.Error("deployment lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, codeInternal)
}
