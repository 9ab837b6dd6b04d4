package httpx

import (
	"encoding/json"
	"net/http"
)

const (
	codeUnauthorized            = "unauthorized"
	codeRateLimited             = "rate_limited"
	codeNotFound                = "not_found"
	codeMethodNotAllowed        = "method_not_allowed"
	codeInternal                = "internal_server_error"
	codeInvalidRequestBody      = "invalid_request_body"
	codeProjectAlreadyExists    = "project_already_exists"
	codeProjectNotFound         = "project_not_found"
	codeDeploymentAlreadyExists = "deployment_already_exists"
	codeDeploymentNotFound      = "deployment_not_found"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends the error envelope {"error":{"code":...}}.
func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code}})
}

// writeErrorMessage is writeError with a human readable detail.
func writeErrorMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
