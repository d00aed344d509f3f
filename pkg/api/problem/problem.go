// Package problem writes RFC 7807 problem details.
package problem

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Detail is an RFC 7807 problem document. Kind, Reason and Recoverable
// extend it with the issuance error taxonomy.
type Detail struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Status      int    `json:"status"`
	Detail      string `json:"detail,omitempty"`
	Instance    string `json:"instance,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Recoverable string `json:"recoverable,omitempty"`
	IntentID    string `json:"intent_id,omitempty"`
}

func (p *Detail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// TypeFor names the problem type of an error kind, or of a bare status.
func TypeFor(kind string, status int) string {
	if kind != "" {
		return "urn:academicchain:problem:" + kind
	}
	return fmt.Sprintf("urn:academicchain:problem:http-%d", status)
}

// Write sends p, filling the type, instance and trace id from the request.
func Write(w http.ResponseWriter, r *http.Request, p Detail) {
	if p.Type == "" {
		p.Type = TypeFor(p.Kind, p.Status)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get("X-Request-ID")

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a plain problem with status and detail.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	Write(w, r, Detail{Status: status, Detail: detail})
}

func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, detail)
}

func Unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, detail)
}

func Forbidden(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusForbidden, detail)
}

func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, detail)
}

func Conflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, detail)
}

// TooManyRequests writes a 429 with Retry-After.
func TooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// Internal logs err and writes a 500 that does not expose it.
func Internal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "path", r.URL.Path)
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}
