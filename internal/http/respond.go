package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/apigrid/teams/internal/permissions"
	"github.com/apigrid/teams/internal/repository"
	"github.com/apigrid/teams/internal/service/team"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps the service error taxonomy to stable outcome
// classes so callers can pick a retry policy from the status alone.
func statusForError(err error) int {
	var validation *team.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, team.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, repository.ErrVersionConflict):
		return http.StatusPreconditionFailed
	case errors.Is(err, team.ErrMissingPrecondition):
		return http.StatusPreconditionRequired
	case errors.Is(err, permissions.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// setEtag writes the version token as a quoted ETag header.
func setEtag(w http.ResponseWriter, etag string) {
	w.Header().Set("ETag", `"`+etag+`"`)
}

// ifMatch extracts the caller-supplied version token, stripping the
// quoting an HTTP conditional header carries.
func ifMatch(req *http.Request) string {
	value := strings.TrimSpace(req.Header.Get("If-Match"))
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, `"`)
}
