package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"hostguard/core"
	"hostguard/storage"

	googleuuid "github.com/google/uuid"
	"go.uber.org/zap"
)

// maxErrorMessageLength bounds error text sent to clients
const maxErrorMessageLength = 256

var (
	connStringPattern = regexp.MustCompile(`(?:sqlite|redis|file)://[^\s"']+`)
	filePathPattern   = regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:[^\\/:*?"<>|\s]+[\\/])*[^\\/:*?"<>|\s]+`)
)

// sanitizeErrorMessage removes connection strings and file paths from error messages before sending to clients
func sanitizeErrorMessage(message string) string {
	message = connStringPattern.ReplaceAllString(message, "[CONNECTION]")
	message = filePathPattern.ReplaceAllString(message, "[FILE_PATH]")
	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// writeError logs the full error and sends a sanitized message to the client
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if err != nil {
			logger.Errorw(message, "error", err.Error(), "status_code", statusCode)
		} else {
			logger.Errorw(message, "status_code", statusCode)
		}
	}
	http.Error(w, sanitizeErrorMessage(message), statusCode)
}

// respondJSON writes v as JSON with the given status
func (a *API) respondJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Errorw("Failed to encode response", "error", err)
	}
}

// validateUUID validates that a string is a valid UUID format
func validateUUID(id string) error {
	if _, err := googleuuid.Parse(id); err != nil {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// parseAlertFilter reads min_severity, since, until, rule, host and limit
// from the query string. Times are RFC 3339.
func parseAlertFilter(r *http.Request) (storage.AlertFilter, error) {
	q := r.URL.Query()
	var f storage.AlertFilter

	if s := q.Get("min_severity"); s != "" {
		sev, err := core.ParseSeverity(s)
		if err != nil {
			return f, err
		}
		f.MinSeverity = sev
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if s := q.Get(name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return f, fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = t
		}
	}
	f.RuleID = q.Get("rule")
	f.HostID = q.Get("host")
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxAlertQueryLimit {
			return f, fmt.Errorf("limit must be between 1 and %d", maxAlertQueryLimit)
		}
		f.Limit = n
	}
	return f, nil
}
