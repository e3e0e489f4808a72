package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"hostguard/core"
	"hostguard/storage"

	"github.com/gorilla/mux"
)

// maxAlertQueryLimit caps the limit query parameter
const maxAlertQueryLimit = 1000

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if a.alertStorage == nil {
		status = "degraded"
	}
	a.respondJSON(w, map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
		"uptime": time.Since(a.started).Round(time.Second).String(),
	}, http.StatusOK)
}

type statsResponse struct {
	Pipeline         any    `json:"pipeline,omitempty"`
	TrackedProcesses int    `json:"tracked_processes"`
	Watermark        string `json:"watermark,omitempty"`
	Rules            int    `json:"rules"`
}

func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		TrackedProcesses: a.engine.ProcessTable().Len(),
		Rules:            len(a.engine.Rules()),
	}
	if wm := a.engine.Watermark(); !wm.IsZero() {
		resp.Watermark = wm.Format(time.RFC3339Nano)
	}
	if a.stats != nil {
		resp.Pipeline = a.stats.Stats()
	}
	a.respondJSON(w, resp, http.StatusOK)
}

func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, a.engine.Rules(), http.StatusOK)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, rule := range a.engine.Rules() {
		if rule.ID == id {
			a.respondJSON(w, rule, http.StatusOK)
			return
		}
	}
	if d, ok := core.DescriptorByID(id); ok {
		a.respondJSON(w, d, http.StatusOK)
		return
	}
	http.Error(w, "Rule not found", http.StatusNotFound)
}

func (a *API) getAlerts(w http.ResponseWriter, r *http.Request) {
	if a.alertStorage == nil {
		http.Error(w, "Alert storage not available", http.StatusServiceUnavailable)
		return
	}
	filter, err := parseAlertFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	alerts, err := a.alertStorage.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query alerts", err, a.logger)
		return
	}
	if alerts == nil {
		alerts = []*core.Alert{}
	}
	a.respondJSON(w, alerts, http.StatusOK)
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	if a.alertStorage == nil {
		http.Error(w, "Alert storage not available", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	if err := validateUUID(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	alert, err := a.alertStorage.GetAlert(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrAlertNotFound) {
			http.Error(w, "Alert not found", http.StatusNotFound)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get alert", err, a.logger)
		return
	}
	a.respondJSON(w, alert, http.StatusOK)
}

func (a *API) getProcess(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pid, err := strconv.ParseUint(vars["pid"], 10, 32)
	if err != nil || pid == 0 {
		http.Error(w, "Invalid process ID", http.StatusBadRequest)
		return
	}
	chain := a.engine.Ancestry(core.ProcessKey{HostID: vars["host"], PID: uint32(pid)})
	if len(chain) == 0 {
		http.Error(w, "Process not found", http.StatusNotFound)
		return
	}
	a.respondJSON(w, chain, http.StatusOK)
}
