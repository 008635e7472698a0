package api

import (
	"net/http"
)

// systemInfo reports the deployment identity.
func (h *handler) systemInfo(w http.ResponseWriter, _ *http.Request) {
	Ok(w, map[string]string{"deploymentName": h.deploymentName})
}

// systemLogDisplay serves the fleet-level log, newest first.
func (h *handler) systemLogDisplay(w http.ResponseWriter, r *http.Request) {
	skip, pageSize := pageParams(r)
	logs, total, err := h.store.SystemLogs(r.Context(), skip, pageSize)
	if err != nil {
		h.respondError(w, err)
		return
	}
	Ok(w, newPage(logs, skip, total))
}

// jobLogDisplay serves job log lines across all jobs, newest first.
func (h *handler) jobLogDisplay(w http.ResponseWriter, r *http.Request) {
	skip, pageSize := pageParams(r)
	logs, total, err := h.store.AllJobLogs(r.Context(), skip, pageSize)
	if err != nil {
		h.respondError(w, err)
		return
	}
	Ok(w, newPage(logs, skip, total))
}
