package handlers

import (
	"net/http"
)

// GetVersion returns the build of the running API.
func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	build := h.cfg.Build
	if build.Version == "" {
		build.Version = "dev"
	}
	writeJSON(w, http.StatusOK, build)
}
