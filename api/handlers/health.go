package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const readyTimeout = 2 * time.Second

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz reports that the process is serving.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readyz pings every configured dependency in parallel. Any failure makes the instance unready.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.cfg.Ready))
	for name := range h.cfg.Ready {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]error, len(names))
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = h.cfg.Ready[name].Ping(ctx)
			return nil
		})
	}
	_ = g.Wait()

	resp := ReadyResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for i, name := range names {
		if err := results[i]; err != nil {
			h.log.Warn("readyz: dependency unavailable", "dependency", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
