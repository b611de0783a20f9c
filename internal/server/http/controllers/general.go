package controllers

import (
	"net/http"

	"github.com/rzbill/flomq/internal/runtime"
)

// GeneralController serves node-wide endpoints.
type GeneralController struct {
	rt *runtime.Runtime
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers general routes with the given mux.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/healthz", c.handleHealth)
	mux.HandleFunc("GET /v1/journal", c.handleJournal)
}

// handleHealth returns 200 {"status":"ok"} when healthy and 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleJournal(w http.ResponseWriter, _ *http.Request) {
	j := c.rt.Journal()
	st := j.Stats()
	writeJSON(w, map[string]any{
		"blockSize":   j.BlockSize(),
		"position":    st.Position,
		"replayStart": st.ReplayStart,
		"records":     st.Records,
		"fragments":   st.Fragments,
		"flushes":     st.Flushes,
		"checkpoints": st.Checkpoints,
	})
}
