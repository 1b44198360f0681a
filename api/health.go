package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/xraph/imgdispatch/job"
)

const healthTimeout = 2 * time.Second

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if _, err := a.eng.Store().Count(ctx, job.CountOpts{State: job.StateRunning}); err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}
