package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/xraph/imgdispatch/engine"
	"github.com/xraph/imgdispatch/queue"
)

// QueueReply is the body of GET and PUT /queues/{queue}.
type QueueReply struct {
	engine.QueueStats
}

// Render is a no-op.
func (QueueReply) Render(http.ResponseWriter, *http.Request) error { return nil }

// QueueLimitsRequest is the body of PUT /queues/{queue}.
type QueueLimitsRequest struct {
	MaxConcurrency int     `json:"max_concurrency"`
	RateLimit      float64 `json:"rate_limit"`
	RateBurst      int     `json:"rate_burst"`
}

func (a *API) getQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := a.eng.QueueStats(chi.URLParam(r, "queue"))
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, QueueReply{stats})
}

func (a *API) setQueueLimits(w http.ResponseWriter, r *http.Request) {
	var req QueueLimitsRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		_ = render.Render(w, r, errBadRequest("invalid JSON body"))
		return
	}

	stats, err := a.eng.SetQueueLimits(queue.Config{
		Name:           chi.URLParam(r, "queue"),
		MaxConcurrency: req.MaxConcurrency,
		RateLimit:      req.RateLimit,
		RateBurst:      req.RateBurst,
	})
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, QueueReply{stats})
}
