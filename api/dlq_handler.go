package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/dlq"
)

// DLQReply lists dead letter entries.
type DLQReply struct {
	Entries []*dlq.Entry `json:"entries"`
}

// Render is a no-op.
func (DLQReply) Render(http.ResponseWriter, *http.Request) error { return nil }

// DLQCountReply is the body of GET /dlq/count.
type DLQCountReply struct {
	Count int64 `json:"count"`
}

// Render is a no-op.
func (DLQCountReply) Render(http.ResponseWriter, *http.Request) error { return nil }

func (a *API) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	entries, err := a.eng.DLQ().List(r.Context(), limit)
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	_ = render.Render(w, r, DLQReply{Entries: entries})
}

func (a *API) dlqCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.eng.DLQ().Count(r.Context(), r.URL.Query().Get("queue"))
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, DLQCountReply{Count: n})
}

func (a *API) replayDLQ(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	rec, err := a.eng.DLQ().Replay(r.Context(), jobID)
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	_ = render.Render(w, r, RecordReply{rec})
}

func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, imgdispatch.Invalid("limit", "must be a positive integer, got %q", v)
	}
	return n, nil
}
