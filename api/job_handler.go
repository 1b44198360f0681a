package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

// StatusReply is the body of GET /status/{id}. Failed jobs answer 500 and
// unknown ids 404; everything else is 200.
type StatusReply struct {
	job.Status
}

// Render picks the status code from the poller status.
func (s StatusReply) Render(_ http.ResponseWriter, r *http.Request) error {
	switch s.Status.Status {
	case job.StatusNotFound:
		render.Status(r, http.StatusNotFound)
	case job.StatusFailed:
		render.Status(r, http.StatusInternalServerError)
	default:
		render.Status(r, http.StatusOK)
	}
	return nil
}

// RecordReply wraps a full job record.
type RecordReply struct {
	*job.Record
}

// Render is a no-op.
func (RecordReply) Render(http.ResponseWriter, *http.Request) error { return nil }

// CountsReply is the body of GET /jobs/counts.
type CountsReply struct {
	Queue  string              `json:"queue,omitempty"`
	Counts map[job.State]int64 `json:"counts"`
	// Active is the number of attempts of Queue running in this process.
	// It is only set on instances that run workers.
	Active *int `json:"active,omitempty"`
}

// Render is a no-op.
func (CountsReply) Render(http.ResponseWriter, *http.Request) error { return nil }

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		_ = render.Render(w, r, StatusReply{job.StatusOf(nil)})
		return
	}

	st, err := a.eng.GetStatus(r.Context(), jobID)
	if err != nil && st.Status != job.StatusNotFound {
		a.renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, StatusReply{st})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	rec, err := a.eng.Get(r.Context(), jobID)
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, RecordReply{rec})
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	rec, err := a.eng.Cancel(r.Context(), jobID)
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	_ = render.Render(w, r, RecordReply{rec})
}

func (a *API) jobCounts(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	counts, err := a.eng.Counts(r.Context(), queue)
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	reply := CountsReply{Queue: queue, Counts: counts}
	if queue != "" {
		if stats, err := a.eng.QueueStats(queue); err == nil {
			reply.Active = &stats.Active
		}
	}
	_ = render.Render(w, r, reply)
}

// jobIDParam parses the {jobID} route parameter, answering 400 itself
// when it is malformed.
func (a *API) jobIDParam(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		_ = render.Render(w, r, errorFor(imgdispatch.Invalid("job_id", "%v", err)))
		return id.Nil, false
	}
	return jobID, true
}
