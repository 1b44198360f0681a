package api

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/xraph/imgdispatch/cron"
)

// CronReply lists the registered cron entries.
type CronReply struct {
	Entries []cron.Entry `json:"entries"`
}

// Render is a no-op.
func (CronReply) Render(http.ResponseWriter, *http.Request) error { return nil }

func (a *API) listCron(w http.ResponseWriter, r *http.Request) {
	entries := []cron.Entry{}
	if c := a.eng.Cron(); c != nil {
		entries = append(entries, c.Entries()...)
	}
	_ = render.Render(w, r, CronReply{Entries: entries})
}
