package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/xraph/imgdispatch"
)

// ErrResponse is the JSON body of every error reply.
type ErrResponse struct {
	HTTPStatusCode int    `json:"-"`
	Message        string `json:"error"`
	Field          string `json:"field,omitempty"`
}

// Render sets the response status.
func (e *ErrResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errBadRequest(msg string) *ErrResponse {
	return &ErrResponse{HTTPStatusCode: http.StatusBadRequest, Message: msg}
}

// errorFor maps engine errors onto HTTP replies.
func errorFor(err error) *ErrResponse {
	var verr *imgdispatch.ValidationError
	switch {
	case errors.As(err, &verr):
		return &ErrResponse{HTTPStatusCode: http.StatusBadRequest, Message: verr.Error(), Field: verr.Field}
	case errors.Is(err, imgdispatch.ErrJobNotFound):
		return &ErrResponse{HTTPStatusCode: http.StatusNotFound, Message: "job not found"}
	case errors.Is(err, imgdispatch.ErrTerminalState),
		errors.Is(err, imgdispatch.ErrInvalidTransition),
		errors.Is(err, imgdispatch.ErrStoreConflict):
		return &ErrResponse{HTTPStatusCode: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, imgdispatch.ErrNoWorkers):
		return &ErrResponse{HTTPStatusCode: http.StatusNotImplemented, Message: "this instance runs no workers"}
	default:
		return &ErrResponse{HTTPStatusCode: http.StatusInternalServerError, Message: "internal error"}
	}
}

func (a *API) renderError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorFor(err)
	if resp.HTTPStatusCode == http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	_ = render.Render(w, r, resp)
}
