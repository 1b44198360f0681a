package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/engine"
	"github.com/xraph/imgdispatch/job"
)

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// UploadReply is the 202 body of POST /upload.
type UploadReply struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
}

// Render sets the 202 status.
func (UploadReply) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusAccepted)
	return nil
}

// uploadForm holds the validated non-file fields of an upload.
type uploadForm struct {
	params    job.Params
	notBefore *time.Time
}

func (a *API) upload(w http.ResponseWriter, r *http.Request) {
	if a.eng.Storage() == nil {
		a.renderError(w, r, errors.New("no upload storage configured"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadSize)
	if err := r.ParseMultipartForm(a.maxUploadSize); err != nil {
		_ = render.Render(w, r, errBadRequest("No file part"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		_ = render.Render(w, r, errBadRequest("No file part"))
		return
	}
	defer file.Close()

	if header.Filename == "" {
		_ = render.Render(w, r, errBadRequest("No selected file"))
		return
	}
	name := secureFilename(header.Filename)
	if !allowedExtensions[strings.ToLower(path.Ext(name))] {
		_ = render.Render(w, r, errBadRequest("File type not allowed"))
		return
	}

	// Validate everything before touching storage so a rejected request
	// leaves nothing behind.
	form, err := a.parseUploadForm(r)
	if err != nil {
		a.renderError(w, r, err)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		_ = render.Render(w, r, errBadRequest("could not read file"))
		return
	}

	ref := path.Join(a.uploadPrefix, uuid.NewString(), name)
	if err := a.eng.Storage().Put(r.Context(), ref, data); err != nil {
		a.renderError(w, r, fmt.Errorf("store upload: %w", err))
		return
	}

	rec, err := a.eng.Submit(r.Context(), engine.SubmitRequest{
		InputRef:  ref,
		Params:    form.params,
		NotBefore: form.notBefore,
	})
	if err != nil {
		if delErr := a.eng.Storage().Delete(r.Context(), ref); delErr != nil {
			a.logger.Warn("failed to remove orphaned upload",
				slog.String("ref", ref),
				slog.String("error", delErr.Error()),
			)
		}
		a.renderError(w, r, err)
		return
	}

	_ = render.Render(w, r, UploadReply{
		Message: "Processing started",
		TaskID:  rec.ID.String(),
		Status:  job.StatusProcessing,
	})
}

func (a *API) parseUploadForm(r *http.Request) (uploadForm, error) {
	params := job.DefaultParams()

	if v := r.FormValue("resize"); v != "" {
		w, h, err := parseResize(v)
		if err != nil {
			return uploadForm{}, err
		}
		params.Width, params.Height = w, h
	}
	if v := r.FormValue("quality"); v != "" {
		q, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return uploadForm{}, imgdispatch.Invalid("quality", "not an integer: %q", v)
		}
		params.Quality = q
	}
	if v := r.FormValue("optimize"); v != "" {
		opt, err := strconv.ParseBool(v)
		if err != nil {
			return uploadForm{}, imgdispatch.Invalid("optimize", "not a boolean: %q", v)
		}
		params.Optimize = opt
	}
	if err := params.Validate(a.eng.Config().MaxImageDimension); err != nil {
		return uploadForm{}, err
	}

	notBefore, err := engine.ParseSchedule(r.FormValue("eta"), r.FormValue("countdown"), a.eng.Config().Location, time.Now())
	if err != nil {
		return uploadForm{}, err
	}
	return uploadForm{params: params, notBefore: notBefore}, nil
}

// parseResize reads "W,H".
func parseResize(v string) (int, int, error) {
	ws, hs, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0, imgdispatch.Invalid("resize", "expected W,H, got %q", v)
	}
	w, errW := strconv.Atoi(strings.TrimSpace(ws))
	h, errH := strconv.Atoi(strings.TrimSpace(hs))
	if err := errors.Join(errW, errH); err != nil {
		return 0, 0, imgdispatch.Invalid("resize", "expected W,H, got %q", v)
	}
	return w, h, nil
}

// secureFilename reduces a client-supplied name to a safe base name.
func secureFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "._")
	if name == "" {
		return "upload"
	}
	return name
}
