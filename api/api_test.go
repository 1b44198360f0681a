package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/api"
	brokermem "github.com/xraph/imgdispatch/broker/memory"
	"github.com/xraph/imgdispatch/engine"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
	"github.com/xraph/imgdispatch/storage/local"
	"github.com/xraph/imgdispatch/store/memory"
)

type harness struct {
	srv   *httptest.Server
	eng   *engine.Engine
	store *memory.Store
	files *local.Storage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithRoles(t, engine.RoleGateway)
}

// newHarnessWithRoles builds the gateway over an engine running roles.
// The engine is never started.
func newHarnessWithRoles(t *testing.T, roles engine.Role) *harness {
	t.Helper()
	files, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	store := memory.New()
	b := brokermem.New()
	t.Cleanup(func() { _ = b.Close() })

	eng, err := engine.New(imgdispatch.DefaultConfig(),
		engine.WithStore(store),
		engine.WithBroker(b),
		engine.WithStorage(files),
		engine.WithRoles(roles),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	reg := prometheus.NewRegistry()
	metrics := api.NewHTTPMetrics("test")
	metrics.MustRegister(reg)

	srv := httptest.NewServer(api.New(eng, api.WithGatherer(reg), api.WithHTTPMetrics(metrics)).Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, eng: eng, store: store, files: files}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func (h *harness) upload(t *testing.T, filename string, fields map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = fw.Write(pngBytes(t))
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	_ = mw.Close()

	resp, err := http.Post(h.srv.URL+"/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	return resp, decode(t, resp)
}

func (h *harness) do(t *testing.T, method, path string) (*http.Response, map[string]any) {
	t.Helper()
	return h.send(t, method, path, "")
}

func (h *harness) send(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func (h *harness) count(t *testing.T) int64 {
	t.Helper()
	n, err := h.store.Count(context.Background(), job.CountOpts{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestUploadAccepted(t *testing.T) {
	h := newHarness(t)

	resp, body := h.upload(t, "my cat.png", map[string]string{"resize": "400,300", "quality": "70"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	if body["message"] != "Processing started" || body["status"] != "processing" {
		t.Errorf("body = %v", body)
	}

	jobID, err := id.ParseJobID(body["task_id"].(string))
	if err != nil {
		t.Fatalf("task_id: %v", err)
	}
	rec, err := h.eng.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Params.Width != 400 || rec.Params.Height != 300 || rec.Params.Quality != 70 {
		t.Errorf("params = %+v", rec.Params)
	}
	if !strings.HasSuffix(rec.InputRef, "/my_cat.png") {
		t.Errorf("InputRef = %q", rec.InputRef)
	}
	if _, err := h.files.Get(context.Background(), rec.InputRef); err != nil {
		t.Errorf("upload not stored: %v", err)
	}
}

func TestUploadDefaults(t *testing.T) {
	h := newHarness(t)

	_, body := h.upload(t, "cat.jpg", nil)
	jobID, _ := id.ParseJobID(body["task_id"].(string))
	rec, err := h.eng.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Params != job.DefaultParams() {
		t.Errorf("params = %+v, want defaults", rec.Params)
	}
}

func TestUploadDeferred(t *testing.T) {
	h := newHarness(t)

	resp, body := h.upload(t, "cat.png", map[string]string{"countdown": "3600"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}

	resp, st := h.do(t, http.MethodGet, "/status/"+body["task_id"].(string))
	if resp.StatusCode != http.StatusOK || st["status"] != "processing" || st["state"] != "pending" {
		t.Errorf("status %d %v", resp.StatusCode, st)
	}
}

func TestUploadRejected(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		fields   map[string]string
		wantErr  string
	}{
		{name: "no file", wantErr: "No file part"},
		{name: "bad extension", filename: "notes.txt", wantErr: "File type not allowed"},
		{name: "bad resize", filename: "a.png", fields: map[string]string{"resize": "800x600"}},
		{name: "zero resize", filename: "a.png", fields: map[string]string{"resize": "0,600"}},
		{name: "bad quality", filename: "a.png", fields: map[string]string{"quality": "high"}},
		{name: "malformed eta", filename: "a.png", fields: map[string]string{"eta": "next tuesday"}},
		{name: "negative countdown", filename: "a.png", fields: map[string]string{"countdown": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			resp, body := h.upload(t, tt.filename, tt.fields)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if tt.wantErr != "" && body["error"] != tt.wantErr {
				t.Errorf("error = %v, want %q", body["error"], tt.wantErr)
			}
			if n := h.count(t); n != 0 {
				t.Errorf("rejected upload created %d records", n)
			}
		})
	}
}

func TestStatusCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()

	resp, body := h.do(t, http.MethodGet, "/status/"+id.NewJobID().String())
	if resp.StatusCode != http.StatusNotFound || body["status"] != "not_found" {
		t.Errorf("unknown: %d %v", resp.StatusCode, body)
	}
	resp, _ = h.do(t, http.MethodGet, "/status/garbage")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("malformed id: %d", resp.StatusCode)
	}

	failed := job.New(job.KindProcessImage, imgdispatch.QueueDefault, "uploads/a.png", job.DefaultParams(), 1, time.Time{}, now)
	mustCreate(t, h.store, failed)
	mustSwap(t, h.store, failed.ID, job.StatePending, job.MarkScheduled())
	mustSwap(t, h.store, failed.ID, job.StateScheduled, job.Claim(id.NewWorkerID(), now))
	mustSwap(t, h.store, failed.ID, job.StateRunning, job.Fail("cannot identify image file", now))

	resp, body = h.do(t, http.MethodGet, "/status/"+failed.ID.String())
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("failed: status code %d", resp.StatusCode)
	}
	if body["status"] != "failed" || body["error"] != "cannot identify image file" {
		t.Errorf("failed body = %v", body)
	}

	done := job.New(job.KindProcessImage, imgdispatch.QueueDefault, "uploads/b.png", job.DefaultParams(), 3, time.Time{}, now)
	mustCreate(t, h.store, done)
	mustSwap(t, h.store, done.ID, job.StatePending, job.MarkScheduled())
	mustSwap(t, h.store, done.ID, job.StateScheduled, job.Claim(id.NewWorkerID(), now))
	mustSwap(t, h.store, done.ID, job.StateRunning, job.Succeed(&job.Result{
		Status: "success", OriginalRef: "uploads/b.png", OutputRef: "processed/b.png", Dimensions: [2]int{800, 600},
	}, now))

	resp, body = h.do(t, http.MethodGet, "/status/"+done.ID.String())
	if resp.StatusCode != http.StatusOK || body["status"] != "completed" {
		t.Fatalf("completed: %d %v", resp.StatusCode, body)
	}
	result, _ := body["result"].(map[string]any)
	if dims, _ := result["dimensions"].([]any); len(dims) != 2 || dims[0] != float64(800) || dims[1] != float64(600) {
		t.Errorf("result = %v", result)
	}

	entries, err := h.eng.DLQ().List(ctx, 10)
	if err != nil || len(entries) != 1 {
		t.Errorf("DLQ = %v, %v", entries, err)
	}
}

func TestCancelAndCounts(t *testing.T) {
	h := newHarness(t)

	_, body := h.upload(t, "cat.png", map[string]string{"countdown": "600"})
	taskID := body["task_id"].(string)

	resp, counts := h.do(t, http.MethodGet, "/jobs/counts")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("counts status = %d", resp.StatusCode)
	}
	if c, _ := counts["counts"].(map[string]any); c["pending"] != float64(1) {
		t.Errorf("counts = %v", counts)
	}

	resp, rec := h.do(t, http.MethodPost, "/jobs/"+taskID+"/cancel")
	if resp.StatusCode != http.StatusOK || rec["state"] != "cancelled" {
		t.Fatalf("cancel: %d %v", resp.StatusCode, rec)
	}
	resp, _ = h.do(t, http.MethodPost, "/jobs/"+taskID+"/cancel")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/jobs/"+id.NewJobID().String()+"/cancel")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel unknown status = %d, want 404", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/jobs/nope")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed id status = %d, want 400", resp.StatusCode)
	}
}

func TestReplayEndpoint(t *testing.T) {
	h := newHarness(t)
	now := time.Now()

	failed := job.New(job.KindProcessImage, imgdispatch.QueueDefault, "uploads/a.png", job.DefaultParams(), 1, time.Time{}, now)
	mustCreate(t, h.store, failed)
	mustSwap(t, h.store, failed.ID, job.StatePending, job.MarkScheduled())
	mustSwap(t, h.store, failed.ID, job.StateScheduled, job.Claim(id.NewWorkerID(), now))
	mustSwap(t, h.store, failed.ID, job.StateRunning, job.Fail("boom", now))

	resp, list := h.do(t, http.MethodGet, "/dlq")
	if entries, _ := list["entries"].([]any); resp.StatusCode != http.StatusOK || len(entries) != 1 {
		t.Fatalf("dlq list: %d %v", resp.StatusCode, list)
	}

	resp, rec := h.do(t, http.MethodPost, "/dlq/"+failed.ID.String()+"/replay")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("replay status = %d body = %v", resp.StatusCode, rec)
	}
	if rec["id"] == failed.ID.String() || rec["input_ref"] != "uploads/a.png" {
		t.Errorf("replayed record = %v", rec)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/healthz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz: %d %v", resp.StatusCode, body)
	}

	resp, err := http.Get(h.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `imgdispatch_http_requests_total{code="200",method="GET",path="/healthz",service="test"} 1`) {
		t.Errorf("metrics missing healthz series:\n%s", buf.String())
	}
}

func mustCreate(t *testing.T, s job.Store, r *job.Record) {
	t.Helper()
	if err := s.Create(context.Background(), r); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func mustSwap(t *testing.T, s job.Store, jobID id.JobID, expected job.State, m job.Mutation) {
	t.Helper()
	if _, err := s.CompareAndSwapState(context.Background(), jobID, expected, m); err != nil {
		t.Fatalf("CompareAndSwapState(%s): %v", expected, err)
	}
}

func TestQueueLimits(t *testing.T) {
	h := newHarnessWithRoles(t, engine.RoleAll)

	resp, body := h.do(t, http.MethodGet, "/queues/high_priority")
	if resp.StatusCode != http.StatusOK || body["active"] != float64(0) || body["limited"] != false {
		t.Fatalf("GET queue: %d %v", resp.StatusCode, body)
	}

	resp, body = h.send(t, http.MethodPut, "/queues/high_priority", `{"max_concurrency": 2, "rate_limit": 5}`)
	if resp.StatusCode != http.StatusOK || body["limited"] != true {
		t.Fatalf("PUT queue: %d %v", resp.StatusCode, body)
	}
	limits, _ := body["limits"].(map[string]any)
	if limits["max_concurrency"] != float64(2) || limits["rate_limit"] != float64(5) {
		t.Errorf("limits = %v", limits)
	}
	if cfg, ok := h.eng.QueueManager().Limits("high_priority"); !ok || cfg.MaxConcurrency != 2 {
		t.Errorf("manager limits = %+v, %v", cfg, ok)
	}

	resp, body = h.do(t, http.MethodGet, "/jobs/counts?queue=high_priority")
	if resp.StatusCode != http.StatusOK || body["active"] != float64(0) {
		t.Errorf("counts: %d %v", resp.StatusCode, body)
	}

	tests := []struct {
		name, path, body, field string
	}{
		{"unconsumed queue", "/queues/bogus", `{"max_concurrency": 1}`, "queue"},
		{"negative concurrency", "/queues/default", `{"max_concurrency": -1}`, "max_concurrency"},
		{"negative rate", "/queues/default", `{"rate_limit": -2}`, "rate_limit"},
		{"malformed body", "/queues/default", `{`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.send(t, http.MethodPut, tt.path, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%v)", resp.StatusCode, body)
			}
			if tt.field != "" && body["field"] != tt.field {
				t.Errorf("field = %v, want %s", body["field"], tt.field)
			}
		})
	}
}

func TestQueueLimitsNeedWorkers(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/queues/high_priority")
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("GET on gateway = %d, want 501", resp.StatusCode)
	}
	resp, _ = h.send(t, http.MethodPut, "/queues/high_priority", `{"max_concurrency": 1}`)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("PUT on gateway = %d, want 501", resp.StatusCode)
	}

	_, body := h.do(t, http.MethodGet, "/jobs/counts?queue=high_priority")
	if _, ok := body["active"]; ok {
		t.Errorf("gateway reported active slots: %v", body)
	}
}
