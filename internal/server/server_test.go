package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelfetch/internal/catalog"
	"modelfetch/internal/download"
	"modelfetch/internal/reporter"
	"modelfetch/internal/store"
)

// fakeDownloader replays fixed events.
type fakeDownloader struct {
	events []download.Event
	gotID  string
	gotReq download.Request
}

func (f *fakeDownloader) Download(_ context.Context, id string, req download.Request, emit func(download.Event)) (download.Result, error) {
	f.gotID, f.gotReq = id, req
	for _, ev := range f.events {
		emit(ev)
	}
	return download.Result{}, nil
}

func pct(v float64) *float64 { return &v }

func get(t *testing.T, h http.Handler, path, ip string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodGet, path, ip)
}

func do(t *testing.T, h http.Handler, method, path, ip string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body=%s", w.Body.String())
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s := New(opts)
	t.Cleanup(s.Close)
	return s
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleRequest(dir string) reporter.Request {
	return reporter.Request{
		ModelURL:     "https://example.com/files/model.safetensors",
		ImageURL:     "",
		TriggerWords: "a b",
		DownloadDir:  dir,
		ModelName:    "my model.safetensors",
		ModelType:    "LoRA",
	}
}

func TestDownloadModel_MissingParameters(t *testing.T) {
	h := newTestServer(t, Options{Downloader: &fakeDownloader{}})
	w := get(t, h, reporter.Route+"?model_url=x&model_name=y", "10.0.0.1")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	var resp struct {
		Status  string   `json:"status"`
		Message string   `json:"message"`
		Missing []string `json:"missing"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "missing_parameter", resp.Message)
	assert.Equal(t, []string{"image_url", "trigger_words", "download_dir", "model_type"}, resp.Missing)
}

func TestDownloadModel_MethodNotAllowed(t *testing.T) {
	h := newTestServer(t, Options{Downloader: &fakeDownloader{}})
	w := do(t, h, http.MethodPost, reporter.Route, "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "method_not_allowed", resp["message"])
}

func TestDownloadModel_StreamsEvents(t *testing.T) {
	fd := &fakeDownloader{events: []download.Event{
		{Progress: pct(12.5)},
		{Message: "Model 'm' downloaded successfully to /x! Loading model in background..."},
	}}
	reg := download.NewItemRegistry(0)
	h := newTestServer(t, Options{Downloader: fd, Registry: reg})

	w := get(t, h, sampleRequest("/sd").StreamURL(""), "10.0.0.2")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream"))

	body := w.Body.String()
	assert.Contains(t, body, "data: {\"progress\":12.5}\n\n")
	assert.Contains(t, body, "downloaded successfully")

	// Values survive the reporter's encoding unchanged.
	assert.Equal(t, "my model.safetensors", fd.gotReq.ModelName)
	assert.Equal(t, "a b", fd.gotReq.TriggerWords)
	assert.Empty(t, fd.gotReq.ImageURL)

	it := reg.Get(fd.gotID)
	require.NotNil(t, it)
	assert.Equal(t, "my model.safetensors", it.ModelName)
}

func TestDownloadModel_EndToEndWithLedger(t *testing.T) {
	body := strings.Repeat("x", 4096)
	models := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write([]byte(body))
	}))
	defer models.Close()

	st := openTestStore(t)
	dl := download.NewDownloader(download.Options{LockDir: t.TempDir(), ChunkSize: 1024})
	reg := download.NewItemRegistry(0)
	h := newTestServer(t, Options{Downloader: dl, Registry: reg, Store: st})

	root := t.TempDir()
	r := reporter.Request{
		ModelURL:     models.URL + "/m.safetensors",
		TriggerWords: "trig",
		DownloadDir:  root,
		ModelName:    "m.safetensors",
		ModelType:    "model",
	}
	w := get(t, h, r.StreamURL(""), "10.0.0.3")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 4, strings.Count(w.Body.String(), "\"progress\":"), w.Body.String())

	modelPath := filepath.Join(root, "models", "Stable-diffusion", "m.safetensors")
	assert.FileExists(t, modelPath)

	items := reg.Snapshot("")
	require.Len(t, items, 1)
	assert.Equal(t, download.StateCompleted, items[0].State)
	assert.Equal(t, modelPath, items[0].Path)

	w = get(t, h, "/api/downloads?status=completed", "10.0.0.3")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Downloads []store.Download `json:"downloads"`
		Counts    map[string]int64 `json:"counts"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Downloads, 1)
	row := resp.Downloads[0]
	assert.Equal(t, items[0].ID, row.SessionID)
	assert.Equal(t, modelPath, row.Path)
	assert.Len(t, row.SHA256, 64)
	assert.Equal(t, 100.0, row.Progress)

	assert.EqualValues(t, 1, resp.Counts["completed"])
	assert.EqualValues(t, 0, resp.Counts["error"])
}

func TestDownloadModel_FailureRecorded(t *testing.T) {
	models := httptest.NewServer(http.NotFoundHandler())
	defer models.Close()

	st := openTestStore(t)
	dl := download.NewDownloader(download.Options{LockDir: t.TempDir()})
	reg := download.NewItemRegistry(0)
	h := newTestServer(t, Options{Downloader: dl, Registry: reg, Store: st})

	r := reporter.Request{ModelURL: models.URL + "/gone", DownloadDir: t.TempDir(), ModelName: "gone.ckpt", ModelType: "vae"}
	w := get(t, h, r.StreamURL(""), "10.0.0.4")
	assert.Contains(t, w.Body.String(), "Failed to download model 'gone.ckpt'. Error: ")

	items := reg.Snapshot("")
	require.Len(t, items, 1)
	assert.Equal(t, download.StateFailed, items[0].State)
	assert.NotEmpty(t, items[0].Error)

	rows, err := st.ListDownloads(context.Background(), store.ListFilter{Status: "error"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotEmpty(t, rows[0].ErrorMessage)
}

func TestDownloads_LiveProgressOverlay(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	dbID, err := st.CreateDownload(ctx, "s1", "m.ckpt", "model", "https://x/m.ckpt")
	require.NoError(t, err)
	require.NoError(t, st.UpdateProgress(ctx, dbID, 12))

	reg := download.NewItemRegistry(0)
	_, _ = reg.Create("s1", download.Request{ModelName: "m.ckpt"})
	_ = reg.Attach("s1", dbID)
	_, _, _ = reg.SetProgress("s1", 12.7)

	h := newTestServer(t, Options{Downloader: &fakeDownloader{}, Registry: reg, Store: st})
	w := get(t, h, "/api/downloads", "10.0.0.8")
	var resp struct {
		Downloads []store.Download `json:"downloads"`
		Counts    map[string]int64 `json:"counts"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Downloads, 1)
	assert.Equal(t, 12.7, resp.Downloads[0].Progress)
	assert.EqualValues(t, 1, resp.Counts["downloading"])
}

func TestModels_SearchAndGrouping(t *testing.T) {
	cat := []catalog.Model{
		{Type: "LoRA", Name: "Pixel Art", URL: "https://example.com/pixel.safetensors", Trigger: "pixel"},
		{Type: "Checkpoint", Name: "Realistic Vision", URL: "https://example.com/rv.safetensors"},
	}
	h := newTestServer(t, Options{Downloader: &fakeDownloader{}, Catalog: cat, BaseDir: "/sd"})

	w := get(t, h, "/models", "10.0.0.5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, strings.ToLower(w.Header().Get("Content-Type")), "text/html")
	all := w.Body.String()
	assert.Equal(t, 2, strings.Count(all, `class="model-card"`))
	assert.Contains(t, all, `data-download-dir="/sd"`)

	one := get(t, h, "/models?search=PIXEL", "10.0.0.5").Body.String()
	assert.Equal(t, 1, strings.Count(one, `class="model-card"`))
	assert.Contains(t, one, "Pixel Art")
	assert.Contains(t, one, `value="PIXEL"`, "search box keeps its value")
}

func TestModels_PageDrivesWidget(t *testing.T) {
	cat := []catalog.Model{{Type: "LoRA", Name: "Pixel Art", URL: "https://example.com/pixel.safetensors"}}
	h := newTestServer(t, Options{Downloader: &fakeDownloader{}, Catalog: cat, BaseDir: "/sd"})

	body := get(t, h, "/models", "10.0.0.12").Body.String()
	assert.Contains(t, body, `<div id="download_status"></div>`)
	assert.Contains(t, body, `<div id="progress_bar"></div>`)
	assert.Contains(t, body, `data-model-url="https://example.com/pixel.safetensors"`)
	assert.Contains(t, body, `new EventSource("`+reporter.Route+`?"`)
	assert.Contains(t, body, "downloaded successfully")
}

func TestStatus_Snapshot(t *testing.T) {
	reg := download.NewItemRegistry(0)
	_, _ = reg.Create("abc", download.Request{ModelName: "a", ModelURL: "https://x/a"})
	_, _ = reg.Create("def", download.Request{ModelName: "b", ModelURL: "https://x/b"})
	h := newTestServer(t, Options{Downloader: &fakeDownloader{}, Registry: reg})

	var resp struct {
		Status    string           `json:"status"`
		Downloads []*download.Item `json:"downloads"`
		Total     int              `json:"total"`
	}
	decode(t, get(t, h, "/api/status?id=abc", "10.0.0.6"), &resp)
	assert.Equal(t, "success", resp.Status)
	require.Len(t, resp.Downloads, 1)
	assert.Equal(t, "a", resp.Downloads[0].ModelName)
	assert.Equal(t, 2, resp.Total)

	decode(t, get(t, h, "/api/status", "10.0.0.6"), &resp)
	assert.Len(t, resp.Downloads, 2)
}

func TestStatus_Delete(t *testing.T) {
	reg := download.NewItemRegistry(0)
	_, _ = reg.Create("done", download.Request{ModelName: "a"})
	_ = reg.Complete("done", "/tmp/a")
	_, _ = reg.Create("busy", download.Request{ModelName: "b"})
	_, _, _ = reg.SetProgress("busy", 5)
	h := newTestServer(t, Options{Downloader: &fakeDownloader{}, Registry: reg})

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodDelete, "/api/status?id=busy", "10.0.0.11").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/api/status?id=done", "10.0.0.11").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/status?id=done", "10.0.0.11").Code)

	assert.Equal(t, 1, reg.Size())
	assert.NotNil(t, reg.Get("busy"))
}

func TestDownloads_NotRegisteredWithoutStore(t *testing.T) {
	h := newTestServer(t, Options{Downloader: &fakeDownloader{}})
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/downloads", "10.0.0.7").Code)
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, Options{Downloader: &fakeDownloader{}, RateLimit: 1})
	for i := 0; i < 3; i++ {
		w := get(t, h, "/healthz", "10.0.0.8")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", w.Body.String())
	}
}

func TestRateLimited(t *testing.T) {
	h := newTestServer(t, Options{Downloader: &fakeDownloader{}, RateLimit: 1})
	require.Equal(t, http.StatusOK, get(t, h, "/api/status", "10.0.0.9").Code)

	w := get(t, h, "/api/status", "10.0.0.9")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "rate_limited", resp["message"])

	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", "10.0.0.10").Code, "other ip")
}

func TestRecoverer(t *testing.T) {
	h := recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestLoggerKeepsFlusher(t *testing.T) {
	var flushed bool
	h := logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushed = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.True(t, flushed, "logger middleware hid http.Flusher")
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientIP(r))

	r.Header.Set("X-Real-IP", " 198.51.100.2 ")
	assert.Equal(t, "198.51.100.2", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", clientIP(r))
}

func TestKeepAliveComments(t *testing.T) {
	slow := &slowDownloader{delay: 60 * time.Millisecond}
	h := newTestServer(t, Options{Downloader: slow, KeepAlive: 10 * time.Millisecond})
	w := get(t, h, sampleRequest("/sd").StreamURL(""), "10.0.0.11")
	assert.Contains(t, w.Body.String(), ": keep-alive\n\n")
}

type slowDownloader struct{ delay time.Duration }

func (s *slowDownloader) Download(ctx context.Context, _ string, _ download.Request, emit func(download.Event)) (download.Result, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	emit(download.Event{Message: "done"})
	return download.Result{}, nil
}
