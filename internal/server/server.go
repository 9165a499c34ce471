package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelfetch/internal/catalog"
	"modelfetch/internal/download"
	"modelfetch/internal/logging"
	"modelfetch/internal/reporter"
	"modelfetch/internal/sse"
	"modelfetch/internal/store"
	"modelfetch/internal/ui"
)

type modelDownloader interface {
	Download(ctx context.Context, id string, req download.Request, emit func(download.Event)) (download.Result, error)
}

type hookable interface {
	SetHooks(h download.Hooks)
}

type rateLimiter interface {
	Allow(key string) bool
}

// Options wires the server's collaborators. Store is optional; a nil store
// disables the ledger and the /api/downloads route.
type Options struct {
	Downloader modelDownloader
	Registry   *download.ItemRegistry
	Store      *store.Store
	Catalog    []catalog.Model
	BaseDir    string
	RateLimit  int           // requests per minute per IP
	KeepAlive  time.Duration // SSE comment interval
}

// Server serves the model download stream, the catalog cards and the
// status APIs.
type Server struct {
	handler http.Handler
	limiter *ipRateLimiter
}

// New returns a Server with routes and middleware wired. When the
// downloader accepts hooks, progress and outcomes are recorded in the
// registry and the ledger.
func New(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = download.NewItemRegistry(0)
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 60
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if h, ok := opts.Downloader.(hookable); ok {
		h.SetHooks(&ledgerHooks{reg: opts.Registry, st: opts.Store})
	}

	rl := newIPRateLimiter(opts.RateLimit, time.Minute)
	mux := http.NewServeMux()
	reg := opts.Registry
	st := opts.Store

	mux.HandleFunc(reporter.Route, with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		req, missing := parseRequest(r)
		if len(missing) > 0 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"status": "error", "message": download.ErrMissingParameter.Error(), "missing": missing})
			return
		}
		streamDownload(w, r, opts, req)
	}))

	mux.HandleFunc("/models", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		search := r.URL.Query().Get("search")
		models := catalog.Filter(opts.Catalog, search)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = ui.ModelsPage(catalog.GroupByType(models), opts.BaseDir, search).Render(r.Context(), w)
	}))

	mux.HandleFunc("/api/status", with(rl, func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		switch r.Method {
		case http.MethodGet:
			items := reg.Snapshot(id)
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": items, "total": reg.Size()})
		case http.MethodDelete:
			// Only finished items can be cleared.
			it := reg.Get(id)
			if it == nil {
				writeJSON(w, http.StatusNotFound, map[string]any{"status": "error", "message": "not_found"})
				return
			}
			if it.State == download.StateQueued || it.State == download.StateDownloading {
				writeJSON(w, http.StatusConflict, map[string]any{"status": "error", "message": "download_active"})
				return
			}
			reg.Delete(id)
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "id": id})
		default:
			methodNotAllowed(w)
		}
	}))

	// Ledger listing; only registered when a store is configured.
	if st != nil {
		mux.HandleFunc("/api/downloads", with(rl, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			q := r.URL.Query()
			f := store.ListFilter{
				Status:    q.Get("status"),
				ModelType: q.Get("type"),
				SessionID: q.Get("session"),
				Sort:      q.Get("sort"),
				Order:     q.Get("order"),
			}
			// Bad numbers fall back to no limit / no offset.
			if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
				f.Limit = n
			}
			if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
				f.Offset = n
			}
			items, err := st.ListDownloads(r.Context(), f)
			if err != nil {
				logging.With("component", "server").Error("list downloads failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
				return
			}
			// The ledger lags by up to a percent; prefer live registry progress.
			for i := range items {
				if items[i].Status != "downloading" {
					continue
				}
				if it := reg.GetWithDBID(items[i].ID); it != nil && it.Progress > items[i].Progress {
					items[i].Progress = it.Progress
				}
			}
			counts := make(map[string]int64, len(ledgerStatuses))
			for _, status := range ledgerStatuses {
				n, err := st.CountDownloadsByStatus(r.Context(), status)
				if err != nil {
					logging.With("component", "server").Error("count downloads failed", "status", status, "error", err)
					continue
				}
				counts[status] = n
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": items, "counts": counts})
		}))
	}

	// Healthcheck
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{handler: recoverer(logger(mux)), limiter: rl}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops background maintenance.
func (s *Server) Close() {
	s.limiter.Stop()
}

var ledgerStatuses = []string{"pending", "downloading", "completed", "error"}

var requestParams = []string{"model_url", "image_url", "trigger_words", "download_dir", "model_name", "model_type"}

// parseRequest reads the six download parameters. Presence is required;
// empty values are allowed.
func parseRequest(r *http.Request) (download.Request, []string) {
	q := r.URL.Query()
	var missing []string
	for _, p := range requestParams {
		if !q.Has(p) {
			missing = append(missing, p)
		}
	}
	return download.Request{
		ModelURL:     q.Get("model_url"),
		ImageURL:     q.Get("image_url"),
		TriggerWords: q.Get("trigger_words"),
		DownloadDir:  q.Get("download_dir"),
		ModelName:    q.Get("model_name"),
		ModelType:    q.Get("model_type"),
	}, missing
}

// streamDownload runs one download, relaying its events as SSE frames.
func streamDownload(w http.ResponseWriter, r *http.Request, opts Options, req download.Request) {
	sw, err := sse.NewWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": err.Error()})
		return
	}

	id := uuid.NewString()
	if _, err := opts.Registry.Create(id, req); err != nil {
		logging.With("component", "server").Error("registry create failed", "id", id, "error", err)
	}
	if opts.Store != nil {
		dbID, err := opts.Store.CreateDownload(r.Context(), id, req.ModelName, req.ModelType, req.ModelURL)
		if err != nil {
			logging.With("component", "server").Error("db create failed", "id", id, "error", err)
		} else {
			_ = opts.Registry.Attach(id, dbID)
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(opts.KeepAlive)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-r.Context().Done():
				return
			case <-t.C:
				if err := sw.Comment("keep-alive"); err != nil {
					return
				}
			}
		}
	}()

	emit := func(ev download.Event) {
		if err := sw.SendJSON(ev); err != nil {
			logging.LogStreamError(req.ModelName, err)
		}
	}
	_, _ = opts.Downloader.Download(r.Context(), id, req, emit)

	close(stop)
	wg.Wait()
}

// ledgerHooks mirrors download progress and outcomes into the registry
// and, when configured, the sqlite ledger.
type ledgerHooks struct {
	reg *download.ItemRegistry
	st  *store.Store
}

func (h *ledgerHooks) dbID(id string) int64 {
	if h.st == nil {
		return 0
	}
	if it := h.reg.Get(id); it != nil {
		return it.DBID
	}
	return 0
}

func (h *ledgerHooks) OnProgress(id string, progress float64) {
	prev, next, err := h.reg.SetProgress(id, progress)
	if err != nil {
		return
	}
	// One ledger write per whole percent.
	if int(prev) == int(next) && prev != 0 {
		return
	}
	if dbID := h.dbID(id); dbID > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.st.UpdateProgress(ctx, dbID, next); err != nil && !isExpectedError(err) {
			logging.With("component", "server").Error("db update progress failed", "id", dbID, "error", err)
		}
	}
}

func (h *ledgerHooks) OnComplete(id string, res download.Result) {
	_ = h.reg.Complete(id, res.ModelPath)
	if dbID := h.dbID(id); dbID > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.st.MarkCompleted(ctx, dbID, res.ModelPath, res.SHA256); err != nil && !isExpectedError(err) {
			logging.With("component", "server").Error("db mark completed failed", "id", dbID, "error", err)
		}
	}
}

func (h *ledgerHooks) OnFailure(id string, cause error) {
	_ = h.reg.SetState(id, download.StateFailed, cause.Error())
	if dbID := h.dbID(id); dbID > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.st.MarkFailed(ctx, dbID, cause.Error()); err != nil && !isExpectedError(err) {
			logging.With("component", "server").Error("db mark failed failed", "id", dbID, "error", err)
		}
	}
}

// isExpectedError reports errors seen during shutdown or cancellation.
func isExpectedError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return errStr == "sql: database is closed" ||
		errStr == "context deadline exceeded" ||
		errStr == "context canceled"
}

// Utilities

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"status": "error", "message": "method_not_allowed"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Middleware

func with(rl rateLimiter, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "error", "message": "rate_limited"})
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response code and size. It forwards Flush so
// event streams still reach the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		// Skip noisy health probes
		if r.URL.Path == "/healthz" {
			return
		}
		logging.LogHTTPRequest(r.Method, r.URL.Path, r.RemoteAddr, time.Since(start), rec.status, rec.bytes)
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logging.With("component", "server").Error("panic", "value", v, "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	// Respect common proxy headers, then fall back to RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return strings.TrimSpace(xr)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

const staleBucketAge = 24 * time.Hour

// Simple token bucket per IP with fixed refill interval and capacity.
type ipRateLimiter struct {
	cap     int
	refill  time.Duration
	buckets map[string]*bucket
	// protect buckets
	mu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens int
	last   time.Time
}

func newIPRateLimiter(cap int, refill time.Duration) *ipRateLimiter {
	rl := &ipRateLimiter{
		cap:     cap,
		refill:  refill,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *ipRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	b := rl.buckets[key]
	if b == nil {
		b = &bucket{tokens: rl.cap - 1, last: now}
		rl.buckets[key] = b
		return true
	}
	// refill if interval passed
	if d := now.Sub(b.last); d >= rl.refill {
		// reset once per interval
		b.tokens = rl.cap
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func (rl *ipRateLimiter) cleanupLoop() {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.C:
			rl.cleanup()
		}
	}
}

// cleanup drops buckets idle for longer than staleBucketAge.
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-staleBucketAge)
	for k, b := range rl.buckets {
		if b.last.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *ipRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
