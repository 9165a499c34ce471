package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"gocloud.dev/blob"

	"modelfetch/internal/logging"
)

const (
	defaultChunkSize = 1 << 20
	userAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.3"
)

// Request names one model download.
type Request struct {
	ModelURL     string
	ImageURL     string
	TriggerWords string
	DownloadDir  string
	ModelName    string
	ModelType    string
}

// Event is streamed to the client while a download runs.
type Event struct {
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Result describes the files a finished download produced.
type Result struct {
	ModelType    string `json:"model_type"`
	Dir          string `json:"dir"`
	ModelPath    string `json:"model_path"`
	PreviewPath  string `json:"preview_path,omitempty"`
	MetadataPath string `json:"metadata_path,omitempty"`
	SHA256       string `json:"sha256"`
	Bytes        int64  `json:"bytes"`
}

// Metadata is the sidecar JSON saved next to a model with trigger words.
type Metadata struct {
	Description    string `json:"description"`
	SDVersion      string `json:"sd version"`
	ModelID        string `json:"modelId"`
	ActivationText string `json:"activation text"`
	SHA256         string `json:"sha256"`
}

// Options configures a Downloader. Zero values select defaults.
type Options struct {
	Client    *http.Client
	Opener    Opener
	LockDir   string
	ChunkSize int
}

// Downloader fetches a model, its preview image and its metadata into
// category storage, streaming progress as it goes.
type Downloader struct {
	client    *http.Client
	opener    Opener
	lockDir   string
	chunkSize int

	hooks Hooks
}

// NewDownloader creates a Downloader.
func NewDownloader(opts Options) *Downloader {
	d := &Downloader{
		client:    opts.Client,
		opener:    opts.Opener,
		lockDir:   opts.LockDir,
		chunkSize: opts.ChunkSize,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.opener == nil {
		d.opener = DirOpener{}
	}
	if d.lockDir == "" {
		d.lockDir = filepath.Join(os.TempDir(), "modelfetch-locks")
	}
	if d.chunkSize <= 0 {
		d.chunkSize = defaultChunkSize
	}
	return d
}

// SetHooks installs persistence callbacks.
func (d *Downloader) SetHooks(h Hooks) {
	d.hooks = h
}

// Download runs one download to completion. Every outcome, including
// failure, is reported through emit as a final message event; the returned
// error is for the caller's bookkeeping.
func (d *Downloader) Download(ctx context.Context, id string, req Request, emit func(Event)) (Result, error) {
	logging.LogDownloadStart(id, req.ModelName, req.ModelURL)
	res, err := d.download(ctx, id, req, emit)
	if err != nil {
		logging.LogDownloadError(id, "model download failed", err)
		emit(Event{Message: failureMessage(req.ModelName, err)})
		if d.hooks != nil {
			d.hooks.OnFailure(id, err)
		}
		return Result{}, err
	}
	logging.LogDownloadComplete(id, res.ModelPath, res.SHA256)
	emit(Event{Message: fmt.Sprintf("Model '%s' downloaded successfully to %s! Loading model in background...", req.ModelName, res.Dir)})
	logging.LogModelReady(req.ModelType, res.ModelPath)
	if d.hooks != nil {
		d.hooks.OnComplete(id, res)
	}
	return res, nil
}

func failureMessage(name string, err error) string {
	if errors.Is(err, ErrFetch) {
		return fmt.Sprintf("Failed to download model '%s'. Error: %s", name, err)
	}
	return fmt.Sprintf("An error occurred while downloading model '%s'. Error: %s", name, err)
}

func (d *Downloader) download(ctx context.Context, id string, req Request, emit func(Event)) (Result, error) {
	dir := filepath.Join(req.DownloadDir, filepath.FromSlash(CategoryDir(req.ModelType)))

	unlock, err := d.lock(dir, req.ModelName)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	bucket, err := d.opener.Open(ctx, dir)
	if err != nil {
		return Result{}, err
	}
	defer bucket.Close()

	res := Result{ModelType: req.ModelType, Dir: dir, ModelPath: filepath.Join(dir, req.ModelName)}

	sum, n, err := d.fetchModel(ctx, bucket, id, req, emit)
	if err != nil {
		return Result{}, err
	}
	res.SHA256, res.Bytes = sum, n

	stem := previewStem(req.ModelName)
	if req.ImageURL != "" {
		key := stem + ".preview.jpeg"
		if err := d.fetchPreview(ctx, bucket, req.ImageURL, key); err != nil {
			return Result{}, err
		}
		res.PreviewPath = filepath.Join(dir, key)
	}

	if req.TriggerWords != "" {
		key := stem + ".json"
		meta := Metadata{
			ModelID:        "models",
			ActivationText: req.TriggerWords,
			SHA256:         sum,
		}
		data, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return Result{}, err
		}
		if err := bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
			return Result{}, fmt.Errorf("write metadata: %w", err)
		}
		res.MetadataPath = filepath.Join(dir, key)
	}
	return res, nil
}

// lock takes an exclusive, non-blocking file lock for one model file.
func (d *Downloader) lock(dir, name string) (func(), error) {
	if err := os.MkdirAll(d.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	key := sha256.Sum256([]byte(filepath.Join(dir, name)))
	fl := flock.New(filepath.Join(d.lockDir, hex.EncodeToString(key[:8])+".lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock model: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDownloading, name)
	}
	return func() { _ = fl.Unlock() }, nil
}

func (d *Downloader) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %w: %d %s for url %s", ErrFetch, ErrHTTPStatus, resp.StatusCode, http.StatusText(resp.StatusCode), logging.RedactURL(rawURL))
	}
	return resp, nil
}

// fetchModel streams the model into the bucket in chunks, hashing it and
// emitting progress after each chunk when the total size is known.
func (d *Downloader) fetchModel(ctx context.Context, bucket *blob.Bucket, id string, req Request, emit func(Event)) (string, int64, error) {
	resp, err := d.get(ctx, req.ModelURL)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	total := resp.ContentLength

	// Cancelling wctx before Close discards the partial object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := bucket.NewWriter(wctx, req.ModelName, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", 0, fmt.Errorf("open model writer: %w", err)
	}

	h := sha256.New()
	buf := make([]byte, d.chunkSize)
	var downloaded int64
	for {
		n, rerr := readChunk(resp.Body, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				cancel()
				_ = w.Close()
				return "", 0, fmt.Errorf("write model: %w", err)
			}
			h.Write(buf[:n])
			downloaded += int64(n)
			if total > 0 {
				p := float64(downloaded) / float64(total) * 100
				emit(Event{Progress: &p})
				logging.LogDownloadProgress(id, p)
				if d.hooks != nil {
					d.hooks.OnProgress(id, p)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			cancel()
			_ = w.Close()
			return "", 0, fmt.Errorf("%w: read body: %w", ErrFetch, rerr)
		}
	}
	if total > 0 && downloaded != total {
		cancel()
		_ = w.Close()
		return "", 0, fmt.Errorf("%w: received %d of %d bytes", ErrFetch, downloaded, total)
	}
	if err := w.Close(); err != nil {
		return "", 0, fmt.Errorf("save model: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), downloaded, nil
}

// readChunk fills buf from r. Unlike io.ReadFull it returns the reader's
// own error, so a body cut short surfaces as io.ErrUnexpectedEOF rather
// than looking like the final short chunk.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// previewStem strips the last extension, keeping dot-files intact.
func previewStem(name string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" || strings.HasSuffix(stem, "/") {
		return name
	}
	return stem
}
