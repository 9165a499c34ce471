package download

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
)

// categoryDirs maps a lower-cased model type to its directory under the
// download root.
var categoryDirs = map[string]string{
	"model":     "models/Stable-diffusion",
	"lora":      "models/Lora",
	"embedding": "embeddings",
	"vae":       "models/VAE",
}

// CategoryDir returns the directory for modelType, or "other".
func CategoryDir(modelType string) string {
	if d, ok := categoryDirs[strings.ToLower(modelType)]; ok {
		return d
	}
	return "other"
}

// Opener opens the bucket that files for dir are written to.
type Opener interface {
	Open(ctx context.Context, dir string) (*blob.Bucket, error)
}

// DirOpener stores files directly in dir on the local filesystem,
// creating it if needed.
type DirOpener struct{}

func (DirOpener) Open(ctx context.Context, dir string) (*blob.Bucket, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	return fileblob.OpenBucket(dir, nil)
}

// URLOpener stores files in the bucket at URL under a prefix derived from dir.
type URLOpener struct {
	URL string
}

func (o URLOpener) Open(ctx context.Context, dir string) (*blob.Bucket, error) {
	b, err := blob.OpenBucket(ctx, o.URL)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	prefix := bucketPrefix(dir)
	if prefix == "" {
		return b, nil
	}
	return blob.PrefixedBucket(b, prefix), nil
}

// bucketPrefix turns a filesystem directory into a slash-separated key prefix.
func bucketPrefix(dir string) string {
	p := strings.Trim(path.Clean(filepath.ToSlash(dir)), "/")
	if p == "" || p == "." {
		return ""
	}
	return p + "/"
}
