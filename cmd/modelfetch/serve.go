package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"modelfetch/internal/catalog"
	"modelfetch/internal/config"
	"modelfetch/internal/download"
	"modelfetch/internal/logging"
	"modelfetch/internal/server"
	"modelfetch/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		host      string
		port      int
		baseDir   string
		catalogP  string
		dbPath    string
		bucketURL string
		rateLimit int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the model download server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				flags := cmd.Flags()
				if flags.Changed("host") {
					c.Host = host
				}
				if flags.Changed("port") {
					c.Port = port
				}
				if flags.Changed("base-dir") {
					c.BaseDir = baseDir
				}
				if flags.Changed("catalog") {
					c.CatalogPath = catalogP
				}
				if flags.Changed("db") {
					c.DBPath = dbPath
				}
				if flags.Changed("bucket-url") {
					c.BucketURL = bucketURL
				}
				if flags.Changed("rate-limit") {
					c.RateLimit = rateLimit
				}
			})
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&host, "host", "127.0.0.1", "Host address to bind")
	f.IntVar(&port, "port", 7860, "Server port")
	f.StringVar(&baseDir, "base-dir", "", "Default download directory shown on catalog cards (default: ~/stable-diffusion-webui)")
	f.StringVar(&catalogP, "catalog", "", "Model list file served on /models")
	f.StringVar(&dbPath, "db", "", "Path to SQLite database (default: OS cache dir: modelfetch/modelfetch.db)")
	f.StringVar(&bucketURL, "bucket-url", "", "Store files in this bucket (file:// or mem://) instead of download_dir")
	f.IntVar(&rateLimit, "rate-limit", 60, "Requests per minute per client IP")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	logging.Init(logging.ParseLevel(cfg.LogLevel))

	if err := cfg.ResolveBaseDir(); err != nil {
		return err
	}
	if err := cfg.ResolveDBPath(); err != nil {
		return err
	}

	var models []catalog.Model
	if cfg.CatalogPath != "" {
		m, err := catalog.ParseFile(cfg.CatalogPath)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		models = m
	}

	if err := os.MkdirAll(filepath.Dir(cfg.AbsDBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	st, err := store.Open(cfg.AbsDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}

	var opener download.Opener = download.DirOpener{}
	if cfg.BucketURL != "" {
		opener = download.URLOpener{URL: cfg.BucketURL}
	}
	dl := download.NewDownloader(download.Options{Opener: opener})

	srv := server.New(server.Options{
		Downloader: dl,
		Registry:   download.NewItemRegistry(0),
		Store:      st,
		Catalog:    models,
		BaseDir:    cfg.AbsBaseDir,
		RateLimit:  cfg.RateLimit,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // allow streaming progress without premature timeouts
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.LogServerStart(cfg.Addr, cfg.Summary())
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if parent == nil {
		parent = context.Background()
	}
	shutdownCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		srv.Close()
		_ = st.Close()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-shutdownCtx.Done():
	}
	logging.LogServerShutdown("shutdown signal received; draining", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err = httpSrv.Shutdown(ctx)
	if err != nil {
		logging.LogServerShutdown("http shutdown", err)
	}
	srv.Close()
	// Close store after in-flight streams have drained.
	_ = st.Close()
	logging.LogServerShutdown("shutdown complete", nil)
	return nil
}
