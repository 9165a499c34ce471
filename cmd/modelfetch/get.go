package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"modelfetch/internal/catalog"
	"modelfetch/internal/config"
	"modelfetch/internal/dom"
	"modelfetch/internal/logging"
	"modelfetch/internal/reporter"
	"modelfetch/internal/sse"
	"modelfetch/internal/ui"
)

// ErrDownloadFailed is returned when the stream ends on an error message.
var ErrDownloadFailed = errors.New("download_failed")

func newGetCmd() *cobra.Command {
	var (
		serverURL string
		req       reporter.Request
		catalogP  string
		pick      string
	)
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Download a model through a running server and show its progress",
		Example: `  modelfetch get --model-url https://example.com/m.safetensors --model-name m.safetensors --model-type lora --download-dir ~/sd
  modelfetch get --catalog models.txt --pick "Pixel Art" --download-dir ~/sd`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				if cmd.Flags().Changed("server") {
					c.ServerURL = serverURL
				}
			})
			if err != nil {
				return err
			}
			// Progress owns stdout; logs go to stderr.
			logging.InitWriter(os.Stderr, logging.ParseLevel(cfg.LogLevel))

			if pick != "" {
				if catalogP == "" {
					catalogP = cfg.CatalogPath
				}
				if catalogP == "" {
					return errors.New("--pick requires --catalog")
				}
				models, err := catalog.ParseFile(catalogP)
				if err != nil {
					return fmt.Errorf("load catalog: %w", err)
				}
				m, ok := catalog.Find(models, pick)
				if !ok {
					return fmt.Errorf("model %q not found in %s", pick, catalogP)
				}
				req = requestFromModel(m, req.DownloadDir)
			}
			if req.DownloadDir == "" {
				if err := cfg.ResolveBaseDir(); err != nil {
					return err
				}
				req.DownloadDir = cfg.AbsBaseDir
			}
			if req.ModelURL == "" {
				return errors.New("--model-url or --pick is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runGet(ctx, cfg.ServerURL, req, cmd.OutOrStdout(), &http.Client{})
		},
	}
	f := cmd.Flags()
	f.StringVar(&serverURL, "server", "", "Server base URL (default http://127.0.0.1:7860)")
	f.StringVar(&req.ModelURL, "model-url", "", "Model file URL")
	f.StringVar(&req.ImageURL, "image-url", "", "Preview image URL")
	f.StringVar(&req.TriggerWords, "trigger-words", "", "Activation text saved with the model")
	f.StringVar(&req.DownloadDir, "download-dir", "", "WebUI root the model is saved under")
	f.StringVar(&req.ModelName, "model-name", "", "File name to save the model as")
	f.StringVar(&req.ModelType, "model-type", "", "model|lora|embedding|vae")
	f.StringVar(&catalogP, "catalog", "", "Model list file to pick from")
	f.StringVar(&pick, "pick", "", "Name of the catalog model to download")
	return cmd
}

func requestFromModel(m catalog.Model, dir string) reporter.Request {
	return reporter.Request{
		ModelURL:     m.URL,
		ImageURL:     m.Image,
		TriggerWords: m.Trigger,
		DownloadDir:  dir,
		ModelName:    m.FileName(),
		ModelType:    m.DisplayType(),
	}
}

// runGet drives one reporter against the server and mirrors the widget on
// out until the stream closes or ctx is cancelled.
func runGet(ctx context.Context, serverURL string, req reporter.Request, out io.Writer, hc *http.Client) error {
	markup, err := ui.Render(ctx, ui.Widget())
	if err != nil {
		return err
	}
	doc, err := dom.Parse(markup)
	if err != nil {
		return err
	}
	term := ui.NewTerminal(out, doc)
	defer term.Finish()

	rep := reporter.New(reporter.DocumentRoot(doc), reporter.SSESource(sse.NewClient(hc)), serverURL)
	rep.Start(ctx, req)

	select {
	case <-rep.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	status, err := doc.Query(ui.StatusID)
	if err != nil {
		return err
	}
	if kind, ok := reporter.Terminal(status.Text()); ok && kind == "success" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDownloadFailed, status.Text())
}
