package logging

import (
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

var (
	// Logger is the global structured logger instance
	Logger *slog.Logger
)

// Init initializes the global structured logger writing JSON to stdout.
func Init(level slog.Level) {
	InitWriter(os.Stdout, level)
}

// InitWriter is like Init but writes to w. The CLI client uses it to keep
// log lines off the terminal the progress bar is drawn on.
func InitWriter(w io.Writer, level slog.Level) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Format time as ISO8601
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	Logger = slog.New(slog.NewJSONHandler(w, opts))
	slog.SetDefault(Logger)
}

// ParseLevel converts a string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactURL removes secrets from URL logs while retaining debugging value.
// It strips userinfo and masks query parameter values.
func RedactURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed == nil {
		return rawURL
	}

	parsed.User = nil

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			query.Set(key, "***")
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

// LogStreamOpen logs a reporter opening its event stream.
func LogStreamOpen(modelName, streamURL string) {
	if Logger == nil {
		return
	}
	Logger.Info("event stream opened",
		"event", "stream_open",
		"model_name", modelName,
		"url", RedactURL(streamURL))
}

// LogStreamClosed logs the end of a reporter's event stream.
func LogStreamClosed(modelName, reason string) {
	if Logger == nil {
		return
	}
	Logger.Info("event stream closed",
		"event", "stream_closed",
		"model_name", modelName,
		"reason", reason)
}

// LogStreamError logs a transport failure on an event stream.
func LogStreamError(modelName string, err error) {
	if Logger == nil {
		return
	}
	Logger.Error("event stream failed",
		"event", "stream_error",
		"model_name", modelName,
		"error", err)
}

// LogMalformedEvent logs a stream payload that could not be decoded.
func LogMalformedEvent(modelName string, payload string, err error) {
	if Logger == nil {
		return
	}
	if len(payload) > 256 {
		payload = payload[:256]
	}
	Logger.Warn("malformed stream event",
		"event", "stream_malformed_event",
		"model_name", modelName,
		"payload", payload,
		"error", err)
}

// LogDownloadStart logs the start of a backend model download
func LogDownloadStart(downloadID, modelName, modelURL string) {
	if Logger == nil {
		return
	}
	Logger.Info("download started",
		"event", "download_start",
		"download_id", downloadID,
		"model_name", modelName,
		"url", RedactURL(modelURL))
}

// LogDownloadProgress logs download progress updates
func LogDownloadProgress(downloadID string, progress float64) {
	if Logger == nil {
		return
	}
	Logger.Debug("download progress",
		"event", "download_progress",
		"download_id", downloadID,
		"progress", progress)
}

// LogDownloadComplete logs successful download completion
func LogDownloadComplete(downloadID, path, sha256 string) {
	if Logger == nil {
		return
	}
	Logger.Info("download complete",
		"event", "download_complete",
		"download_id", downloadID,
		"path", path,
		"sha256", sha256)
}

// LogDownloadError logs download failures
func LogDownloadError(downloadID, msg string, err error) {
	if Logger == nil {
		return
	}
	Logger.Error(msg,
		"event", "download_error",
		"download_id", downloadID,
		"error", err)
}

// LogModelReady logs a model that finished downloading and can be reloaded.
func LogModelReady(modelType, path string) {
	if Logger == nil {
		return
	}
	Logger.Info("model ready",
		"event", "model_ready",
		"model_type", modelType,
		"path", path)
}

// LogDBCreate logs database record creation
func LogDBCreate(id int64, sessionID, modelName, modelURL, status string) {
	if Logger == nil {
		return
	}
	Logger.Info("database record created",
		"event", "db_create",
		"id", id,
		"session_id", sessionID,
		"model_name", modelName,
		"url", RedactURL(modelURL),
		"status", status)
}

// LogDBUpdate logs database updates
func LogDBUpdate(operation string, id int64, fields map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "db_update",
		"operation", operation,
		"id", id,
	}
	for k, v := range fields {
		if strings.EqualFold(k, "url") {
			if urlValue, ok := v.(string); ok {
				v = RedactURL(urlValue)
			}
		}
		attrs = append(attrs, k, v)
	}
	Logger.Debug("database updated", attrs...)
}

// LogHTTPRequest logs HTTP request handling
func LogHTTPRequest(method, path, remoteAddr string, duration time.Duration, status int, responseBytes int) {
	if Logger == nil {
		return
	}
	Logger.Info("http request",
		"event", "http_request",
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"duration_ms", duration.Milliseconds(),
		"status", status,
		"response_bytes", responseBytes)
}

// LogServerStart logs server startup
func LogServerStart(addr string, config map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "server_start",
		"addr", addr,
	}
	for k, v := range config {
		attrs = append(attrs, k, v)
	}
	Logger.Info("server started", attrs...)
}

// LogServerShutdown logs server shutdown events
func LogServerShutdown(msg string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error(msg,
			"event", "server_shutdown_error",
			"error", err)
	} else {
		Logger.Info(msg,
			"event", "server_shutdown")
	}
}

// With returns a logger with additional context
func With(attrs ...any) *slog.Logger {
	if Logger == nil {
		return slog.Default().With(attrs...)
	}
	return Logger.With(attrs...)
}
