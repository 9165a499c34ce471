package download

// Hooks provide optional callbacks for persistence / external tracking.
// Downloader invokes them synchronously on the download goroutine, so
// implementations should be fast.
type Hooks interface {
	OnProgress(id string, progress float64)
	OnComplete(id string, res Result)
	OnFailure(id string, err error)
}
