// Package reporter drives a backend model download over an event stream and
// mirrors its progress into two UI elements: a status line and a progress bar.
package reporter

import (
	"context"
	"errors"
	"sync"

	"modelfetch/internal/logging"
	"modelfetch/internal/ui"
)

// State is the lifecycle position of a Reporter.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateClosed    State = "closed"
)

// ErrAlreadyStarted is logged when Start is called more than once.
var ErrAlreadyStarted = errors.New("already_started")

// Reporter handles exactly one download. It never returns errors to its
// caller; every failure ends up as status text.
type Reporter struct {
	root    Root
	source  Source
	baseURL string

	mu    sync.Mutex
	state State
	req   Request
	sub   Subscription
	done  chan struct{}
}

// New returns an idle Reporter writing into root and streaming from source.
// baseURL prefixes Route; it may be empty for host-relative streams.
func New(root Root, source Source, baseURL string) *Reporter {
	return &Reporter{
		root:    root,
		source:  source,
		baseURL: baseURL,
		state:   StateIdle,
		done:    make(chan struct{}),
	}
}

// State returns the current state.
func (r *Reporter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed when the reporter reaches StateClosed.
func (r *Reporter) Done() <-chan struct{} {
	return r.done
}

// Start resets the UI for req and opens the event stream. The UI is reset
// before the stream is opened.
func (r *Reporter) Start(ctx context.Context, req Request) {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		logging.With("model_name", req.ModelName).Warn("reporter start ignored", "error", ErrAlreadyStarted)
		return
	}
	r.state = StateStreaming
	r.req = req
	r.setStatus(ctx, "Downloading "+req.ModelName+"...")
	r.resetProgress(ctx)
	r.mu.Unlock()

	streamURL := req.StreamURL(r.baseURL)
	logging.LogStreamOpen(req.ModelName, streamURL)
	sub := r.source.Subscribe(ctx, streamURL, r.HandleEvent, r.HandleError)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed {
		// A terminal event arrived before Subscribe returned.
		if sub != nil {
			sub.Close()
		}
		return
	}
	r.sub = sub
}

// HandleEvent applies one stream payload. It is the subscription's message
// callback and is exported so tests can drive the reporter without a stream.
func (r *Reporter) HandleEvent(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStreaming {
		return
	}

	ev, err := ParseEvent(data)
	if err != nil {
		logging.LogMalformedEvent(r.req.ModelName, string(data), err)
		return
	}

	ctx := context.Background()
	if ev.Progress != nil {
		r.setProgress(*ev.Progress)
	}
	if ev.Message != "" {
		r.setStatus(ctx, ev.Message)
		if kind, ok := Terminal(ev.Message); ok {
			r.closeLocked(kind)
		}
	}
}

// HandleError reports a transport failure and closes the stream.
func (r *Reporter) HandleError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStreaming {
		return
	}
	logging.LogStreamError(r.req.ModelName, err)
	r.setStatus(context.Background(), "Error: "+err.Error())
	r.closeLocked("transport_error")
}

func (r *Reporter) closeLocked(reason string) {
	r.state = StateClosed
	if r.sub != nil {
		r.sub.Close()
	}
	close(r.done)
	logging.LogStreamClosed(r.req.ModelName, reason)
}

func (r *Reporter) setStatus(ctx context.Context, text string) {
	el, ok := r.root.Lookup(ui.StatusID)
	if !ok {
		logging.With("element", ui.StatusID).Warn("ui element missing")
		return
	}
	markup, err := ui.Render(ctx, ui.StatusText(text))
	if err != nil {
		logging.With("element", ui.StatusID).Error("render status", "error", err)
		return
	}
	el.SetInnerHTML(markup)
}

func (r *Reporter) resetProgress(ctx context.Context) {
	el, ok := r.root.Lookup(ui.ProgressBarID)
	if !ok {
		logging.With("element", ui.ProgressBarID).Warn("ui element missing")
		return
	}
	markup, err := ui.Render(ctx, ui.ProgressBar(progressWidth(0), "0%"))
	if err != nil {
		logging.With("element", ui.ProgressBarID).Error("render progress bar", "error", err)
		return
	}
	el.SetInnerHTML(markup)
}

// setProgress re-queries the nested progress element, since the bar's
// markup may have been replaced since the last event.
func (r *Reporter) setProgress(v float64) {
	el, ok := r.root.Lookup(ui.ProgressID)
	if !ok {
		logging.With("element", ui.ProgressID).Warn("ui element missing")
		return
	}
	el.SetStyle("width", progressWidth(v))
	el.SetInnerHTML(progressLabel(v))
}
