package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
)

var (
	// ErrStreamEnded is reported when the server ends the stream while the
	// subscription is still open.
	ErrStreamEnded = errors.New("stream_ended")

	// ErrBadStatus is wrapped when the server answers with a non-2xx status.
	ErrBadStatus = errors.New("bad_status")

	// ErrNotEventStream is wrapped when the response is not text/event-stream.
	ErrNotEventStream = errors.New("not_event_stream")
)

// Client opens event streams over HTTP.
type Client struct {
	hc *http.Client
}

// NewClient returns a Client using hc, or a client without a timeout when
// hc is nil. Event streams are long-lived, so hc should not set Timeout.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{hc: hc}
}

// Stream is an open subscription.
type Stream struct {
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

// Subscribe opens url and delivers message events to onEvent, in order,
// from a single goroutine. onError is called at most once, when the stream
// fails or ends while still open; it is never called after Close.
// Events with a type other than "message" are skipped.
func (c *Client) Subscribe(ctx context.Context, url string, onEvent func(Event), onError func(error)) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, c.hc, url, onEvent, onError)
	return s
}

// Close stops the stream. It is idempotent and may be called from inside a
// callback. Once Close returns no new callback starts; one delivery already
// in progress on another goroutine may still complete.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// Done is closed once the stream goroutine has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) run(ctx context.Context, hc *http.Client, url string, onEvent func(Event), onError func(error)) {
	defer close(s.done)
	defer s.cancel()

	fail := func(err error) {
		if !s.closed.CompareAndSwap(false, true) {
			return
		}
		onError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fail(fmt.Errorf("build request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := hc.Do(req)
	if err != nil {
		fail(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fail(fmt.Errorf("%w: %d %s", ErrBadStatus, resp.StatusCode, http.StatusText(resp.StatusCode)))
		return
	}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mt != "text/event-stream" {
		fail(fmt.Errorf("%w: %q", ErrNotEventStream, resp.Header.Get("Content-Type")))
		return
	}

	r := NewReader(resp.Body)
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			fail(err)
			return
		}
		if s.closed.Load() {
			return
		}
		if ev.Type != "message" {
			continue
		}
		onEvent(ev)
	}
}
