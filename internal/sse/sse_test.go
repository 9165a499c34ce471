package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, stream string) []Event {
	t.Helper()
	r := NewReader(strings.NewReader(stream))
	var out []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestReader_Framing(t *testing.T) {
	stream := ": comment\n" +
		"data: {\"progress\": 1}\n\n" +
		"data:no-space\r\n\r\n" +
		"event: ping\ndata: x\n\n" +
		"id: 7\nretry: 1500\ndata: line1\ndata: line2\n\n" +
		"data: cr-only\r\r" +
		"event: lonely\n\n" +
		"data: truncated-without-blank-line"

	events := readAll(t, stream)
	require.Len(t, events, 5)

	assert.Equal(t, Event{Type: "message", Data: `{"progress": 1}`}, events[0])
	assert.Equal(t, "no-space", events[1].Data)
	assert.Equal(t, "ping", events[2].Type)
	assert.Equal(t, "line1\nline2", events[3].Data)
	assert.Equal(t, "7", events[3].ID)
	assert.Equal(t, 1500*time.Millisecond, events[3].Retry)
	assert.Equal(t, "cr-only", events[4].Data)
	assert.Equal(t, "7", events[4].ID, "last event id carries over")
}

func TestReader_EmptyDataLineStillDispatches(t *testing.T) {
	events := readAll(t, "data\n\ndata:\n\n")
	require.Len(t, events, 2)
	assert.Equal(t, "", events[0].Data)
	assert.Equal(t, "", events[1].Data)
}

func eventStreamHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw, err := NewWriter(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, f := range frames {
			if strings.HasPrefix(f, "event:") {
				_, _ = io.WriteString(w, f+"\n\n")
				continue
			}
			_ = sw.Send(f)
		}
	}
}

type collector struct {
	mu     sync.Mutex
	events []string
	errs   []error
	done   chan struct{}
	once   sync.Once
}

func newCollector() *collector { return &collector{done: make(chan struct{})} }

func (c *collector) onEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev.Data)
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream error")
	}
}

func TestSubscribe_DeliversInOrderThenEnds(t *testing.T) {
	srv := httptest.NewServer(eventStreamHandler(`{"progress": 10}`, "event: ping", `{"progress": 20}`, `{"message": "done"}`))
	defer srv.Close()

	c := newCollector()
	s := NewClient(nil).Subscribe(context.Background(), srv.URL, c.onEvent, c.onError)
	c.wait(t)
	<-s.Done()

	assert.Equal(t, []string{`{"progress": 10}`, `{"progress": 20}`, `{"message": "done"}`}, c.events)
	require.Len(t, c.errs, 1)
	assert.ErrorIs(t, c.errs[0], ErrStreamEnded)
}

func TestSubscribe_CloseFromCallbackSuppressesError(t *testing.T) {
	srv := httptest.NewServer(eventStreamHandler("a", "b", "c"))
	defer srv.Close()

	var (
		mu     sync.Mutex
		got    []string
		errs   int
		stream *Stream
		ready  = make(chan struct{})
	)
	stream = NewClient(nil).Subscribe(context.Background(), srv.URL, func(ev Event) {
		<-ready
		mu.Lock()
		got = append(got, ev.Data)
		mu.Unlock()
		if ev.Data == "b" {
			stream.Close()
			stream.Close()
		}
	}, func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	})
	close(ready)

	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Zero(t, errs)
}

func TestSubscribe_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newCollector()
	NewClient(nil).Subscribe(context.Background(), srv.URL, c.onEvent, c.onError)
	c.wait(t)

	assert.ErrorIs(t, c.errs[0], ErrBadStatus)
	assert.Contains(t, c.errs[0].Error(), "422")
	assert.Empty(t, c.events)
}

func TestSubscribe_WrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message": "nope"}`)
	}))
	defer srv.Close()

	c := newCollector()
	NewClient(nil).Subscribe(context.Background(), srv.URL, c.onEvent, c.onError)
	c.wait(t)
	assert.ErrorIs(t, c.errs[0], ErrNotEventStream)
}

func TestSubscribe_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newCollector()
	NewClient(nil).Subscribe(context.Background(), url, c.onEvent, c.onError)
	c.wait(t)
	require.Len(t, c.errs, 1)
}

func TestSubscribe_SendsAcceptHeader(t *testing.T) {
	accept := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept <- r.Header.Get("Accept")
		eventStreamHandler()(w, r)
	}))
	defer srv.Close()

	c := newCollector()
	NewClient(nil).Subscribe(context.Background(), srv.URL, c.onEvent, c.onError)
	c.wait(t)
	assert.Equal(t, "text/event-stream", <-accept)
}

func TestWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.SendJSON(map[string]float64{"progress": 12.5}))
	require.NoError(t, w.Send("a\nb"))
	require.NoError(t, w.Comment("ping"))

	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "data: {\"progress\":12.5}\n\ndata: a\ndata: b\n\n: ping\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)

	events := readAll(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "a\nb", events[1].Data)
}

type noFlush struct{ http.ResponseWriter }

func TestWriter_RequiresFlusher(t *testing.T) {
	_, err := NewWriter(noFlush{httptest.NewRecorder()})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}
