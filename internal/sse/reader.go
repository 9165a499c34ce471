// Package sse implements both ends of a server-sent event stream: a
// subscribing client with EventSource semantics and a flushing writer for
// handlers.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

const maxLineSize = 1 << 20

// Event is one dispatched stream event.
type Event struct {
	ID    string
	Type  string // "message" when the stream names no type
	Data  string
	Retry time.Duration
}

// Reader splits a stream into events.
type Reader struct {
	sc     *bufio.Scanner
	lastID string
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	sc.Split(scanLines)
	return &Reader{sc: sc}
}

// Next returns the next complete event. It returns io.EOF when the stream
// ends; a trailing event without its blank line is discarded.
func (r *Reader) Next() (Event, error) {
	var (
		data    strings.Builder
		hasData bool
		evType  string
		retry   time.Duration
	)
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if !hasData {
				evType, retry = "", 0
				continue
			}
			if evType == "" {
				evType = "message"
			}
			return Event{
				ID:    r.lastID,
				Type:  evType,
				Data:  strings.TrimSuffix(data.String(), "\n"),
				Retry: retry,
			}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "event":
			evType = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 63); err == nil {
				retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := r.sc.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// scanLines splits on LF, CRLF or a lone CR.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// CR: need one more byte to tell CRLF from a lone CR.
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
