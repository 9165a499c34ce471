package reporter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Substrings of a status message that end the stream. The success marker is
// checked first.
const (
	successMarker = "downloaded successfully"
	errorMarker   = "Error"
)

// Event is one decoded stream payload. Both fields are optional.
type Event struct {
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// ParseEvent decodes a stream payload.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Terminal reports whether the message ends the stream, and which marker
// matched ("success" or "error").
func Terminal(message string) (string, bool) {
	switch {
	case strings.Contains(message, successMarker):
		return "success", true
	case strings.Contains(message, errorMarker):
		return "error", true
	}
	return "", false
}

// progressWidth is the CSS width for v, in its shortest decimal form.
func progressWidth(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "%"
}

// progressLabel is v with exactly two decimals.
func progressLabel(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + "%"
}
