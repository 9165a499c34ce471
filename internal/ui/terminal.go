package ui

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/v2/progress"
	"github.com/charmbracelet/lipgloss/v2"
	"golang.org/x/term"

	"modelfetch/internal/dom"
)

const (
	defaultWidth = 80
	barWidth     = 30
)

// Terminal mirrors the status and progress elements of a document onto a
// single terminal line, redrawn after every document mutation. When out is
// not a terminal, each distinct line is printed once instead.
type Terminal struct {
	out   io.Writer
	doc   *dom.Document
	tty   bool
	width int
	bar   progress.Model

	mu   sync.Mutex
	last string
}

// NewTerminal attaches a Terminal to doc.
func NewTerminal(out io.Writer, doc *dom.Document) *Terminal {
	t := &Terminal{out: out, doc: doc, width: defaultWidth}
	t.bar = progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	t.bar.SetWidth(barWidth)
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.tty = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			t.width = w
		}
	}
	doc.OnChange(t.Redraw)
	return t
}

// Line returns the current rendering without writing it.
func (t *Terminal) Line() string {
	var status, width, label string
	if el, err := t.doc.Query(StatusID); err == nil {
		status = el.Text()
	}
	if el, err := t.doc.Query(ProgressID); err == nil {
		width = el.Style("width")
		label = el.Text()
	}

	var bar string
	if label != "" {
		bar = " " + t.bar.ViewAs(barPercent(width)) + " " + label
	}
	// The bar carries colour escapes; measure what is visible.
	room := t.width - lipgloss.Width(bar) - 1
	if room < 10 {
		room = 10
	}
	return TruncateWithEllipsis(status, room) + bar
}

// Redraw writes the current line if it changed.
func (t *Terminal) Redraw() {
	line := t.Line()
	t.mu.Lock()
	defer t.mu.Unlock()
	if line == t.last {
		return
	}
	t.last = line
	if t.tty {
		fmt.Fprintf(t.out, "\r\033[K%s", line)
		return
	}
	fmt.Fprintln(t.out, line)
}

// Finish terminates the in-place line on a terminal.
func (t *Terminal) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tty && t.last != "" {
		fmt.Fprintln(t.out)
	}
}

// barPercent converts a CSS width such as "42.5%" into the 0..1 fraction
// the bar renders. Out-of-range and unparsable widths are clamped.
func barPercent(width string) float64 {
	pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(width), "%"), 64)
	if err != nil {
		return 0
	}
	return min(max(pct/100, 0), 1)
}
