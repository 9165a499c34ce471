package ui

import (
	"context"
	"strings"

	"github.com/a-h/templ"

	"modelfetch/internal/catalog"
)

//go:generate templ generate

// Element ids shared by the page markup and the progress reporter.
const (
	StatusID      = "download_status"
	ProgressBarID = "progress_bar"
	ProgressID    = "progress"
)

// Render renders c into a string.
func Render(ctx context.Context, c templ.Component) (string, error) {
	var b strings.Builder
	if err := c.Render(ctx, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// fillAttrs styles the #progress element at the given CSS width.
func fillAttrs(width string) templ.Attributes {
	return templ.Attributes{
		"style": "width: " + width + "; height: 30px; background-color: #4CAF50; text-align: center; line-height: 30px; color: white;",
	}
}

func pageURL(m catalog.Model) string {
	if m.Page == "" {
		return "#"
	}
	return m.Page
}
