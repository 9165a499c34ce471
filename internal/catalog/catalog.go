// Package catalog parses plain-text model lists.
//
// The format is line oriented:
//
//	#Lora
//	https://example.com/files/123|detail-tweaker.safetensors
//	//img https://example.com/preview.png
//	//trigger detailed, intricate
//	//page https://example.com/models/123
//
// A "#" line names the type of the models that follow. An "http" line starts
// a model with its download URL and file name separated by "|". A "//key value"
// line sets an attribute of the current model.
package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrMalformedLine is wrapped by parse errors for lines that cannot be split.
var ErrMalformedLine = errors.New("malformed_line")

// Model is one catalog entry.
type Model struct {
	Type    string            `json:"type"`
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Image   string            `json:"img,omitempty"`
	Trigger string            `json:"trigger,omitempty"`
	Page    string            `json:"page,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// DisplayName is the card title.
func (m Model) DisplayName() string {
	if m.Name == "" {
		return "Unnamed Model"
	}
	return m.Name
}

// DisplayType is the model type, or "Unknown".
func (m Model) DisplayType() string {
	if m.Type == "" {
		return "Unknown"
	}
	return m.Type
}

// FileName is the name the model is saved under.
func (m Model) FileName() string {
	if m.Name == "" {
		return "unnamed"
	}
	return m.Name
}

func (m *Model) set(key, value string) {
	switch key {
	case "img":
		m.Image = value
	case "trigger":
		m.Trigger = value
	case "page":
		m.Page = value
	default:
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}
		m.Extra[key] = value
	}
}

// Group is a run of models sharing a type.
type Group struct {
	Type   string
	Models []Model
}

// Parse reads a catalog. Models without both a URL and a name are dropped.
func Parse(r io.Reader) ([]Model, error) {
	var (
		models   []Model
		current  *Model
		typeName string
		lineNo   int
	)
	flush := func() {
		if current != nil && current.URL != "" && current.Name != "" {
			models = append(models, *current)
		}
		current = nil
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#"):
			flush()
			typeName = strings.TrimSpace(line[1:])
			current = &Model{Type: typeName}
		case strings.HasPrefix(line, "http"):
			if current != nil && current.URL != "" {
				flush()
			}
			if current == nil {
				current = &Model{Type: typeName}
			}
			u, name, ok := strings.Cut(line, "|")
			if !ok {
				return nil, fmt.Errorf("line %d: %w: missing '|' between url and name", lineNo, ErrMalformedLine)
			}
			current.URL = strings.TrimSpace(u)
			current.Name = strings.TrimSpace(name)
		case strings.HasPrefix(line, "//"):
			if current == nil {
				continue
			}
			key, value, ok := strings.Cut(line[2:], " ")
			if !ok {
				return nil, fmt.Errorf("line %d: %w: attribute without value", lineNo, ErrMalformedLine)
			}
			current.set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return models, nil
}

// ParseFile parses the catalog at path.
func ParseFile(path string) ([]Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Filter returns models whose name contains term, ignoring case.
// An empty term matches everything.
func Filter(models []Model, term string) []Model {
	if term == "" {
		return models
	}
	term = strings.ToLower(term)
	out := make([]Model, 0, len(models))
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.Name), term) {
			out = append(out, m)
		}
	}
	return out
}

// Find returns the first model with exactly the given name.
func Find(models []Model, name string) (Model, bool) {
	for _, m := range models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// GroupByType groups models by DisplayType in first-seen order.
func GroupByType(models []Model) []Group {
	var groups []Group
	index := make(map[string]int)
	for _, m := range models {
		t := m.DisplayType()
		i, ok := index[t]
		if !ok {
			i = len(groups)
			index[t] = i
			groups = append(groups, Group{Type: t})
		}
		groups[i].Models = append(groups[i].Models, m)
	}
	return groups
}
