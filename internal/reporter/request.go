package reporter

import (
	"net/url"
	"strings"
)

// Route is the backend endpoint that starts a download and streams its progress.
const Route = "/sdapi/v1/download_model"

// Request holds the parameters of one model download.
type Request struct {
	ModelURL     string `json:"model_url"`
	ImageURL     string `json:"image_url"`
	TriggerWords string `json:"trigger_words"`
	DownloadDir  string `json:"download_dir"`
	ModelName    string `json:"model_name"`
	ModelType    string `json:"model_type"`
}

// Query returns the request as ordered (name, value) pairs.
func (r Request) Query() [][2]string {
	return [][2]string{
		{"model_url", r.ModelURL},
		{"image_url", r.ImageURL},
		{"trigger_words", r.TriggerWords},
		{"download_dir", r.DownloadDir},
		{"model_name", r.ModelName},
		{"model_type", r.ModelType},
	}
}

// StreamURL builds the stream URL under base. base may be empty for a
// host-relative URL. Every value is percent-encoded on its own, with spaces
// as %20, so the backend decodes exactly the original strings.
func (r Request) StreamURL(base string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	b.WriteString(Route)
	for i, kv := range r.Query() {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(escape(kv[1]))
	}
	return b.String()
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
