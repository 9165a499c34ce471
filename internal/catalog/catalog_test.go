package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `#Lora
https://example.com/files/1|detail-tweaker.safetensors
//img https://example.com/1.png
//trigger detailed, intricate
//page https://example.com/models/1
https://example.com/files/2 | Film Grain.safetensors
//img https://example.com/2.png
//base SD1.5

#Model
https://example.com/files/3|dreamshaper_8.safetensors
//img https://example.com/3.jpg
#VAE
//img orphan-attribute-without-model-url
`

func TestParse(t *testing.T) {
	models, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, models, 3)

	first := models[0]
	assert.Equal(t, "Lora", first.Type)
	assert.Equal(t, "https://example.com/files/1", first.URL)
	assert.Equal(t, "detail-tweaker.safetensors", first.Name)
	assert.Equal(t, "https://example.com/1.png", first.Image)
	assert.Equal(t, "detailed, intricate", first.Trigger)
	assert.Equal(t, "https://example.com/models/1", first.Page)

	second := models[1]
	assert.Equal(t, "Lora", second.Type)
	assert.Equal(t, "Film Grain.safetensors", second.Name)
	assert.Equal(t, map[string]string{"base": "SD1.5"}, second.Extra)
	assert.Empty(t, second.Trigger)

	assert.Equal(t, "Model", models[2].Type)
	assert.Equal(t, "dreamshaper_8.safetensors", models[2].Name)
}

func TestParse_URLBeforeAnyHeader(t *testing.T) {
	models, err := Parse(strings.NewReader("https://x/a|a.pt\n//img https://x/a.png\n"))
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "Unknown", models[0].DisplayType())
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse(strings.NewReader("#Lora\nhttps://x/a-without-name\n"))
	assert.ErrorIs(t, err, ErrMalformedLine)
	assert.Contains(t, err.Error(), "line 2")

	_, err = Parse(strings.NewReader("#Lora\nhttps://x/a|a\n//img\n"))
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.txt")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	models, err := ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, models, 3)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {
	models, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Len(t, Filter(models, ""), 3)
	got := Filter(models, "GRAIN")
	require.Len(t, got, 1)
	assert.Equal(t, "Film Grain.safetensors", got[0].Name)
	assert.Empty(t, Filter(models, "nothing-matches"))
}

func TestFind(t *testing.T) {
	models, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	m, ok := Find(models, "dreamshaper_8.safetensors")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/files/3", m.URL)

	_, ok = Find(models, "dreamshaper")
	assert.False(t, ok)
}

func TestGroupByType(t *testing.T) {
	models := []Model{
		{Type: "Model", Name: "a"},
		{Type: "Lora", Name: "b"},
		{Name: "c"},
		{Type: "Model", Name: "d"},
	}
	groups := GroupByType(models)
	require.Len(t, groups, 3)
	assert.Equal(t, "Model", groups[0].Type)
	assert.Len(t, groups[0].Models, 2)
	assert.Equal(t, "Lora", groups[1].Type)
	assert.Equal(t, "Unknown", groups[2].Type)
}

func TestModelDefaults(t *testing.T) {
	var m Model
	assert.Equal(t, "Unnamed Model", m.DisplayName())
	assert.Equal(t, "unnamed", m.FileName())
	assert.Equal(t, "Unknown", m.DisplayType())
}
