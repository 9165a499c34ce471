package dom

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<div id="download_status"></div><div id="progress_bar"></div>`

func TestQuery(t *testing.T) {
	doc, err := Parse(page)
	require.NoError(t, err)

	el, err := doc.Query("download_status")
	require.NoError(t, err)
	assert.Equal(t, "download_status", el.ID())

	_, err = doc.Query("progress")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetInnerHTML_NestedIDIsQueryable(t *testing.T) {
	doc, err := Parse(page)
	require.NoError(t, err)
	bar, err := doc.Query("progress_bar")
	require.NoError(t, err)

	bar.SetInnerHTML(`<div style="width: 100%;"><div id="progress" style="width: 0%; height: 30px;">0%</div></div>`)

	p, err := doc.Query("progress")
	require.NoError(t, err)
	assert.Equal(t, "0%", p.Text())
	assert.Equal(t, "0%", p.Style("width"))
	assert.Equal(t, "30px", p.Style("height"))

	// Replacing the markup drops the old nested element.
	bar.SetInnerHTML("gone")
	_, err = doc.Query("progress")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "gone", bar.Text())
}

func TestSetStyle_PreservesOtherProperties(t *testing.T) {
	doc, err := Parse(`<div id="p" style="width: 0%; color: white"></div>`)
	require.NoError(t, err)
	p, err := doc.Query("p")
	require.NoError(t, err)

	p.SetStyle("width", "42.5%")
	p.SetStyle("Height", "30px")

	assert.Equal(t, "42.5%", p.Style("width"))
	assert.Equal(t, "white", p.Style("color"))
	assert.Equal(t, "30px", p.Style("height"))
	assert.Equal(t, "width: 42.5%; color: white; height: 30px;", p.Attr("style"))
}

func TestSetInnerHTML_TextIsNotMarkup(t *testing.T) {
	doc, err := Parse(page)
	require.NoError(t, err)
	st, err := doc.Query("download_status")
	require.NoError(t, err)

	st.SetInnerHTML("a &lt;b&gt; c")
	assert.Equal(t, "a <b> c", st.Text())
	assert.Contains(t, doc.HTML(), "a &lt;b&gt; c")
}

func TestOnChange(t *testing.T) {
	doc, err := Parse(page)
	require.NoError(t, err)
	st, err := doc.Query("download_status")
	require.NoError(t, err)

	var calls int
	doc.OnChange(func() {
		// Observers may read the document.
		_ = doc.HTML()
		calls++
	})

	st.SetInnerHTML("x")
	st.SetStyle("color", "red")
	assert.Equal(t, 2, calls)
}

func TestConcurrentMutation(t *testing.T) {
	doc, err := Parse(`<div id="p"></div>`)
	require.NoError(t, err)
	p, err := doc.Query("p")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.SetStyle("width", "1%")
				p.SetInnerHTML("x")
				_ = p.Text()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, "x", p.Text())
}
