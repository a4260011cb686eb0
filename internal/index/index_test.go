package index

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tabnet-cells/internal/storage/memory"
)

var samplePaths = []string{
	"2012/B.2/b_tb3_ce1.html",
	"2011/A.1/a_tb1_ce2.html",
	"2011/A.1/a_tb1_ce1.html",
	"loose.html",
}

func TestGroups(t *testing.T) {
	t.Parallel()

	groups := Groups(samplePaths)
	require.Len(t, groups, 3)
	assert.Equal(t, Group{Edition: "-", Record: "-", Paths: []string{"loose.html"}}, groups[0])
	assert.Equal(t, Group{
		Edition: "2011",
		Record:  "A.1",
		Paths:   []string{"2011/A.1/a_tb1_ce1.html", "2011/A.1/a_tb1_ce2.html"},
	}, groups[1])
	assert.Equal(t, "2012", groups[2].Edition)
	assert.Empty(t, Groups(nil))
}

func TestWriteProducesBothFiles(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	written, err := New(store).Write(context.Background(), Listing{
		RunID:       "0190c0de-0000-7000-8000-000000000001",
		Root:        "http://tabnet.example/idb2011/matriz.htm",
		GeneratedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Elapsed:     "1 minute(s) 5 second(s)",
		Reports:     2,
		Failures:    1,
		Paths:       samplePaths,
		Diagnostics: []Diagnostic{{URL: "http://tabnet.example/c.htm", Heading: "Sem ficha", Reason: "no csv export"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{HTMLName, MarkdownName}, written)

	html, ok := store.Get(HTMLName)
	require.True(t, ok)
	assert.Contains(t, string(html), "<h1>TabNet cells</h1>")
	assert.Contains(t, string(html), "<h2>2011 / A.1</h2>")
	assert.Contains(t, string(html), `<a href="2011/A.1/a_tb1_ce1.html">a_tb1_ce1.html</a>`)

	md, ok := store.Get(MarkdownName)
	require.True(t, ok)
	text := string(md)
	assert.True(t, strings.HasPrefix(text, "# TabNet cells"))
	assert.Contains(t, text, "2026-01-02T03:04:05Z")
	assert.Contains(t, text, "## 2011 / A.1")
	assert.Contains(t, text, "[a_tb1_ce1.html](2011/A.1/a_tb1_ce1.html)")
	assert.Contains(t, text, "## Pages without tables")
	assert.Contains(t, text, "Sem ficha")
}

func TestWriteOverwrites(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	w := New(store)
	_, err := w.Write(context.Background(), Listing{Title: "first"})
	require.NoError(t, err)
	_, err = w.Write(context.Background(), Listing{Title: "second"})
	require.NoError(t, err)

	html, _ := store.Get(HTMLName)
	assert.Contains(t, string(html), "second")
	assert.Len(t, store.Paths(), 2)
}
