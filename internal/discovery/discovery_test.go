package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tabnet-cells/internal/cells"
	"github.com/JakeFAU/tabnet-cells/internal/crawler"
	"github.com/JakeFAU/tabnet-cells/internal/dispatcher"
	"github.com/JakeFAU/tabnet-cells/internal/form"
	"github.com/JakeFAU/tabnet-cells/internal/progress"
	"github.com/JakeFAU/tabnet-cells/internal/storage/memory"
	"github.com/JakeFAU/tabnet-cells/internal/table"
)

const (
	site    = "http://t.example"
	qualRef = `<a href="http://fichas.example/?node=A.1&lang=pt&version=2011">Ficha de Qualificação</a>`
	goodCSV = "Título;;\nBrasil;;\nRegião;Total\nNorte;10\nSul;...\n"
)

var pages = map[string]string{
	site + "/index.htm": `<html><body>
<a href="a.htm">A</a> <a href="b.htm">B</a> <a href="c.htm">C</a> <a href="d.htm">D</a>
<a href="forms/idb.def">form</a> <a href="a.htm#dup">A again</a> <a href="#top">top</a> <a href="x.pdf">pdf</a>
</body></html>`,
	site + "/a.htm":       `<a href="csv/A1.csv">csv</a>` + qualRef,
	site + "/b.htm":       `<a href="deep.htm">deep</a>`,
	site + "/deep.htm":    `<a href="a.htm">A</a><a href="deeper.htm">deeper</a>`,
	site + "/deeper.htm":  `<a href="csv/never.csv">csv</a>` + qualRef,
	site + "/c.htm":       `<h2>Sem ficha</h2><a href="csv/C1.csv">csv</a>`,
	site + "/d.htm":       `<a href="csv/bad.csv">csv</a>` + qualRef,
	site + "/csv/A1.csv":  goodCSV,
	site + "/csv/bad.csv": "",
	site + "/forms/idb.def": `<form action="/cgi/tabcgi.exe?idb2011/a01.def/">
<label for="L">Linha</label><select id="L" name="Linha"><option value="Sexo">Sexo</option></select>
<label for="C">Coluna</label><select id="C" name="Coluna"><option value="--Não-Ativa--">-</option></select>
<label for="I">Conteúdo</label><select id="I" name="Incremento"><option value="Óbitos">Óbitos</option><option value="População">População</option></select>
<label for="A">Período</label><select id="A" name="Arquivos"><option value="a11">2011</option></select>
</form>`,
}

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls map[string]int
	fail  map[string]bool
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{pages: pages, calls: make(map[string]int), fail: make(map[string]bool)}
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (crawler.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[url]++
	body, ok := s.pages[url]
	if !ok || s.fail[url] {
		return crawler.Page{}, errors.Join(crawler.ErrTransport, errors.New("404 "+url))
	}
	return crawler.Page{URL: url, FinalURL: url, StatusCode: 200, Body: body}, nil
}

func (s *stubFetcher) FetchPost(_ context.Context, url, body string) (crawler.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[url+"?"+body]++
	page := crawler.Page{URL: url, FinalURL: url + "?" + body, StatusCode: 200}
	if strings.Contains(body, "Incremento=%D3bitos") {
		page.Body = `<a href="/csv/A1.csv">csv</a>` + qualRef
	} else {
		page.Body = "<h1>  Nenhum   registro </h1><p>vazio</p>"
	}
	return page, nil
}

func (s *stubFetcher) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *stubFetcher) CallsWithPrefix(prefix string) (keys, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, n := range s.calls {
		if strings.HasPrefix(k, prefix) {
			keys++
			total += n
		}
	}
	return keys, total
}

type stubRenderer struct{}

func (stubRenderer) Render(cell crawler.Cell) ([]byte, error) {
	return []byte(cell.Value), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) count(stage progress.Stage) (n int, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Stage == stage {
			n++
			total += e.Count
		}
	}
	return n, total
}

func newDiscoverer(t *testing.T, fetcher crawler.Fetcher, emitter progress.Emitter, store *memory.Store) *Discoverer {
	t.Helper()
	d, err := New(Config{
		MaxLevel: 2,
		RunID:    progress.UUIDToBytes(uuid.New()),
	}, Deps{
		Fetcher:      fetcher,
		Forms:        form.New(form.Config{TimeFilterK: 1}),
		Parser:       table.NewParser(table.Options{}),
		Materializer: cells.New(stubRenderer{}, store, nil),
		Dispatcher:   dispatcher.New(dispatcher.Config{BatchSize: 1}, nil),
		Emitter:      emitter,
	})
	require.NoError(t, err)
	return d
}

func TestDiscoverWalksSite(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher()
	emitter := &recordingEmitter{}
	store := memory.NewStore()
	d := newDiscoverer(t, fetcher, emitter, store)

	res, err := d.Discover(context.Background(), site+"/index.htm")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"2011/A.1/a01_tb2_ce1.html",
		"2011/A.1/a_tb1_ce1.html",
	}, res.Paths)
	assert.Equal(t, 2, res.Reports)
	assert.Equal(t, 1, res.Failures)

	require.Len(t, res.Diagnostics, 2)
	assert.Equal(t, site+"/c.htm", res.Diagnostics[0].URL)
	assert.Equal(t, ReasonNoQualification, res.Diagnostics[0].Reason)
	assert.Equal(t, "Sem ficha", res.Diagnostics[0].Heading)
	assert.Equal(t, site+"/cgi/tabcgi.exe?idb2011/a01.def", res.Diagnostics[1].URL)
	assert.Contains(t, res.Diagnostics[1].Body, "Incremento=Popula%E7%E3o")
	assert.Equal(t, "Nenhum registro", res.Diagnostics[1].Heading)
	assert.Equal(t, ReasonNoCSV, res.Diagnostics[1].Reason)

	assert.Equal(t, 1, fetcher.Calls(site+"/a.htm"), "visited pages are fetched once")
	assert.Equal(t, 1, fetcher.Calls(site+"/deep.htm"))
	assert.Zero(t, fetcher.Calls(site+"/deeper.htm"), "pages past the max level are skipped")
	assert.Zero(t, fetcher.Calls(site+"/x.pdf"))

	body, ok := store.Get("2011/A.1/a_tb1_ce1.html")
	require.True(t, ok)
	assert.Equal(t, "10", string(body))

	n, total := emitter.count(progress.StageFormExpanded)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(2), total)
	n, _ = emitter.count(progress.StageReportParsed)
	assert.Equal(t, 2, n)
	n, _ = emitter.count(progress.StageReportFailed)
	assert.Equal(t, 1, n)
	n, total = emitter.count(progress.StageCellsWritten)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), total)
}

func TestDiscoverRootFailure(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher()
	fetcher.fail[site+"/index.htm"] = true
	_, err := newDiscoverer(t, fetcher, nil, memory.NewStore()).Discover(context.Background(), site+"/index.htm")
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrRootFetch)
}

func TestDiscoverAbandonsFailedBranches(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher()
	fetcher.fail[site+"/b.htm"] = true
	fetcher.fail[site+"/csv/A1.csv"] = true

	res, err := newDiscoverer(t, fetcher, nil, memory.NewStore()).Discover(context.Background(), site+"/index.htm")
	require.NoError(t, err)
	assert.Empty(t, res.Paths)
	assert.Zero(t, res.Reports)
	// Two CSV fetch failures (a.htm and the matching form query) plus bad.csv.
	assert.Equal(t, 3, res.Failures)
	assert.Zero(t, fetcher.Calls(site+"/deep.htm"))
}

func TestDiscoverContinuesPastBrokenForm(t *testing.T) {
	t.Parallel()

	broken := make(map[string]string, len(pages))
	for k, v := range pages {
		broken[k] = v
	}
	broken[site+"/forms/idb.def"] = strings.Replace(pages[site+"/forms/idb.def"], `<label for="I">Conteúdo</label>`, "", 1)
	fetcher := newStubFetcher()
	fetcher.pages = broken

	res, err := newDiscoverer(t, fetcher, nil, memory.NewStore()).Discover(context.Background(), site+"/index.htm")
	require.NoError(t, err)
	assert.Equal(t, []string{"2011/A.1/a_tb1_ce1.html"}, res.Paths)
	assert.Equal(t, 1, res.Reports)
}

func TestDiscoverRepeatsPostQueries(t *testing.T) {
	t.Parallel()

	twin := make(map[string]string, len(pages)+1)
	for k, v := range pages {
		twin[k] = v
	}
	twin[site+"/index.htm"] = strings.Replace(pages[site+"/index.htm"], "</body>", `<a href="forms/twin.def">twin</a></body>`, 1)
	twin[site+"/forms/twin.def"] = pages[site+"/forms/idb.def"]
	fetcher := newStubFetcher()
	fetcher.pages = twin

	res, err := newDiscoverer(t, fetcher, nil, memory.NewStore()).Discover(context.Background(), site+"/index.htm")
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.Calls(site+"/forms/twin.def"))
	keys, total := fetcher.CallsWithPrefix(site + "/cgi/tabcgi.exe?idb2011/a01.def?")
	assert.Equal(t, 2, keys)
	assert.Equal(t, 4, total, "both forms post every combination")
	assert.Len(t, res.Diagnostics, 3)
}

func TestDiscoverCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newDiscoverer(t, newStubFetcher(), nil, memory.NewStore()).Discover(ctx, site+"/index.htm")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Paths)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)

	d, err := New(Config{}, Deps{
		Fetcher:      newStubFetcher(),
		Forms:        form.New(form.Config{}),
		Parser:       table.NewParser(table.Options{}),
		Materializer: cells.New(stubRenderer{}, memory.NewStore(), nil),
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxLevel, d.cfg.MaxLevel)
	assert.Equal(t, DefaultQualificationText, d.cfg.QualificationText)
}
