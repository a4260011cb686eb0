// Package discovery walks a TabNet site from a root page, expands filter
// forms into concrete queries and hands every CSV export it reaches to the
// parser and the cell materializer.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabnet-cells/internal/clock/system"
	"github.com/JakeFAU/tabnet-cells/internal/crawler"
	"github.com/JakeFAU/tabnet-cells/internal/dispatcher"
	"github.com/JakeFAU/tabnet-cells/internal/metrics"
	"github.com/JakeFAU/tabnet-cells/internal/progress"
	"github.com/JakeFAU/tabnet-cells/internal/table"
)

// Defaults applied by New.
const (
	DefaultMaxLevel          = 2
	DefaultQualificationText = "Ficha de qualificação"
)

// Diagnostic reasons.
const (
	ReasonNoCSV           = "no csv export"
	ReasonNoQualification = "csv export without qualification record"
)

const (
	headingSelector = "h1, h2, h3, h4, h5, h6"
	formSuffix      = ".def"
	csvSuffix       = ".csv"
	htmlSuffix      = ".html"
	htmSuffix       = ".htm"

	reportOutcomeParsed = "parsed"
	reportOutcomeFailed = "failed"
)

// FormExpander turns a filter-form page into request descriptors.
type FormExpander interface {
	Expand(page crawler.Page) ([]crawler.RequestDescriptor, error)
}

// ReportParser parses a CSV export.
type ReportParser interface {
	ParseReader(r io.Reader) (crawler.Report, error)
}

// Materializer persists the cells of a parsed report.
type Materializer interface {
	Materialize(ctx context.Context, report crawler.Report, prov crawler.Provenance, tableSeq int64) ([]string, error)
}

// Config controls a traversal.
type Config struct {
	// MaxLevel bounds link depth. Form queries always run at MaxLevel.
	MaxLevel int
	// QualificationText identifies the qualification-record anchor.
	QualificationText string
	// RunID tags emitted progress events.
	RunID [16]byte
}

// Deps are the collaborators of a Discoverer. Emitter, Clock and Logger are optional.
type Deps struct {
	Fetcher      crawler.Fetcher
	Forms        FormExpander
	Parser       ReportParser
	Materializer Materializer
	Dispatcher   *dispatcher.Dispatcher
	Emitter      progress.Emitter
	Clock        crawler.Clock
	Logger       *zap.Logger
}

// Diagnostic records a page that yielded no table.
type Diagnostic struct {
	URL     string `json:"url"`
	Body    string `json:"body,omitempty"`
	Heading string `json:"heading,omitempty"`
	Reason  string `json:"reason"`
}

// Result aggregates one traversal.
type Result struct {
	// Paths lists every artifact written, sorted.
	Paths       []string
	Reports     int
	Failures    int
	Diagnostics []Diagnostic
}

// Discoverer runs traversals. It holds no per-run state, so one value may
// serve consecutive runs.
type Discoverer struct {
	cfg  Config
	deps Deps
}

// New validates deps and builds a Discoverer.
func New(cfg Config, deps Deps) (*Discoverer, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("discovery: fetcher is required")
	case deps.Forms == nil:
		return nil, errors.New("discovery: form expander is required")
	case deps.Parser == nil:
		return nil, errors.New("discovery: parser is required")
	case deps.Materializer == nil:
		return nil, errors.New("discovery: materializer is required")
	}
	if cfg.MaxLevel <= 0 {
		cfg.MaxLevel = DefaultMaxLevel
	}
	if strings.TrimSpace(cfg.QualificationText) == "" {
		cfg.QualificationText = DefaultQualificationText
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatcher.New(dispatcher.Config{}, deps.Logger)
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Discoverer{cfg: cfg, deps: deps}, nil
}

type frontierItem struct {
	desc  crawler.RequestDescriptor
	depth int
	form  bool
}

// run is the state of one traversal.
type run struct {
	*Discoverer
	visited  *crawler.VisitedSet
	paths    *crawler.PathSet
	tableSeq atomic.Int64
	reports  atomic.Int64
	failures atomic.Int64

	diagMu sync.Mutex
	diags  []Diagnostic
}

// Discover traverses the site from rootURL. Only a failure to fetch the root
// page is returned as an error; every other failure is logged and its branch
// abandoned. On cancellation the partial result is returned with ctx's error.
func (d *Discoverer) Discover(ctx context.Context, rootURL string) (Result, error) {
	normalized, err := crawler.NormalizeURL(rootURL)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", crawler.ErrRootFetch, err)
	}
	r := &run{
		Discoverer: d,
		visited:    crawler.NewVisitedSet(),
		paths:      crawler.NewPathSet(),
	}

	root := frontierItem{
		desc: crawler.RequestDescriptor{URL: normalized},
		form: isForm(normalized),
	}
	r.visited.MarkIfNew(crawler.VisitKey{URL: normalized})
	rootPage, err := r.fetch(ctx, root.desc)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", crawler.ErrRootFetch, normalized, err)
	}

	var stack []frontierItem
	if err := r.handle(ctx, root, rootPage, &stack); err != nil {
		r.logBranch("root page failed", root, err)
	}

	for len(stack) > 0 {
		metrics.SetFrontierDepth(len(stack))
		if err := ctx.Err(); err != nil {
			return r.result(), fmt.Errorf("discovery canceled: %w", err)
		}
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if item.depth > d.cfg.MaxLevel {
			continue
		}
		// POST descriptors are never deduplicated.
		if !item.desc.HasBody() && !r.visited.MarkIfNew(crawler.VisitKey{URL: item.desc.URL}) {
			continue
		}
		page, err := r.fetch(ctx, item.desc)
		if err != nil {
			r.logBranch("fetch failed", item, err)
			continue
		}
		if err := r.handle(ctx, item, page, &stack); err != nil {
			r.logBranch("page failed", item, err)
		}
	}
	metrics.SetFrontierDepth(0)
	if err := ctx.Err(); err != nil {
		return r.result(), fmt.Errorf("discovery canceled: %w", err)
	}
	return r.result(), nil
}

func (r *run) result() Result {
	r.diagMu.Lock()
	diags := append([]Diagnostic(nil), r.diags...)
	r.diagMu.Unlock()
	sort.SliceStable(diags, func(i, j int) bool {
		if diags[i].URL != diags[j].URL {
			return diags[i].URL < diags[j].URL
		}
		return diags[i].Body < diags[j].Body
	})
	return Result{
		Paths:       r.paths.Sorted(),
		Reports:     int(r.reports.Load()),
		Failures:    int(r.failures.Load()),
		Diagnostics: diags,
	}
}

// handle dispatches a fetched page to the form, table or navigation case.
// Navigation targets are pushed onto stack.
func (r *run) handle(ctx context.Context, item frontierItem, page crawler.Page, stack *[]frontierItem) error {
	if item.form {
		return r.expandForm(ctx, item, page)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.Body))
	if err != nil {
		return fmt.Errorf("%w: parse page: %v", crawler.ErrMarkup, err)
	}
	base := pageBase(page, item.desc)

	csvURL, qualURL := r.findExports(doc, base)
	switch {
	case csvURL != "" && qualURL == "":
		r.diagnose(item, doc, ReasonNoQualification)
		return nil
	case csvURL != "":
		r.processReport(ctx, item, csvURL, qualURL)
		return nil
	case item.desc.HasBody():
		r.diagnose(item, doc, ReasonNoCSV)
		return nil
	}

	// Pushed in reverse so that links are visited in document order.
	links := outboundLinks(doc, base)
	for i := len(links) - 1; i >= 0; i-- {
		link := links[i]
		lower := strings.ToLower(link)
		switch {
		case strings.HasSuffix(lower, formSuffix):
			*stack = append(*stack, frontierItem{desc: crawler.RequestDescriptor{URL: link}, depth: item.depth, form: true})
		case strings.HasSuffix(lower, htmlSuffix), strings.HasSuffix(lower, htmSuffix):
			*stack = append(*stack, frontierItem{desc: crawler.RequestDescriptor{URL: link}, depth: item.depth + 1})
		}
	}
	return nil
}

// expandForm runs every query of a filter form at MaxLevel, in batches.
func (r *run) expandForm(ctx context.Context, item frontierItem, page crawler.Page) error {
	descs, err := r.deps.Forms.Expand(page)
	if err != nil {
		return err
	}
	r.emit(progress.Event{Stage: progress.StageFormExpanded, URL: item.desc.URL, Count: int64(len(descs))})
	r.deps.Logger.Info("form expanded",
		zap.String("url", item.desc.URL),
		zap.Int("descriptors", len(descs)),
	)

	stats, err := r.deps.Dispatcher.Run(ctx, len(descs), func(ctx context.Context, i int) error {
		query := frontierItem{desc: descs[i], depth: r.cfg.MaxLevel}
		page, err := r.fetch(ctx, query.desc)
		if err != nil {
			return fmt.Errorf("fetch %s body %q: %w", query.desc.URL, query.desc.Body, err)
		}
		// Query pages never push: they are either tables or diagnostics.
		var discard []frontierItem
		return r.handle(ctx, query, page, &discard)
	})
	r.deps.Logger.Debug("form queries finished",
		zap.String("url", item.desc.URL),
		zap.Int("batches", stats.Batches),
		zap.Int("failed", stats.Failed),
	)
	if err != nil {
		return fmt.Errorf("form queries: %w", err)
	}
	return nil
}

// processReport fetches, parses and materializes one CSV export. Failures
// are logged and counted; they never abort the traversal.
func (r *run) processReport(ctx context.Context, item frontierItem, csvURL, qualURL string) {
	prov := crawler.Provenance{
		FatherURL:        item.desc.URL,
		FatherParams:     item.desc.Body,
		CSVURL:           csvURL,
		QualificationURL: qualURL,
		Options:          append([]crawler.Option(nil), item.desc.Options...),
	}
	logger := r.deps.Logger.With(zap.String("url", item.desc.URL), zap.String("csv_url", csvURL))

	csvPage, err := r.fetch(ctx, crawler.RequestDescriptor{URL: csvURL})
	if err != nil {
		logger.Warn("csv fetch failed", zap.String("body", item.desc.Body), zap.Error(err))
		r.reportFailed(csvURL, err)
		return
	}

	report, err := r.deps.Parser.ParseReader(strings.NewReader(csvPage.Body))
	if err != nil {
		fields := []zap.Field{zap.Error(err)}
		var perr *table.ParseError
		if errors.As(err, &perr) {
			fields = append(fields, zap.String("section", perr.Section), zap.Strings("row", perr.Row))
		}
		logger.Warn("csv parse failed", fields...)
		r.reportFailed(csvURL, err)
		return
	}

	seq := r.tableSeq.Add(1)
	metrics.ObserveReport(reportOutcomeParsed)
	r.emit(progress.Event{Stage: progress.StageReportParsed, URL: csvURL, TableSeq: seq})

	written, err := r.deps.Materializer.Materialize(ctx, report, prov, seq)
	r.paths.Add(written...)
	if err != nil {
		logger.Warn("materialize failed", zap.Int64("table_seq", seq), zap.Error(err))
		r.reportFailed(csvURL, err)
		return
	}
	r.reports.Add(1)
	metrics.AddCellsWritten(len(written))
	r.emit(progress.Event{Stage: progress.StageCellsWritten, URL: csvURL, TableSeq: seq, Count: int64(len(written))})
	logger.Debug("report materialized", zap.Int64("table_seq", seq), zap.Int("cells", len(written)))
}

func (r *run) reportFailed(csvURL string, err error) {
	r.failures.Add(1)
	metrics.ObserveReport(reportOutcomeFailed)
	r.emit(progress.Event{Stage: progress.StageReportFailed, URL: csvURL, Note: err.Error()})
}

func (r *run) fetch(ctx context.Context, desc crawler.RequestDescriptor) (crawler.Page, error) {
	var (
		page   crawler.Page
		err    error
		method = "GET"
	)
	if desc.HasBody() {
		method = "POST"
		page, err = r.deps.Fetcher.FetchPost(ctx, desc.URL, desc.Body)
	} else {
		page, err = r.deps.Fetcher.Fetch(ctx, desc.URL)
	}
	if err != nil {
		return crawler.Page{}, err
	}
	r.emit(progress.Event{
		Stage:       progress.StagePageFetched,
		URL:         desc.URL,
		Method:      method,
		StatusClass: progress.ClassifyStatus(page.StatusCode),
		Bytes:       int64(len(page.Body)),
		Dur:         page.Duration,
	})
	return page, nil
}

func (r *run) findExports(doc *goquery.Document, base string) (csvURL, qualURL string) {
	needle := strings.ToLower(r.cfg.QualificationText)
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if csvURL == "" && strings.HasSuffix(strings.ToLower(href), csvSuffix) {
			if resolved, err := crawler.ResolveURL(base, href); err == nil {
				csvURL = resolved
			}
		}
		if qualURL == "" && strings.Contains(strings.ToLower(a.Text()), needle) {
			if resolved, err := crawler.ResolveURL(base, href); err == nil {
				qualURL = resolved
			}
		}
		return csvURL == "" || qualURL == ""
	})
	return csvURL, qualURL
}

func (r *run) diagnose(item frontierItem, doc *goquery.Document, reason string) {
	heading := strings.Join(strings.Fields(doc.Find(headingSelector).First().Text()), " ")
	r.diagMu.Lock()
	r.diags = append(r.diags, Diagnostic{
		URL:     item.desc.URL,
		Body:    item.desc.Body,
		Heading: heading,
		Reason:  reason,
	})
	r.diagMu.Unlock()
	r.deps.Logger.Info("page yielded no table",
		zap.String("url", item.desc.URL),
		zap.String("body", item.desc.Body),
		zap.String("heading", heading),
		zap.String("reason", reason),
	)
}

func (r *run) logBranch(msg string, item frontierItem, err error) {
	r.deps.Logger.Warn(msg,
		zap.String("url", item.desc.URL),
		zap.String("body", item.desc.Body),
		zap.Int("depth", item.depth),
		zap.Error(err),
	)
}

func (r *run) emit(evt progress.Event) {
	evt.RunID = r.cfg.RunID
	evt.TS = r.deps.Clock.Now()
	r.deps.Emitter.Emit(evt)
}

// outboundLinks returns the resolved, fragment-free targets of a[href] in
// document order.
func outboundLinks(doc *goquery.Document, base string) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return
		}
		resolved, err := crawler.ResolveURL(base, href)
		if err != nil {
			return
		}
		links = append(links, resolved)
	})
	return links
}

func pageBase(page crawler.Page, desc crawler.RequestDescriptor) string {
	if page.FinalURL != "" && !desc.HasBody() {
		return page.FinalURL
	}
	return desc.URL
}

func isForm(rawURL string) bool {
	return strings.HasSuffix(strings.ToLower(rawURL), formSuffix)
}
