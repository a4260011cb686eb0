// Package cells turns parsed reports into one persisted artifact per data point.
package cells

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabnet-cells/internal/crawler"
)

var (
	// sentinel matches suppressed or missing values: whitespace, dots and stars only.
	sentinel = regexp.MustCompile(`^[\s.*]*$`)
	// valueNoise is stripped from values: thousand-separating spaces and plus signs.
	valueNoise = regexp.MustCompile(`( +|\+)`)
	// qualificationRef extracts the record id and edition from a ficha URL.
	qualificationRef = regexp.MustCompile(`\?node=([^&]+)&lang=\w+&version=([^\s&]+)`)
)

// Materializer renders and stores report cells.
type Materializer struct {
	renderer crawler.Renderer
	store    crawler.ArtifactStore
	logger   *zap.Logger
}

// New builds a Materializer.
func New(renderer crawler.Renderer, store crawler.ArtifactStore, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{
		renderer: renderer,
		store:    store,
		logger:   logger,
	}
}

// Materialize writes one artifact per non-sentinel cell of report and returns
// the relative paths written. A failure on one cell is logged and does not
// stop its siblings; an unusable qualification URL fails the whole report.
func (m *Materializer) Materialize(
	ctx context.Context,
	report crawler.Report,
	prov crawler.Provenance,
	tableSeq int64,
) ([]string, error) {
	dir, err := OutputDir(prov.QualificationURL)
	if err != nil {
		return nil, err
	}
	base := crawler.SourceBaseName(prov.FatherURL)

	cells := BuildCells(report, prov)
	paths := make([]string, 0, len(cells))
	for _, cell := range cells {
		if err := ctx.Err(); err != nil {
			return paths, fmt.Errorf("materialize canceled: %w", err)
		}
		rel := path.Join(dir, fmt.Sprintf("%s_tb%d_ce%d.html", base, tableSeq, cell.Index))
		written, err := m.write(ctx, rel, cell)
		if err != nil {
			m.logger.Error("cell write failed",
				zap.String("path", rel),
				zap.String("csv_url", prov.CSVURL),
				zap.Int("cell", cell.Index),
				zap.Error(err),
			)
			continue
		}
		paths = append(paths, written)
	}
	return paths, nil
}

func (m *Materializer) write(ctx context.Context, rel string, cell crawler.Cell) (string, error) {
	data, err := m.renderer.Render(cell)
	if err != nil {
		return "", fmt.Errorf("%w: render cell %d: %v", crawler.ErrMaterialize, cell.Index, err)
	}
	written, err := m.store.Create(ctx, rel, data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", crawler.ErrMaterialize, err)
	}
	return written, nil
}

// BuildCells cross-products report rows and header columns in row-major
// order. Sentinel values are skipped and do not consume an index.
func BuildCells(report crawler.Report, prov crawler.Provenance) []crawler.Cell {
	var out []crawler.Cell
	idx := 0
	for i, row := range report.RowLabels {
		if i >= len(report.Data) {
			break
		}
		values := report.Data[i]
		for j, header := range report.Header {
			if j >= len(values) {
				break
			}
			raw := values[j]
			if IsSentinel(raw) {
				continue
			}
			idx++
			out = append(out, crawler.Cell{
				Index:      idx,
				Header:     append([]string(nil), header...),
				RowHeader:  report.RowHeader,
				Row:        row,
				Value:      NormalizeValue(raw),
				RawValue:   raw,
				Title:      report.Title,
				Subtitle:   report.Subtitle,
				Scope:      report.Scope,
				Sources:    report.Sources,
				Labels:     ApplicableLabels(raw, report.Labels),
				Notes:      report.Notes,
				Provenance: prov,
			})
		}
	}
	return out
}

// IsSentinel reports whether a value is a "no data" marker.
func IsSentinel(value string) bool {
	return sentinel.MatchString(value)
}

// NormalizeValue strips spaces and plus signs: "1 234" and "1+234" become "1234".
func NormalizeValue(value string) string {
	return valueNoise.ReplaceAllString(strings.TrimSpace(value), "")
}

// ApplicableLabels returns the labels whose leading asterisk count equals the
// number of asterisks trailing value. No trailing asterisks means no labels.
func ApplicableLabels(value string, labels []string) []string {
	n := countTrailing(strings.TrimSpace(value), '*')
	if n == 0 {
		return nil
	}
	var out []string
	for _, l := range labels {
		if countLeading(strings.TrimSpace(l), '*') == n {
			out = append(out, l)
		}
	}
	return out
}

// OutputDir derives "<edition>/<qualRecId>" from a qualification record URL.
func OutputDir(qualificationURL string) (string, error) {
	m := qualificationRef.FindStringSubmatch(qualificationURL)
	if m == nil {
		return "", fmt.Errorf("%w: qualification url %q has no node/version", crawler.ErrMaterialize, qualificationURL)
	}
	return path.Join(crawler.SafePathSegment(m[2]), crawler.SafePathSegment(m[1])), nil
}

func countTrailing(s string, c byte) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == c; i-- {
		n++
	}
	return n
}

func countLeading(s string, c byte) int {
	n := 0
	for n < len(s) && s[n] == c {
		n++
	}
	return n
}
