// Package table parses TabNet CSV exports into structured reports.
//
// The parser is a single-pass state machine over a row cursor. States run in
// a fixed order (title, subtitle, scope, header, data, sources, labels,
// notes) and each handler returns the state that follows it; no state ever
// moves the cursor backwards.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/JakeFAU/tabnet-cells/internal/crawler"
)

// SubtitlePolicy decides whether a report must carry a subtitle row.
type SubtitlePolicy string

// Supported subtitle policies.
const (
	SubtitleOptional SubtitlePolicy = "optional"
	SubtitleRequired SubtitlePolicy = "required"
)

// Section names used in parse errors.
const (
	SectionTitle    = "title"
	SectionSubtitle = "subtitle"
	SectionScope    = "scope"
	SectionHeader   = "header"
	SectionData     = "data"
	SectionSources  = "sources"
	SectionLabels   = "labels"
	SectionNotes    = "notes"
)

// Separator is the field delimiter of TabNet exports.
const Separator = ';'

// Markers are the literal prefixes TabNet writes in front of report sections.
type Markers struct {
	Period string
	Source string
	Label  string
	Note   string
}

// DefaultMarkers returns the markers used by TabNet exports.
func DefaultMarkers() Markers {
	return Markers{
		Period: "Período",
		Source: "Fonte",
		Label:  "Legenda",
		Note:   "Nota",
	}
}

// Options configures a Parser.
type Options struct {
	Subtitle SubtitlePolicy
	Markers  Markers
}

// ParseError reports a violated section precondition.
type ParseError struct {
	Section string
	Row     []string
	Reason  string
}

// Error implements error.
func (e *ParseError) Error() string {
	if e.Row == nil {
		return fmt.Sprintf("parse %s: %s", e.Section, e.Reason)
	}
	return fmt.Sprintf("parse %s: %s: [%s]", e.Section, e.Reason, strings.Join(e.Row, ";"))
}

// Is lets errors.Is(err, crawler.ErrParse) match any ParseError.
func (e *ParseError) Is(target error) bool {
	return target == crawler.ErrParse
}

var (
	colonDigit  = regexp.MustCompile(`:(\d)`)
	dotsOrStars = regexp.MustCompile(`^\s*[.*]+\s*$`)
)

// ReadRows decodes a semicolon-separated export. Ragged rows are allowed.
func ReadRows(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.Comma = Separator
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	var rows [][]string
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		rows = append(rows, rec)
	}
}

// Parser converts rows into a crawler.Report.
type Parser struct {
	opts Options
}

// NewParser builds a Parser, filling unset options with TabNet defaults.
func NewParser(opts Options) *Parser {
	def := DefaultMarkers()
	if opts.Subtitle == "" {
		opts.Subtitle = SubtitleOptional
	}
	if opts.Markers.Period == "" {
		opts.Markers.Period = def.Period
	}
	if opts.Markers.Source == "" {
		opts.Markers.Source = def.Source
	}
	if opts.Markers.Label == "" {
		opts.Markers.Label = def.Label
	}
	if opts.Markers.Note == "" {
		opts.Markers.Note = def.Note
	}
	return &Parser{opts: opts}
}

// Parse runs the state machine. On error no partial report is returned.
func (p *Parser) Parse(rows [][]string) (crawler.Report, error) {
	m := &machine{opts: p.opts, rows: rows}
	for state := m.title; state != nil; {
		next, err := state()
		if err != nil {
			return crawler.Report{}, err
		}
		state = next
	}
	return m.report, nil
}

// ParseReader reads and parses one export.
func (p *Parser) ParseReader(r io.Reader) (crawler.Report, error) {
	rows, err := ReadRows(r)
	if err != nil {
		return crawler.Report{}, fmt.Errorf("%w: %v", crawler.ErrParse, err)
	}
	return p.Parse(rows)
}

type stateFn func() (stateFn, error)

type machine struct {
	opts   Options
	rows   [][]string
	pos    int
	report crawler.Report
	obs    []bool
}

func (m *machine) peek() ([]string, bool) {
	if m.pos >= len(m.rows) {
		return nil, false
	}
	return m.rows[m.pos], true
}

func (m *machine) advance() {
	m.pos++
}

func field(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (m *machine) title() (stateFn, error) {
	row, ok := m.peek()
	if !ok {
		return nil, &ParseError{Section: SectionTitle, Reason: "no rows"}
	}
	m.advance()
	m.report.Title = field(row, 0)
	return m.subtitle, nil
}

func (m *machine) subtitle() (stateFn, error) {
	row, ok := m.peek()
	if !ok || strings.HasPrefix(field(row, 0), m.opts.Markers.Period) {
		if m.opts.Subtitle == SubtitleRequired {
			return nil, &ParseError{Section: SectionSubtitle, Row: row, Reason: "subtitle missing"}
		}
		return m.scope, nil
	}
	m.advance()
	m.report.Subtitle = field(row, 0)
	m.report.HasSubtitle = true
	return m.scope, nil
}

func (m *machine) scope() (stateFn, error) {
	for {
		row, ok := m.peek()
		if !ok {
			return nil, &ParseError{Section: SectionScope, Reason: "rows exhausted before header"}
		}
		if field(row, 1) != "" {
			return m.header, nil
		}
		m.report.Scope = append(m.report.Scope, colonDigit.ReplaceAllString(field(row, 0), ": $1"))
		m.advance()
	}
}

func (m *machine) header() (stateFn, error) {
	for {
		row, ok := m.peek()
		if !ok {
			return nil, &ParseError{Section: SectionHeader, Reason: "rows exhausted before row-axis label"}
		}
		if field(row, 1) == "" {
			return nil, &ParseError{Section: SectionHeader, Row: row, Reason: "invalid header"}
		}
		m.advance()
		for k := 1; k < len(row); k++ {
			if len(m.report.Header) < k {
				m.report.Header = append(m.report.Header, nil)
			}
			m.report.Header[k-1] = append(m.report.Header[k-1], field(row, k))
		}
		if label := field(row, 0); label != "" {
			m.report.RowHeader = label
			m.obs = obsColumns(m.report.Header)
			return m.data, nil
		}
	}
}

func (m *machine) data() (stateFn, error) {
	for {
		row, ok := m.peek()
		if !ok || field(row, 1) == "" {
			break
		}
		m.advance()
		m.report.RowLabels = append(m.report.RowLabels, field(row, 0))
		m.report.Data = append(m.report.Data, m.mergeObs(row[1:]))
	}
	if len(m.report.Data) == 0 {
		row, _ := m.peek()
		return nil, &ParseError{Section: SectionData, Row: row, Reason: "no data rows"}
	}
	return m.dropObs()
}

// mergeObs folds footnote markers sitting in an Obs column into the value to
// their left. The folded slot is left empty and removed later by dropObs.
func (m *machine) mergeObs(cells []string) []string {
	out := append([]string(nil), cells...)
	last := -1
	for j, v := range out {
		if j < len(m.obs) && m.obs[j] {
			if dotsOrStars.MatchString(v) && last >= 0 {
				out[last] += strings.TrimSpace(v)
				out[j] = ""
			}
			continue
		}
		last = j
	}
	return out
}

func (m *machine) dropObs() (stateFn, error) {
	keep := func(values [][]string) [][]string { return values }
	if containsTrue(m.obs) {
		header := make([][]string, 0, len(m.report.Header))
		for j, h := range m.report.Header {
			if !m.obs[j] {
				header = append(header, h)
			}
		}
		m.report.Header = header
		keep = func(values [][]string) [][]string {
			out := make([][]string, len(values))
			for i, row := range values {
				if len(row) != len(m.obs) {
					out[i] = row
					continue
				}
				kept := make([]string, 0, len(row))
				for j, v := range row {
					if !m.obs[j] {
						kept = append(kept, v)
					}
				}
				out[i] = kept
			}
			return out
		}
	}
	m.report.Data = keep(m.report.Data)
	for i, row := range m.report.Data {
		if len(row) != len(m.report.Header) {
			return nil, &ParseError{
				Section: SectionData,
				Row:     append([]string{m.report.RowLabels[i]}, row...),
				Reason:  fmt.Sprintf("row has %d values, header has %d columns", len(row), len(m.report.Header)),
			}
		}
	}
	return m.sources, nil
}

// skipTo advances past rows that carry none of the given section markers.
// It reports whether a row with one of the markers was found.
func (m *machine) skipTo(markers ...string) ([]string, bool) {
	for {
		row, ok := m.peek()
		if !ok {
			return nil, false
		}
		first := field(row, 0)
		for _, mk := range markers {
			if strings.HasPrefix(first, mk) {
				return row, true
			}
		}
		m.advance()
	}
}

func (m *machine) sources() (stateFn, error) {
	mk := m.opts.Markers
	row, ok := m.skipTo(mk.Source, mk.Label, mk.Note)
	if !ok || !strings.HasPrefix(field(row, 0), mk.Source) {
		return m.labels, nil
	}
	m.report.Sources = m.sentences(mk.Source, mk.Label, mk.Note)
	return m.labels, nil
}

func (m *machine) labels() (stateFn, error) {
	mk := m.opts.Markers
	row, ok := m.skipTo(mk.Label, mk.Note)
	if !ok || !strings.HasPrefix(field(row, 0), mk.Label) {
		return m.notes, nil
	}
	var entries []string
	first := true
	for {
		row, ok := m.peek()
		if !ok {
			break
		}
		text := joinFields(row)
		if first {
			text = afterMarker(text, mk.Label)
			first = false
		} else if strings.HasPrefix(field(row, 0), mk.Note) {
			break
		}
		m.advance()
		switch {
		case text == "":
		case strings.HasPrefix(text, "*") || len(entries) == 0:
			entries = append(entries, text)
		default:
			entries[len(entries)-1] += " " + text
		}
	}
	m.report.Labels = entries
	return m.notes, nil
}

func (m *machine) notes() (stateFn, error) {
	if _, ok := m.skipTo(m.opts.Markers.Note); !ok {
		return nil, nil
	}
	m.report.Notes = m.sentences(m.opts.Markers.Note)
	return nil, nil
}

// sentences consumes the current marker row and its continuation rows,
// joining trimmed fields with single spaces. A field ending in a period
// closes the current sentence. It stops before any row starting with one of
// the stop markers.
func (m *machine) sentences(marker string, stop ...string) []string {
	var (
		out []string
		acc []string
	)
	flush := func() {
		if len(acc) > 0 {
			out = append(out, strings.Join(acc, " "))
			acc = acc[:0]
		}
	}
	first := true
	for {
		row, ok := m.peek()
		if !ok {
			break
		}
		if !first && hasAnyPrefix(field(row, 0), stop) {
			break
		}
		m.advance()
		for i := range row {
			text := field(row, i)
			if first && i == 0 {
				text = afterMarker(text, marker)
			}
			if text == "" {
				continue
			}
			acc = append(acc, text)
			if strings.HasSuffix(text, ".") {
				flush()
			}
		}
		first = false
	}
	flush()
	return out
}

// afterMarker drops the section marker and its colon: "Fonte: IBGE" -> "IBGE".
func afterMarker(text, marker string) string {
	if i := strings.Index(text, ":"); i >= 0 {
		return strings.TrimSpace(text[i+1:])
	}
	return strings.TrimSpace(strings.TrimPrefix(text, marker))
}

func joinFields(row []string) string {
	parts := make([]string, 0, len(row))
	for i := range row {
		if v := field(row, i); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func obsColumns(header [][]string) []bool {
	obs := make([]bool, len(header))
	for j, tuple := range header {
		for _, h := range tuple {
			if strings.EqualFold(strings.TrimRight(strings.TrimSpace(h), "."), "obs") {
				obs[j] = true
				break
			}
		}
	}
	return obs
}

func containsTrue(values []bool) bool {
	for _, v := range values {
		if v {
			return true
		}
	}
	return false
}
