// Package form expands TabNet filter-form pages into concrete POST requests.
package form

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/JakeFAU/tabnet-cells/internal/crawler"
)

// Fixed field identifiers of the four canonical axes.
const (
	RowAxisID     = "L"
	ColumnAxisID  = "C"
	ContentAxisID = "I"
	TimeAxisID    = "A"
)

// Values submitted for axes that are not enumerated.
const (
	ColumnSentinel = "--Não-Ativa--"
	AllCategories  = "TODAS_AS_CATEGORIAS__"
)

// DefaultTimeFilterK is how many time options are kept when unset.
const DefaultTimeFilterK = 3

// Row options that describe table layout rather than content.
var reservedRowOptions = map[string]struct{}{
	"Região_e_Unidade_da_Federação": {},
	"Ano":                           {},
}

// timeBucket matches keys like "a91" or "popbr11.dbf"; group 1 is the decade digit.
var timeBucket = regexp.MustCompile(`^\D+([9012])\d+(?:\.\w+)?$`)

// bucketRank orders decades newest first: 2x, 1x, 0x, 9x.
var bucketRank = map[byte]int{'2': 0, '1': 1, '0': 2, '9': 3}

// Config controls expansion.
type Config struct {
	// TimeFilterK caps the number of time-axis options per form.
	TimeFilterK int
}

// Combinator expands filter-form pages.
type Combinator struct {
	cfg Config
}

// New builds a Combinator.
func New(cfg Config) *Combinator {
	if cfg.TimeFilterK <= 0 {
		cfg.TimeFilterK = DefaultTimeFilterK
	}
	return &Combinator{cfg: cfg}
}

// Expand returns one descriptor per row × content × selected-time combination.
// Every descriptor pins the column axis to ColumnSentinel and every other
// field to AllCategories. Missing attributes or form target fail the page.
func (c *Combinator) Expand(page crawler.Page) ([]crawler.RequestDescriptor, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse form page: %w", err)
	}
	fields, err := ExtractFields(doc)
	if err != nil {
		return nil, err
	}
	target, err := FormTarget(doc)
	if err != nil {
		return nil, err
	}
	base := page.FinalURL
	if base == "" {
		base = page.URL
	}
	targetURL, err := crawler.ResolveURL(base, target)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve form target: %v", crawler.ErrMarkup, err)
	}

	axes := make(map[string]crawler.SelectableField, 4)
	var others []crawler.SelectableField
	for _, f := range fields {
		switch f.ID {
		case RowAxisID, ColumnAxisID, ContentAxisID, TimeAxisID:
			axes[f.ID] = f
		default:
			others = append(others, f)
		}
	}
	for _, id := range []string{RowAxisID, ColumnAxisID, ContentAxisID, TimeAxisID} {
		if _, ok := axes[id]; !ok {
			return nil, fmt.Errorf("%w: select %q not found", crawler.ErrMarkup, id)
		}
	}

	row, column, content, tm := axes[RowAxisID], axes[ColumnAxisID], axes[ContentAxisID], axes[TimeAxisID]
	rowOpts := withoutReserved(row.Options)
	timeOpts := SelectTimeOptions(tm.Options, c.cfg.TimeFilterK)

	out := make([]crawler.RequestDescriptor, 0, len(rowOpts)*len(content.Options)*len(timeOpts))
	for _, r := range rowOpts {
		for _, ct := range content.Options {
			for _, ti := range timeOpts {
				pairs := []pair{
					{row.Name, r.Value},
					{column.Name, ColumnSentinel},
					{content.Name, ct.Value},
					{tm.Name, ti.Value},
				}
				for _, o := range others {
					pairs = append(pairs, pair{o.Name, AllCategories})
				}
				body, err := encodeBody(pairs)
				if err != nil {
					return nil, err
				}
				out = append(out, crawler.RequestDescriptor{
					URL:  targetURL,
					Body: body,
					Options: []crawler.Option{
						{Label: row.Label, Value: r.Label},
						{Label: content.Label, Value: ct.Label},
						{Label: tm.Label, Value: ti.Label},
					},
				})
			}
		}
	}
	return out, nil
}

// ExtractFields reads every select control with its id, name, label and options.
func ExtractFields(doc *goquery.Document) ([]crawler.SelectableField, error) {
	var (
		fields []crawler.SelectableField
		err    error
	)
	doc.Find("select").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		id := strings.TrimSpace(sel.AttrOr("id", ""))
		if id == "" {
			err = fmt.Errorf("%w: select without id attribute", crawler.ErrMarkup)
			return false
		}
		name := strings.TrimSpace(sel.AttrOr("name", ""))
		if name == "" {
			err = fmt.Errorf("%w: select %q without name attribute", crawler.ErrMarkup, id)
			return false
		}
		label := fieldLabel(doc, id)
		if label == "" {
			err = fmt.Errorf("%w: select %q without label", crawler.ErrMarkup, id)
			return false
		}
		field := crawler.SelectableField{ID: id, Name: name, Label: label}
		sel.Find("option").Each(func(_ int, opt *goquery.Selection) {
			value, ok := opt.Attr("value")
			value = strings.TrimSpace(value)
			if !ok || value == "" {
				return
			}
			text := collapseSpace(opt.Text())
			if text == "" {
				text = value
			}
			field.Options = append(field.Options, crawler.FieldOption{Value: value, Label: text})
		})
		fields = append(fields, field)
		return true
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// FormTarget returns the action of the first form, minus one trailing slash.
func FormTarget(doc *goquery.Document) (string, error) {
	action := ""
	doc.Find("form").EachWithBreak(func(_ int, f *goquery.Selection) bool {
		action = strings.TrimSpace(f.AttrOr("action", ""))
		return action == ""
	})
	if action == "" {
		return "", fmt.Errorf("%w: form target (action) not found", crawler.ErrMarkup)
	}
	return strings.TrimSuffix(action, "/"), nil
}

// SelectTimeOptions keeps at most k options whose keys fall in a decade
// bucket, newest bucket first and descending key within a bucket.
func SelectTimeOptions(opts []crawler.FieldOption, k int) []crawler.FieldOption {
	type ranked struct {
		opt  crawler.FieldOption
		rank int
	}
	candidates := make([]ranked, 0, len(opts))
	seen := make(map[string]struct{}, len(opts))
	for _, o := range opts {
		m := timeBucket.FindStringSubmatch(o.Value)
		if m == nil {
			continue
		}
		if _, dup := seen[o.Value]; dup {
			continue
		}
		seen[o.Value] = struct{}{}
		candidates = append(candidates, ranked{opt: o, rank: bucketRank[m[1][0]]})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		return candidates[i].opt.Value > candidates[j].opt.Value
	})
	if k > len(candidates) {
		k = len(candidates)
	}
	if k < 0 {
		k = 0
	}
	out := make([]crawler.FieldOption, 0, k)
	for _, c := range candidates[:k] {
		out = append(out, c.opt)
	}
	return out
}

type pair struct {
	key   string
	value string
}

// encodeBody builds an ISO-8859-1 form-urlencoded body in field order.
func encodeBody(pairs []pair) (string, error) {
	enc := encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder())
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		k, err := enc.String(p.key)
		if err != nil {
			return "", fmt.Errorf("encode field %q: %w", p.key, err)
		}
		v, err := enc.String(p.value)
		if err != nil {
			return "", fmt.Errorf("encode value %q: %w", p.value, err)
		}
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}
	return strings.Join(parts, "&"), nil
}

func withoutReserved(opts []crawler.FieldOption) []crawler.FieldOption {
	out := make([]crawler.FieldOption, 0, len(opts))
	for _, o := range opts {
		if _, reserved := reservedRowOptions[o.Value]; reserved {
			continue
		}
		out = append(out, o)
	}
	return out
}

func fieldLabel(doc *goquery.Document, id string) string {
	label := doc.Find("label").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.TrimSpace(s.AttrOr("for", "")) == id
	}).First()
	return strings.TrimSpace(strings.TrimSuffix(collapseSpace(label.Text()), ":"))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
