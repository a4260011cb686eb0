// Package render turns a single cell into a standalone HTML document.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/JakeFAU/tabnet-cells/internal/crawler"
)

//go:embed templates/cell.html.tmpl
var templates embed.FS

const defaultTemplate = "templates/cell.html.tmpl"

// numeric matches a TabNet number with an optional decimal comma and
// trailing label asterisks.
var numeric = regexp.MustCompile(`^(-?\d+)(?:,(\d+))?(\**)$`)

// Options configures a Renderer.
type Options struct {
	// TemplatePath overrides the embedded template when set.
	TemplatePath string
	// Language tags number formatting. Defaults to Brazilian Portuguese.
	Language language.Tag
}

// Renderer implements crawler.Renderer with html/template.
type Renderer struct {
	tmpl    *template.Template
	printer *message.Printer
}

type view struct {
	Title            string
	Subtitle         string
	Scope            []string
	RowHeader        string
	Header           string
	Row              string
	Value            string
	Sources          []string
	Labels           []string
	Notes            []string
	Options          []crawler.Option
	FatherURL        string
	CSVURL           string
	QualificationURL string
}

// New parses the template and builds a Renderer.
func New(opts Options) (*Renderer, error) {
	var (
		tmpl *template.Template
		err  error
	)
	if opts.TemplatePath != "" {
		tmpl, err = template.New(filepath.Base(opts.TemplatePath)).ParseFiles(opts.TemplatePath)
	} else {
		tmpl, err = template.ParseFS(templates, defaultTemplate)
	}
	if err != nil {
		return nil, fmt.Errorf("parse cell template: %w", err)
	}
	tag := opts.Language
	if tag == language.Und {
		tag = language.BrazilianPortuguese
	}
	return &Renderer{tmpl: tmpl, printer: message.NewPrinter(tag)}, nil
}

// Render executes the template for one cell.
func (r *Renderer) Render(cell crawler.Cell) ([]byte, error) {
	header := make([]string, 0, len(cell.Header))
	for _, h := range cell.Header {
		if h = strings.TrimSpace(h); h != "" {
			header = append(header, h)
		}
	}
	v := view{
		Title:            cell.Title,
		Subtitle:         cell.Subtitle,
		Scope:            cell.Scope,
		RowHeader:        cell.RowHeader,
		Header:           strings.Join(header, " / "),
		Row:              cell.Row,
		Value:            r.FormatValue(cell.Value),
		Sources:          cell.Sources,
		Labels:           cell.Labels,
		Notes:            cell.Notes,
		Options:          cell.Provenance.Options,
		FatherURL:        fatherLink(cell.Provenance),
		CSVURL:           cell.Provenance.CSVURL,
		QualificationURL: cell.Provenance.QualificationURL,
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("execute cell template: %w", err)
	}
	return buf.Bytes(), nil
}

// FormatValue renders numbers with locale grouping and decimal separators,
// keeping any label asterisks. Anything else is returned unchanged.
func (r *Renderer) FormatValue(value string) string {
	m := numeric.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	literal := m[1]
	scale := 0
	if m[2] != "" {
		literal += "." + m[2]
		scale = len(m[2])
	}
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return value
	}
	return r.printer.Sprint(number.Decimal(f, number.Scale(scale))) + m[3]
}

func fatherLink(prov crawler.Provenance) string {
	if prov.FatherParams == "" {
		return prov.FatherURL
	}
	return prov.FatherURL + "?" + prov.FatherParams
}
