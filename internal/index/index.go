// Package index writes the run listings: index.html for browsing the cell
// artifacts and index.md with a run summary.
package index

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"
)

// File names written at the output root.
const (
	HTMLName     = "index.html"
	MarkdownName = "index.md"
)

const htmlTemplate = `<!DOCTYPE html>
<html lang="pt-BR">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{- range .Groups}}
<h2>{{.Edition}} / {{.Record}}</h2>
<ul>
{{- range .Paths}}
<li><a href="{{.}}">{{base .}}</a></li>
{{- end}}
</ul>
{{- end}}
</body>
</html>
`

var pageTmpl = template.Must(template.New(HTMLName).Funcs(template.FuncMap{"base": path.Base}).Parse(htmlTemplate))

// FileWriter overwrites a file under the output root.
type FileWriter interface {
	WriteFile(relPath string, data []byte) (string, error)
}

// Diagnostic is a page that produced no table.
type Diagnostic struct {
	URL     string
	Body    string
	Heading string
	Reason  string
}

// Listing is everything the index files show.
type Listing struct {
	Title       string
	RunID       string
	Root        string
	GeneratedAt time.Time
	Elapsed     string
	Reports     int
	Failures    int
	Paths       []string
	Diagnostics []Diagnostic
}

// Group is the set of artifacts under one <edition>/<record> directory.
type Group struct {
	Edition string
	Record  string
	Paths   []string
}

// Writer renders listings through a FileWriter.
type Writer struct {
	files FileWriter
}

// New builds a Writer.
func New(files FileWriter) *Writer {
	return &Writer{files: files}
}

// Write renders both index files and returns their paths.
func (w *Writer) Write(ctx context.Context, l Listing) ([]string, error) {
	if strings.TrimSpace(l.Title) == "" {
		l.Title = "TabNet cells"
	}
	groups := Groups(l.Paths)

	var htmlBuf bytes.Buffer
	if err := pageTmpl.Execute(&htmlBuf, struct {
		Title  string
		Groups []Group
	}{l.Title, groups}); err != nil {
		return nil, fmt.Errorf("render %s: %w", HTMLName, err)
	}

	var mdBuf bytes.Buffer
	if err := writeMarkdown(&mdBuf, l, groups); err != nil {
		return nil, fmt.Errorf("render %s: %w", MarkdownName, err)
	}

	var written []string
	for _, f := range []struct {
		name string
		data []byte
	}{{HTMLName, htmlBuf.Bytes()}, {MarkdownName, mdBuf.Bytes()}} {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("index write canceled: %w", err)
		}
		p, err := w.files.WriteFile(f.name, f.data)
		if err != nil {
			return written, fmt.Errorf("write %s: %w", f.name, err)
		}
		written = append(written, p)
	}
	return written, nil
}

// Groups buckets artifact paths by their first two segments, sorted by
// edition then record. Paths with fewer segments fall under "-".
func Groups(paths []string) []Group {
	byKey := make(map[[2]string]*Group)
	for _, p := range paths {
		parts := strings.SplitN(p, "/", 3)
		key := [2]string{"-", "-"}
		if len(parts) == 3 {
			key = [2]string{parts[0], parts[1]}
		}
		g, ok := byKey[key]
		if !ok {
			g = &Group{Edition: key[0], Record: key[1]}
			byKey[key] = g
		}
		g.Paths = append(g.Paths, p)
	}
	out := make([]Group, 0, len(byKey))
	for _, g := range byKey {
		sort.Strings(g.Paths)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Edition != out[j].Edition {
			return out[i].Edition < out[j].Edition
		}
		return out[i].Record < out[j].Record
	})
	return out
}

func writeMarkdown(buf *bytes.Buffer, l Listing, groups []Group) error {
	md := markdown.NewMarkdown(buf)
	md.H1(l.Title)
	md.PlainText("")

	rows := [][]string{
		{"Run", "`" + l.RunID + "`"},
		{"Root", l.Root},
		{"Generated", l.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Elapsed", l.Elapsed},
		{"Reports", strconv.Itoa(l.Reports)},
		{"Failed reports", strconv.Itoa(l.Failures)},
		{"Cells", strconv.Itoa(len(l.Paths))},
		{"Records", strconv.Itoa(len(groups))},
	}
	md.Table(markdown.TableSet{Header: []string{"Property", "Value"}, Rows: rows})
	md.PlainText("")

	for _, g := range groups {
		md.H2(g.Edition + " / " + g.Record)
		md.PlainText("")
		items := make([]string, 0, len(g.Paths))
		for _, p := range g.Paths {
			items = append(items, markdown.Link(path.Base(p), p))
		}
		md.BulletList(items...)
		md.PlainText("")
	}

	if len(l.Diagnostics) > 0 {
		md.H2("Pages without tables")
		md.PlainText("")
		diagRows := make([][]string, 0, len(l.Diagnostics))
		for _, d := range l.Diagnostics {
			diagRows = append(diagRows, []string{d.URL, d.Heading, d.Reason})
		}
		md.Table(markdown.TableSet{Header: []string{"URL", "Heading", "Reason"}, Rows: diagRows})
		md.PlainText("")
	}
	if err := md.Build(); err != nil {
		return fmt.Errorf("build markdown: %w", err)
	}
	return nil
}
