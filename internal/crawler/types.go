package crawler

import (
	"time"
)

// Option pairs a human-readable filter label with the option chosen for it.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// RequestDescriptor describes one concrete page request produced by discovery
// or by a filter-form expansion. An empty Body means a plain GET.
type RequestDescriptor struct {
	URL     string   `json:"url"`
	Body    string   `json:"body,omitempty"`
	Options []Option `json:"options,omitempty"`
}

// HasBody reports whether the descriptor is submitted as a POST.
func (d RequestDescriptor) HasBody() bool {
	return d.Body != ""
}

// FieldOption is one selectable entry of a filter control.
type FieldOption struct {
	Value string
	Label string
}

// SelectableField is a single filter control extracted from a form page.
type SelectableField struct {
	ID      string
	Name    string
	Label   string
	Options []FieldOption
}

// Page is the decoded result of a GET or POST.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       string
	Duration   time.Duration
}

// Report is the structured form of one parsed tabular export.
type Report struct {
	Title       string     `json:"title"`
	Subtitle    string     `json:"subtitle,omitempty"`
	HasSubtitle bool       `json:"has_subtitle"`
	Scope       []string   `json:"scope"`
	RowHeader   string     `json:"row_header"`
	Header      [][]string `json:"header"`
	RowLabels   []string   `json:"row_labels"`
	Data        [][]string `json:"data"`
	Sources     []string   `json:"sources,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	Notes       []string   `json:"notes,omitempty"`
}

// Provenance records where a report was found.
type Provenance struct {
	FatherURL        string   `json:"father_url"`
	FatherParams     string   `json:"father_params,omitempty"`
	CSVURL           string   `json:"csv_url"`
	QualificationURL string   `json:"qualification_url"`
	Options          []Option `json:"options,omitempty"`
}

// Cell is one row×column data point of a Report with its metadata copied in.
type Cell struct {
	Index      int        `json:"index"`
	Header     []string   `json:"header"`
	RowHeader  string     `json:"row_header,omitempty"`
	Row        string     `json:"row"`
	Value      string     `json:"value"`
	RawValue   string     `json:"raw_value"`
	Title      string     `json:"title"`
	Subtitle   string     `json:"subtitle,omitempty"`
	Scope      []string   `json:"scope,omitempty"`
	Sources    []string   `json:"sources,omitempty"`
	Labels     []string   `json:"labels,omitempty"`
	Notes      []string   `json:"notes,omitempty"`
	Provenance Provenance `json:"provenance"`
}
