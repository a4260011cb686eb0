// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/JakeFAU/tabnet-cells/internal/crawler"
	"github.com/JakeFAU/tabnet-cells/internal/metrics"
)

// DefaultEncoding is assumed for responses that declare no charset.
const DefaultEncoding = "ISO-8859-1"

const formContentType = "application/x-www-form-urlencoded"

var inlineComment = regexp.MustCompile(`(?s)<!--.*?-->`)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	IgnoreRobots bool
	Timeout      time.Duration
	Delay        time.Duration
	Parallelism  int
	// Encoding names the charset used when a response declares none.
	Encoding string
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	fallback      encoding.Encoding
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Encoding == "" {
		cfg.Encoding = DefaultEncoding
	}
	fallback, err := lookupEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	// Revisits are deduplicated upstream by (URL, body).
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = cfg.IgnoreRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	var transport http.RoundTripper = newHTTPTransport()
	if !cfg.IgnoreRobots {
		transport = &robotsTransport{base: transport}
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	if cfg.Delay > 0 || cfg.Parallelism > 0 {
		parallelism := cfg.Parallelism
		if parallelism <= 0 {
			parallelism = 1
		}
		if err := c.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Delay:       cfg.Delay,
			Parallelism: parallelism,
		}); err != nil {
			return nil, fmt.Errorf("collector limit rule: %w", err)
		}
	}

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		fallback:      fallback,
	}, nil
}

// Fetch executes a single HTTP GET.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	return f.do(ctx, http.MethodGet, url, "")
}

// FetchPost submits a form-encoded body. The page's FinalURL is url?body.
func (f *Fetcher) FetchPost(ctx context.Context, url, body string) (crawler.Page, error) {
	return f.do(ctx, http.MethodPost, url, body)
}

func (f *Fetcher) do(ctx context.Context, method, url, body string) (crawler.Page, error) {
	var (
		result   crawler.Page
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, method, start, &result, &fetchErr)

	finished, err := f.runCollector(ctx, func() error {
		if method == http.MethodPost {
			return collector.PostRaw(url, []byte(body))
		}
		return collector.Visit(url)
	}, &fetchErr)
	// An abandoned visit may still be writing result.
	status, size := statusClass(0, err), 0
	if finished {
		status, size = statusClass(result.StatusCode, err), len(result.Body)
	}
	metrics.ObserveFetch(url, method, status, size, time.Since(start))
	if err != nil {
		return crawler.Page{}, fmt.Errorf("%w: %s %s: %v", crawler.ErrTransport, method, url, err)
	}

	result.URL = url
	if method == http.MethodPost {
		result.FinalURL = url + "?" + body
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	method string,
	start time.Time,
	result *crawler.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if method == http.MethodPost {
			r.Headers.Set("Content-Type", formContentType)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		text, err := f.decodeBody(contentType, r.Body)
		if err != nil {
			*fetchErr = err
			return
		}
		finalURL := ""
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = crawler.Page{
			FinalURL:   finalURL,
			StatusCode: r.StatusCode,
			Body:       StripComments(text),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

// runCollector reports whether visit returned. When ctx ends first the visit
// goroutine is abandoned and the hook outputs must not be read.
func (f *Fetcher) runCollector(ctx context.Context, visit func() error, fetchErr *error) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return true, fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return true, fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return true, nil
	}
}

// decodeBody returns the body as UTF-8. Colly already transcodes bodies whose
// Content-Type names a charset; the rest are decoded with the fallback.
func (f *Fetcher) decodeBody(contentType string, body []byte) (string, error) {
	if strings.Contains(strings.ToLower(contentType), "charset=") {
		return string(body), nil
	}
	out, err := f.fallback.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode body as %s: %w", f.cfg.Encoding, err)
	}
	return string(out), nil
}

// StripComments removes HTML comments. A line opening with "<!--" skips
// everything through the line that closes it; inline comments are cut out.
func StripComments(body string) string {
	var b strings.Builder
	b.Grow(len(body))
	skipping := false
	for _, line := range strings.SplitAfter(body, "\n") {
		if skipping {
			if strings.Contains(line, "-->") {
				skipping = false
			}
			continue
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "<!--") && !strings.Contains(trimmed, "-->") {
			skipping = true
			continue
		}
		b.WriteString(line)
	}
	return inlineComment.ReplaceAllString(b.String(), "")
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "iso-8859-1", "iso8859-1", "latin1":
		return charmap.ISO8859_1, nil
	}
	enc, _ := charset.Lookup(name)
	if enc == nil {
		return nil, fmt.Errorf("unknown response encoding %q", name)
	}
	return enc, nil
}

func statusClass(code int, err error) string {
	switch {
	case code >= 100:
		return fmt.Sprintf("%dxx", code/100)
	case err != nil:
		return "error"
	default:
		return "unknown"
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
