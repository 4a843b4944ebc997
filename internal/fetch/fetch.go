// Package fetch implements the optional Transcript Intake collaborator
// (C0): given a URL, produce a domain.Transcript. Grounded on the teacher's
// internal/tools/web/fetch.go (HTTP GET, go-readability extraction,
// html-to-markdown conversion) with a chromedp fallback, grounded on the
// teacher's internal/tools/web/screenshot.go chromedp usage, for pages whose
// plain-HTTP body is too short to be a real transcript (JS-rendered pages).
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/shadowforge/shadowforge/internal/domain"
	"github.com/shadowforge/shadowforge/internal/observability"
)

// minPlainBodyChars is the threshold below which a plain HTTP GET's
// extracted text is considered suspiciously short, likely because the page
// is JS-rendered, triggering the chromedp fallback.
const minPlainBodyChars = 400

// Fetcher retrieves a Transcript from a URL.
type Fetcher struct {
	client          *http.Client
	timeout         time.Duration
	chromedpEnabled bool
}

// Config tunes Fetcher behavior.
type Config struct {
	Timeout         time.Duration // default 20s
	ChromedpEnabled bool          // enables the headless-browser fallback
}

// New constructs a Fetcher with hardened HTTP transport defaults.
func New(cfg Config) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	dialer := &net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	client := observability.NewHTTPClient(&http.Client{Transport: transport, Timeout: timeout})
	return &Fetcher{
		client:          client,
		timeout:         timeout,
		chromedpEnabled: cfg.ChromedpEnabled,
	}
}

// Fetch retrieves rawURL, extracts the main article text via readability,
// and converts it to markdown. If the result looks too short to be a real
// transcript and the chromedp fallback is enabled, it re-fetches the page
// with a headless browser to let client-side rendering complete first.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (domain.Transcript, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("fetch: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.Transcript{}, fmt.Errorf("fetch: unsupported scheme %q", u.Scheme)
	}

	transcript, err := f.fetchPlain(ctx, rawURL)
	if err != nil {
		if !f.chromedpEnabled {
			return domain.Transcript{}, err
		}
		return f.fetchRendered(ctx, rawURL)
	}
	if len(transcript.Text) >= minPlainBodyChars || !f.chromedpEnabled {
		transcript.SourceURL = rawURL
		return transcript, nil
	}
	rendered, rerr := f.fetchRendered(ctx, rawURL)
	if rerr != nil {
		transcript.SourceURL = rawURL
		return transcript, nil
	}
	rendered.SourceURL = rawURL
	return rendered, nil
}

func (f *Fetcher) fetchPlain(ctx context.Context, rawURL string) (domain.Transcript, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.Transcript{}, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; shadowforge/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("fetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("fetch: read body: %w", err)
	}

	return extractMarkdown(string(body), resp.Request.URL.String())
}

func (f *Fetcher) fetchRendered(ctx context.Context, rawURL string) (domain.Transcript, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	runCtx, cancel := context.WithTimeout(browserCtx, f.timeout)
	defer cancel()

	var html string
	if err := chromedp.Run(runCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return domain.Transcript{}, fmt.Errorf("fetch: chromedp render failed: %w", err)
	}

	return extractMarkdown(html, rawURL)
}

func extractMarkdown(html, finalURL string) (domain.Transcript, error) {
	base, _ := url.Parse(finalURL)
	article, err := readability.FromReader(strings.NewReader(html), base)
	content := html
	title := ""
	if err == nil && strings.TrimSpace(article.Content) != "" {
		content = article.Content
		title = strings.TrimSpace(article.Title)
	}

	md, err := htmltomarkdown.ConvertString(content, converter.WithDomain(baseOrigin(finalURL)))
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("fetch: html to markdown: %w", err)
	}

	return domain.Transcript{Text: strings.TrimSpace(md), Title: title}, nil
}

func baseOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
