// Package collyfetcher implements harvest.PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/upwork-harvester/internal/fetcher/detector"
	"github.com/JakeFAU/upwork-harvester/internal/harvest"
	"github.com/JakeFAU/upwork-harvester/internal/session"
)

// AuthMode selects how session credentials are attached to requests.
type AuthMode string

// Supported auth modes.
const (
	AuthCookies AuthMode = "cookies"
	AuthBearer  AuthMode = "bearer"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// URLTemplate builds the request URL; {id} is replaced by the normalized target.
	URLTemplate     string
	RefererTemplate string
	AuthMode        AuthMode
	// LoginPath marks a redirect to the login page, which means the session was rejected.
	LoginPath string
	Headers   map[string]string
}

// Fetcher implements harvest.PageFetcher using a Colly collector per request.
type Fetcher struct {
	cfg       Config
	challenge *detector.Heuristic

	mu         sync.Mutex
	transports map[string]*http.Transport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = "https://www.upwork.com/job-details/jobdetails/api/job/{id}/details"
	}
	if cfg.RefererTemplate == "" {
		cfg.RefererTemplate = "https://www.upwork.com/nx/find-work/details/{id}"
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthCookies
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/ab/account-security/login"
	}
	return &Fetcher{
		cfg:        cfg,
		challenge:  detector.NewHeuristic(0),
		transports: make(map[string]*http.Transport),
	}
}

// Fetch executes a single authenticated GET through the given identity.
func (f *Fetcher) Fetch(ctx context.Context, target string, sess harvest.Session, identity harvest.Identity) (harvest.RawContent, error) {
	id, err := Cipher(target)
	if err != nil {
		return harvest.RawContent{}, harvest.Fatal("normalize target", err)
	}
	requestURL := strings.ReplaceAll(f.cfg.URLTemplate, "{id}", url.PathEscape(id))

	var (
		result   harvest.RawContent
		fetchErr error
	)
	start := time.Now()
	collector, err := f.buildCollector(identity)
	if err != nil {
		return harvest.RawContent{}, err
	}
	headers, err := f.requestHeaders(id, sess, identity)
	if err != nil {
		return harvest.RawContent{}, err
	}
	f.configureCollectorHooks(collector, headers, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, requestURL, &fetchErr); err != nil {
		return harvest.RawContent{}, err
	}
	if err := f.classify(result); err != nil {
		return result, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(identity harvest.Identity) (*colly.Collector, error) {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.DisableCookies()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	transport, err := f.transportFor(identity)
	if err != nil {
		return nil, err
	}
	collector.WithTransport(transport)
	return collector, nil
}

// transportFor keeps one pooled transport per identity; collectors share nothing else.
func (f *Fetcher) transportFor(identity harvest.Identity) (*http.Transport, error) {
	key := identity.ProxyURL()
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t, nil
	}
	t := newHTTPTransport()
	if key != "" {
		proxyURL, err := url.Parse(key)
		if err != nil {
			return nil, harvest.Fatal("parse proxy url", err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	f.transports[key] = t
	return t, nil
}

func (f *Fetcher) requestHeaders(id string, sess harvest.Session, identity harvest.Identity) (http.Header, error) {
	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "en-GB,en;q=0.7,en-US;q=0.3")
	h.Set("Referer", strings.ReplaceAll(f.cfg.RefererTemplate, "{id}", id))
	h.Set("X-Odesk-User-Agent", "oDesk LM")
	h.Set("X-Requested-With", "XMLHttpRequest")
	for k, v := range f.cfg.Headers {
		h.Set(k, v)
	}

	switch f.cfg.AuthMode {
	case AuthBearer:
		h.Set("Authorization", "Bearer "+string(sess.Credentials))
	default:
		cookies, err := session.DecodeCookies(sess.Credentials)
		if err != nil {
			return nil, fmt.Errorf("session cookies unreadable: %w", harvest.ErrNotAuthenticated)
		}
		h.Set("Cookie", session.CookieHeader(cookies))
	}
	if identity.Token != "" {
		h.Set("Authorization", "Bearer "+identity.Token)
	}
	return h, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	start time.Time,
	result *harvest.RawContent,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = harvest.RawContent{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			FetchedAt:   start,
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*result = harvest.RawContent{
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
				FetchedAt:  start,
				Duration:   time.Since(start),
			}
			if r.Request != nil && r.Request.URL != nil {
				result.URL = r.Request.URL.String()
			}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return harvest.Retryable("colly fetch", fmt.Errorf("canceled: %w", ctx.Err()))
	case err := <-done:
		if err == nil {
			err = *fetchErr
		}
		if err != nil {
			return classifyTransport(err)
		}
		return nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
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
