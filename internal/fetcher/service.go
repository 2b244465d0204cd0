// Package fetcher serves documents from the tiered cache, falling back to the
// browser pool or a direct HTTP download on a miss.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saidsurucu/yoktez-mcp/internal/browser"
	collyfetcher "github.com/saidsurucu/yoktez-mcp/internal/fetcher/colly"
	"github.com/saidsurucu/yoktez-mcp/internal/metrics"
	"github.com/saidsurucu/yoktez-mcp/internal/policy/ratelimit"
)

// Mode selects how a document is retrieved.
type Mode string

const (
	// ModeRender loads the URL in a pooled page and returns the rendered HTML.
	ModeRender Mode = "render"
	// ModePrint loads the URL in a pooled page and prints it to PDF.
	ModePrint Mode = "print"
	// ModeDownload fetches the URL body over plain HTTP.
	ModeDownload Mode = "download"
)

var (
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid document url")
	// ErrUnknownMode is returned for unsupported modes.
	ErrUnknownMode = errors.New("unknown fetch mode")
	// ErrEmptyDocument is returned when the source produced no bytes.
	ErrEmptyDocument = errors.New("empty document")
)

// ParseMode validates a mode name. An empty name selects ModeDownload.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDownload, nil
	case ModeRender, ModePrint, ModeDownload:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// PagePool lends browser pages.
type PagePool interface {
	WithPage(ctx context.Context, fn func(ctx context.Context, page browser.Page) error) error
}

// Downloader fetches a URL over HTTP.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (collyfetcher.Result, error)
}

// Cache stores document bytes by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

// Config bounds the rate and duration of remote fetches. The rate applies per
// host.
type Config struct {
	RateLimitQPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
}

// Document is a fetched or cached payload.
type Document struct {
	URL         string `json:"url"`
	Mode        Mode   `json:"mode"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
	Cached      bool   `json:"cached"`
}

// Service is the cache-through document fetcher.
type Service struct {
	cfg        Config
	pool       PagePool
	downloader Downloader
	cache      Cache
	limiter    *ratelimit.Limiter
	group      singleflight.Group
	logger     *zap.Logger
}

// New builds a Service. pool may be nil when only downloads are served.
func New(cfg Config, pool PagePool, downloader Downloader, cache Cache, logger *zap.Logger) (*Service, error) {
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if downloader == nil {
		return nil, errors.New("downloader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Service{
		cfg:        cfg,
		pool:       pool,
		downloader: downloader,
		cache:      cache,
		limiter:    ratelimit.New(ratelimit.Config{RPS: cfg.RateLimitQPS, Burst: cfg.RateLimitBurst}),
		logger:     logger,
	}, nil
}

// Render returns the rendered HTML of rawURL.
func (s *Service) Render(ctx context.Context, rawURL string) (Document, error) {
	return s.Fetch(ctx, ModeRender, rawURL)
}

// Download returns the raw body of rawURL.
func (s *Service) Download(ctx context.Context, rawURL string) (Document, error) {
	return s.Fetch(ctx, ModeDownload, rawURL)
}

// Fetch returns the document for rawURL in the given mode, consulting the
// cache first. Concurrent misses for the same key share one remote fetch.
func (s *Service) Fetch(ctx context.Context, mode Mode, rawURL string) (Document, error) {
	if err := validateURL(rawURL); err != nil {
		return Document{}, err
	}
	if _, err := ParseMode(string(mode)); err != nil || mode == "" {
		return Document{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if mode != ModeDownload && s.pool == nil {
		return Document{}, fmt.Errorf("%w: %s requires a browser pool", ErrUnknownMode, mode)
	}

	key := cacheKey(mode, rawURL)
	if body, ok := s.cache.Get(ctx, key); ok {
		return newDocument(rawURL, mode, body, "", true), nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		// Detached from the first caller so its cancellation does not fail
		// the other callers sharing this fetch.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
		defer cancel()
		if body, ok := s.cache.Get(fetchCtx, key); ok {
			return newDocument(rawURL, mode, body, "", true), nil
		}
		return s.retrieve(fetchCtx, mode, rawURL, key)
	})

	select {
	case <-ctx.Done():
		return Document{}, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Document{}, res.Err
		}
		doc, ok := res.Val.(Document)
		if !ok {
			return Document{}, fmt.Errorf("fetch %s: unexpected result %T", rawURL, res.Val)
		}
		if res.Shared {
			s.logger.Debug("Shared in-flight fetch", zap.String("url", rawURL), zap.String("mode", string(mode)))
		}
		return doc, nil
	}
}

func (s *Service) retrieve(ctx context.Context, mode Mode, rawURL, key string) (Document, error) {
	if err := s.limiter.Wait(ctx, rawURL); err != nil {
		return Document{}, err
	}

	start := time.Now()
	body, contentType, err := s.remote(ctx, mode, rawURL)
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case len(body) == 0:
		status = "empty"
	}
	metrics.ObserveFetch(rawURL, string(mode), status, len(body), time.Since(start))

	if err != nil {
		s.logger.Error("Fetch failed",
			zap.String("url", rawURL),
			zap.String("mode", string(mode)),
			zap.Error(err),
		)
		return Document{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if len(body) == 0 {
		return Document{}, fmt.Errorf("fetch %s: %w", rawURL, ErrEmptyDocument)
	}

	s.cache.Set(ctx, key, body)
	s.logger.Info("Fetched document",
		zap.String("url", rawURL),
		zap.String("mode", string(mode)),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)),
	)
	return newDocument(rawURL, mode, body, contentType, false), nil
}

func (s *Service) remote(ctx context.Context, mode Mode, rawURL string) ([]byte, string, error) {
	switch mode {
	case ModeDownload:
		res, err := s.downloader.Download(ctx, rawURL)
		if err != nil {
			return nil, "", err
		}
		return res.Body, res.ContentType, nil
	case ModeRender:
		var html string
		err := s.pool.WithPage(ctx, func(ctx context.Context, page browser.Page) error {
			if err := page.Navigate(ctx, rawURL); err != nil {
				return err
			}
			var err error
			html, err = page.HTML(ctx)
			return err
		})
		return []byte(html), "text/html; charset=utf-8", err
	case ModePrint:
		var pdf []byte
		err := s.pool.WithPage(ctx, func(ctx context.Context, page browser.Page) error {
			if err := page.Navigate(ctx, rawURL); err != nil {
				return err
			}
			var err error
			pdf, err = page.PDF(ctx)
			return err
		})
		return pdf, "application/pdf", err
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// cacheKey keeps rendered and printed variants apart from the raw download,
// which is keyed by the bare URL.
func cacheKey(mode Mode, rawURL string) string {
	if mode == ModeDownload {
		return rawURL
	}
	return string(mode) + ":" + rawURL
}

func newDocument(rawURL string, mode Mode, body []byte, contentType string, cached bool) Document {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return Document{URL: rawURL, Mode: mode, ContentType: contentType, Body: body, Cached: cached}
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return nil
}
