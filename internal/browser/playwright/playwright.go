// Package playwright runs Chromium through playwright-go. Execution contexts
// map to Playwright browser contexts and pages to Playwright pages.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	pw "github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/saidsurucu/yoktez-mcp/internal/browser"
)

const defaultNavigationTimeout = 30 * time.Second

// Config controls the Playwright driver and Chromium launch.
type Config struct {
	Headless bool
	// Install downloads the driver and Chromium before the first launch.
	Install           bool
	NavigationTimeout time.Duration
}

// Launcher starts Playwright and a Chromium instance.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher returns a playwright-go launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	return &Launcher{cfg: cfg, logger: logger}
}

func (l *Launcher) runOptions() *pw.RunOptions {
	return &pw.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
}

// Launch starts the driver and Chromium. Playwright calls are not
// cancellable, so ctx is only checked before starting.
func (l *Launcher) Launch(ctx context.Context) (browser.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch playwright: %w", err)
	}
	opts := l.runOptions()
	if l.cfg.Install {
		if err := pw.Install(opts); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}
	runtime, err := pw.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	b, err := runtime.Chromium.Launch(pw.BrowserTypeLaunchOptions{
		Headless: pw.Bool(l.cfg.Headless),
	})
	if err != nil {
		_ = runtime.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	l.logger.Info("Chromium started via playwright",
		zap.Bool("headless", l.cfg.Headless),
		zap.String("version", b.Version()),
	)
	return &Engine{
		runtime:    runtime,
		browser:    b,
		navTimeout: l.cfg.NavigationTimeout,
		logger:     l.logger,
	}, nil
}

// Engine wraps a running Playwright Chromium.
type Engine struct {
	runtime    *pw.Playwright
	browser    pw.Browser
	navTimeout time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Connected reports whether Chromium is still attached.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	return !closed && e.browser.IsConnected()
}

// NewContext creates a Playwright browser context with identity applied.
func (e *Engine) NewContext(_ context.Context, identity browser.Identity) (browser.ExecutionContext, error) {
	if !e.Connected() {
		return nil, errors.New("chromium is not connected")
	}
	bc, err := e.browser.NewContext(pw.BrowserNewContextOptions{
		UserAgent:         pw.String(identity.UserAgent),
		JavaScriptEnabled: pw.Bool(identity.JavaScriptEnabled),
		AcceptDownloads:   pw.Bool(identity.AcceptDownloads),
		BypassCSP:         pw.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	bc.SetDefaultNavigationTimeout(float64(e.navTimeout.Milliseconds()))
	return &execContext{ctx: bc, navTimeout: e.navTimeout}, nil
}

// Close shuts Chromium and the driver down.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if err := e.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chromium: %w", err))
	}
	if err := e.runtime.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop playwright: %w", err))
	}
	e.logger.Info("Playwright stopped")
	return errors.Join(errs...)
}

type execContext struct {
	ctx        pw.BrowserContext
	navTimeout time.Duration
}

func (c *execContext) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	p, err := c.ctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	return &Page{page: p, navTimeout: c.navTimeout}, nil
}

func (c *execContext) Close() error {
	if err := c.ctx.Close(); err != nil {
		return fmt.Errorf("close browser context: %w", err)
	}
	return nil
}

// Page is a Playwright page.
type Page struct {
	page       pw.Page
	navTimeout time.Duration
}

// Navigate loads url, waiting for the load event. A caller deadline shorter
// than the configured navigation timeout wins.
func (p *Page) Navigate(ctx context.Context, url string) error {
	timeout := p.navTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return fmt.Errorf("navigate %s: %w", url, context.DeadlineExceeded)
	}
	_, err := p.page.Goto(url, pw.PageGotoOptions{
		WaitUntil: pw.WaitUntilStateLoad,
		Timeout:   pw.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// HTML returns the rendered document.
func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := p.page.Content()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// PDF prints the current document. Chromium only supports this headless.
func (p *Page) PDF(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := p.page.PDF(pw.PagePdfOptions{PrintBackground: pw.Bool(true)})
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return data, nil
}

// Close closes the page.
func (p *Page) Close() error {
	if err := p.page.Close(); err != nil {
		return fmt.Errorf("close page: %w", err)
	}
	return nil
}
