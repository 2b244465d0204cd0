// Package headless drives headless Chrome through chromedp. Each execution
// context is an isolated Chrome browser context; each page is a tab in it.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/saidsurucu/yoktez-mcp/internal/browser"
)

const defaultNavigationTimeout = 30 * time.Second

// Config controls how Chrome is started and how long page operations may run.
type Config struct {
	Headless          bool
	NoSandbox         bool
	ExecPath          string
	NavigationTimeout time.Duration
}

// Launcher starts Chrome processes.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher returns a chromedp-backed launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	return &Launcher{cfg: cfg, logger: logger}
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Launch starts Chrome and waits until it answers. The browser process is not
// bound to ctx; ctx only bounds the startup wait.
func (l *Launcher) Launch(ctx context.Context) (browser.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() {
		// The first Run allocates the browser and must not carry a deadline.
		started <- chromedp.Run(browserCtx)
	}()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", ctx.Err())
	}

	l.logger.Info("Chrome started", zap.Bool("headless", l.cfg.Headless))
	return &Engine{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		navTimeout:    l.cfg.NavigationTimeout,
		logger:        l.logger,
	}, nil
}

// Engine is a running Chrome process.
type Engine struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	navTimeout    time.Duration
	logger        *zap.Logger
	closed        atomic.Bool
}

// Connected reports whether the Chrome process is still attached.
func (e *Engine) Connected() bool {
	if e.closed.Load() || e.browserCtx.Err() != nil {
		return false
	}
	c := chromedp.FromContext(e.browserCtx)
	return c != nil && c.Browser != nil
}

// NewContext creates an isolated browser context configured with identity.
func (e *Engine) NewContext(ctx context.Context, identity browser.Identity) (browser.ExecutionContext, error) {
	if !e.Connected() {
		return nil, errors.New("chrome is not running")
	}
	holderCtx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())

	var bcID cdp.BrowserContextID
	setup := chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		if c == nil || c.BrowserContextID == "" {
			return errors.New("browser context was not created")
		}
		bcID = c.BrowserContextID
		behavior := cdpbrowser.SetDownloadBehaviorBehaviorDeny
		if identity.AcceptDownloads {
			behavior = cdpbrowser.SetDownloadBehaviorBehaviorDefault
		}
		if err := cdpbrowser.SetDownloadBehavior(behavior).WithBrowserContextID(bcID).Do(ctx); err != nil {
			return fmt.Errorf("set download behavior: %w", err)
		}
		return nil
	})
	if err := openTab(ctx, holderCtx, e.navTimeout); err != nil {
		cancel()
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	if err := runTab(ctx, holderCtx, e.navTimeout, setup); err != nil {
		cancel()
		return nil, fmt.Errorf("configure browser context: %w", err)
	}

	return &execContext{
		engine:    e,
		cancel:    cancel,
		contextID: bcID,
		identity:  identity,
	}, nil
}

// Close kills Chrome. It is safe to call more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.browserCancel()
	e.allocCancel()
	e.logger.Info("Chrome stopped")
	return nil
}

type execContext struct {
	engine    *Engine
	cancel    context.CancelFunc
	contextID cdp.BrowserContextID
	identity  browser.Identity
	once      sync.Once
}

// NewPage opens a tab in this browser context and applies the identity to it.
func (c *execContext) NewPage(ctx context.Context) (browser.Page, error) {
	tabCtx, cancel := chromedp.NewContext(c.engine.browserCtx, chromedp.WithExistingBrowserContext(c.contextID))
	if err := openTab(ctx, tabCtx, c.engine.navTimeout); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	if err := runTab(ctx, tabCtx, c.engine.navTimeout, identityAction(c.identity)); err != nil {
		cancel()
		return nil, fmt.Errorf("apply identity: %w", err)
	}
	return &Page{
		tabCtx:     tabCtx,
		cancel:     cancel,
		navTimeout: c.engine.navTimeout,
	}, nil
}

// Close disposes the browser context and every tab in it.
func (c *execContext) Close() error {
	c.once.Do(c.cancel)
	return nil
}

// identityAction applies per-tab emulation overrides.
func identityAction(identity browser.Identity) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if identity.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(identity.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := emulation.SetScriptExecutionDisabled(!identity.JavaScriptEnabled).Do(ctx); err != nil {
			return fmt.Errorf("set script execution: %w", err)
		}
		return nil
	})
}

// Page is one Chrome tab.
type Page struct {
	tabCtx     context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
	once       sync.Once
}

// Navigate loads url and waits for the document body.
func (p *Page) Navigate(ctx context.Context, url string) error {
	err := runTab(ctx, p.tabCtx, p.navTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// HTML returns the rendered document.
func (p *Page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := runTab(ctx, p.tabCtx, p.navTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// PDF prints the current document.
func (p *Page) PDF(ctx context.Context) ([]byte, error) {
	var buf []byte
	printAction := chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	})
	if err := runTab(ctx, p.tabCtx, p.navTimeout, printAction); err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return buf, nil
}

// Close closes the tab.
func (p *Page) Close() error {
	p.once.Do(p.cancel)
	return nil
}

// openTab attaches the tab behind tabCtx. chromedp binds the tab's event loop
// to the context of its first Run, so that Run gets tabCtx itself and only the
// wait is bounded. On error the caller cancels tabCtx, which ends the Run.
func openTab(ctx, tabCtx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	opened := make(chan error, 1)
	go func() {
		opened <- chromedp.Run(tabCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-opened:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("tab not attached after %v: %w", timeout, context.DeadlineExceeded)
	}
}

// runTab runs actions on an attached tabCtx, stopping when either the
// caller's ctx ends or timeout elapses. The tab itself outlives ctx.
func runTab(ctx, tabCtx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}
