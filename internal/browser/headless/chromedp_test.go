package headless

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/saidsurucu/yoktez-mcp/internal/browser"
)

func TestNewLauncherDefaults(t *testing.T) {
	t.Parallel()

	l := NewLauncher(Config{Headless: true}, nil)
	if l.cfg.NavigationTimeout != defaultNavigationTimeout {
		t.Fatalf("expected default nav timeout, got %v", l.cfg.NavigationTimeout)
	}
	if l.logger == nil {
		t.Fatal("expected nop logger")
	}

	l = NewLauncher(Config{NavigationTimeout: time.Second}, nil)
	if l.cfg.NavigationTimeout != time.Second {
		t.Fatalf("expected override to be used, got %v", l.cfg.NavigationTimeout)
	}
}

func TestAllocatorOptionsExtendDefaults(t *testing.T) {
	t.Parallel()

	base := len(NewLauncher(Config{}, nil).allocatorOptions())
	if base <= 5 {
		t.Fatalf("expected default allocator options plus overrides, got %d", base)
	}
	full := len(NewLauncher(Config{NoSandbox: true, ExecPath: "/usr/bin/chromium"}, nil).allocatorOptions())
	if full != base+2 {
		t.Fatalf("expected sandbox and exec path options, got %d want %d", full, base+2)
	}
}

func TestLaunchCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLauncher(Config{Headless: true}, nil).Launch(ctx); err == nil {
		t.Fatal("expected error when launching with a canceled context")
	}
}

func TestEngineCloseIdempotent(t *testing.T) {
	t.Parallel()

	browserCtx, browserCancel := context.WithCancel(context.Background())
	allocCalls := 0
	e := &Engine{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   func() { allocCalls++ },
		logger:        NewLauncher(Config{}, nil).logger,
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if allocCalls != 1 {
		t.Fatalf("expected allocator canceled once, got %d", allocCalls)
	}
	if e.Connected() {
		t.Fatal("closed engine must not report connected")
	}
	if _, err := e.NewContext(context.Background(), browser.Identity{}); err == nil {
		t.Fatal("expected error creating a context on a closed engine")
	}
}

func TestPageAndContextCloseIdempotent(t *testing.T) {
	t.Parallel()

	calls := 0
	p := &Page{cancel: func() { calls++ }}
	_ = p.Close()
	_ = p.Close()
	c := &execContext{cancel: func() { calls++ }}
	_ = c.Close()
	_ = c.Close()
	if calls != 2 {
		t.Fatalf("expected one cancel per handle, got %d", calls)
	}
}

func TestRunTabHonoursCallerContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A context without a chromedp executor fails immediately; the point is
	// that runTab returns instead of blocking.
	done := make(chan error, 1)
	go func() { done <- runTab(ctx, context.Background(), time.Second) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error from runTab without a browser")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runTab did not return")
	}
}

func TestOpenTabHonoursCallerContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- openTab(ctx, context.Background(), time.Second) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error from openTab without a browser")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("openTab did not return")
	}
}

func findChrome() string {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// TestEnginePageLifecycle drives real tabs after they are opened: several
// pages per context, and several actions per page.
func TestEnginePageLifecycle(t *testing.T) {
	chrome := findChrome()
	if chrome == "" {
		t.Skip("chrome not installed")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body><p id=\"ua\">%s</p><p>%s</p></body></html>",
			html.EscapeString(r.UserAgent()), html.EscapeString(r.URL.Query().Get("n")))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	l := NewLauncher(Config{
		Headless:          true,
		NoSandbox:         true,
		ExecPath:          chrome,
		NavigationTimeout: 20 * time.Second,
	}, nil)
	eng, err := l.Launch(ctx)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer eng.Close()

	ec, err := eng.NewContext(ctx, browser.Identity{UserAgent: "yoktez-test-agent", JavaScriptEnabled: true})
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	defer ec.Close()

	for i := 0; i < 2; i++ {
		page, err := ec.NewPage(ctx)
		if err != nil {
			t.Fatalf("page %d: new page: %v", i, err)
		}
		marker := fmt.Sprintf("document-%d", i)
		if err := page.Navigate(ctx, srv.URL+"/?n="+marker); err != nil {
			t.Fatalf("page %d: navigate: %v", i, err)
		}
		for j := 0; j < 2; j++ {
			doc, err := page.HTML(ctx)
			if err != nil {
				t.Fatalf("page %d: html read %d: %v", i, j, err)
			}
			if !strings.Contains(doc, marker) {
				t.Fatalf("page %d: expected %q in document, got %q", i, marker, doc)
			}
			if !strings.Contains(doc, "yoktez-test-agent") {
				t.Fatalf("page %d: user agent override not applied: %q", i, doc)
			}
		}
		pdf, err := page.PDF(ctx)
		if err != nil {
			t.Fatalf("page %d: pdf: %v", i, err)
		}
		if !bytes.HasPrefix(pdf, []byte("%PDF")) {
			t.Fatalf("page %d: expected a PDF document", i)
		}
		if err := page.Close(); err != nil {
			t.Fatalf("page %d: close: %v", i, err)
		}
	}
	if !eng.Connected() {
		t.Fatal("engine should stay connected after pages close")
	}
}
