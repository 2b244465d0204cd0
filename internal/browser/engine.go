package browser

import "context"

// DefaultUserAgent is the desktop Chrome signature presented by pooled contexts.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Chrome/120.0.0.0 Safari/537.36"

// Identity is the environment every execution context is configured with.
type Identity struct {
	UserAgent         string
	JavaScriptEnabled bool
	AcceptDownloads   bool
}

// Launcher starts the backing automation engine. The pool calls Launch at most
// once per engine lifetime.
type Launcher interface {
	Launch(ctx context.Context) (Engine, error)
}

// Engine is a running automation engine capable of producing isolated
// execution contexts.
type Engine interface {
	NewContext(ctx context.Context, identity Identity) (ExecutionContext, error)
	// Connected reports whether the engine is still usable.
	Connected() bool
	Close() error
}

// ExecutionContext is an isolated browser session (cookies, cache, identity)
// that can produce any number of short-lived pages.
type ExecutionContext interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single renderable document handle derived from an execution context.
type Page interface {
	Navigate(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	PDF(ctx context.Context) ([]byte, error)
	Close() error
}
