// Package engine abstracts the remote-controlled browser engine.
// The pool, page manager, and action handlers talk to these interfaces;
// the rod adapter is the production implementation and tests inject fakes.
package engine

import (
	"context"
	"time"
)

// Launcher starts browser engine processes.
type Launcher interface {
	// Launch starts a new engine process and connects to it.
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one engine process hosting multiple pages.
type Browser interface {
	// NewPage opens a browsing surface configured from opts.
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	// Healthy probes the engine over its control connection.
	Healthy(ctx context.Context) bool
	// Close terminates the engine process.
	Close() error
}

// PageOptions configure a page at creation time.
type PageOptions struct {
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	Locale         string
	ExtraHeaders   map[string]string
}

// NavigateOptions control a navigation.
type NavigateOptions struct {
	WaitUntil string // load | domcontentloaded | networkidle0 | networkidle2
	Timeout   time.Duration
}

// NavigationResult reports the outcome of a navigation.
type NavigationResult struct {
	URL        string
	FinalURL   string
	Status     int
	StatusText string
	Headers    map[string]string
}

// Cookie is the engine-independent cookie representation.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// PDFOptions control PDF capture.
type PDFOptions struct {
	Landscape bool
	Format    string // e.g. "A4", "Letter"
	Scale     float64
}

// EventKind identifies a page lifecycle event.
type EventKind string

const (
	EventNavigated  EventKind = "navigated"
	EventLoaded     EventKind = "loaded"
	EventTitle      EventKind = "title"
	EventPageError  EventKind = "page_error"
	EventPageClosed EventKind = "closed"
)

// Event is a page lifecycle notification delivered to subscribers.
type Event struct {
	Kind  EventKind
	URL   string
	Title string
	Error string
}

// Page is one browsing surface.
type Page interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) (*NavigationResult, error)
	WaitForSelector(ctx context.Context, selector string, visible bool, timeout time.Duration) error
	WaitNavigation(ctx context.Context, timeout time.Duration) error
	WaitNetworkIdle(ctx context.Context, timeout time.Duration) error
	WaitLoad(ctx context.Context, timeout time.Duration) error

	Click(ctx context.Context, selector string, timeout time.Duration) error
	Type(ctx context.Context, selector, text string, timeout time.Duration) error
	Select(ctx context.Context, selector string, values []string, timeout time.Duration) error
	PressKeys(ctx context.Context, keys []string) error
	MouseMove(ctx context.Context, x, y float64, steps int) error
	MouseClick(ctx context.Context, x, y float64) error
	ScrollBy(ctx context.Context, dx, dy float64, steps int) error
	ScrollIntoView(ctx context.Context, selector string) error

	Evaluate(ctx context.Context, script string, timeout time.Duration) (any, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	PDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	Upload(ctx context.Context, selector string, paths []string) error

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	DeleteCookies(ctx context.Context, name, domain, path string) error
	ClearCookies(ctx context.Context) error

	Attribute(ctx context.Context, selector, name string) (string, error)
	Content(ctx context.Context) (string, error)
	Info(ctx context.Context) (url, title string, err error)

	// Subscribe registers a lifecycle event callback. The callback runs on
	// the adapter's event goroutine and must not block.
	Subscribe(fn func(Event))

	Close() error
}
