package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ysmood/gson"
)

// FakeLauncher is an in-memory Launcher for tests. It records launches and
// can be made to fail or block.
type FakeLauncher struct {
	mu        sync.Mutex
	launched  []*FakeBrowser
	LaunchErr error
	// LaunchDelay simulates slow engine startup.
	LaunchDelay time.Duration
}

func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{}
}

func (fl *FakeLauncher) Launch(ctx context.Context) (Browser, error) {
	if fl.LaunchDelay > 0 {
		select {
		case <-time.After(fl.LaunchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.LaunchErr != nil {
		return nil, fl.LaunchErr
	}
	b := NewFakeBrowser()
	fl.launched = append(fl.launched, b)
	return b, nil
}

// Launched returns all browsers this launcher has produced.
func (fl *FakeLauncher) Launched() []*FakeBrowser {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	out := make([]*FakeBrowser, len(fl.launched))
	copy(out, fl.launched)
	return out
}

// FakeBrowser is an in-memory Browser. Health can be flipped from tests.
type FakeBrowser struct {
	mu        sync.Mutex
	pages     []*FakePage
	closed    atomic.Bool
	unhealthy atomic.Bool
	NewPageErr error
}

func NewFakeBrowser() *FakeBrowser {
	return &FakeBrowser{}
}

func (fb *FakeBrowser) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.NewPageErr != nil {
		return nil, fb.NewPageErr
	}
	if fb.closed.Load() {
		return nil, fmt.Errorf("browser closed")
	}
	p := NewFakePage()
	p.Options = opts
	fb.pages = append(fb.pages, p)
	return p, nil
}

func (fb *FakeBrowser) Healthy(ctx context.Context) bool {
	return !fb.closed.Load() && !fb.unhealthy.Load()
}

// SetUnhealthy makes subsequent health probes fail.
func (fb *FakeBrowser) SetUnhealthy(v bool) { fb.unhealthy.Store(v) }

func (fb *FakeBrowser) Close() error {
	fb.closed.Store(true)
	return nil
}

func (fb *FakeBrowser) Closed() bool { return fb.closed.Load() }

// Pages returns the pages opened on this browser.
func (fb *FakeBrowser) Pages() []*FakePage {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]*FakePage, len(fb.pages))
	copy(out, fb.pages)
	return out
}

// FakePage is an in-memory Page that records calls and returns canned
// results. Error fields make individual operations fail.
type FakePage struct {
	mu          sync.Mutex
	Options     PageOptions
	URL         string
	Title       string
	HTMLContent string
	EvalResult  any
	ScreenshotData []byte
	PDFData        []byte
	CookieJar      []Cookie
	Attributes     map[string]string

	NavigateErr error
	ClickErr    error
	TypeErr     error
	EvalErr     error
	WaitErr     error
	GenericErr  error
	// CallDelay simulates slow input operations (keys, mouse).
	CallDelay time.Duration

	Calls       []string
	subscribers []func(Event)
	closed      atomic.Bool
}

func NewFakePage() *FakePage {
	return &FakePage{
		URL:            "about:blank",
		HTMLContent:    "<html></html>",
		ScreenshotData: []byte("png"),
		PDFData:        []byte("pdf"),
		Attributes:     map[string]string{},
	}
}

func (fp *FakePage) record(call string) {
	fp.mu.Lock()
	fp.Calls = append(fp.Calls, call)
	fp.mu.Unlock()
}

// CallLog returns the recorded operation names in order.
func (fp *FakePage) CallLog() []string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	out := make([]string, len(fp.Calls))
	copy(out, fp.Calls)
	return out
}

func (fp *FakePage) Navigate(ctx context.Context, url string, opts NavigateOptions) (*NavigationResult, error) {
	fp.record("navigate:" + url)
	if fp.NavigateErr != nil {
		return nil, fp.NavigateErr
	}
	fp.mu.Lock()
	fp.URL = url
	fp.mu.Unlock()
	fp.Emit(Event{Kind: EventNavigated, URL: url})
	fp.Emit(Event{Kind: EventLoaded})
	return &NavigationResult{URL: url, FinalURL: url, Status: 200, StatusText: "OK", Headers: map[string]string{}}, nil
}

func (fp *FakePage) WaitForSelector(ctx context.Context, selector string, visible bool, timeout time.Duration) error {
	fp.record("waitForSelector:" + selector)
	return fp.WaitErr
}

func (fp *FakePage) WaitNavigation(ctx context.Context, timeout time.Duration) error {
	fp.record("waitNavigation")
	return fp.WaitErr
}

func (fp *FakePage) WaitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	fp.record("waitNetworkIdle")
	return fp.WaitErr
}

func (fp *FakePage) WaitLoad(ctx context.Context, timeout time.Duration) error {
	fp.record("waitLoad")
	return fp.WaitErr
}

func (fp *FakePage) Click(ctx context.Context, selector string, timeout time.Duration) error {
	fp.record("click:" + selector)
	return fp.ClickErr
}

func (fp *FakePage) Type(ctx context.Context, selector, text string, timeout time.Duration) error {
	fp.record("type:" + selector)
	return fp.TypeErr
}

func (fp *FakePage) Select(ctx context.Context, selector string, values []string, timeout time.Duration) error {
	fp.record("select:" + selector)
	return fp.GenericErr
}

// stall blocks for CallDelay or until the context expires.
func (fp *FakePage) stall(ctx context.Context) error {
	if fp.CallDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(fp.CallDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (fp *FakePage) PressKeys(ctx context.Context, keys []string) error {
	fp.record("pressKeys")
	if err := fp.stall(ctx); err != nil {
		return err
	}
	return fp.GenericErr
}

func (fp *FakePage) MouseMove(ctx context.Context, x, y float64, steps int) error {
	fp.record("mouseMove")
	if err := fp.stall(ctx); err != nil {
		return err
	}
	return fp.GenericErr
}

func (fp *FakePage) MouseClick(ctx context.Context, x, y float64) error {
	fp.record("mouseClick")
	if err := fp.stall(ctx); err != nil {
		return err
	}
	return fp.GenericErr
}

func (fp *FakePage) ScrollBy(ctx context.Context, dx, dy float64, steps int) error {
	fp.record("scrollBy")
	return fp.GenericErr
}

func (fp *FakePage) ScrollIntoView(ctx context.Context, selector string) error {
	fp.record("scrollIntoView:" + selector)
	return fp.GenericErr
}

func (fp *FakePage) Evaluate(ctx context.Context, script string, timeout time.Duration) (any, error) {
	fp.record("evaluate")
	if fp.EvalErr != nil {
		return nil, fp.EvalErr
	}
	// Round-trip through gson so results carry the same types the CDP
	// path produces (numbers as float64, maps as map[string]any).
	raw, err := json.Marshal(fp.EvalResult)
	if err != nil {
		return nil, err
	}
	return gson.New(raw).Val(), nil
}

func (fp *FakePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	fp.record("screenshot")
	if fp.GenericErr != nil {
		return nil, fp.GenericErr
	}
	return fp.ScreenshotData, nil
}

func (fp *FakePage) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	fp.record("pdf")
	if fp.GenericErr != nil {
		return nil, fp.GenericErr
	}
	return fp.PDFData, nil
}

func (fp *FakePage) Upload(ctx context.Context, selector string, paths []string) error {
	fp.record("upload:" + selector)
	return fp.GenericErr
}

func (fp *FakePage) Cookies(ctx context.Context) ([]Cookie, error) {
	fp.record("cookies")
	fp.mu.Lock()
	defer fp.mu.Unlock()
	out := make([]Cookie, len(fp.CookieJar))
	copy(out, fp.CookieJar)
	return out, nil
}

func (fp *FakePage) SetCookies(ctx context.Context, cookies []Cookie) error {
	fp.record("setCookies")
	fp.mu.Lock()
	fp.CookieJar = append(fp.CookieJar, cookies...)
	fp.mu.Unlock()
	return nil
}

func (fp *FakePage) DeleteCookies(ctx context.Context, name, domain, path string) error {
	fp.record("deleteCookies:" + name)
	fp.mu.Lock()
	kept := fp.CookieJar[:0]
	for _, c := range fp.CookieJar {
		if c.Name != name {
			kept = append(kept, c)
		}
	}
	fp.CookieJar = kept
	fp.mu.Unlock()
	return nil
}

func (fp *FakePage) ClearCookies(ctx context.Context) error {
	fp.record("clearCookies")
	fp.mu.Lock()
	fp.CookieJar = nil
	fp.mu.Unlock()
	return nil
}

func (fp *FakePage) Attribute(ctx context.Context, selector, name string) (string, error) {
	fp.record("attribute:" + selector + ":" + name)
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.Attributes[name], nil
}

func (fp *FakePage) Content(ctx context.Context) (string, error) {
	fp.record("content")
	return fp.HTMLContent, nil
}

func (fp *FakePage) Info(ctx context.Context) (string, string, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.URL, fp.Title, nil
}

func (fp *FakePage) Subscribe(fn func(Event)) {
	fp.mu.Lock()
	fp.subscribers = append(fp.subscribers, fn)
	fp.mu.Unlock()
}

// Emit delivers an event to subscribers, simulating engine notifications.
func (fp *FakePage) Emit(ev Event) {
	fp.mu.Lock()
	subs := make([]func(Event), len(fp.subscribers))
	copy(subs, fp.subscribers)
	fp.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (fp *FakePage) Close() error {
	fp.record("close")
	fp.closed.Store(true)
	fp.Emit(Event{Kind: EventPageClosed})
	return nil
}

func (fp *FakePage) Closed() bool { return fp.closed.Load() }
