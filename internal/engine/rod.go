package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// RodLauncherConfig controls how engine processes are launched.
type RodLauncherConfig struct {
	Headless    bool
	BrowserPath string
	StealthMode bool
}

// RodLauncher launches Chromium processes via rod/CDP.
type RodLauncher struct {
	cfg RodLauncherConfig
}

// NewRodLauncher creates the production launcher.
func NewRodLauncher(cfg RodLauncherConfig) *RodLauncher {
	return &RodLauncher{cfg: cfg}
}

// Launch starts a new browser process and connects to it.
// Each call creates a fresh rod launcher since launchers can only be used once.
func (rl *RodLauncher) Launch(ctx context.Context) (Browser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", types.ErrCanceled, ctx.Err())
	default:
	}

	l := launcher.New()
	if rl.cfg.BrowserPath != "" {
		l = l.Bin(rl.cfg.BrowserPath)
	}
	if rl.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// Keep automation surface quiet and resource use bounded
	l = l.Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation")
	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("window-size", "1920,1080")

	url, err := l.Launch()
	if err != nil {
		return nil, classify(fmt.Errorf("failed to launch browser: %w", err))
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, classify(fmt.Errorf("failed to connect to browser: %w", err))
	}

	log.Debug().Str("url", url).Bool("stealth", rl.cfg.StealthMode).Msg("Browser engine launched")
	return &rodBrowser{browser: browser, stealth: rl.cfg.StealthMode}, nil
}

// rodBrowser adapts *rod.Browser to the Browser interface.
type rodBrowser struct {
	browser *rod.Browser
	stealth bool
}

func (b *rodBrowser) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	var page *rod.Page
	var err error
	if b.stealth {
		page, err = stealth.Page(b.browser)
	} else {
		page, err = b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, classify(err)
	}

	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.ViewportWidth,
			Height:            opts.ViewportHeight,
			DeviceScaleFactor: 1,
		}); err != nil {
			_ = page.Close()
			return nil, classify(err)
		}
	}
	if opts.UserAgent != "" || opts.Locale != "" {
		ua := proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}
		if opts.Locale != "" {
			ua.AcceptLanguage = opts.Locale
		}
		if err := ua.Call(page); err != nil {
			_ = page.Close()
			return nil, classify(err)
		}
	}
	if len(opts.ExtraHeaders) > 0 {
		pairs := make([]string, 0, len(opts.ExtraHeaders)*2)
		for k, v := range opts.ExtraHeaders {
			pairs = append(pairs, k, v)
		}
		if _, err := page.SetExtraHeaders(pairs); err != nil {
			_ = page.Close()
			return nil, classify(err)
		}
	}

	rp := &rodPage{page: page}
	rp.startEventLoop()
	return rp, nil
}

// Healthy probes the engine by creating and navigating a scratch page.
func (b *rodBrowser) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	page, err := b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Msg("Engine health probe failed: cannot create page")
		return false
	}
	defer page.Close()

	if err := page.Context(probeCtx).Navigate("about:blank"); err != nil {
		log.Debug().Err(err).Msg("Engine health probe failed: cannot navigate")
		return false
	}
	return true
}

func (b *rodBrowser) Close() error {
	return b.browser.Close()
}

// rodPage adapts *rod.Page to the Page interface.
type rodPage struct {
	page        *rod.Page
	subscribers []func(Event)
}

// startEventLoop forwards CDP lifecycle events to subscribers.
func (p *rodPage) startEventLoop() {
	go p.page.EachEvent(
		func(e *proto.PageFrameNavigated) {
			if e.Frame != nil && e.Frame.ParentID == "" {
				p.publish(Event{Kind: EventNavigated, URL: e.Frame.URL})
			}
		},
		func(_ *proto.PageLoadEventFired) {
			p.publish(Event{Kind: EventLoaded})
		},
		func(e *proto.RuntimeExceptionThrown) {
			msg := ""
			if e.ExceptionDetails != nil {
				msg = e.ExceptionDetails.Text
			}
			p.publish(Event{Kind: EventPageError, Error: msg})
		},
	)()
}

func (p *rodPage) Subscribe(fn func(Event)) {
	p.subscribers = append(p.subscribers, fn)
}

func (p *rodPage) publish(ev Event) {
	for _, fn := range p.subscribers {
		fn(ev)
	}
}

func (p *rodPage) Navigate(ctx context.Context, url string, opts NavigateOptions) (*NavigationResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	page := p.page.Context(navCtx)

	// Capture the main document response before navigating so redirects
	// resolve to the final response.
	var resp proto.NetworkResponseReceived
	waitResp := page.WaitEvent(&resp)

	waitReady := p.waiterFor(page, opts.WaitUntil)

	if err := page.Navigate(url); err != nil {
		return nil, classify(err)
	}
	waitResp()
	if err := waitReady(); err != nil {
		return nil, classify(err)
	}

	result := &NavigationResult{URL: url, Status: 200, Headers: map[string]string{}}
	if resp.Response != nil {
		result.Status = resp.Response.Status
		result.StatusText = resp.Response.StatusText
		result.FinalURL = resp.Response.URL
		for k, v := range resp.Response.Headers {
			result.Headers[k] = v.Str()
		}
	}
	if result.FinalURL == "" {
		if info, err := page.Info(); err == nil {
			result.FinalURL = info.URL
		}
	}
	return result, nil
}

// waiterFor maps a waitUntil string to a rod readiness wait.
func (p *rodPage) waiterFor(page *rod.Page, waitUntil string) func() error {
	switch waitUntil {
	case "domcontentloaded":
		w := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
		return func() error { w(); return nil }
	case "networkidle0":
		w := page.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
		return func() error { w(); return nil }
	case "networkidle2":
		w := page.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
		return func() error { w(); return nil }
	default: // "load"
		return func() error { return page.WaitLoad() }
	}
}

func (p *rodPage) WaitForSelector(ctx context.Context, selector string, visible bool, timeout time.Duration) error {
	el, err := p.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return classify(err)
	}
	if visible {
		if err := el.WaitVisible(); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (p *rodPage) WaitNavigation(ctx context.Context, timeout time.Duration) error {
	page := p.page.Context(ctx).Timeout(timeout)
	page.WaitNavigation(proto.PageLifecycleEventNameLoad)()
	return nil
}

func (p *rodPage) WaitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	page := p.page.Context(ctx).Timeout(timeout)
	page.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)()
	return nil
}

func (p *rodPage) WaitLoad(ctx context.Context, timeout time.Duration) error {
	return classify(p.page.Context(ctx).Timeout(timeout).WaitLoad())
}

// element waits for a selector, scrolling it into view when it is outside
// the viewport.
func (p *rodPage) element(ctx context.Context, selector string, timeout time.Duration) (*rod.Element, error) {
	el, err := p.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return nil, classify(err)
	}
	if err := el.WaitVisible(); err != nil {
		return nil, classify(err)
	}
	visible, err := el.Interactable()
	if err != nil || visible == nil {
		if err := el.ScrollIntoView(); err != nil {
			return nil, classify(err)
		}
	}
	return el, nil
}

func (p *rodPage) Click(ctx context.Context, selector string, timeout time.Duration) error {
	el, err := p.element(ctx, selector, timeout)
	if err != nil {
		return err
	}
	return classify(el.Click(proto.InputMouseButtonLeft, 1))
}

func (p *rodPage) Type(ctx context.Context, selector, text string, timeout time.Duration) error {
	el, err := p.element(ctx, selector, timeout)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return classify(err)
	}
	return classify(p.page.Context(ctx).InsertText(text))
}

func (p *rodPage) Select(ctx context.Context, selector string, values []string, timeout time.Duration) error {
	el, err := p.element(ctx, selector, timeout)
	if err != nil {
		return err
	}
	return classify(el.Select(values, true, rod.SelectorTypeText))
}

// namedKeys maps wire key names to CDP key codes.
var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
}

func (p *rodPage) PressKeys(ctx context.Context, keys []string) error {
	page := p.page.Context(ctx)
	for _, key := range keys {
		k, ok := namedKeys[key]
		if !ok {
			if len(key) != 1 {
				return fmt.Errorf("%w: unknown key %q", types.ErrInvalidParameters, key)
			}
			k = input.Key(rune(key[0]))
		}
		if err := page.Keyboard.Press(k); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (p *rodPage) MouseMove(ctx context.Context, x, y float64, steps int) error {
	if steps < 1 {
		steps = 1
	}
	page := p.page.Context(ctx)
	pos := page.Mouse.Position()
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		px := pos.X + (x-pos.X)*frac
		py := pos.Y + (y-pos.Y)*frac
		if err := page.Mouse.MoveTo(proto.NewPoint(px, py)); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (p *rodPage) MouseClick(ctx context.Context, x, y float64) error {
	page := p.page.Context(ctx)
	if err := page.Mouse.MoveTo(proto.NewPoint(x, y)); err != nil {
		return classify(err)
	}
	return classify(page.Mouse.Click(proto.InputMouseButtonLeft, 1))
}

func (p *rodPage) ScrollBy(ctx context.Context, dx, dy float64, steps int) error {
	if steps < 1 {
		steps = 1
	}
	page := p.page.Context(ctx)
	for i := 0; i < steps; i++ {
		_, err := page.Eval(`(x, y) => window.scrollBy(x, y)`, dx/float64(steps), dy/float64(steps))
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (p *rodPage) ScrollIntoView(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return classify(err)
	}
	return classify(el.ScrollIntoView())
}

func (p *rodPage) Evaluate(ctx context.Context, script string, timeout time.Duration) (any, error) {
	result, err := p.page.Context(ctx).Timeout(timeout).Eval(script)
	if err != nil {
		return nil, classify(err)
	}
	// result.Value is gson.JSON; Val() yields the decoded Go value.
	return result.Value.Val(), nil
}

func (p *rodPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	format := proto.PageCaptureScreenshotFormatPng
	data, err := p.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{Format: format})
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (p *rodPage) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	req := &proto.PagePrintToPDF{Landscape: opts.Landscape}
	if opts.Scale > 0 {
		scale := opts.Scale
		req.Scale = &scale
	}
	reader, err := p.page.Context(ctx).PDF(req)
	if err != nil {
		return nil, classify(err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (p *rodPage) Upload(ctx context.Context, selector string, paths []string) error {
	el, err := p.element(ctx, selector, 10*time.Second)
	if err != nil {
		return err
	}
	return classify(el.SetFiles(paths))
}

func (p *rodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, classify(err)
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return cookies, nil
}

func (p *rodPage) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, param)
	}
	return classify(p.page.Context(ctx).SetCookies(params))
}

func (p *rodPage) DeleteCookies(ctx context.Context, name, domain, path string) error {
	return classify(proto.NetworkDeleteCookies{
		Name:   name,
		Domain: domain,
		Path:   path,
	}.Call(p.page.Context(ctx)))
}

// ClearCookies wipes all browser cookies. This relies on a CDP command the
// engine abstraction exposes directly because there is no per-cookie path.
func (p *rodPage) ClearCookies(ctx context.Context) error {
	return classify(proto.NetworkClearBrowserCookies{}.Call(p.page.Context(ctx)))
}

func (p *rodPage) Attribute(ctx context.Context, selector, name string) (string, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return "", classify(err)
	}
	val, err := el.Attribute(name)
	if err != nil {
		return "", classify(err)
	}
	if val == nil {
		return "", nil
	}
	return *val, nil
}

func (p *rodPage) Content(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", classify(err)
	}
	return html, nil
}

func (p *rodPage) Info(ctx context.Context) (string, string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", "", classify(err)
	}
	return info.URL, info.Title, nil
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

// classify maps raw engine failures onto the transient sentinel hierarchy
// so the retry policy can reason about them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrActionTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", types.ErrCanceled, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "net::"), strings.Contains(msg, "connection"), strings.Contains(msg, "dns"):
		return fmt.Errorf("%w: %v", types.ErrEngineNetwork, err)
	case strings.Contains(msg, "cdp"), strings.Contains(msg, "websocket"), strings.Contains(msg, "target"):
		return fmt.Errorf("%w: %v", types.ErrEngineProtocol, err)
	}
	return err
}
