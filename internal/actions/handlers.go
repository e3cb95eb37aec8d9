package actions

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/engine"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// scrollSteps splits scrolls into increments so pages see gradual
// movement rather than one synthetic jump.
const scrollSteps = 8

// mouseSteps splits pointer travel the same way.
const mouseSteps = 12

func (e *Executor) handleNavigate(ctx context.Context, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, error) {
	url := inv.Parameters["url"].(string)
	waitUntil, _ := inv.Parameters["waitUntil"].(string)

	e.pages.Touch(inv.PageID, types.PageNavigating)
	result, err := page.Navigate(ctx, url, engine.NavigateOptions{WaitUntil: waitUntil, Timeout: timeout})
	if err != nil {
		e.pages.Touch(inv.PageID, types.PageActive)
		return nil, err
	}
	e.pages.Touch(inv.PageID, types.PageActive)

	return map[string]any{
		"url":        result.URL,
		"finalUrl":   result.FinalURL,
		"status":     result.Status,
		"statusText": result.StatusText,
		"headers":    result.Headers,
	}, nil
}

func (e *Executor) handleClick(ctx context.Context, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, error) {
	selector := inv.Parameters["selector"].(string)
	if err := page.Click(ctx, selector, timeout); err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{"selector": selector}, nil
}

func (e *Executor) handleType(ctx context.Context, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, error) {
	selector := inv.Parameters["selector"].(string)
	text := inv.Parameters["text"].(string)
	if err := page.Type(ctx, selector, text, timeout); err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{"selector": selector, "length": len(text)}, nil
}

func (e *Executor) handleSelect(ctx context.Context, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, error) {
	selector := inv.Parameters["selector"].(string)
	values, _ := asStringSlice(inv.Parameters["values"])
	if err := page.Select(ctx, selector, values, timeout); err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{"selector": selector, "values": values}, nil
}

func (e *Executor) handleKeyboard(ctx context.Context, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, error) {
	keys, _ := asStringSlice(inv.Parameters["keys"])
	keyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := page.PressKeys(keyCtx, keys); err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{"keys": len(keys)}, nil
}

func (e *Executor) handleMouse(ctx context.Context, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, error) {
	x, _ := requireNumber(inv.Parameters, "x")
	y, _ := requireNumber(inv.Parameters, "y")
	op, _ := inv.Parameters["operation"].(string)

	// One timeout budget covers the move and the optional click.
	mouseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := page.MouseMove(mouseCtx, x, y, mouseSteps); err != nil {
		return nil, err
	}
	if op == "click" {
		if err := page.MouseClick(mouseCtx, x, y); err != nil {
			return nil, err
		}
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{"x": x, "y": y, "operation": op}, nil
}

func (e *Executor) handleScreenshot(ctx context.Context, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, error) {
	fullPage, _ := inv.Parameters["fullPage"].(bool)

	shotCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	data, err := page.Screenshot(shotCtx, fullPage)
	if err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{
		"data":     base64.StdEncoding.EncodeToString(data),
		"encoding": "base64",
		"format":   "png",
		"fullPage": fullPage,
	}, nil
}

func (e *Executor) handlePDF(ctx context.Context, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, error) {
	landscape, _ := inv.Parameters["landscape"].(bool)
	format, _ := inv.Parameters["format"].(string)
	scale, _ := inv.Parameters["scale"].(float64)

	pdfCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	data, err := page.PDF(pdfCtx, engine.PDFOptions{Landscape: landscape, Format: format, Scale: scale})
	if err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{
		"data":     base64.StdEncoding.EncodeToString(data),
		"encoding": "base64",
		"format":   "pdf",
	}, nil
}

func (e *Executor) handleWait(ctx context.Context, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, error) {
	waitFor := inv.Parameters["waitFor"].(string)

	var err error
	switch waitFor {
	case "selector":
		selector := inv.Parameters["selector"].(string)
		visible, _ := inv.Parameters["visible"].(bool)
		err = page.WaitForSelector(ctx, selector, visible, timeout)
	case "navigation":
		err = page.WaitNavigation(ctx, timeout)
	case "networkidle":
		err = page.WaitNetworkIdle(ctx, timeout)
	case "load":
		err = page.WaitLoad(ctx, timeout)
	case "timeout":
		d, _ := requireNumber(inv.Parameters, "durationMs")
		err = sleepFor(ctx, time.Duration(d)*time.Millisecond)
	case "function":
		fn := inv.Parameters["function"].(string)
		err = waitForFunction(ctx, page, fn, timeout)
	}
	if err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{"waitFor": waitFor}, nil
}

// waitPollInterval is the delay between predicate evaluations.
const waitPollInterval = 100 * time.Millisecond

func sleepFor(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", types.ErrCanceled, ctx.Err())
	}
}

// waitForFunction polls the predicate until it evaluates truthy or the
// timeout elapses.
func waitForFunction(ctx context.Context, page engine.Page, script string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		value, err := page.Evaluate(ctx, script, timeout)
		if err != nil {
			return err
		}
		if truthy(value) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: wait function never became truthy", types.ErrActionTimeout)
		}
		if err := sleepFor(ctx, waitPollInterval); err != nil {
			return err
		}
	}
}

// truthy applies JavaScript truthiness to a JSON-shaped value.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func (e *Executor) handleScroll(ctx context.Context, page engine.Page, inv *types.ActionInvocation, _ time.Duration) (map[string]any, error) {
	if selector, ok := inv.Parameters["selector"].(string); ok && selector != "" {
		if err := page.ScrollIntoView(ctx, selector); err != nil {
			return nil, err
		}
		e.pages.Touch(inv.PageID, "")
		return map[string]any{"selector": selector}, nil
	}

	dx, _ := requireNumber(inv.Parameters, "dx")
	dy, _ := requireNumber(inv.Parameters, "dy")
	if err := page.ScrollBy(ctx, dx, dy, scrollSteps); err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{"dx": dx, "dy": dy}, nil
}

func (e *Executor) handleEvaluate(ctx context.Context, page engine.Page, inv *types.ActionInvocation, timeout time.Duration) (map[string]any, error) {
	script := inv.Parameters["script"].(string)
	value, err := page.Evaluate(ctx, script, timeout)
	if err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{"result": value}, nil
}

func (e *Executor) handleUpload(ctx context.Context, page engine.Page, inv *types.ActionInvocation, _ time.Duration) (map[string]any, error) {
	selector := inv.Parameters["selector"].(string)
	paths, _ := asStringSlice(inv.Parameters["filePaths"])
	if err := page.Upload(ctx, selector, paths); err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{"selector": selector, "files": len(paths)}, nil
}

func (e *Executor) handleCookie(ctx context.Context, page engine.Page, inv *types.ActionInvocation, _ time.Duration) (map[string]any, error) {
	op := inv.Parameters["operation"].(string)

	switch op {
	case "get":
		cookies, err := page.Cookies(ctx)
		if err != nil {
			return nil, err
		}
		e.pages.Touch(inv.PageID, "")
		return map[string]any{"cookies": cookies}, nil

	case "set":
		cookies := decodeCookies(inv.Parameters["cookies"])
		if err := page.SetCookies(ctx, cookies); err != nil {
			return nil, err
		}
		e.pages.Touch(inv.PageID, "")
		return map[string]any{"set": len(cookies)}, nil

	case "delete":
		name := inv.Parameters["name"].(string)
		domain, _ := inv.Parameters["domain"].(string)
		path, _ := inv.Parameters["path"].(string)
		if err := page.DeleteCookies(ctx, name, domain, path); err != nil {
			return nil, err
		}
		e.pages.Touch(inv.PageID, "")
		return map[string]any{"deleted": name}, nil

	default: // clear
		if err := page.ClearCookies(ctx); err != nil {
			return nil, err
		}
		e.pages.Touch(inv.PageID, "")
		return map[string]any{"cleared": true}, nil
	}
}

func (e *Executor) handleGetAttribute(ctx context.Context, page engine.Page, inv *types.ActionInvocation, _ time.Duration) (map[string]any, error) {
	selector := inv.Parameters["selector"].(string)
	attr := inv.Parameters["attribute"].(string)
	value, err := page.Attribute(ctx, selector, attr)
	if err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")
	return map[string]any{"selector": selector, "attribute": attr, "value": value}, nil
}

func (e *Executor) handleContent(ctx context.Context, page engine.Page, inv *types.ActionInvocation, _ time.Duration) (map[string]any, error) {
	raw, err := page.Content(ctx)
	if err != nil {
		return nil, err
	}
	e.pages.Touch(inv.PageID, "")

	if extract, _ := inv.Parameters["extract"].(string); extract == "text" {
		title, text := extractText(raw)
		return map[string]any{"title": title, "text": text, "length": len(text)}, nil
	}
	return map[string]any{"content": raw, "length": len(raw)}, nil
}

// extractText walks the parsed document and collects visible text,
// skipping script and style subtrees. A parse failure degrades to
// returning the raw markup as text rather than failing the action.
func extractText(raw string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", raw
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Title:
				if n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		case html.TextNode:
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(trimmed)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, sb.String()
}

func asStringSlice(v any) ([]string, bool) {
	switch vals := v.(type) {
	case []string:
		return vals, true
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// decodeCookies converts loosely-typed wire cookies to engine cookies.
func decodeCookies(v any) []engine.Cookie {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]engine.Cookie, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		c := engine.Cookie{}
		c.Name, _ = m["name"].(string)
		c.Value, _ = m["value"].(string)
		c.Domain, _ = m["domain"].(string)
		c.Path, _ = m["path"].(string)
		c.Expires, _ = m["expires"].(float64)
		c.HTTPOnly, _ = m["httpOnly"].(bool)
		c.Secure, _ = m["secure"].(bool)
		c.SameSite, _ = m["sameSite"].(string)
		out = append(out, c)
	}
	return out
}
