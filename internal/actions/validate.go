package actions

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/security"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// namedKeys are the non-printable key names accepted by keyboard actions.
var namedKeys = map[string]bool{
	"Enter": true, "Tab": true, "Escape": true, "Backspace": true,
	"Delete": true, "ArrowUp": true, "ArrowDown": true, "ArrowLeft": true,
	"ArrowRight": true, "Home": true, "End": true, "PageUp": true,
	"PageDown": true, "Space": true,
}

// whitespaceRun collapses script whitespace for normalization.
var whitespaceRun = regexp.MustCompile(`\s+`)

// Validate checks an invocation's parameters against the active policy.
// It returns ErrInvalidParameters or ErrUnsafeScript wrapped with detail.
func (e *Executor) Validate(inv *types.ActionInvocation) error {
	policy := e.policies.Current()
	params := inv.Parameters

	switch inv.ActionType {
	case types.ActionNavigate:
		rawURL, err := requireString(params, "url")
		if err != nil {
			return err
		}
		clean, err := security.SanitizeNavigationURL(rawURL, policy.Navigation.AllowLocal)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidParameters, err)
		}
		host := hostOf(clean)
		if !policy.HostAllowed(host) {
			return fmt.Errorf("%w: host %q is not on the allow-list", types.ErrInvalidParameters, host)
		}
		if w, ok := params["waitUntil"].(string); ok {
			switch w {
			case "load", "domcontentloaded", "networkidle0", "networkidle2":
			default:
				return fmt.Errorf("%w: invalid waitUntil %q", types.ErrInvalidParameters, w)
			}
		}
		// Store the sanitized form so handlers never see the raw URL.
		params["url"] = clean
		return nil

	case types.ActionClick, types.ActionContent:
		if inv.ActionType == types.ActionContent {
			return nil
		}
		_, err := requireSelector(params, policy)
		return err

	case types.ActionType_:
		if _, err := requireSelector(params, policy); err != nil {
			return err
		}
		text, err := requireString(params, "text")
		if err != nil {
			return err
		}
		if !printable(text) {
			return fmt.Errorf("%w: text contains non-printable characters", types.ErrInvalidParameters)
		}
		return nil

	case types.ActionSelect:
		if _, err := requireSelector(params, policy); err != nil {
			return err
		}
		values, err := requireStringSlice(params, "values")
		if err != nil {
			return err
		}
		if len(values) == 0 {
			return fmt.Errorf("%w: values must not be empty", types.ErrInvalidParameters)
		}
		return nil

	case types.ActionKeyboard:
		keys, err := requireStringSlice(params, "keys")
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return fmt.Errorf("%w: keys must not be empty", types.ErrInvalidParameters)
		}
		for _, k := range keys {
			if namedKeys[k] {
				continue
			}
			if len([]rune(k)) == 1 && printable(k) {
				continue
			}
			return fmt.Errorf("%w: unsupported key %q", types.ErrInvalidParameters, k)
		}
		return nil

	case types.ActionMouse:
		x, err := requireNumber(params, "x")
		if err != nil {
			return err
		}
		y, err := requireNumber(params, "y")
		if err != nil {
			return err
		}
		if x < 0 || y < 0 {
			return fmt.Errorf("%w: coordinates must be non-negative", types.ErrInvalidParameters)
		}
		if op, ok := params["operation"].(string); ok && op != "move" && op != "click" {
			return fmt.Errorf("%w: invalid mouse operation %q", types.ErrInvalidParameters, op)
		}
		return nil

	case types.ActionScreenshot, types.ActionPDF:
		return nil

	case types.ActionWait:
		waitFor, err := requireString(params, "waitFor")
		if err != nil {
			return err
		}
		switch waitFor {
		case "selector":
			_, err := requireSelector(params, policy)
			return err
		case "navigation", "networkidle", "load":
			return nil
		case "timeout":
			d, err := requireNumber(params, "durationMs")
			if err != nil {
				return err
			}
			if d < 0 || d > float64(maxActionTimeout/time.Millisecond) {
				return fmt.Errorf("%w: durationMs must be within [0, %d]", types.ErrInvalidParameters, maxActionTimeout/time.Millisecond)
			}
			return nil
		case "function":
			fn, err := requireString(params, "function")
			if err != nil {
				return err
			}
			return e.checkScript(fn, policy)
		default:
			return fmt.Errorf("%w: invalid waitFor %q", types.ErrInvalidParameters, waitFor)
		}

	case types.ActionScroll:
		if _, ok := params["selector"]; ok {
			_, err := requireSelector(params, policy)
			return err
		}
		if _, err := requireNumber(params, "dy"); err != nil {
			if _, err2 := requireNumber(params, "dx"); err2 != nil {
				return fmt.Errorf("%w: scroll needs a selector or dx/dy", types.ErrInvalidParameters)
			}
		}
		return nil

	case types.ActionEvaluate:
		script, err := requireString(params, "script")
		if err != nil {
			return err
		}
		return e.checkScript(script, policy)

	case types.ActionUpload:
		if _, err := requireSelector(params, policy); err != nil {
			return err
		}
		paths, err := requireStringSlice(params, "filePaths")
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return fmt.Errorf("%w: filePaths must not be empty", types.ErrInvalidParameters)
		}
		return checkUploads(paths, policy)

	case types.ActionCookie:
		op, err := requireString(params, "operation")
		if err != nil {
			return err
		}
		switch op {
		case "get", "clear":
			return nil
		case "set":
			if _, ok := params["cookies"]; !ok {
				return fmt.Errorf("%w: cookie set requires cookies", types.ErrInvalidParameters)
			}
			return nil
		case "delete":
			_, err := requireString(params, "name")
			return err
		default:
			return fmt.Errorf("%w: invalid cookie operation %q", types.ErrInvalidParameters, op)
		}

	case types.ActionGetAttribute:
		if _, err := requireSelector(params, policy); err != nil {
			return err
		}
		_, err := requireString(params, "attribute")
		return err

	default:
		return fmt.Errorf("%w: %q", types.ErrUnknownAction, inv.ActionType)
	}
}

// checkScript rejects scripts containing dangerous constructs. Matching
// runs on a normalized form so whitespace or case tricks do not slip by.
func (e *Executor) checkScript(script string, policy *Policy) error {
	if len(script) > policy.Script.MaxLength {
		return fmt.Errorf("%w: script exceeds %d bytes", types.ErrInvalidParameters, policy.Script.MaxLength)
	}
	normalized := strings.ToLower(whitespaceRun.ReplaceAllString(script, " "))
	compact := strings.ReplaceAll(normalized, " ", "")
	for _, ident := range policy.Script.DangerousIdentifiers {
		needle := strings.ToLower(ident)
		if strings.Contains(normalized, needle) || strings.Contains(compact, strings.ReplaceAll(needle, " ", "")) {
			return fmt.Errorf("%w: contains %q", types.ErrUnsafeScript, ident)
		}
	}
	return nil
}

// checkUploads validates paths, extensions, and sizes.
func checkUploads(paths []string, policy *Policy) error {
	var total int64
	for _, p := range paths {
		if strings.Contains(p, "..") {
			return fmt.Errorf("%w: path traversal in %q", types.ErrInvalidParameters, p)
		}
		if !policy.ExtensionAllowed(p) {
			return fmt.Errorf("%w: file type of %q not allowed", types.ErrInvalidParameters, p)
		}
		fi, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("%w: cannot stat %q", types.ErrInvalidParameters, p)
		}
		if fi.Size() > policy.Upload.MaxFileSize {
			return fmt.Errorf("%w: %q exceeds per-file size limit", types.ErrInvalidParameters, p)
		}
		total += fi.Size()
	}
	if total > policy.Upload.MaxTotalSize {
		return fmt.Errorf("%w: upload batch exceeds total size limit", types.ErrInvalidParameters)
	}
	return nil
}

func requireSelector(params map[string]any, policy *Policy) (string, error) {
	sel, err := requireString(params, "selector")
	if err != nil {
		return "", err
	}
	if len(sel) > policy.Selector.MaxLength {
		return "", fmt.Errorf("%w: selector exceeds %d characters", types.ErrInvalidParameters, policy.Selector.MaxLength)
	}
	return sel, nil
}

func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", types.ErrInvalidParameters, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", types.ErrInvalidParameters, key)
	}
	return s, nil
}

func requireNumber(params map[string]any, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", types.ErrInvalidParameters, key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", types.ErrInvalidParameters, key)
	}
}

func requireStringSlice(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", types.ErrInvalidParameters, key)
	}
	switch vals := v.(type) {
	case []string:
		return vals, nil
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %q must contain only strings", types.ErrInvalidParameters, key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q must be a string array", types.ErrInvalidParameters, key)
	}
}

func printable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) && r != '\n' && r != '\t' {
			return false
		}
	}
	return true
}

func hostOf(rawURL string) string {
	// The URL already survived SanitizeNavigationURL, so parsing succeeds.
	if idx := strings.Index(rawURL, "://"); idx >= 0 {
		rest := rawURL[idx+3:]
		for i, r := range rest {
			if r == '/' || r == '?' || r == '#' || r == ':' {
				return strings.ToLower(rest[:i])
			}
		}
		return strings.ToLower(rest)
	}
	return ""
}
