// Package actions validates and executes automation commands against pages.
package actions

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var embeddedPolicy []byte

// Policy is the action security policy.
type Policy struct {
	Script struct {
		MaxLength            int      `yaml:"maxLength"`
		DangerousIdentifiers []string `yaml:"dangerousIdentifiers"`
	} `yaml:"script"`
	Selector struct {
		MaxLength int `yaml:"maxLength"`
	} `yaml:"selector"`
	Upload struct {
		MaxFileSize       int64    `yaml:"maxFileSize"`
		MaxTotalSize      int64    `yaml:"maxTotalSize"`
		AllowedExtensions []string `yaml:"allowedExtensions"`
	} `yaml:"upload"`
	Navigation struct {
		AllowedHosts []string `yaml:"allowedHosts"`
		AllowLocal   bool     `yaml:"allowLocal"`
	} `yaml:"navigation"`
}

// HostAllowed checks the navigation allow-list. An empty list allows any
// host that already passed the SSRF checks.
func (p *Policy) HostAllowed(host string) bool {
	if len(p.Navigation.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range p.Navigation.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// ExtensionAllowed checks an upload file extension against the policy.
func (p *Policy) ExtensionAllowed(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range p.Upload.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// PolicyManager serves the active policy with lock-free reads and
// optional hot reload from an external override file.
type PolicyManager struct {
	embedded *Policy
	current  atomic.Value // *Policy

	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPolicyManager loads the embedded policy and, when externalPath is
// set, overlays the file and optionally watches it for changes.
func NewPolicyManager(externalPath string, hotReload bool) (*PolicyManager, error) {
	embedded, err := parsePolicy(embeddedPolicy)
	if err != nil {
		return nil, fmt.Errorf("embedded policy is invalid: %w", err)
	}

	m := &PolicyManager{
		embedded:     embedded,
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(embedded)

	if externalPath != "" {
		if err := m.loadExternal(); err != nil {
			log.Warn().Err(err).Str("path", externalPath).
				Msg("Failed to load external policy, using embedded defaults")
		} else {
			log.Info().Str("path", externalPath).Msg("Loaded external action policy")
		}
		if hotReload {
			if err := m.startWatcher(); err != nil {
				log.Warn().Err(err).Str("path", externalPath).
					Msg("Failed to start policy watcher, hot-reload disabled")
			} else {
				log.Info().Str("path", externalPath).Msg("Hot-reload enabled for action policy")
			}
		}
	}
	return m, nil
}

// Current returns the active policy. Lock-free.
func (m *PolicyManager) Current() *Policy {
	return m.current.Load().(*Policy)
}

func parsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Script.MaxLength <= 0 || p.Selector.MaxLength <= 0 || p.Upload.MaxFileSize <= 0 {
		return nil, fmt.Errorf("policy limits must be positive")
	}
	return &p, nil
}

func (m *PolicyManager) loadExternal() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		return err
	}
	p, err := parsePolicy(data)
	if err != nil {
		return fmt.Errorf("invalid policy file: %w", err)
	}
	m.current.Store(p)
	return nil
}

func (m *PolicyManager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace the file, which drops a watch
	// on the file itself.
	if err := watcher.Add(filepath.Dir(m.externalPath)); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchLoop()
	}()
	return nil
}

func (m *PolicyManager) watchLoop() {
	target := filepath.Clean(m.externalPath)
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := m.loadExternal(); err != nil {
				// Keep serving the previous policy on a bad edit.
				log.Warn().Err(err).Msg("Policy reload failed, keeping previous policy")
				continue
			}
			log.Info().Str("path", m.externalPath).Msg("Action policy reloaded")
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}

// Close stops the watcher.
func (m *PolicyManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.wg.Wait()
}
