package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"hp45-host/pkg/log"
)

// ErrRestartRequired marks a changed section that has no live handler.
var ErrRestartRequired = errors.New("config: change needs a restart")

// ApplyFunc applies a changed section to the running daemon. A deleted
// section is passed as an empty section so defaults apply.
type ApplyFunc func(sec *Section) error

// ReloadResult is the outcome for one changed section.
type ReloadResult struct {
	Section string
	Applied bool
	Err     error
}

// Reloader re-reads the config file and hands changed sections to the
// handlers registered for them.
type Reloader struct {
	mu       sync.Mutex
	path     string
	current  *Config
	handlers map[string]ApplyFunc
	debounce time.Duration
	last     time.Time
	logger   *log.Logger
}

// NewReloader starts from current, the config the daemon was built with.
func NewReloader(path string, current *Config) *Reloader {
	return &Reloader{
		path:     path,
		current:  current,
		handlers: make(map[string]ApplyFunc),
		debounce: 100 * time.Millisecond,
		logger:   log.GetLogger("config"),
	}
}

// SetDebounce sets the minimum time between file reloads.
func (r *Reloader) SetDebounce(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debounce = d
}

// Handle registers fn for changes to section.
func (r *Reloader) Handle(section string, fn ApplyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[section] = fn
}

// Current returns the config in effect.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reload reads the file again and applies what changed. Calls within the
// debounce window return nil results.
func (r *Reloader) Reload() ([]ReloadResult, error) {
	r.mu.Lock()
	if time.Since(r.last) < r.debounce {
		r.mu.Unlock()
		return nil, nil
	}
	r.mu.Unlock()

	next, err := Load(r.path)
	if err != nil {
		return nil, fmt.Errorf("config: reload %s: %w", r.path, err)
	}
	return r.ReloadWith(next), nil
}

// ReloadWith applies the differences between the current config and next.
// Sections that applied cleanly, and those without a handler, become
// current; a section whose handler failed keeps its old contents, so the
// same change is retried on the next reload.
func (r *Reloader) ReloadWith(next *Config) []ReloadResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var results []ReloadResult
	for _, name := range r.current.Diff(next) {
		res := ReloadResult{Section: name}
		fn, ok := r.handlers[name]
		if !ok {
			res.Err = ErrRestartRequired
			r.logger.WithField("section", name).Warn("section changed, restart to apply")
			results = append(results, res)
			continue
		}

		sec := next.section(name)
		if sec == nil {
			sec = newSection(name, nil)
		}
		if err := fn(sec); err != nil {
			res.Err = err
			r.logger.WithError(err).WithField("section", name).Error("reload failed")
			next.replaceSection(name, r.current.section(name))
		} else {
			res.Applied = true
			r.logger.WithField("section", name).Info("section reloaded")
		}
		results = append(results, res)
	}

	r.current = next
	r.last = time.Now()
	return results
}
