package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config is a parsed INI-style configuration with access tracking, so that
// misspelled or leftover options can be reported after startup.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
	accessed map[string]struct{}
}

// New creates an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		accessed: make(map[string]struct{}),
	}
}

// Load reads a configuration file. [include path] sections pull in other
// files relative to the including one; globs are allowed.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.loadFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses configuration text. Include sections are rejected.
func LoadString(data string) (*Config, error) {
	c := New()
	p := parser{cfg: c, name: "<string>"}
	if err := p.parse(strings.NewReader(data)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	p := parser{
		cfg:  c,
		name: path,
		include: func(spec string) error {
			glob := filepath.Join(filepath.Dir(abs), spec)
			matches, err := filepath.Glob(glob)
			if err != nil {
				return fmt.Errorf("config: invalid include pattern %q: %w", spec, err)
			}
			if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
				return fmt.Errorf("config: include file does not exist: %s", glob)
			}
			sort.Strings(matches)
			for _, m := range matches {
				if err := c.loadFile(m, visited); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return p.parse(f)
}

type parser struct {
	cfg     *Config
	name    string
	include func(spec string) error

	section string
	options map[string]string
}

func (p *parser) flush() {
	if p.section != "" {
		p.cfg.addSection(p.section, p.options)
	}
	p.section, p.options = "", nil
}

func (p *parser) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			p.flush()
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return fmt.Errorf("config: empty section header at line %d in %s", lineNum, p.name)
			}
			if spec, ok := strings.CutPrefix(header, "include "); ok {
				spec = strings.TrimSpace(spec)
				if p.include == nil {
					return fmt.Errorf("config: include not supported in %s (line %d)", p.name, lineNum)
				}
				if spec == "" {
					return fmt.Errorf("config: empty include at line %d in %s", lineNum, p.name)
				}
				if err := p.include(spec); err != nil {
					return err
				}
				continue
			}
			p.section = header
			p.options = make(map[string]string)
			continue
		}

		// Options before the first section are ignored.
		if p.section == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			key, value, ok = strings.Cut(line, "=")
		}
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("config: malformed line %d in %s: %q", lineNum, p.name, line)
		}
		p.options[key] = strings.TrimSpace(value)
	}
	p.flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", p.name, err)
	}
	return nil
}

// addSection adds a section, merging options into an existing one of the
// same name.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// replaceSection swaps in a copy of sec under name, or removes name when
// sec is nil.
func (c *Config) replaceSection(name string, sec *Section) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.sections[name]
	if sec == nil {
		if exists {
			delete(c.sections, name)
			for i, n := range c.order {
				if n == name {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
		}
		return
	}
	c.sections[name] = newSection(name, sec.RawOptions())
	if !exists {
		c.order = append(c.order, name)
	}
}

// GetSection returns a section by name and marks it used.
func (c *Config) GetSection(name string) (*Section, error) {
	if sec := c.GetSectionOptional(name); sec != nil {
		return sec, nil
	}
	return nil, ErrMissingSection(name)
}

// GetSectionOptional returns a section if it exists, or nil.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if ok {
		c.accessed[name] = struct{}{}
	}
	return sec
}

// HasSection checks if a section exists without marking it used.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, len(c.order))
	copy(result, c.order)
	return result
}

// section returns a section without marking it used.
func (c *Config) section(name string) *Section {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sections[name]
}

// GetUnusedSections returns the sections nothing asked for, sorted.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name := range c.sections {
		if _, ok := c.accessed[name]; !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// CheckUnused returns an error naming every unused section and option.
func (c *Config) CheckUnused() error {
	var problems []string
	if unused := c.GetUnusedSections(); len(unused) > 0 {
		problems = append(problems, fmt.Sprintf("unused sections %v", unused))
	}

	c.mu.RLock()
	for name, sec := range c.sections {
		if _, ok := c.accessed[name]; !ok {
			continue
		}
		if unused := sec.GetUnusedOptions(); len(unused) > 0 {
			problems = append(problems, fmt.Sprintf("[%s]: unused options %v", name, unused))
		}
	}
	c.mu.RUnlock()

	if len(problems) > 0 {
		sort.Strings(problems)
		return NewConfigError("", "", strings.Join(problems, "; "))
	}
	return nil
}

// Diff returns the names of sections that were added, removed or changed
// in other, in sorted order.
func (c *Config) Diff(other *Config) []string {
	changed := make(map[string]struct{})
	for _, name := range other.GetSectionNames() {
		old := c.section(name)
		if old == nil || !old.Equal(other.section(name)) {
			changed[name] = struct{}{}
		}
	}
	for _, name := range c.GetSectionNames() {
		if !other.HasSection(name) {
			changed[name] = struct{}{}
		}
	}

	result := make([]string, 0, len(changed))
	for name := range changed {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}
