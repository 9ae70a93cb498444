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

// Config provides access to a configuration file with access tracking.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessedSections map[string]struct{}
}

// New creates a new empty Config.
func New() *Config {
	return &Config{
		sections:         make(map[string]*Section),
		accessedSections: make(map[string]struct{}),
	}
}

// Load reads a configuration file and returns a Config.
// Supports [include glob] directives relative to the including file.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration from a string. Include directives are
// resolved relative to the working directory.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data), "<string>", ".", make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
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
	return c.parse(f, path, filepath.Dir(abs), visited)
}

// parser holds the state of one file being read. Lines indented under an
// option continue its value, joined with a newline.
type parser struct {
	c       *Config
	name    string
	dir     string
	visited map[string]bool

	section string
	options map[string]string
	lastKey string
}

func (p *parser) flush() {
	if p.section != "" {
		p.c.addSection(p.section, p.options)
	}
	p.section, p.options, p.lastKey = "", nil, ""
}

func (p *parser) fail(lineNum int, format string, args ...any) error {
	return fmt.Errorf("config: %s:%d: %s", p.name, lineNum, fmt.Sprintf(format, args...))
}

func (p *parser) line(lineNum int, raw string) error {
	text := stripComment(raw)
	if text == "" {
		return nil
	}
	continued := raw[0] == ' ' || raw[0] == '\t'
	if continued && p.lastKey != "" {
		p.options[p.lastKey] += "\n" + text
		return nil
	}
	p.lastKey = ""

	if header, ok := strings.CutPrefix(text, "["); ok {
		header, ok = strings.CutSuffix(header, "]")
		if !ok {
			return p.fail(lineNum, "unterminated section header %q", text)
		}
		p.flush()
		header = strings.TrimSpace(header)
		if header == "" {
			return p.fail(lineNum, "empty section header")
		}
		if pattern, ok := strings.CutPrefix(header, "include "); ok {
			if err := p.c.include(p.dir, strings.TrimSpace(pattern), p.visited); err != nil {
				return p.fail(lineNum, "%v", err)
			}
			return nil
		}
		p.section, p.options = header, make(map[string]string)
		return nil
	}
	if p.section == "" {
		return nil
	}

	sep := strings.IndexAny(text, ":=")
	if sep <= 0 {
		return p.fail(lineNum, "malformed option %q", text)
	}
	p.lastKey = strings.ToLower(strings.TrimSpace(text[:sep]))
	p.options[p.lastKey] = strings.TrimSpace(text[sep+1:])
	return nil
}

// parse reads "[section]" headers and "key: value" or "key = value" lines.
// '#' and ';' start comments.
func (c *Config) parse(r io.Reader, name, dir string, visited map[string]bool) error {
	p := &parser{c: c, name: name, dir: dir, visited: visited}
	scanner := bufio.NewScanner(r)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		if err := p.line(lineNum, scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", name, err)
	}
	p.flush()
	return nil
}

func (c *Config) include(dir, pattern string, visited map[string]bool) error {
	if pattern == "" {
		return fmt.Errorf("empty include")
	}
	glob := filepath.Join(dir, pattern)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return fmt.Errorf("include file does not exist: %s", glob)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := c.parseFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

func stripComment(line string) string {
	if idx := strings.IndexAny(line, "#;"); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

// addSection adds a section, merging options into an existing one.
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

// GetSection returns a Section by name, or error if not found.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	c.accessedSections[name] = struct{}{}
	return sec, nil
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]string, len(c.order))
	copy(result, c.order)
	return result
}

// CheckUnusedOptions returns an error naming options no component read
// from the sections that were accessed.
func (c *Config) CheckUnusedOptions() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	for name := range c.accessedSections {
		if unused := c.sections[name].GetUnusedOptions(); len(unused) > 0 {
			sort.Strings(unused)
			problems = append(problems, fmt.Sprintf("[%s]: unused options %v", name, unused))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return NewConfigError("", "", strings.Join(problems, "; "))
	}
	return nil
}
