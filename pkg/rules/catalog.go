package rules

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// Catalog is an immutable, validated set of patterns.
type Catalog struct {
	name     string
	patterns []Pattern
	index    map[string]int
}

type catalogFile struct {
	Name     string    `yaml:"name"`
	Patterns []Pattern `yaml:"patterns"`
}

// New validates patterns and builds a catalog. Pattern ids must be unique.
// Patterns are kept sorted by id.
func New(name string, patterns ...Pattern) (*Catalog, error) {
	c := &Catalog{name: name, index: make(map[string]int, len(patterns))}
	var errs []error
	for _, p := range patterns {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.index[p.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate pattern id %q", ErrInvalidPattern, p.ID))
			continue
		}
		c.index[p.ID] = -1
		c.patterns = append(c.patterns, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	slices.SortFunc(c.patterns, func(a, b Pattern) int { return strings.Compare(a.ID, b.ID) })
	for i, p := range c.patterns {
		c.index[p.ID] = i
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog. Unknown fields are rejected
// so typos in rule definitions surface at load time.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: decoding catalog: %v", ErrInvalidPattern, err)
	}
	return New(f.Name, f.Patterns...)
}

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("load default_catalog.yaml: %v", err))
	}
	return c
}

// DefaultYAML returns the built-in catalog source.
func DefaultYAML() []byte {
	return bytes.Clone(defaultCatalogYAML)
}

// Name returns the catalog's name.
func (c *Catalog) Name() string { return c.name }

// Len returns the number of patterns.
func (c *Catalog) Len() int { return len(c.patterns) }

// Patterns returns all patterns sorted by id, including disabled ones.
func (c *Catalog) Patterns() []Pattern {
	return slices.Clone(c.patterns)
}

// Enabled returns the patterns that take part in evaluation, sorted by id.
func (c *Catalog) Enabled() []Pattern {
	var out []Pattern
	for _, p := range c.patterns {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}

// Pattern looks up a pattern by id.
func (c *Catalog) Pattern(id string) (Pattern, bool) {
	i, ok := c.index[id]
	if !ok {
		return Pattern{}, false
	}
	return c.patterns[i], true
}

// Marshal encodes the catalog back to YAML.
func (c *Catalog) Marshal() ([]byte, error) {
	return yaml.Marshal(catalogFile{Name: c.name, Patterns: c.patterns})
}
