package explain

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/coigraph/pkg/cache"
	"github.com/orneryd/coigraph/pkg/graph"
)

// PolicyResolver looks up policy links for an entity type in a
// jurisdiction. Implementations are external collaborators; errors only
// drop the enrichment, they never fail an explanation.
type PolicyResolver interface {
	PolicyLinksFor(entityType graph.EntityType, jurisdiction string) ([]string, error)
}

// PolicyRule maps an entity type and jurisdiction to policy URLs.
// "*" (or an empty value) matches anything.
type PolicyRule struct {
	Type         string   `yaml:"type"`
	Jurisdiction string   `yaml:"jurisdiction"`
	URLs         []string `yaml:"urls"`
}

func (r PolicyRule) matches(t graph.EntityType, jurisdiction string) bool {
	typeOK := r.Type == "" || r.Type == "*" || strings.EqualFold(r.Type, string(t))
	jurOK := r.Jurisdiction == "" || r.Jurisdiction == "*" || strings.EqualFold(r.Jurisdiction, jurisdiction)
	return typeOK && jurOK
}

// StaticResolver answers from a fixed rule list, in rule order.
//
// Example policies file:
//
//	links:
//	  - type: Institution
//	    jurisdiction: US
//	    urls: [https://grants.nih.gov/policy/coi]
//	  - type: "*"
//	    urls: [https://publicationethics.org/competinginterests]
type StaticResolver struct {
	Rules []PolicyRule `yaml:"links"`
}

// PolicyLinksFor returns the de-duplicated URLs of every matching rule.
func (s *StaticResolver) PolicyLinksFor(t graph.EntityType, jurisdiction string) ([]string, error) {
	var out []string
	for _, r := range s.Rules {
		if !r.matches(t, jurisdiction) {
			continue
		}
		for _, u := range r.URLs {
			if !slices.Contains(out, u) {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

// LoadPolicies reads a StaticResolver from a YAML file.
func LoadPolicies(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy links: %w", err)
	}
	var s StaticResolver
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing policy links %s: %w", path, err)
	}
	return &s, nil
}

// CachedResolver memoises another resolver's answers.
type CachedResolver struct {
	next  PolicyResolver
	cache *cache.LRU[string, []string]
}

// NewCachedResolver wraps next with an LRU cache of the given size and TTL.
func NewCachedResolver(next PolicyResolver, size int, ttl time.Duration) *CachedResolver {
	return &CachedResolver{next: next, cache: cache.New[string, []string](size, ttl)}
}

// PolicyLinksFor serves from cache, falling through to the wrapped resolver
// on a miss. Errors are not cached.
func (c *CachedResolver) PolicyLinksFor(t graph.EntityType, jurisdiction string) ([]string, error) {
	key := string(t) + "\x00" + strings.ToUpper(jurisdiction)
	if links, ok := c.cache.Get(key); ok {
		return slices.Clone(links), nil
	}
	links, err := c.next.PolicyLinksFor(t, jurisdiction)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, slices.Clone(links))
	return links, nil
}

// Stats exposes cache statistics.
func (c *CachedResolver) Stats() cache.Stats {
	return c.cache.Stats()
}
