package services

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed data/recommendations.yaml
var defaultCatalog []byte

// ConstraintCategory maps reasoning keywords to one recommendation.
type ConstraintCategory struct {
	Name           string   `yaml:"name"`
	Keywords       []string `yaml:"keywords"`
	Recommendation string   `yaml:"recommendation"`

	patterns []*regexp.Regexp
}

// RecommendationCatalog correlates free text with known constraint categories.
type RecommendationCatalog struct {
	Categories []ConstraintCategory `yaml:"categories"`
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *RecommendationCatalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded recommendation catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file, or returns the embedded one when path is empty.
func LoadCatalog(path string) (*RecommendationCatalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*RecommendationCatalog, error) {
	var c RecommendationCatalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	for i := range c.Categories {
		cat := &c.Categories[i]
		if cat.Name == "" || cat.Recommendation == "" {
			return nil, fmt.Errorf("category %d needs a name and a recommendation", i)
		}
		for _, kw := range cat.Keywords {
			// word boundaries keep "far" from matching "farm"
			cat.patterns = append(cat.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(strings.TrimSpace(kw))+`\b`))
		}
	}
	return &c, nil
}

// Match returns the recommendations of every category mentioned in texts,
// in catalog order.
func (c *RecommendationCatalog) Match(texts ...string) []string {
	joined := strings.Join(texts, "\n")
	var out []string
	for _, cat := range c.Categories {
		for _, p := range cat.patterns {
			if p.MatchString(joined) {
				out = append(out, cat.Recommendation)
				break
			}
		}
	}
	return out
}
