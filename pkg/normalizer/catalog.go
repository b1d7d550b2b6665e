package normalizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Category struct {
	Name          string            `yaml:"name" json:"name"`
	Aliases       []string          `yaml:"aliases" json:"aliases"`
	SubCategories map[string]string `yaml:"subCategories" json:"subCategories"` // alias -> canonical
}

// Catalog canonicalises category labels coming from different producers.
type Catalog struct {
	Categories []Category `yaml:"categories" json:"categories"`

	index map[string]*Category
}

func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return nil, err
	}
	if len(cat.Categories) == 0 {
		return nil, fmt.Errorf("category catalog empty")
	}
	cat.buildIndex()
	return &cat, nil
}

func (c *Catalog) buildIndex() {
	c.index = make(map[string]*Category)
	for i := range c.Categories {
		cat := &c.Categories[i]
		c.index[foldKey(cat.Name)] = cat
		for _, alias := range cat.Aliases {
			c.index[foldKey(alias)] = cat
		}
	}
}

// Canonical returns the catalog spelling of category and subCategory. Labels the
// catalog does not know pass through trimmed but otherwise unchanged.
func (c *Catalog) Canonical(category, subCategory string) (string, string) {
	category = strings.TrimSpace(category)
	subCategory = strings.TrimSpace(subCategory)
	if c == nil || category == "" {
		return category, subCategory
	}
	cat, ok := c.index[foldKey(category)]
	if !ok {
		return category, subCategory
	}
	if subCategory != "" {
		for alias, canonical := range cat.SubCategories {
			if strings.EqualFold(alias, subCategory) || strings.EqualFold(canonical, subCategory) {
				subCategory = canonical
				break
			}
		}
	}
	return cat.Name, subCategory
}

func foldKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func DefaultCatalog() *Catalog {
	cat := &Catalog{Categories: []Category{
		{Name: "Music", Aliases: []string{"music", "음악", "mv"}, SubCategories: map[string]string{"kpop": "K-Pop", "k-pop": "K-Pop", "live": "Live"}},
		{Name: "Gaming", Aliases: []string{"game", "games", "게임"}},
		{Name: "News", Aliases: []string{"news", "뉴스"}},
		{Name: "Entertainment", Aliases: []string{"entertainment", "예능"}},
		{Name: "Education", Aliases: []string{"education", "교육"}},
	}}
	cat.buildIndex()
	return cat
}
