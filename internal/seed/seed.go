// Package seed reads target seed files and expands them into planned targets.
//
// A seed file lists cities with their population, the categories to crawl in
// every city, and population tiers. The first tier whose min_population the
// city meets sets the target's priority and page budget, so large cities are
// claimed first and paginated deeper.
package seed

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/listing-crawler/internal/store"
)

// ErrNoTier is returned when a city matches no tier.
var ErrNoTier = errors.New("no tier matches city population")

// Tier maps a population floor to a claim priority and page budget.
type Tier struct {
	MinPopulation int `yaml:"min_population"`
	Priority      int `yaml:"priority"`
	MaxPages      int `yaml:"max_pages"`
}

// City is one place to crawl.
type City struct {
	Partition  string `yaml:"partition"`
	Name       string `yaml:"city"`
	Population int    `yaml:"population"`
	// Categories overrides the file-level list for this city.
	Categories []string `yaml:"categories,omitempty"`
}

// File is the seed file layout.
type File struct {
	Tiers      []Tier   `yaml:"tiers"`
	Categories []string `yaml:"categories"`
	Cities     []City   `yaml:"cities"`
}

// Load reads and validates a seed file from disk.
func Load(path string) (File, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return File{}, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a seed file and validates it.
func Parse(r io.Reader) (File, error) {
	var sf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		return File{}, fmt.Errorf("decode seed file: %w", err)
	}
	if err := sf.Validate(); err != nil {
		return File{}, err
	}
	return sf, nil
}

// Validate checks tiers and cities.
func (f File) Validate() error {
	if len(f.Tiers) == 0 {
		return fmt.Errorf("seed file needs at least one tier")
	}
	for i, t := range f.Tiers {
		if t.MinPopulation < 0 {
			return fmt.Errorf("tier %d: min_population must be >= 0", i)
		}
		if t.MaxPages <= 0 {
			return fmt.Errorf("tier %d: max_pages must be > 0", i)
		}
	}
	if len(f.Cities) == 0 {
		return fmt.Errorf("seed file lists no cities")
	}
	for i, c := range f.Cities {
		if strings.TrimSpace(c.Partition) == "" || strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("city %d: partition and city are required", i)
		}
		if len(c.Categories) == 0 && len(f.Categories) == 0 {
			return fmt.Errorf("city %q has no categories", c.Name)
		}
	}
	return nil
}

// TierFor returns the tier for a population: the matching tier with the
// highest floor.
func (f File) TierFor(population int) (Tier, error) {
	tiers := append([]Tier(nil), f.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MinPopulation > tiers[j].MinPopulation })
	for _, t := range tiers {
		if population >= t.MinPopulation {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("%w: %d", ErrNoTier, population)
}

// Targets expands every city and category into a planned target.
func (f File) Targets() ([]store.NewTarget, error) {
	var out []store.NewTarget
	for _, c := range f.Cities {
		tier, err := f.TierFor(c.Population)
		if err != nil {
			return nil, fmt.Errorf("city %q: %w", c.Name, err)
		}
		categories := c.Categories
		if len(categories) == 0 {
			categories = f.Categories
		}
		for _, category := range categories {
			category = strings.TrimSpace(category)
			if category == "" {
				continue
			}
			out = append(out, store.NewTarget{
				PartitionKey: strings.TrimSpace(c.Partition),
				City:         strings.TrimSpace(c.Name),
				Category:     category,
				Priority:     tier.Priority,
				MaxPages:     tier.MaxPages,
			})
		}
	}
	return out, nil
}
