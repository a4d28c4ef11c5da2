package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// YAML OVERRIDES
// =============================================================================

// File is the on-disk override format:
//
//	signup_bonus: 25
//	costs:
//	  nano_banana_image: 5
//	  video_generation: 50
//	tiers:
//	  - name: pro
//	    allocation: 2500
//	    paid: true
type File struct {
	SignupBonus *int64           `yaml:"signup_bonus"`
	Costs       map[string]int64 `yaml:"costs"`
	Tiers       []TierFile       `yaml:"tiers"`
}

type TierFile struct {
	Name       string `yaml:"name"`
	Allocation int64  `yaml:"allocation"`
	Paid       bool   `yaml:"paid"`
}

// Load reads a YAML override file and applies it over Default().
// An empty path returns Default().
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse applies YAML overrides over Default().
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return f.Apply(Default())
}

// Apply validates the overrides and returns a new catalog; base is not
// modified.
func (f File) Apply(base *Catalog) (*Catalog, error) {
	c := &Catalog{
		costs:       make(map[string]ledger.Points, len(base.costs)+len(f.Costs)),
		tiers:       make(map[string]Tier, len(base.tiers)+len(f.Tiers)),
		signupBonus: base.signupBonus,
	}
	for k, v := range base.costs {
		c.costs[k] = v
	}
	for k, v := range base.tiers {
		c.tiers[k] = v
	}

	for name, cost := range f.Costs {
		if name == "" {
			return nil, fmt.Errorf("catalog: empty generation type")
		}
		if cost <= 0 {
			return nil, fmt.Errorf("catalog: cost for %s must be positive, got %d", name, cost)
		}
		c.costs[name] = ledger.Points(cost)
	}

	seen := make(map[string]bool, len(f.Tiers))
	for _, t := range f.Tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("catalog: tier without name")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("catalog: tier %s listed twice", t.Name)
		}
		seen[t.Name] = true
		if t.Allocation < 0 {
			return nil, fmt.Errorf("catalog: tier %s allocation must not be negative", t.Name)
		}
		c.tiers[t.Name] = Tier{Name: t.Name, Allocation: ledger.Points(t.Allocation), Paid: t.Paid}
	}

	if f.SignupBonus != nil {
		if *f.SignupBonus < 0 {
			return nil, fmt.Errorf("catalog: signup bonus must not be negative")
		}
		c.signupBonus = ledger.Points(*f.SignupBonus)
	}
	return c, nil
}
