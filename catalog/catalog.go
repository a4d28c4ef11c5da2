/*
Package catalog holds the cost schedule and the tier catalog.

PURPOSE:
  Maps a generation type to its integer point cost, and a subscription tier
  to its per-cycle allocation. Both are static for the life of the process.

CATALOG:
  Generation costs (points per generation):
    nano_banana_image  5
    nano_banana_edit   5
    flux_image         8
    image_upscale      2
    video_generation   40

  Tiers (points per billing cycle):
    free   0     unpaid
    basic  800   paid
    pro    2000  paid
    max    5000  paid

  Signup bonus: 20

OVERRIDES:
  A YAML file can replace or extend any entry, see loader.go.

ERRORS:
  An unknown generation type is a ConfigError. It is fatal to the caller
  and never retried: retrying cannot make the type known.

SEE ALSO:
  - credits/service.go: DeductPoints looks up cost here
  - reconcile/checks.go: tier allocation drives duplicate-grant repair
*/
package catalog

import (
	"fmt"
	"sort"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// TYPES
// =============================================================================

// Tier is a subscription plan.
type Tier struct {
	Name       string
	Allocation ledger.Points
	Paid       bool
}

// Catalog is read-only after construction and safe for concurrent use.
type Catalog struct {
	costs       map[string]ledger.Points
	tiers       map[string]Tier
	signupBonus ledger.Points
}

// ConfigError is returned for a generation type with no configured cost.
type ConfigError struct {
	GenerationType string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("no cost configured for generation type %q", e.GenerationType)
}

func (e *ConfigError) Unwrap() error {
	return ledger.ErrUnknownGenerationType
}

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	NanoBananaImage = "nano_banana_image"
	NanoBananaEdit  = "nano_banana_edit"
	FluxImage       = "flux_image"
	ImageUpscale    = "image_upscale"
	VideoGeneration = "video_generation"
)

const (
	TierFree  = "free"
	TierBasic = "basic"
	TierPro   = "pro"
	TierMax   = "max"
)

const DefaultSignupBonus ledger.Points = 20

// Default returns the compiled-in catalog.
func Default() *Catalog {
	return &Catalog{
		costs: map[string]ledger.Points{
			NanoBananaImage: 5,
			NanoBananaEdit:  5,
			FluxImage:       8,
			ImageUpscale:    2,
			VideoGeneration: 40,
		},
		tiers: map[string]Tier{
			TierFree:  {Name: TierFree, Allocation: 0, Paid: false},
			TierBasic: {Name: TierBasic, Allocation: 800, Paid: true},
			TierPro:   {Name: TierPro, Allocation: 2000, Paid: true},
			TierMax:   {Name: TierMax, Allocation: 5000, Paid: true},
		},
		signupBonus: DefaultSignupBonus,
	}
}

// =============================================================================
// LOOKUPS
// =============================================================================

// Cost returns the positive point cost of a generation type.
func (c *Catalog) Cost(generationType string) (ledger.Points, error) {
	cost, ok := c.costs[generationType]
	if !ok {
		return 0, &ConfigError{GenerationType: generationType}
	}
	return cost, nil
}

// Tier returns the named tier.
func (c *Catalog) Tier(name string) (Tier, bool) {
	t, ok := c.tiers[name]
	return t, ok
}

// IsPaid reports whether the tier is a known paid tier.
func (c *Catalog) IsPaid(name string) bool {
	t, ok := c.tiers[name]
	return ok && t.Paid
}

func (c *Catalog) SignupBonus() ledger.Points {
	return c.signupBonus
}

// GenerationTypes lists configured types, sorted.
func (c *Catalog) GenerationTypes() []string {
	result := make([]string, 0, len(c.costs))
	for k := range c.costs {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Tiers lists configured tiers sorted by allocation.
func (c *Catalog) Tiers() []Tier {
	result := make([]Tier, 0, len(c.tiers))
	for _, t := range c.tiers {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Allocation != result[j].Allocation {
			return result[i].Allocation < result[j].Allocation
		}
		return result[i].Name < result[j].Name
	})
	return result
}
