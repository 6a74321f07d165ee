// Package catalog holds the ordered, read-only list of rounds every room plays through.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/wfunc/georoom/models"
)

// ErrOutOfRange is returned by Get for an index outside the catalog.
var ErrOutOfRange = errors.New("round index out of range")

// Source produces the raw rounds once at startup.
type Source interface {
	LoadRounds(ctx context.Context) ([]models.Round, error)
}

// Catalog is immutable after construction and safe for concurrent reads.
type Catalog struct {
	rounds []models.Round
}

// New validates and copies rounds into a catalog.
func New(rounds []models.Round) (*Catalog, error) {
	for i, r := range rounds {
		if err := validate(r); err != nil {
			return nil, fmt.Errorf("%w: round %d: %v", models.ErrCatalogLoad, i, err)
		}
	}
	cp := make([]models.Round, len(rounds))
	copy(cp, rounds)
	return &Catalog{rounds: cp}, nil
}

// Empty returns a catalog with no rounds, used when running degraded.
func Empty() *Catalog {
	return &Catalog{}
}

// Load reads all rounds from src. Any source failure or malformed round is
// reported as models.ErrCatalogLoad.
func Load(ctx context.Context, src Source) (*Catalog, error) {
	rounds, err := src.LoadRounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCatalogLoad, err)
	}
	if len(rounds) == 0 {
		return nil, fmt.Errorf("%w: source returned no rounds", models.ErrCatalogLoad)
	}
	return New(rounds)
}

// Len returns the number of rounds.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rounds)
}

// Get returns the round at index i.
func (c *Catalog) Get(i int) (models.Round, error) {
	if i < 0 || i >= c.Len() {
		return models.Round{}, fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, i, c.Len())
	}
	return c.rounds[i], nil
}

func validate(r models.Round) error {
	if r.ImageRef == "" {
		return errors.New("missing image reference")
	}
	if r.CorrectLocation.Lat < -90 || r.CorrectLocation.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", r.CorrectLocation.Lat)
	}
	if r.CorrectLocation.Lon < -180 || r.CorrectLocation.Lon > 180 {
		return fmt.Errorf("longitude %v out of range", r.CorrectLocation.Lon)
	}
	return nil
}
