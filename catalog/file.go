package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/wfunc/georoom/models"
	"gopkg.in/yaml.v3"
)

// FileSource reads rounds from a YAML (or JSON) document:
//
//	rounds:
//	  - image: img/0001.webp
//	    lat: 48.8584
//	    lon: 2.2945
type FileSource struct {
	Path string
}

type fileRound struct {
	Image string   `yaml:"image"`
	Lat   *float64 `yaml:"lat"`
	Lon   *float64 `yaml:"lon"`
}

type fileDoc struct {
	Rounds []fileRound `yaml:"rounds"`
}

// LoadRounds implements Source.
func (s FileSource) LoadRounds(ctx context.Context) ([]models.Round, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) ([]models.Round, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rounds: %w", err)
	}

	rounds := make([]models.Round, 0, len(doc.Rounds))
	for i, fr := range doc.Rounds {
		if fr.Lat == nil || fr.Lon == nil {
			return nil, fmt.Errorf("round %d: missing coordinates", i)
		}
		rounds = append(rounds, models.Round{
			ImageRef:        fr.Image,
			CorrectLocation: models.Location{Lat: *fr.Lat, Lon: *fr.Lon},
		})
	}
	return rounds, nil
}
