package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/mechanic-dispatch/internal/models"
)

type seedFile struct {
	Mechanics []seedMechanic `yaml:"mechanics"`
}

type seedMechanic struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Specialization []string `yaml:"specialization"`
	Rating         float64  `yaml:"rating"`
	Available      *bool    `yaml:"available"`
	Latitude       *float64 `yaml:"latitude"`
	Longitude      *float64 `yaml:"longitude"`
}

// LoadSeed reads a YAML list of mechanics for local runs and demos.
// Mechanics default to active and available.
func LoadSeed(path string) ([]models.Mechanic, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	out := make([]models.Mechanic, 0, len(f.Mechanics))
	for i, s := range f.Mechanics {
		if s.ID == "" {
			return nil, fmt.Errorf("seed mechanic %d has no id", i)
		}
		m := models.Mechanic{
			ID:             s.ID,
			Name:           s.Name,
			Specialization: s.Specialization,
			Rating:         s.Rating,
			IsActive:       true,
			IsAvailable:    s.Available == nil || *s.Available,
		}
		if s.Latitude != nil && s.Longitude != nil {
			m.CurrentLocation = &models.Coord{Lat: *s.Latitude, Lon: *s.Longitude}
		}
		out = append(out, m)
	}
	return out, nil
}

// Seed upserts every mechanic, stamping UpdatedAt with at.
func Seed(ctx context.Context, s MechanicStore, mechanics []models.Mechanic, at time.Time) error {
	for _, m := range mechanics {
		m.UpdatedAt = at
		if err := s.UpsertMechanic(ctx, m); err != nil {
			return fmt.Errorf("seed mechanic %s: %w", m.ID, err)
		}
	}
	return nil
}
