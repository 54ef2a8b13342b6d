package app

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pidflow/internal/domain"
	"pidflow/internal/repo"
)

// Fixture is a YAML description of people and containers to load into an
// empty repository.
type Fixture struct {
	People      []domain.EPerson   `yaml:"people"`
	Communities []FixtureCommunity `yaml:"communities"`
}

type FixtureCommunity struct {
	Name        string              `yaml:"name"`
	Collections []FixtureCollection `yaml:"collections"`
}

type FixtureCollection struct {
	Name     string `yaml:"name"`
	Workflow string `yaml:"workflow"`
	// Roles maps a workflow role id to its members for this collection.
	Roles map[string][]string `yaml:"roles"`
}

// SeedResult lists what was created, by name.
type SeedResult struct {
	People      int              `json:"people"`
	Communities map[string]int64 `json:"communities"`
	Collections map[string]int64 `json:"collections"`
}

func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, err
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture: %w", err)
	}
	return f, nil
}

// Seed applies f in one transaction.
func Seed(ctx context.Context, r repo.Repo, f Fixture) (SeedResult, error) {
	res := SeedResult{Communities: map[string]int64{}, Collections: map[string]int64{}}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	for _, p := range f.People {
		if p.ID == "" {
			return res, fmt.Errorf("person %q: id required", p.Email)
		}
		if err := r.UpsertEPerson(ctx, tx, p); err != nil {
			return res, err
		}
		res.People++
	}
	for _, c := range f.Communities {
		commID, err := r.InsertCommunity(ctx, tx, domain.Community{Name: c.Name})
		if err != nil {
			return res, fmt.Errorf("community %s: %w", c.Name, err)
		}
		res.Communities[c.Name] = commID
		for _, coll := range c.Collections {
			collID, err := r.InsertCollection(ctx, tx, domain.Collection{Name: coll.Name, CommunityID: commID, WorkflowID: coll.Workflow})
			if err != nil {
				return res, fmt.Errorf("collection %s: %w", coll.Name, err)
			}
			res.Collections[coll.Name] = collID
			for role, members := range coll.Roles {
				for _, m := range members {
					if err := r.AddCollectionRole(ctx, tx, collID, role, m); err != nil {
						return res, fmt.Errorf("collection %s role %s: %w", coll.Name, role, err)
					}
				}
			}
		}
	}
	return res, tx.Commit()
}
