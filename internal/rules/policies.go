/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rules

import (
	"math/rand"
	"time"

	"github.com/retrovue/retrovue/internal/models"
)

func init() {
	Register("sequential", sequentialSelector{})
	Register("rotation", rotationSelector{})
	Register("shuffle", shuffleSelector{})
}

// sequentialSelector walks the pool in catalog order from the top every
// build. It carries no state.
type sequentialSelector struct{}

func (sequentialSelector) Select(pool []models.CatalogAsset, spec Spec, target time.Duration, state State) ([]models.CatalogAsset, State, error) {
	chosen := takeUntil(pool, 0, spec.MaxItems, target)
	return chosen, state, nil
}

// rotationSelector rotates evenly through the pool. The cursor lives in
// the explicit state value so a rebuild with the same state input picks
// the same assets.
type rotationSelector struct{}

func (rotationSelector) Select(pool []models.CatalogAsset, spec Spec, target time.Duration, state State) ([]models.CatalogAsset, State, error) {
	cursor := state.intValue("cursor") % len(pool)
	chosen := takeUntil(pool, cursor, spec.MaxItems, target)

	next := state.Clone()
	next["cursor"] = (cursor + len(chosen)) % len(pool)
	return chosen, next, nil
}

// shuffleSelector shuffles the pool with a seed drawn from the explicit
// state, so "random" order is reproducible across rebuilds.
type shuffleSelector struct{}

func (shuffleSelector) Select(pool []models.CatalogAsset, spec Spec, target time.Duration, state State) ([]models.CatalogAsset, State, error) {
	seed := int64(state.intValue("seed"))
	rng := rand.New(rand.NewSource(seed))

	shuffled := append([]models.CatalogAsset(nil), pool...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	chosen := takeUntil(shuffled, 0, spec.MaxItems, target)

	next := state.Clone()
	next["seed"] = int(seed) + 1
	return chosen, next, nil
}

// takeUntil collects assets starting at offset until the cumulative
// duration meets target, the item cap is hit, or the pool is exhausted.
// Each asset is used at most once per selection.
func takeUntil(pool []models.CatalogAsset, offset, maxItems int, target time.Duration) []models.CatalogAsset {
	var chosen []models.CatalogAsset
	var total time.Duration

	for i := 0; i < len(pool) && total < target; i++ {
		if maxItems > 0 && len(chosen) >= maxItems {
			break
		}
		asset := pool[(offset+i)%len(pool)]
		if asset.Duration <= 0 {
			continue
		}
		chosen = append(chosen, asset)
		total += asset.Duration
	}
	return chosen
}
