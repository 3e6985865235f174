/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package rules turns a block's rule spec and a pool of canonical
// catalog assets into an ordered selection. Selection is deterministic:
// identical (pool, spec, state) input yields identical output, so
// horizon rebuilds are reproducible. Policies carry their memory in an
// explicit state value, never in process-lifetime globals.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/retrovue/retrovue/internal/models"
)

var (
	// ErrEmptyPool indicates no eligible asset matched the rule. The
	// caller treats this as an underfill/failure condition, never a
	// valid schedule.
	ErrEmptyPool = errors.New("no eligible assets for rule")

	// ErrUnknownPolicy indicates an unregistered selection policy name.
	ErrUnknownPolicy = errors.New("unknown selection policy")
)

// Spec is the parsed rule attached to a template block.
type Spec struct {
	Policy   string   `json:"policy"`
	Tags     []string `json:"tags"`
	MaxItems int      `json:"max_items"`
}

// ParseSpec decodes a raw rule map into a Spec.
func ParseSpec(raw models.JSONMap) (Spec, error) {
	bytes, err := json.Marshal(raw)
	if err != nil {
		return Spec{}, err
	}
	var spec Spec
	if err := json.Unmarshal(bytes, &spec); err != nil {
		return Spec{}, err
	}
	if spec.Policy == "" {
		spec.Policy = "rotation"
	}
	return spec, nil
}

// Key identifies the rotation-state bucket for a spec. Blocks sharing a
// policy and tag set share rotation memory.
func (s Spec) Key() string {
	tags := append([]string(nil), s.Tags...)
	sort.Strings(tags)
	key := s.Policy
	for _, tag := range tags {
		key += ":" + tag
	}
	return key
}

// State is the explicit selection state threaded through Select and
// persisted alongside the horizon build record.
type State map[string]any

// Clone returns a copy so selectors never mutate caller state.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s State) intValue(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

// Selector is one named selection policy.
type Selector interface {
	// Select returns an ordered selection whose cumulative duration
	// aims to meet target, plus the successor state. An empty eligible
	// pool returns ErrEmptyPool.
	Select(pool []models.CatalogAsset, spec Spec, target time.Duration, state State) ([]models.CatalogAsset, State, error)
}

var registry = map[string]Selector{}

// Register adds a selector under a policy name. Called from init.
func Register(name string, sel Selector) {
	registry[name] = sel
}

// Known reports whether a policy name is registered. Template publish
// validates against this so unknown policies fail fast.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Lookup returns the selector for a policy name.
func Lookup(name string) (Selector, error) {
	sel, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return sel, nil
}

// Select runs the spec's policy over the pool.
func Select(pool []models.CatalogAsset, spec Spec, target time.Duration, state State) ([]models.CatalogAsset, State, error) {
	sel, err := Lookup(spec.Policy)
	if err != nil {
		return nil, state, err
	}
	eligible := FilterPool(pool, spec)
	if len(eligible) == 0 {
		return nil, state, ErrEmptyPool
	}
	return sel.Select(eligible, spec, target, state)
}

// FilterPool keeps assets carrying every tag the spec names. The pool
// is assumed to be a canonical-only snapshot; tag filtering is the only
// gate applied here.
func FilterPool(pool []models.CatalogAsset, spec Spec) []models.CatalogAsset {
	if len(spec.Tags) == 0 {
		return sortedPool(pool)
	}
	out := make([]models.CatalogAsset, 0, len(pool))
	for _, asset := range pool {
		if hasAllTags(asset, spec.Tags) {
			out = append(out, asset)
		}
	}
	return sortedPool(out)
}

func hasAllTags(asset models.CatalogAsset, tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range asset.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// sortedPool orders assets deterministically regardless of query order.
func sortedPool(pool []models.CatalogAsset) []models.CatalogAsset {
	out := append([]models.CatalogAsset(nil), pool...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
