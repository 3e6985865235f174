/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrovue/retrovue/internal/config"
	"github.com/retrovue/retrovue/internal/events"
	"github.com/retrovue/retrovue/internal/masterclock"
)

func testDirector(t *testing.T, cfg *config.Config) *Director {
	t.Helper()
	clock := masterclock.New(fixedSource{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}, masterclock.PrecisionSecond, 16, zerolog.Nop())
	return NewDirector(cfg, fakeAssets{}, nil, clock, pathResolver{root: "/media"}, events.NewBus(), zerolog.Nop())
}

func TestOverrideRequiresFiller(t *testing.T) {
	d := testDirector(t, &config.Config{})

	if err := d.EngageOverride(""); err == nil {
		t.Fatal("override without any filler source should fail")
	}
	if d.OverrideEngaged() {
		t.Error("failed engage left the override set")
	}
}

func TestOverrideDefaultsToConfiguredFiller(t *testing.T) {
	d := testDirector(t, &config.Config{FillerAssetPath: "/media/standby.ts"})

	if err := d.EngageOverride(""); err != nil {
		t.Fatalf("EngageOverride: %v", err)
	}
	if !d.OverrideEngaged() {
		t.Fatal("override not engaged")
	}

	d.ClearOverride()
	if d.OverrideEngaged() {
		t.Error("override still engaged after clear")
	}
}

func TestOverridePropagatesToManagers(t *testing.T) {
	d := testDirector(t, &config.Config{FillerAssetPath: "/media/standby.ts"})

	// Register a manager directly; starting its run loop would need a
	// live encoder.
	m := testManager(t, time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), fakeAssets{})
	d.managers["ch-1"] = m

	if err := d.EngageOverride("/media/alert.ts"); err != nil {
		t.Fatalf("EngageOverride: %v", err)
	}
	if got := m.overrideURI(); got != "/media/alert.ts" {
		t.Errorf("manager override = %q, want /media/alert.ts", got)
	}

	d.ClearOverride()
	if got := m.overrideURI(); got != "" {
		t.Errorf("manager override after clear = %q", got)
	}
}

func TestManagerLookup(t *testing.T) {
	d := testDirector(t, &config.Config{})
	m := testManager(t, time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), fakeAssets{})
	d.managers[m.Channel().ID] = m

	if _, ok := d.Manager("ch-1"); !ok {
		t.Error("Manager lookup by id failed")
	}
	if _, ok := d.ManagerBySlug("retro-1"); !ok {
		t.Error("Manager lookup by slug failed")
	}
	if _, ok := d.ManagerBySlug("missing"); ok {
		t.Error("lookup of an unknown slug should fail")
	}
	if got := len(d.Managers()); got != 1 {
		t.Errorf("Managers() = %d, want 1", got)
	}
}
