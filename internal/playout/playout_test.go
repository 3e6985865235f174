/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrovue/retrovue/internal/config"
	"github.com/retrovue/retrovue/internal/masterclock"
	"github.com/retrovue/retrovue/internal/models"
)

type fixedSource struct{ now time.Time }

func (f fixedSource) Now() time.Time { return f.now }

type fakeAssets map[string]models.CatalogAsset

func (f fakeAssets) ActiveChannels(ctx context.Context) ([]models.Channel, error) { return nil, nil }
func (f fakeAssets) ChannelByID(ctx context.Context, id string) (models.Channel, error) {
	return models.Channel{}, nil
}
func (f fakeAssets) ChannelBySlug(ctx context.Context, slug string) (models.Channel, error) {
	return models.Channel{}, nil
}
func (f fakeAssets) Assignments(ctx context.Context, channelID string, dates []string) ([]models.ScheduleDay, error) {
	return nil, nil
}
func (f fakeAssets) TemplatesByID(ctx context.Context, ids []string) (map[string]models.ScheduleTemplate, error) {
	return nil, nil
}
func (f fakeAssets) CanonicalSnapshot(ctx context.Context) ([]models.CatalogAsset, error) {
	return nil, nil
}
func (f fakeAssets) AssetByID(ctx context.Context, id string) (models.CatalogAsset, error) {
	asset, ok := f[id]
	if !ok {
		return models.CatalogAsset{}, fmt.Errorf("asset %s not found", id)
	}
	return asset, nil
}

type pathResolver struct{ root string }

func (r pathResolver) PlaybackURI(fileKey string) string { return r.root + "/" + fileKey }

func testManager(t *testing.T, now time.Time, assets fakeAssets) *ChannelManager {
	t.Helper()
	cfg := &config.Config{
		EncoderBin:             "ffmpeg",
		EncoderStartupTimeout:  time.Second,
		EncoderShutdownTimeout: time.Second,
		PlayoutRetryBudget:     3,
		FillerAssetPath:        "/media/filler.ts",
	}
	ch := models.Channel{ID: "ch-1", Slug: "retro-1", Timezone: "UTC"}
	clock := masterclock.New(fixedSource{now: now}, masterclock.PrecisionSecond, 16, zerolog.Nop())
	return NewChannelManager(cfg, ch, assets, nil, clock, pathResolver{root: "/media"}, nil, zerolog.Nop())
}

func TestInitialStateStopped(t *testing.T) {
	m := testManager(t, time.Now().UTC(), fakeAssets{})
	if got := m.State(); got != StateStopped {
		t.Errorf("initial state = %s, want %s", got, StateStopped)
	}
	if _, ok := m.CurrentEvent(); ok {
		t.Error("fresh manager should have no current event")
	}
}

func TestJoinOffsetMidEvent(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 2, 5, 0, time.UTC)
	m := testManager(t, now, fakeAssets{})

	// The event started 125 seconds ago; a joining viewer lands there.
	m.setCurrent(&models.PlaylogEvent{
		ID:       "evt-1",
		StartUTC: now.Add(-125 * time.Second),
		EndUTC:   now.Add(25 * time.Minute),
	})

	if got := m.JoinOffset(); got != 125*time.Second {
		t.Errorf("JoinOffset = %v, want 125s", got)
	}
}

func TestJoinOffsetNeverNegative(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	m := testManager(t, now, fakeAssets{})

	m.setCurrent(&models.PlaylogEvent{
		ID:       "evt-1",
		StartUTC: now.Add(10 * time.Second), // clock skew: starts "in the future"
		EndUTC:   now.Add(30 * time.Minute),
	})

	if got := m.JoinOffset(); got != 0 {
		t.Errorf("JoinOffset = %v, want 0 for a future start", got)
	}

	m.setCurrent(nil)
	if got := m.JoinOffset(); got != 0 {
		t.Errorf("JoinOffset with no current event = %v, want 0", got)
	}
}

func TestBuildPlanResolvesSources(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	assets := fakeAssets{
		"asset-1": {ID: "asset-1", FileKey: "shows/ep1.ts"},
		"asset-2": {ID: "asset-2", FileKey: "shows/ep2.ts"},
	}
	m := testManager(t, now, assets)

	evts := []models.PlaylogEvent{
		{ID: "evt-1", AssetID: "asset-1"},
		{ID: "evt-2", Gap: true},
		{ID: "evt-3", AssetID: "asset-2"},
	}
	plan, err := m.buildPlan(context.Background(), evts)
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	if len(plan.Sources) != 3 {
		t.Fatalf("sources = %d, want 3", len(plan.Sources))
	}

	if plan.Sources[0].URI != "/media/shows/ep1.ts" {
		t.Errorf("source 0 = %s", plan.Sources[0].URI)
	}
	if plan.Sources[1].URI != "/media/filler.ts" {
		t.Errorf("gap event resolved to %s, want filler", plan.Sources[1].URI)
	}
	if plan.Sources[0].Discontinuity {
		t.Error("first source should not carry a discontinuity marker")
	}
	if !plan.Sources[1].Discontinuity || !plan.Sources[2].Discontinuity {
		t.Error("later sources should carry discontinuity markers")
	}
}

func TestBuildPlanGapWithoutFillerFails(t *testing.T) {
	m := testManager(t, time.Now().UTC(), fakeAssets{})
	m.cfg.FillerAssetPath = ""

	_, err := m.buildPlan(context.Background(), []models.PlaylogEvent{{ID: "evt-1", Gap: true}})
	if err == nil {
		t.Fatal("gap event with no filler configured should fail")
	}
}

func TestOverrideEngageAndClear(t *testing.T) {
	m := testManager(t, time.Now().UTC(), fakeAssets{})

	m.EngageOverride("/media/standby.ts")
	if got := m.overrideURI(); got != "/media/standby.ts" {
		t.Errorf("override URI = %q", got)
	}

	m.ClearOverride()
	if got := m.overrideURI(); got != "" {
		t.Errorf("override still set after clear: %q", got)
	}
}

func TestOverrideEngagedDuringLoadStopsTracking(t *testing.T) {
	// An override can land after the play loop checks for one but before
	// boundary tracking begins. Tracking must notice it immediately
	// instead of holding the scheduled plan on air until the next
	// boundary.
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	m := testManager(t, now, fakeAssets{})
	m.EngageOverride("/media/standby.ts")

	evts := []models.PlaylogEvent{{
		ID:       "evt-1",
		StartUTC: now.Add(-time.Minute),
		EndUTC:   now.Add(30 * time.Minute),
	}}

	done := make(chan error, 1)
	go func() { done <- m.trackBoundaries(context.Background(), evts) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("trackBoundaries = %v, want nil handoff to the override", err)
		}
	case <-time.After(time.Second):
		t.Fatal("boundary tracking kept running with an override engaged")
	}
}

func TestPlanPlaylistFormat(t *testing.T) {
	plan := Plan{Sources: []Source{
		{URI: "/media/a.ts"},
		{URI: "/media/b.ts", Discontinuity: true},
	}}

	want := "file /media/a.ts\ndiscontinuity\nfile /media/b.ts\n"
	if got := plan.playlist(); got != want {
		t.Errorf("playlist = %q, want %q", got, want)
	}
}

func TestSignalReaderFiresOnce(t *testing.T) {
	signal := make(chan struct{})
	sr := &signalReader{r: strings.NewReader("abcdef"), signal: signal}

	buf := make([]byte, 3)
	if _, err := sr.Read(buf); err != nil {
		t.Fatal(err)
	}
	select {
	case <-signal:
	default:
		t.Fatal("signal not closed after first read")
	}

	// A second read must not close the channel again.
	if _, err := sr.Read(buf); err != nil {
		t.Fatal(err)
	}
}

func TestRingBufferRecent(t *testing.T) {
	rb := newRingBuffer(8)

	// A partially filled buffer only returns what was written, never
	// zero padding.
	rb.Write([]byte{1, 2, 3})
	if got := rb.GetRecent(8); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("GetRecent = %v, want [1 2 3]", got)
	}

	rb.Write([]byte{4, 5, 6, 7, 8, 9, 10})
	if got := rb.GetRecent(4); !bytes.Equal(got, []byte{7, 8, 9, 10}) {
		t.Errorf("GetRecent after wrap = %v, want [7 8 9 10]", got)
	}
	if got := rb.GetRecent(8); len(got) != 8 {
		t.Errorf("full buffer returned %d bytes, want 8", len(got))
	}

	rb.Clear()
	if got := rb.GetRecent(8); len(got) != 0 {
		t.Errorf("cleared buffer returned %d bytes", len(got))
	}
}

func TestBroadcastSkipsSlowViewer(t *testing.T) {
	f := NewFeed("ch-1", "retro-1", zerolog.Nop(), nil)

	slow := &viewer{ch: make(chan []byte)} // unbuffered, never drained
	fast := &viewer{ch: make(chan []byte, 4)}
	f.viewers[slow] = struct{}{}
	f.viewers[fast] = struct{}{}

	done := make(chan struct{})
	go func() {
		f.Broadcast([]byte("chunk"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a slow viewer")
	}

	select {
	case data := <-fast.ch:
		if string(data) != "chunk" {
			t.Errorf("fast viewer got %q", data)
		}
	default:
		t.Error("fast viewer received nothing")
	}
}

func TestFeedFromBroadcastsUntilEOF(t *testing.T) {
	f := NewFeed("ch-1", "retro-1", zerolog.Nop(), nil)
	v := &viewer{ch: make(chan []byte, 16)}
	f.viewers[v] = struct{}{}

	if err := f.FeedFrom(strings.NewReader("stream-bytes")); err != nil {
		t.Fatalf("FeedFrom: %v", err)
	}

	var got []byte
	for {
		select {
		case data := <-v.ch:
			got = append(got, data...)
			continue
		default:
		}
		break
	}
	if string(got) != "stream-bytes" {
		t.Errorf("viewer received %q", got)
	}
}
