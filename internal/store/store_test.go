/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/retrovue/retrovue/internal/db"
	"github.com/retrovue/retrovue/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(database) })
	return New(database)
}

func seedChannel(t *testing.T, s *Store) models.Channel {
	t.Helper()
	ch := models.Channel{
		Slug:                "retro-1",
		Name:                "Retro One",
		Timezone:            "America/New_York",
		GridBlockMinutes:    30,
		BlockStartOffsets:   models.IntList{0, 30},
		ProgrammingDayStart: "06:00:00",
		IsActive:            true,
	}
	if err := s.CreateChannel(context.Background(), &ch); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return ch
}

func TestCreateChannelValidates(t *testing.T) {
	s := openTestStore(t)

	bad := models.Channel{Slug: "Not Valid", Timezone: "UTC", GridBlockMinutes: 30,
		BlockStartOffsets: models.IntList{0, 30}, ProgrammingDayStart: "06:00:00"}
	if err := s.CreateChannel(context.Background(), &bad); !errors.Is(err, models.ErrInvalidSlug) {
		t.Errorf("CreateChannel = %v, want %v", err, models.ErrInvalidSlug)
	}

	ch := seedChannel(t, s)
	if ch.ID == "" {
		t.Error("create should assign an id")
	}

	got, err := s.ChannelBySlug(context.Background(), "retro-1")
	if err != nil {
		t.Fatalf("ChannelBySlug: %v", err)
	}
	if got.ID != ch.ID || got.GridBlockMinutes != 30 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestArchiveChannelHidesFromActive(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)
	ctx := context.Background()

	if err := s.ArchiveChannel(ctx, ch.ID); err != nil {
		t.Fatalf("ArchiveChannel: %v", err)
	}

	active, err := s.ActiveChannels(ctx)
	if err != nil {
		t.Fatalf("ActiveChannels: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("archived channel still listed active: %d", len(active))
	}

	// The row survives for playlog history.
	if _, err := s.ChannelByID(ctx, ch.ID); err != nil {
		t.Errorf("archived channel should remain loadable: %v", err)
	}
}

func draftTemplate(channelID string) models.ScheduleTemplate {
	return models.ScheduleTemplate{
		ChannelID: channelID,
		Name:      "Sitcom Day",
		Blocks: []models.TemplateBlock{{
			Position:       0,
			Daypart:        "Sitcoms",
			StartTime:      "06:00:00",
			DurationBlocks: 4,
			Rule:           models.JSONMap{"policy": "rotation", "tags": []any{"sitcom"}},
		}},
	}
}

func TestTemplateLifecycle(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	tmpl := draftTemplate(ch.ID)
	if err := s.SaveTemplate(ctx, &tmpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
	if tmpl.Version != 1 {
		t.Errorf("first save version = %d, want 1", tmpl.Version)
	}

	if err := s.PublishTemplate(ctx, tmpl.ID, now); err != nil {
		t.Fatalf("PublishTemplate: %v", err)
	}

	// Published templates are immutable.
	tmpl.Name = "Renamed"
	if err := s.SaveTemplate(ctx, &tmpl); !errors.Is(err, models.ErrTemplatePublished) {
		t.Errorf("save after publish = %v, want %v", err, models.ErrTemplatePublished)
	}
	if err := s.PublishTemplate(ctx, tmpl.ID, now); !errors.Is(err, models.ErrTemplatePublished) {
		t.Errorf("double publish = %v, want %v", err, models.ErrTemplatePublished)
	}

	loaded, err := s.TemplatesByID(ctx, []string{tmpl.ID})
	if err != nil {
		t.Fatalf("TemplatesByID: %v", err)
	}
	got, ok := loaded[tmpl.ID]
	if !ok {
		t.Fatal("template missing from load")
	}
	if !got.Published() {
		t.Error("loaded template not published")
	}
	if len(got.Blocks) != 1 {
		t.Errorf("blocks = %d, want 1", len(got.Blocks))
	}
}

func TestSaveTemplateRejectsUnknownPolicy(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)

	tmpl := draftTemplate(ch.ID)
	tmpl.Blocks[0].Rule = models.JSONMap{"policy": "roulette"}
	if err := s.SaveTemplate(context.Background(), &tmpl); err == nil {
		t.Fatal("unknown policy should fail at save")
	}
}

func TestAssignScheduleDayRequiresPublished(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)
	ctx := context.Background()

	tmpl := draftTemplate(ch.ID)
	if err := s.SaveTemplate(ctx, &tmpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}

	day := models.ScheduleDay{ChannelID: ch.ID, TemplateID: tmpl.ID, ScheduleDate: "2026-01-15"}
	if err := s.AssignScheduleDay(ctx, &day); err == nil {
		t.Fatal("assignment of an unpublished template should fail")
	}

	if err := s.PublishTemplate(ctx, tmpl.ID, time.Now().UTC()); err != nil {
		t.Fatalf("PublishTemplate: %v", err)
	}
	if err := s.AssignScheduleDay(ctx, &day); err != nil {
		t.Fatalf("AssignScheduleDay: %v", err)
	}

	assignments, err := s.Assignments(ctx, ch.ID, []string{"2026-01-15"})
	if err != nil {
		t.Fatalf("Assignments: %v", err)
	}
	if len(assignments) != 1 {
		t.Errorf("assignments = %d, want 1", len(assignments))
	}
}

func TestCanonicalSnapshotExcludesUnpromoted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	promoted := models.CatalogAsset{Title: "Episode 1", Duration: 30 * time.Minute, FileKey: "ep1.ts"}
	pending := models.CatalogAsset{Title: "Episode 2", Duration: 30 * time.Minute, FileKey: "ep2.ts", Canonical: true}

	if err := s.CreateAsset(ctx, &promoted); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	// Create never stores an asset canonical, whatever the caller set.
	if err := s.CreateAsset(ctx, &pending); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if err := s.PromoteAsset(ctx, promoted.ID); err != nil {
		t.Fatalf("PromoteAsset: %v", err)
	}

	snapshot, err := s.CanonicalSnapshot(ctx)
	if err != nil {
		t.Fatalf("CanonicalSnapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].ID != promoted.ID {
		t.Errorf("snapshot = %+v, want only the promoted asset", snapshot)
	}

	if err := s.PromoteAsset(ctx, "missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("promote missing asset = %v, want %v", err, gorm.ErrRecordNotFound)
	}
}

func dayEvents(channelID, day string, start time.Time, n int) []models.PlaylogEvent {
	events := make([]models.PlaylogEvent, n)
	for i := range events {
		events[i] = models.PlaylogEvent{
			ID:           fmt.Sprintf("%s-evt-%d", day, i),
			ChannelID:    channelID,
			AssetID:      fmt.Sprintf("asset-%d", i),
			BlockID:      "blk-1",
			StartUTC:     start.Add(time.Duration(i) * 30 * time.Minute),
			EndUTC:       start.Add(time.Duration(i+1) * 30 * time.Minute),
			BroadcastDay: day,
		}
	}
	return events
}

func TestReplaceDaySupersedes(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)
	ctx := context.Background()

	dayStart := time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)
	buildTime := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

	first := dayEvents(ch.ID, "2026-01-15", dayStart, 3)
	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-15", buildTime, "fp-1", first, nil, nil); err != nil {
		t.Fatalf("first ReplaceDay: %v", err)
	}

	rebuilt := make([]models.PlaylogEvent, 3)
	copy(rebuilt, dayEvents(ch.ID, "2026-01-15", dayStart, 3))
	for i := range rebuilt {
		rebuilt[i].ID = fmt.Sprintf("rebuild-evt-%d", i)
	}
	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-15", buildTime.Add(time.Hour), "fp-2", rebuilt, nil, nil); err != nil {
		t.Fatalf("second ReplaceDay: %v", err)
	}

	live, err := s.EventsInWindow(ctx, ch.ID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("EventsInWindow: %v", err)
	}
	if len(live) != 3 {
		t.Fatalf("live events = %d, want 3", len(live))
	}
	for i, evt := range live {
		if evt.ID != fmt.Sprintf("rebuild-evt-%d", i) {
			t.Errorf("live event %d = %s, want the rebuild row", i, evt.ID)
		}
	}

	// Superseded rows stay in place with their supersede stamp.
	var all []models.PlaylogEvent
	if err := s.db.Where("channel_id = ?", ch.ID).Find(&all).Error; err != nil {
		t.Fatal(err)
	}
	if len(all) != 6 {
		t.Errorf("total rows = %d, want 6 (nothing deleted)", len(all))
	}
	superseded := 0
	for _, evt := range all {
		if evt.SupersededAt != nil {
			superseded++
		}
	}
	if superseded != 3 {
		t.Errorf("superseded rows = %d, want 3", superseded)
	}
}

func TestReplaceDayScopedToDay(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)
	ctx := context.Background()

	day1 := time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	buildTime := day1.Add(-2 * time.Hour)

	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-15", buildTime, "fp-1", dayEvents(ch.ID, "2026-01-15", day1, 2), nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-16", buildTime, "fp-2", dayEvents(ch.ID, "2026-01-16", day2, 2), nil, nil); err != nil {
		t.Fatal(err)
	}

	// Rebuilding day one must not touch day two.
	rebuilt := dayEvents(ch.ID, "2026-01-15", day1, 2)
	for i := range rebuilt {
		rebuilt[i].ID = fmt.Sprintf("rebuild-%d", i)
	}
	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-15", buildTime.Add(time.Hour), "fp-3", rebuilt, nil, nil); err != nil {
		t.Fatal(err)
	}

	live, err := s.EventsInWindow(ctx, ch.ID, day2, day2.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 2 {
		t.Fatalf("day two live events = %d, want 2", len(live))
	}
	for _, evt := range live {
		if evt.SupersededAt != nil {
			t.Errorf("day two event %s superseded by a day one rebuild", evt.ID)
		}
	}
}

func TestReplaceDayPreservesAiredEvents(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)
	ctx := context.Background()

	dayStart := time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)
	first := dayEvents(ch.ID, "2026-01-15", dayStart, 4)
	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-15", dayStart.Add(-time.Hour), "fp-1", first, nil, nil); err != nil {
		t.Fatalf("first ReplaceDay: %v", err)
	}

	// Rebuild at 12:15, mid way through the third event. The first two
	// events have fully aired and the rebuild must not touch them, even
	// though its output covers the whole day.
	rebuildTime := dayStart.Add(75 * time.Minute)
	rebuilt := dayEvents(ch.ID, "2026-01-15", dayStart, 4)
	for i := range rebuilt {
		rebuilt[i].ID = fmt.Sprintf("rebuild-%d", i)
	}
	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-15", rebuildTime, "fp-2", rebuilt, nil, nil); err != nil {
		t.Fatalf("second ReplaceDay: %v", err)
	}

	live, err := s.EventsInWindow(ctx, ch.ID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("EventsInWindow: %v", err)
	}
	if len(live) != 4 {
		t.Fatalf("live events = %d, want 4", len(live))
	}
	wantIDs := []string{"2026-01-15-evt-0", "2026-01-15-evt-1", "rebuild-2", "rebuild-3"}
	for i, evt := range live {
		if evt.ID != wantIDs[i] {
			t.Errorf("live event %d = %s, want %s", i, evt.ID, wantIDs[i])
		}
	}

	// The rebuild's rows for the aired windows were discarded, not
	// inserted as superseded duplicates.
	var count int64
	if err := s.db.Model(&models.PlaylogEvent{}).
		Where("id IN ?", []string{"rebuild-0", "rebuild-1"}).
		Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("aired-window rebuild rows stored = %d, want 0", count)
	}
}

func TestDayFingerprintTracksLastBuild(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)
	ctx := context.Background()
	buildTime := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

	got, err := s.DayFingerprint(ctx, ch.ID, "2026-01-15")
	if err != nil {
		t.Fatalf("DayFingerprint: %v", err)
	}
	if got != "" {
		t.Errorf("fingerprint before any build = %q, want empty", got)
	}

	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-15", buildTime, "fp-1", nil, nil, nil); err != nil {
		t.Fatalf("ReplaceDay: %v", err)
	}
	if got, _ = s.DayFingerprint(ctx, ch.ID, "2026-01-15"); got != "fp-1" {
		t.Errorf("fingerprint = %q, want fp-1", got)
	}

	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-15", buildTime.Add(time.Hour), "fp-2", nil, nil, nil); err != nil {
		t.Fatalf("ReplaceDay: %v", err)
	}
	if got, _ = s.DayFingerprint(ctx, ch.ID, "2026-01-15"); got != "fp-2" {
		t.Errorf("fingerprint after rebuild = %q, want fp-2", got)
	}

	var count int64
	if err := s.db.Model(&models.DayBuild{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("day build rows = %d, want 1", count)
	}
}

func TestRotationStateUpsert(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)
	ctx := context.Background()
	buildTime := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

	states := []models.RotationState{{
		ChannelID: ch.ID,
		RuleKey:   "rotation:sitcom",
		State:     models.JSONMap{"cursor": 4},
	}}
	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-15", buildTime, "fp-1", nil, nil, states); err != nil {
		t.Fatalf("ReplaceDay: %v", err)
	}

	got, err := s.RotationState(ctx, ch.ID, "rotation:sitcom")
	if err != nil {
		t.Fatalf("RotationState: %v", err)
	}
	if cursor, ok := got["cursor"].(float64); !ok || int(cursor) != 4 {
		t.Errorf("cursor = %v, want 4", got["cursor"])
	}

	states[0].State = models.JSONMap{"cursor": 9}
	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-16", buildTime.Add(time.Hour), "fp-2", nil, nil, states); err != nil {
		t.Fatalf("ReplaceDay: %v", err)
	}

	got, err = s.RotationState(ctx, ch.ID, "rotation:sitcom")
	if err != nil {
		t.Fatalf("RotationState: %v", err)
	}
	if cursor, ok := got["cursor"].(float64); !ok || int(cursor) != 9 {
		t.Errorf("cursor after upsert = %v, want 9", got["cursor"])
	}

	var count int64
	if err := s.db.Model(&models.RotationState{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("rotation state rows = %d, want 1", count)
	}
}

func TestRotationStateUnknownKeyIsEmpty(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)

	got, err := s.RotationState(context.Background(), ch.ID, "rotation:unknown")
	if err != nil {
		t.Fatalf("RotationState: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unknown key state = %v, want empty", got)
	}
}

func TestFailuresFilterByDay(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)
	ctx := context.Background()
	buildTime := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

	failures := []models.BuildFailure{{
		ID: "fail-1", ChannelID: ch.ID, BroadcastDay: "2026-01-15",
		BlockID: "blk-news", Daypart: "News", Reason: "underfill: selected 40m0s of required 1h0m0s",
	}}
	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-15", buildTime, "fp-1", nil, failures, nil); err != nil {
		t.Fatalf("ReplaceDay: %v", err)
	}

	got, err := s.Failures(ctx, ch.ID, "2026-01-15")
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(got) != 1 || got[0].Daypart != "News" {
		t.Errorf("failures = %+v", got)
	}

	got, err = s.Failures(ctx, ch.ID, "2026-01-16")
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("other-day failures = %d, want 0", len(got))
	}
}

func TestEventsInWindowOrderingAndBounds(t *testing.T) {
	s := openTestStore(t)
	ch := seedChannel(t, s)
	ctx := context.Background()

	dayStart := time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)
	events := dayEvents(ch.ID, "2026-01-15", dayStart, 4)
	if err := s.ReplaceDay(ctx, ch.ID, "2026-01-15", dayStart.Add(-time.Hour), "fp-1", events, nil, nil); err != nil {
		t.Fatal(err)
	}

	// A window starting mid-event still includes the airing event.
	from := dayStart.Add(45 * time.Minute)
	live, err := s.EventsInWindow(ctx, ch.ID, from, from.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 3 {
		t.Fatalf("events in window = %d, want 3", len(live))
	}
	for i := 1; i < len(live); i++ {
		if live[i].StartUTC.Before(live[i-1].StartUTC) {
			t.Errorf("events out of order at %d", i)
		}
	}
	if !live[0].StartUTC.Equal(dayStart.Add(30 * time.Minute)) {
		t.Errorf("first event = %v, want the one airing at window start", live[0].StartUTC)
	}
}
