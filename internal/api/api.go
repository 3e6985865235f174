/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api is the operator surface: the sole writer of channels,
// templates, schedule assignments, and the canonical promotion action.
// Runtime components treat everything written here as
// immutable-between-reads configuration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	ws "nhooyr.io/websocket"

	"github.com/retrovue/retrovue/internal/cache"
	"github.com/retrovue/retrovue/internal/events"
	"github.com/retrovue/retrovue/internal/masterclock"
	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/playout"
	"github.com/retrovue/retrovue/internal/scheduler"
	"github.com/retrovue/retrovue/internal/store"
	"github.com/retrovue/retrovue/internal/telemetry"
)

// API bundles handlers and dependencies.
type API struct {
	store     *store.Store
	scheduler *scheduler.Service
	director  *playout.Director
	clock     *masterclock.Clock
	bus       *events.Bus
	cache     *cache.Cache
	logger    zerolog.Logger
}

// New constructs the API.
func New(st *store.Store, sched *scheduler.Service, director *playout.Director, clock *masterclock.Clock, bus *events.Bus, entityCache *cache.Cache, logger zerolog.Logger) *API {
	return &API{
		store:     st,
		scheduler: sched,
		director:  director,
		clock:     clock,
		bus:       bus,
		cache:     entityCache,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts the API under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(pr chi.Router) {
		pr.Get("/health", a.handleHealth)

		pr.Route("/channels", func(cr chi.Router) {
			cr.Get("/", a.handleChannelsList)
			cr.Post("/", a.handleChannelsCreate)
			cr.Get("/{id}", a.handleChannelsGet)
			cr.Delete("/{id}", a.handleChannelsArchive)
			cr.Post("/{id}/schedule-days", a.handleScheduleDayAssign)
			cr.Post("/{id}/horizon", a.handleHorizonBuild)
			cr.Get("/{id}/playlog", a.handlePlaylogList)
			cr.Get("/{id}/failures", a.handleFailuresList)
			cr.Get("/{id}/now", a.handleNowAiring)
		})

		pr.Route("/templates", func(tr chi.Router) {
			tr.Post("/", a.handleTemplateSave)
			tr.Get("/{id}", a.handleTemplateGet)
			tr.Post("/{id}/publish", a.handleTemplatePublish)
		})

		pr.Route("/assets", func(ar chi.Router) {
			ar.Get("/", a.handleAssetsList)
			ar.Post("/", a.handleAssetsCreate)
			ar.Post("/{id}/promote", a.handleAssetPromote)
		})

		pr.Route("/override", func(or chi.Router) {
			or.Post("/", a.handleOverrideEngage)
			or.Delete("/", a.handleOverrideClear)
			or.Get("/", a.handleOverrideStatus)
		})

		pr.Get("/events", a.handleEvents)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"now_utc": a.clock.NowUTC(),
	})
}

// Channel handlers

func (a *API) handleChannelsList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if a.cache != nil {
		if cached, ok := a.cache.GetChannelList(ctx); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}
	channels, err := a.store.ActiveChannels(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("list channels failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if a.cache != nil {
		a.cache.SetChannelList(ctx, channels)
	}
	writeJSON(w, http.StatusOK, channels)
}

func (a *API) handleChannelsCreate(w http.ResponseWriter, r *http.Request) {
	var ch models.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	if err := a.store.CreateChannel(r.Context(), &ch); err != nil {
		if isValidation(err) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		a.logger.Error().Err(err).Msg("create channel failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	if a.cache != nil {
		a.cache.InvalidateChannels(r.Context(), ch.Slug)
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (a *API) handleChannelsGet(w http.ResponseWriter, r *http.Request) {
	ch, err := a.store.ChannelByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (a *API) handleChannelsArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, err := a.store.ChannelByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	if err := a.store.ArchiveChannel(r.Context(), id); err != nil {
		a.logger.Error().Err(err).Str("channel", id).Msg("archive channel failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	if a.cache != nil {
		a.cache.InvalidateChannels(r.Context(), ch.Slug)
	}
	if a.director != nil {
		a.director.StopChannel(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// Template handlers

func (a *API) handleTemplateSave(w http.ResponseWriter, r *http.Request) {
	var tmpl models.ScheduleTemplate
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	if err := a.store.SaveTemplate(r.Context(), &tmpl); err != nil {
		if isValidation(err) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		a.logger.Error().Err(err).Msg("save template failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (a *API) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	templates, err := a.store.TemplatesByID(r.Context(), []string{id})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	tmpl, ok := templates[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (a *API) handleTemplatePublish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.store.PublishTemplate(r.Context(), id, a.clock.NowUTC()); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if isValidation(err) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		a.logger.Error().Err(err).Str("template", id).Msg("publish template failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

// Schedule handlers

func (a *API) handleScheduleDayAssign(w http.ResponseWriter, r *http.Request) {
	var day models.ScheduleDay
	if err := json.NewDecoder(r.Body).Decode(&day); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	day.ChannelID = chi.URLParam(r, "id")

	if err := a.store.AssignScheduleDay(r.Context(), &day); err != nil {
		if isValidation(err) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		a.logger.Error().Err(err).Msg("assign schedule day failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusCreated, day)
}

func (a *API) handleHorizonBuild(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")

	start := a.clock.NowUTC()
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start")
			return
		}
		start = parsed
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid_hours")
			return
		}
		hours = parsed
	}

	result, err := a.scheduler.BuildPlayoutHorizon(r.Context(), channelID, start, time.Duration(hours)*time.Hour)
	if err != nil {
		a.logger.Error().Err(err).Str("channel", channelID).Msg("horizon build failed")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	days := make([]map[string]any, 0, len(result.Days))
	for _, day := range result.Days {
		entry := map[string]any{
			"broadcast_day": day.BroadcastDay,
			"events":        len(day.Events),
			"failures":      len(day.Failures),
		}
		if day.Err != nil {
			entry["error"] = day.Err.Error()
		}
		days = append(days, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": result.ChannelID,
		"days":       days,
	})
}

func (a *API) handlePlaylogList(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")

	from := a.clock.NowUTC()
	until := from.Add(24 * time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from")
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_until")
			return
		}
		until = parsed
	}

	evts, err := a.store.EventsInWindow(r.Context(), channelID, from, until)
	if err != nil {
		a.logger.Error().Err(err).Str("channel", channelID).Msg("list playlog failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

func (a *API) handleFailuresList(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")
	failures, err := a.store.Failures(r.Context(), channelID, r.URL.Query().Get("day"))
	if err != nil {
		a.logger.Error().Err(err).Str("channel", channelID).Msg("list failures failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, failures)
}

func (a *API) handleNowAiring(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := chi.URLParam(r, "id")

	if a.cache != nil {
		if entry, ok := a.cache.GetNowAiring(ctx, channelID); ok {
			writeJSON(w, http.StatusOK, entry)
			return
		}
	}

	now := a.clock.NowUTC()
	evts, err := a.store.EventsInWindow(ctx, channelID, now, now.Add(time.Second))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if len(evts) == 0 {
		writeError(w, http.StatusNotFound, "nothing_airing")
		return
	}

	evt := evts[0]
	entry := cache.NowAiringEntry{
		ChannelID: channelID,
		AssetID:   evt.AssetID,
		StartUTC:  evt.StartUTC,
		EndUTC:    evt.EndUTC,
		Gap:       evt.Gap,
	}
	if evt.AssetID != "" {
		if asset, err := a.store.AssetByID(ctx, evt.AssetID); err == nil {
			entry.Title = asset.Title
		}
	}
	if a.cache != nil {
		a.cache.SetNowAiring(ctx, entry)
	}
	writeJSON(w, http.StatusOK, entry)
}

// Asset handlers

func (a *API) handleAssetsList(w http.ResponseWriter, r *http.Request) {
	assets, err := a.store.CanonicalSnapshot(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("list assets failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

func (a *API) handleAssetsCreate(w http.ResponseWriter, r *http.Request) {
	var asset models.CatalogAsset
	if err := json.NewDecoder(r.Body).Decode(&asset); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	if err := a.store.CreateAsset(r.Context(), &asset); err != nil {
		if isValidation(err) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		a.logger.Error().Err(err).Msg("create asset failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (a *API) handleAssetPromote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.store.PromoteAsset(r.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		a.logger.Error().Err(err).Str("asset", id).Msg("promote asset failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canonical"})
}

// Override handlers

func (a *API) handleOverrideEngage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filler string `json:"filler"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	if err := a.director.EngageOverride(body.Filler); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "engaged"})
}

func (a *API) handleOverrideClear(w http.ResponseWriter, r *http.Request) {
	a.director.ClearOverride()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (a *API) handleOverrideStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"engaged": a.director.OverrideEngaged()})
}

// Event stream

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.EventStreamConnections.Inc()
	defer telemetry.EventStreamConnections.Dec()

	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = []events.EventType{events.EventNowAiring, events.EventPlayoutHealth}
	}

	subscribers := make([]events.Subscriber, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		subscribers = append(subscribers, a.bus.Subscribe(eventType))
	}
	defer func() {
		for i, eventType := range eventTypes {
			a.bus.Unsubscribe(eventType, subscribers[i])
		}
	}()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				conn.Close(ws.StatusInternalError, "write failed")
				return
			}
		default:
			sent := false
			for i, sub := range subscribers {
				select {
				case payload := <-sub:
					if err := a.writeEvent(ctx, conn, eventTypes[i], payload); err != nil {
						conn.Close(ws.StatusInternalError, "write failed")
						return
					}
					sent = true
				default:
				}
			}
			if !sent {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

func (a *API) writeEvent(ctx context.Context, conn *ws.Conn, eventType events.EventType, payload events.Payload) error {
	data := map[string]any{
		"type":    eventType,
		"payload": payload,
	}
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, bytes)
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, events.EventType(part))
	}
	return out
}

// isValidation reports whether the error is an operator input problem
// rather than an infrastructure failure.
func isValidation(err error) bool {
	switch {
	case errors.Is(err, models.ErrInvalidSlug),
		errors.Is(err, models.ErrInvalidTimezone),
		errors.Is(err, models.ErrInvalidGrid),
		errors.Is(err, models.ErrInvalidOffsets),
		errors.Is(err, models.ErrGridMisaligned),
		errors.Is(err, models.ErrInvalidDayStart),
		errors.Is(err, models.ErrOverlappingBlocks),
		errors.Is(err, models.ErrIncompleteCoverage),
		errors.Is(err, models.ErrBlockMisaligned),
		errors.Is(err, models.ErrTemplatePublished):
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
