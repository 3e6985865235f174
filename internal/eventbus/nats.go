/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus bridges in-process bus events to NATS so external
// consumers (dashboards, as-run archival) can follow playout.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/retrovue/retrovue/internal/events"
	"github.com/retrovue/retrovue/internal/masterclock"
)

// Bridge republishes selected bus events to NATS subjects.
type Bridge struct {
	conn   *nats.Conn
	bus    *events.Bus
	clock  *masterclock.Clock
	logger zerolog.Logger
	nodeID string
	stop   chan struct{}
}

type message struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// NewBridge connects to NATS and wires the bridge to the bus.
func NewBridge(url string, bus *events.Bus, clock *masterclock.Clock, logger zerolog.Logger) (*Bridge, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bridge{
		conn:   conn,
		bus:    bus,
		clock:  clock,
		logger: logger.With().Str("component", "eventbus").Logger(),
		nodeID: uuid.NewString(),
		stop:   make(chan struct{}),
	}, nil
}

// Run forwards bus events until Close is called.
func (b *Bridge) Run(types ...events.EventType) {
	for _, eventType := range types {
		sub := b.bus.Subscribe(eventType)
		go b.forward(eventType, sub)
	}
}

func (b *Bridge) forward(eventType events.EventType, sub events.Subscriber) {
	for {
		select {
		case <-b.stop:
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(message{
				EventType: eventType,
				Payload:   payload,
				Timestamp: b.clock.NowUTC(),
				NodeID:    b.nodeID,
				MessageID: uuid.NewString(),
			})
			if err != nil {
				b.logger.Warn().Err(err).Str("event", string(eventType)).Msg("marshal event failed")
				continue
			}
			subject := "retrovue.events." + string(eventType)
			if err := b.conn.Publish(subject, data); err != nil {
				b.logger.Warn().Err(err).Str("subject", subject).Msg("nats publish failed")
			}
		}
	}
}

// Close drains the NATS connection.
func (b *Bridge) Close() {
	close(b.stop)
	if b.conn != nil {
		b.conn.Close()
	}
}
