/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrovue/retrovue/internal/events"
	"github.com/retrovue/retrovue/internal/telemetry"
)

// Feed fans one encoder output out to every viewer of a channel. The
// encoder writes once; each viewer reads through its own buffered
// channel so a slow or disconnecting viewer never blocks the others.
type Feed struct {
	ChannelID   string
	Slug        string
	ContentType string

	mu      sync.RWMutex
	viewers map[*viewer]struct{}
	buffer  *ringBuffer
	logger  zerolog.Logger
	bus     *events.Bus
}

type viewer struct {
	ch     chan []byte
	closed bool
	mu     sync.Mutex
}

// ringBuffer holds recent stream data so a joining viewer starts with
// picture instead of waiting for the next keyframe worth of bytes.
type ringBuffer struct {
	data []byte
	size int
	pos  int
	full bool
	mu   sync.RWMutex
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		data: make([]byte, size),
		size: size,
	}
}

func (rb *ringBuffer) Write(p []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for _, b := range p {
		rb.data[rb.pos] = b
		rb.pos = (rb.pos + 1) % rb.size
		if rb.pos == 0 {
			rb.full = true
		}
	}
}

func (rb *ringBuffer) GetRecent(n int) []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	avail := rb.pos
	if rb.full {
		avail = rb.size
	}
	if n > avail {
		n = avail
	}

	result := make([]byte, n)
	start := (rb.pos - n + rb.size) % rb.size
	for i := 0; i < n; i++ {
		result[i] = rb.data[(start+i)%rb.size]
	}
	return result
}

func (rb *ringBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for i := range rb.data {
		rb.data[i] = 0
	}
	rb.pos = 0
	rb.full = false
}

// NewFeed creates a fan-out feed for one channel.
func NewFeed(channelID, slug string, logger zerolog.Logger, bus *events.Bus) *Feed {
	// Roughly two seconds of transport stream at a typical SD bitrate.
	const bufferSize = 1 << 20

	return &Feed{
		ChannelID:   channelID,
		Slug:        slug,
		ContentType: "video/mp2t",
		viewers:     make(map[*viewer]struct{}),
		buffer:      newRingBuffer(bufferSize),
		logger:      logger.With().Str("channel", slug).Logger(),
		bus:         bus,
	}
}

// Broadcast sends stream data to all connected viewers.
func (f *Feed) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}

	f.buffer.Write(data)

	f.mu.RLock()
	defer f.mu.RUnlock()

	for v := range f.viewers {
		v.mu.Lock()
		if !v.closed {
			select {
			case v.ch <- data:
			default:
				// Viewer is slow, skip this chunk.
			}
		}
		v.mu.Unlock()
	}
}

// FeedFrom reads from the encoder output and broadcasts it until the
// reader is exhausted.
func (f *Feed) FeedFrom(r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			f.Broadcast(data)
		}
		if err != nil {
			if err == io.EOF {
				f.logger.Debug().Msg("encoder output ended")
				return nil
			}
			f.logger.Error().Err(err).Msg("encoder output read error")
			return err
		}
	}
}

// ViewerCount returns the number of connected viewers.
func (f *Feed) ViewerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.viewers)
}

// ServeHTTP streams the channel to one viewer. Attach and detach never
// touch the encoder; the pipeline keeps running for everyone else.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Del("Content-Length")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	writeAndFlush := func(data []byte) error {
		if _, err := w.Write(data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	v := &viewer{ch: make(chan []byte, 256)}

	f.mu.Lock()
	f.viewers[v] = struct{}{}
	count := len(f.viewers)
	f.mu.Unlock()

	telemetry.ViewerCount.WithLabelValues(f.ChannelID).Set(float64(count))
	f.logger.Info().Int("viewers", count).Msg("viewer connected")
	f.publishViewerStats(count, "connect")

	if recent := f.buffer.GetRecent(256 << 10); len(recent) > 0 {
		if err := writeAndFlush(recent); err != nil {
			f.detach(v)
			return
		}
	}

	defer f.detach(v)

	keepalive := time.NewTimer(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-v.ch:
			if err := writeAndFlush(data); err != nil {
				return
			}
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(30 * time.Second)
		case <-keepalive.C:
			// No data for 30 seconds, flush to keep the connection open
			// across gaps.
			flusher.Flush()
			keepalive.Reset(30 * time.Second)
		}
	}
}

func (f *Feed) detach(v *viewer) {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()

	f.mu.Lock()
	delete(f.viewers, v)
	count := len(f.viewers)
	f.mu.Unlock()

	telemetry.ViewerCount.WithLabelValues(f.ChannelID).Set(float64(count))
	f.logger.Info().Int("viewers", count).Msg("viewer disconnected")
	f.publishViewerStats(count, "disconnect")
}

func (f *Feed) publishViewerStats(count int, action string) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(events.EventViewerStats, events.Payload{
		"channel_id": f.ChannelID,
		"slug":       f.Slug,
		"viewers":    count,
		"action":     action,
	})
}
