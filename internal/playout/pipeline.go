/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/retrovue/retrovue/internal/config"
)

// Source is one entry in the encoder's play order.
type Source struct {
	URI string
	// Discontinuity tells the encoder to reset its timestamps before
	// this source, so downstream players resync at event boundaries.
	Discontinuity bool
}

// Plan is the full instruction set handed to the encoder process: an
// ordered list of sources and the offset into the first one.
type Plan struct {
	Sources     []Source
	StartOffset time.Duration
}

// playlist renders the plan in the line format the encoder reads on
// stdin: one source per line, discontinuity markers on their own line.
func (p Plan) playlist() string {
	var b strings.Builder
	for _, src := range p.Sources {
		if src.Discontinuity {
			b.WriteString("discontinuity\n")
		}
		b.WriteString("file ")
		b.WriteString(src.URI)
		b.WriteString("\n")
	}
	return b.String()
}

// Pipeline manages one external encoder process per channel.
type Pipeline struct {
	cfg    *config.Config
	slug   string
	logger zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	done   chan struct{}
	outErr error
}

// NewPipeline constructs a pipeline for a channel.
func NewPipeline(cfg *config.Config, slug string, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		slug:   slug,
		logger: logger.With().Str("channel", slug).Logger(),
	}
}

// Start launches the encoder with the plan and streams its output to
// the handler. Start fails if the encoder produces no output within the
// startup timeout; the caller retries per its state machine.
func (p *Pipeline) Start(ctx context.Context, plan Plan, output func(io.Reader)) error {
	if len(plan.Sources) == 0 {
		return fmt.Errorf("empty plan")
	}

	p.mu.Lock()
	if p.cmd != nil && p.done != nil {
		select {
		case <-p.done:
			// Previous process has exited, ok to start a new one.
		default:
			p.mu.Unlock()
			return fmt.Errorf("pipeline already running")
		}
	}

	offsetSeconds := plan.StartOffset.Seconds()
	if offsetSeconds < 0 {
		offsetSeconds = 0
	}

	cmd := exec.CommandContext(ctx, p.cfg.EncoderBin,
		"-offset", fmt.Sprintf("%.3f", offsetSeconds),
		"-format", "mpegts",
		"-playlist", "-",
	)
	cmd.Stderr = nil
	cmd.Stdin = strings.NewReader(plan.playlist())

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start encoder: %w", err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})
	p.outErr = nil
	done := p.done
	p.mu.Unlock()

	firstByte := make(chan struct{})
	go func() {
		output(&signalReader{r: stdout, signal: firstByte})
	}()

	go func(done chan struct{}, c *exec.Cmd) {
		err := c.Wait()
		p.mu.Lock()
		p.outErr = err
		p.mu.Unlock()
		close(done)
		if err != nil {
			p.logger.Debug().Err(err).Msg("encoder exited")
		} else {
			p.logger.Info().Msg("encoder stopped")
		}
	}(done, cmd)

	select {
	case <-firstByte:
		p.logger.Info().
			Float64("offset_seconds", offsetSeconds).
			Int("sources", len(plan.Sources)).
			Msg("encoder started")
		return nil
	case <-done:
		return fmt.Errorf("encoder exited before producing output: %w", p.exitErr())
	case <-time.After(p.cfg.EncoderStartupTimeout):
		p.kill()
		return fmt.Errorf("encoder produced no output within %s", p.cfg.EncoderStartupTimeout)
	case <-ctx.Done():
		p.kill()
		return ctx.Err()
	}
}

// Wait blocks until the encoder process exits and returns its error.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return p.exitErr()
	}
}

// Done returns a channel closed when the encoder exits.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Pipeline) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outErr
}

func (p *Pipeline) kill() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Stop terminates the encoder, escalating from interrupt to kill after
// the shutdown timeout.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	p.mu.Unlock()

	if cmd == nil || done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-time.After(p.cfg.EncoderShutdownTimeout):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	case <-done:
	}

	return nil
}

// signalReader closes signal after the first successful read.
type signalReader struct {
	r      io.Reader
	signal chan struct{}
	once   sync.Once
}

func (s *signalReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.once.Do(func() { close(s.signal) })
	}
	return n, err
}
