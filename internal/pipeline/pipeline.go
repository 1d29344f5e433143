// Package pipeline forwards tracked records to external sinks off the
// tracking hot path.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/telemetry"
)

const DefaultQueueSize = 1024

// Sink is one destination for envelopes.
type Sink interface {
	Name() string
	Write(ctx context.Context, env Envelope) error
}

type Option func(*Pipeline)

func WithClock(c clockwork.Clock) Option { return func(p *Pipeline) { p.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

type Pipeline struct {
	queue  chan telemetry.Record
	sinks  []Sink
	clock  clockwork.Clock
	logger *slog.Logger
}

func New(queueSize int, sinks []Sink, opts ...Option) *Pipeline {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pipeline{queue: make(chan telemetry.Record, queueSize), sinks: sinks}
	for _, o := range opts {
		o(p)
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	if p.logger == nil {
		p.logger = observability.Discard()
	}
	p.logger = p.logger.With("component", "pipeline")
	return p
}

// Submit enqueues r without blocking. A full queue drops the record.
func (p *Pipeline) Submit(r telemetry.Record) {
	select {
	case p.queue <- r:
	default:
		observability.PipelineDropped.Inc()
	}
}

// Pending is the number of queued records.
func (p *Pipeline) Pending() int { return len(p.queue) }

// Run drains the queue into every sink until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	names := make([]string, 0, len(p.sinks))
	for _, s := range p.sinks {
		names = append(names, s.Name())
	}
	p.logger.Info("pipeline started", "sinks", names)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-p.queue:
			p.deliver(ctx, NewEnvelope(r, p.clock.Now()))
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context, env Envelope) {
	for _, s := range p.sinks {
		if err := s.Write(ctx, env); err != nil {
			observability.SinkErrors.WithLabelValues(s.Name()).Inc()
			p.logger.Warn("sink write failed", "sink", s.Name(), "device", env.DeviceID, "error", err)
		}
	}
}
