package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/simulator"
	"fleet-tracker/internal/telemetry"
)

const DefaultEndpoint = "ws://localhost:8080/ws"

var (
	ErrEmptyDeviceID = errors.New("tracking: empty device id")
	ErrNilCallback   = errors.New("tracking: nil callback")
)

// Callback receives every record for a subscribed device.
type Callback func(telemetry.Record)

// Transport is the live telemetry connection (link.Client).
type Transport interface {
	Connect(ctx context.Context, url string) error
	Disconnect()
	IsConnected() bool
	SendSubscription(deviceID string) error
	SendUnsubscription(deviceID string) error
}

// Generator fabricates telemetry when no live device exists (simulator.Simulator).
type Generator interface {
	Start(deviceID string, emit simulator.Emitter) (cancel func())
	Stop(deviceID string)
	StopAll()
}

// HistoryStore serves historical telemetry for a time range.
type HistoryStore interface {
	Range(ctx context.Context, deviceID string, start, end time.Time) ([]telemetry.Record, error)
}

// Recorder gets a copy of every dispatched record (pipeline.Pipeline).
type Recorder interface {
	Submit(telemetry.Record)
}

type emptyHistory struct{}

func (emptyHistory) Range(context.Context, string, time.Time, time.Time) ([]telemetry.Record, error) {
	return []telemetry.Record{}, nil
}

type subscription struct {
	cb     Callback
	source Source
}

type Option func(*Service)

func WithEndpoint(url string) Option { return func(s *Service) { s.endpoint = url } }

func WithHistory(h HistoryStore) Option { return func(s *Service) { s.history = h } }

func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// Service multiplexes device subscriptions over one transport and one
// simulator. It is built once by the composition root and shared.
type Service struct {
	transport Transport
	sim       Generator
	history   HistoryStore
	recorder  Recorder
	endpoint  string
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
	refs int
}

func NewService(transport Transport, sim Generator, opts ...Option) *Service {
	s := &Service{
		transport: transport,
		sim:       sim,
		history:   emptyHistory{},
		endpoint:  DefaultEndpoint,
		subs:      make(map[string]*subscription),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = observability.Discard()
	}
	s.logger = s.logger.With("component", "tracking")
	return s
}

// Connect takes a reference on the transport. The first reference opens it
// against endpoint, or the configured default when endpoint is empty.
func (s *Service) Connect(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		endpoint = s.endpoint
	}
	s.mu.Lock()
	s.refs++
	first := s.refs == 1
	s.mu.Unlock()

	if !first && s.transport.IsConnected() {
		return nil
	}
	if err := s.transport.Connect(ctx, endpoint); err != nil {
		return fmt.Errorf("tracking: connect: %w", err)
	}
	return nil
}

// Release drops one Connect reference; the last one disconnects.
func (s *Service) Release() {
	s.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	last := s.refs == 0
	s.mu.Unlock()
	if last {
		s.Disconnect()
	}
}

func (s *Service) IsConnected() bool {
	return s.transport.IsConnected()
}

// SubscribeToDevice installs cb as the only callback for deviceID,
// replacing any earlier one. A live subscription sent while offline is
// replayed by ResendSubscriptions on the next open.
func (s *Service) SubscribeToDevice(deviceID string, source Source, cb Callback) error {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}
	if cb == nil {
		return ErrNilCallback
	}
	if source != SourceLive && source != SourceSimulated {
		return fmt.Errorf("tracking: %w: %d", ErrUnknownSource, source)
	}

	s.mu.Lock()
	prev := s.subs[deviceID]
	s.subs[deviceID] = &subscription{cb: cb, source: source}
	observability.ActiveSubscriptions.Set(float64(len(s.subs)))
	s.mu.Unlock()

	if prev != nil && prev.source != source {
		s.teardown(deviceID, prev.source)
	}

	switch source {
	case SourceSimulated:
		s.sim.Start(deviceID, s.dispatch)
	case SourceLive:
		if err := s.transport.SendSubscription(deviceID); err != nil {
			s.logger.Debug("subscribe deferred until transport opens", "device_id", deviceID, "err", err)
		}
	}
	s.logger.Info("subscribed", "device_id", deviceID, "source", source.String())
	return nil
}

func (s *Service) UnsubscribeFromDevice(deviceID string) {
	s.mu.Lock()
	sub, ok := s.subs[deviceID]
	delete(s.subs, deviceID)
	observability.ActiveSubscriptions.Set(float64(len(s.subs)))
	s.mu.Unlock()
	if !ok {
		return
	}
	s.teardown(deviceID, sub.source)
	s.logger.Info("unsubscribed", "device_id", deviceID)
}

func (s *Service) teardown(deviceID string, source Source) {
	switch source {
	case SourceSimulated:
		s.sim.Stop(deviceID)
	case SourceLive:
		if err := s.transport.SendUnsubscription(deviceID); err != nil {
			s.logger.Debug("unsubscribe not sent", "device_id", deviceID, "err", err)
		}
	}
}

// SimulateGPSData starts fabricated telemetry for deviceID, delivered
// through the same callback path as live data.
func (s *Service) SimulateGPSData(deviceID string) (cancel func()) {
	return s.sim.Start(deviceID, s.dispatch)
}

// ResendSubscriptions replays every live subscription. It is wired as the
// transport's open hook.
func (s *Service) ResendSubscriptions() {
	s.mu.Lock()
	var ids []string
	for id, sub := range s.subs {
		if sub.source == SourceLive {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.transport.SendSubscription(id); err != nil {
			s.logger.Warn("resubscribe failed", "device_id", id, "err", err)
		}
	}
}

// HandleRecord routes a live record to its subscriber; it is wired as the
// transport's record hook.
func (s *Service) HandleRecord(r telemetry.Record) {
	s.dispatch(r)
}

func (s *Service) dispatch(r telemetry.Record) {
	s.mu.Lock()
	sub, ok := s.subs[r.DeviceID]
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.Submit(r)
	}
	if ok {
		sub.cb(r)
	}
}

// GetHistoricalData returns records between start and end. Without a
// configured store the result is always empty.
func (s *Service) GetHistoricalData(ctx context.Context, deviceID string, start, end time.Time) ([]telemetry.Record, error) {
	if deviceID == "" {
		return nil, ErrEmptyDeviceID
	}
	if end.Before(start) {
		return nil, fmt.Errorf("tracking: history range end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	recs, err := s.history.Range(ctx, deviceID, start, end)
	if err != nil {
		return nil, fmt.Errorf("tracking: history for %s: %w", deviceID, err)
	}
	return recs, nil
}

func (s *Service) Subscribed(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[deviceID]
	return ok
}

// Disconnect closes the transport and stops every simulation.
func (s *Service) Disconnect() {
	s.transport.Disconnect()
	s.sim.StopAll()
	s.logger.Info("tracking service disconnected")
}
