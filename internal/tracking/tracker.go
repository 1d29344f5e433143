package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohae/deepcopy"

	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/telemetry"
)

var (
	ErrNotConnected  = errors.New("tracking: transport not connected")
	ErrNotTracking   = errors.New("tracking: no vehicle is being tracked")
	ErrTrackerClosed = errors.New("tracking: tracker closed")
)

// State is what a view renders for one tracked vehicle.
type State struct {
	ID          string             `json:"id"`
	DeviceID    string             `json:"deviceId,omitempty"`
	Source      string             `json:"source"`
	Telemetry   *telemetry.Record  `json:"telemetry"`
	IsConnected bool               `json:"isConnected"`
	IsTracking  bool               `json:"isTracking"`
	PathHistory []telemetry.Record `json:"pathHistory"`
	Error       string             `json:"error,omitempty"`
}

type TrackerOption func(*Tracker)

func WithSource(src Source) TrackerOption { return func(t *Tracker) { t.source = src } }

func WithPathLimit(n int) TrackerOption { return func(t *Tracker) { t.pathLimit = n } }

func WithTrackerLogger(l *slog.Logger) TrackerOption { return func(t *Tracker) { t.logger = l } }

// Tracker is the view-facing adapter over a Service: connection state,
// latest telemetry, a bounded trail and start/stop lifecycle for one
// vehicle at a time.
type Tracker struct {
	id        string
	svc       *Service
	source    Source
	pathLimit int
	logger    *slog.Logger

	mu        sync.Mutex
	connected bool
	tracking  bool
	deviceID  string
	gen       uint64
	latest    *telemetry.Record
	path      *telemetry.PathHistory
	lastErr   error
	watchers  map[uint64]chan telemetry.Record
	nextWatch uint64
	closed    bool
}

// NewTracker attaches to svc, connecting it once. A failed connect is kept
// as the tracker error; simulated tracking still works without it.
func NewTracker(ctx context.Context, svc *Service, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		id:        uuid.NewString(),
		svc:       svc,
		source:    SourceSimulated,
		pathLimit: telemetry.DefaultPathLimit,
		watchers:  make(map[uint64]chan telemetry.Record),
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = observability.Discard()
	}
	t.logger = t.logger.With("component", "tracker", "tracker_id", t.id)
	t.path = telemetry.NewHistory[telemetry.Record](t.pathLimit)

	if err := svc.Connect(ctx, ""); err != nil {
		t.logger.Warn("tracker connect failed", "err", err)
		t.lastErr = err
	} else {
		t.connected = true
	}
	return t
}

func (t *Tracker) ID() string { return t.id }

func (t *Tracker) Source() Source { return t.source }

// StartTracking switches the tracker to deviceID. On failure the tracker is
// left idle and the error is kept for Snapshot.
func (t *Tracker) StartTracking(deviceID string) error {
	if deviceID == "" {
		return t.fail(ErrEmptyDeviceID)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTrackerClosed
	}
	switching := t.tracking
	t.mu.Unlock()
	if switching {
		t.StopTracking()
	}

	t.mu.Lock()
	// Close may have run while the previous device was torn down
	if t.closed {
		t.mu.Unlock()
		return ErrTrackerClosed
	}
	if t.source == SourceLive && !t.connected && !t.svc.IsConnected() {
		t.lastErr = ErrNotConnected
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.gen++
	gen := t.gen
	t.tracking = true
	t.deviceID = deviceID
	t.lastErr = nil
	t.mu.Unlock()

	err := t.svc.SubscribeToDevice(deviceID, t.source, func(r telemetry.Record) {
		t.receive(gen, r)
	})
	if err != nil {
		t.mu.Lock()
		if t.gen == gen {
			t.tracking = false
			t.deviceID = ""
		}
		t.lastErr = err
		t.mu.Unlock()
		t.logger.Warn("start tracking failed", "device_id", deviceID, "err", err)
		return err
	}

	t.mu.Lock()
	closed := t.closed
	if closed && t.gen == gen {
		t.tracking = false
		t.deviceID = ""
	}
	t.mu.Unlock()
	if closed {
		t.svc.UnsubscribeFromDevice(deviceID)
		return ErrTrackerClosed
	}
	t.logger.Info("tracking started", "device_id", deviceID, "source", t.source.String())
	return nil
}

func (t *Tracker) receive(gen uint64, r telemetry.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.tracking || t.gen != gen {
		return
	}
	rec := r
	t.latest = &rec
	t.path.Push(r)
	for _, ch := range t.watchers {
		select {
		case ch <- r:
		default:
		}
	}
}

// StopTracking unsubscribes and clears telemetry and history. Safe to call
// when already idle.
func (t *Tracker) StopTracking() {
	t.mu.Lock()
	was := t.tracking
	deviceID := t.deviceID
	t.tracking = false
	t.deviceID = ""
	t.gen++
	t.latest = nil
	t.path.Clear()
	t.mu.Unlock()

	if was {
		t.svc.UnsubscribeFromDevice(deviceID)
		t.logger.Info("tracking stopped", "device_id", deviceID)
	}
}

// GetHistoricalData queries the service; an empty deviceID means the
// vehicle currently tracked.
func (t *Tracker) GetHistoricalData(ctx context.Context, deviceID string, start, end time.Time) ([]telemetry.Record, error) {
	if deviceID == "" {
		t.mu.Lock()
		deviceID = t.deviceID
		t.mu.Unlock()
		if deviceID == "" {
			return nil, t.fail(ErrNotTracking)
		}
	}
	recs, err := t.svc.GetHistoricalData(ctx, deviceID, start, end)
	if err != nil {
		return nil, t.fail(err)
	}
	return recs, nil
}

func (t *Tracker) fail(err error) error {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	return err
}

// Watch streams records received after the call. Slow readers miss
// records rather than block the tracker.
func (t *Tracker) Watch(buffer int) (<-chan telemetry.Record, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan telemetry.Record, buffer)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := t.nextWatch
	t.nextWatch++
	t.watchers[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			if c, ok := t.watchers[id]; ok {
				delete(t.watchers, id)
				close(c)
			}
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := State{
		ID:          t.id,
		DeviceID:    t.deviceID,
		Source:      t.source.String(),
		Telemetry:   t.latest,
		IsConnected: t.connected || t.svc.IsConnected(),
		IsTracking:  t.tracking,
		PathHistory: t.path.Entries(),
	}
	if t.lastErr != nil {
		st.Error = t.lastErr.Error()
	}
	return deepcopy.Copy(st).(State)
}

// Close stops tracking, ends every watch and releases the service.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.StopTracking()

	t.mu.Lock()
	for id, ch := range t.watchers {
		delete(t.watchers, id)
		close(ch)
	}
	t.connected = false
	t.mu.Unlock()

	t.svc.Release()
}
