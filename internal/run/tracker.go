package run

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/mhartvig/runlink/run-tracker-app/internal/events"
	"github.com/mhartvig/runlink/run-tracker-app/internal/ftms"
)

// DeviceSession is the slice of the connection manager the tracker
// needs: notification subscriptions and the connected device identity.
type DeviceSession interface {
	Subscribe(serviceUUID, charUUID string, fn func(buf []byte)) error
	ConnectedDevice() (address, name string, ok bool)
}

// Tracker is the single serialized ingestion point for all telemetry
// streams. Both characteristic callbacks funnel through one mutex, so
// the sample log stays time-ordered and the metrics recompute sees a
// consistent session. The recompute path performs no I/O and never
// blocks on the UI.
type Tracker struct {
	logger  *log.Logger
	weights ScoreWeights

	mu      sync.Mutex
	session *Session
	metrics *Metrics
	dev     DeviceSession
	brand   string

	snapshotEvent *events.Observable[Snapshot]
}

// NewTracker creates a tracker with an idle session.
func NewTracker(logger *log.Logger, weights ScoreWeights) *Tracker {
	if logger == nil {
		panic("Tracker: logger cannot be nil")
	}
	return &Tracker{
		logger:        logger,
		weights:       weights,
		session:       NewSession(logger),
		snapshotEvent: events.NewObservable[Snapshot](),
	}
}

// AttachStreams subscribes the tracker to the device's telemetry
// characteristics. The treadmill stream is mandatory; a device without
// a heart-rate characteristic is still usable, so that failure is
// logged and tolerated.
func (t *Tracker) AttachStreams(dev DeviceSession) error {
	if dev == nil {
		panic("Tracker: device session cannot be nil")
	}

	t.mu.Lock()
	t.dev = dev
	t.mu.Unlock()

	for _, stream := range TelemetryStreams() {
		stream := stream
		err := dev.Subscribe(stream.ServiceUUID, stream.CharacteristicUUID, func(buf []byte) {
			t.handleNotification(stream, buf)
		})
		if err != nil {
			if stream.Name == "heart-rate" {
				t.logger.Printf("Tracker: no heart-rate stream: %v", err)
				continue
			}
			return fmt.Errorf("failed to subscribe to %s stream: %w", stream.Name, err)
		}
		t.logger.Printf("Tracker: subscribed to %s stream", stream.Name)
	}
	return nil
}

// handleNotification decodes one raw payload and ingests the sample.
// A malformed payload is dropped with a log line; it has no session
// effect and does not terminate the connection.
func (t *Tracker) handleNotification(stream TelemetryStream, buf []byte) {
	sample, err := stream.Decoder.Decode(buf, time.Now())
	if err != nil {
		t.logger.Printf("Tracker: dropping %s payload: %v", stream.Name, err)
		return
	}
	t.IngestSample(sample)
}

// IngestSample feeds one decoded sample into the active session.
// Samples arriving outside an active session are discarded silently;
// the treadmill keeps notifying regardless of our session state.
func (t *Tracker) IngestSample(sample ftms.Sample) {
	t.mu.Lock()
	if t.session.State() != SessionActive {
		t.mu.Unlock()
		return
	}
	if err := t.session.Ingest(sample); err != nil {
		t.mu.Unlock()
		t.logger.Printf("Tracker: sample rejected: %v", err)
		return
	}
	t.metrics.Observe(sample.Time, t.session.DistanceMeters(), sample.SpeedMPS, sample.HasSpeed)
	snapshot := t.buildSnapshotLocked()
	t.mu.Unlock()

	t.snapshotEvent.Set(snapshot)
}

// Start begins a session with the given target. The treadmill brand is
// captured from the connected device for the result metadata.
func (t *Tracker) Start(target Target) error {
	now := time.Now()

	t.mu.Lock()
	if err := t.session.Start(target, now); err != nil {
		t.mu.Unlock()
		return err
	}
	t.metrics = NewMetrics(target, now)
	t.brand = ""
	if t.dev != nil {
		if _, name, ok := t.dev.ConnectedDevice(); ok {
			t.brand = name
		}
	}
	snapshot := t.buildSnapshotLocked()
	t.mu.Unlock()

	t.snapshotEvent.Set(snapshot)
	return nil
}

// End finalizes the active session into an immutable Result, scored
// when the target allows it. Ending without an active session is an
// error; it never silently no-ops.
func (t *Tracker) End() (Result, error) {
	now := time.Now()

	t.mu.Lock()
	if err := t.session.Finish(now); err != nil {
		t.mu.Unlock()
		return Result{}, err
	}

	distanceKm := t.session.DistanceMeters() / 1000
	durationSec := t.session.ElapsedSeconds()

	avgPace := 0
	if distanceKm > 0 {
		avgPace = int(math.Round(float64(durationSec) / distanceKm))
	}

	result := Result{
		ID:              t.session.ID(),
		StartedAt:       t.session.StartedAt(),
		FinishedAt:      t.session.FinishedAt(),
		Target:          t.session.Target(),
		DistanceKm:      distanceKm,
		DurationSeconds: durationSec,
		AvgPaceSecPerKm: avgPace,
		Splits:          t.metrics.Splits(),
		DataSource:      DataSourceBluetoothFTMS,
		TreadmillBrand:  t.brand,
	}
	result.Score, result.HasScore = ScoreWithWeights(result, t.weights)

	snapshot := t.buildSnapshotLocked()
	t.mu.Unlock()

	t.snapshotEvent.Set(snapshot)
	return result, nil
}

// Dismiss discards the finished session and returns to the lobby.
func (t *Tracker) Dismiss() error {
	t.mu.Lock()
	err := t.session.Dismiss()
	t.mu.Unlock()
	return err
}

// SessionState returns the current session lifecycle state.
func (t *Tracker) SessionState() SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.State()
}

// Snapshot returns the latest metrics snapshot, false before any has
// been produced.
func (t *Tracker) Snapshot() (Snapshot, bool) {
	return t.snapshotEvent.Get()
}

// ListenToSnapshots registers a channel for live metrics snapshots and
// returns a deregistration function.
func (t *Tracker) ListenToSnapshots(ch chan<- Snapshot) func() {
	return t.snapshotEvent.Listen(ch)
}

// buildSnapshotLocked assembles a Snapshot from the session and
// metrics. Caller holds t.mu.
func (t *Tracker) buildSnapshotLocked() Snapshot {
	s := Snapshot{
		SessionState:   t.session.State(),
		ElapsedSeconds: t.session.ElapsedSeconds(),
		DistanceKm:     t.session.DistanceMeters() / 1000,
		Pace:           NoPaceSentinel,
		Zone:           ZoneNoTarget,
	}
	if t.metrics == nil {
		return s
	}

	if pace, ok := t.metrics.CurrentPace(); ok {
		s.HasPace = true
		s.PaceSecPerKm = pace
		s.Pace = FormatPace(int(math.Round(pace)))
	}
	s.Zone = t.metrics.Zone()

	sessionAvg := 0.0
	if s.DistanceKm > 0 {
		sessionAvg = float64(s.ElapsedSeconds) / s.DistanceKm
	}
	if drift, ok := t.metrics.Drift(sessionAvg); ok {
		s.HasDrift = true
		s.DriftSec = drift
		s.Drift = FormatDrift(drift)
	}

	if hr, ok := t.session.HeartRate(); ok {
		s.HasHeartRate = true
		s.HeartRateBPM = hr
	}

	s.Splits = t.metrics.Splits()
	s.PaceGraph = t.metrics.PaceGraph()
	return s
}
