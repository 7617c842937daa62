package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"sar_tracker/internal/caltopo"
	"sar_tracker/internal/models"
	"sar_tracker/internal/skydio"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

// fakeSource feeds test-controlled payloads into a device worker. Run blocks
// until the owner cancels or the test ends the stream.
type fakeSource struct {
	msgs chan map[string]any
	stop chan struct{}
	err  error
	once sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		msgs: make(chan map[string]any, 64),
		stop: make(chan struct{}),
	}
}

func (f *fakeSource) Messages() <-chan map[string]any { return f.msgs }

func (f *fakeSource) Run(ctx context.Context) error {
	defer close(f.msgs)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.stop:
		return f.err
	}
}

func (f *fakeSource) push(raw map[string]any) { f.msgs <- raw }

func singleSource(src *fakeSource) SourceFactory {
	return func(serial string) TelemetrySource { return src }
}

// end terminates the stream with the given source error.
func (f *fakeSource) end(err error) {
	f.err = err
	f.once.Do(func() { close(f.stop) })
}

type reportCall struct {
	label    string
	lat, lon float64
}

// fakeBackend records calls and plays back scripted per-call errors.
type fakeBackend struct {
	mu          sync.Mutex
	reports     []reportCall
	reportErrs  []error // consumed one per ReportPoint call
	creates     int
	updates     int
	updateErrs  []error
	lastPoints  []geom.Coord
	markers     int
	deletions   int
	reported    chan reportCall
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{reported: make(chan reportCall, 64)}
}

func (b *fakeBackend) nextErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (b *fakeBackend) ReportPoint(ctx context.Context, key, label string, lat, lon float64, alt *float64) error {
	b.mu.Lock()
	call := reportCall{label: label, lat: lat, lon: lon}
	b.reports = append(b.reports, call)
	err := b.nextErr(&b.reportErrs)
	b.mu.Unlock()
	b.reported <- call
	return err
}

func (b *fakeBackend) CreateTrack(ctx context.Context, mapID string, points []geom.Coord, label, desc string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	b.lastPoints = append([]geom.Coord(nil), points...)
	return "track-1", nil
}

func (b *fakeBackend) UpdateTrack(ctx context.Context, mapID, trackID string, points []geom.Coord, label, desc string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates++
	b.lastPoints = append([]geom.Coord(nil), points...)
	return b.nextErr(&b.updateErrs)
}

func (b *fakeBackend) UpsertMarker(ctx context.Context, mapID, label string, lon, lat float64, desc string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markers++
	return nil
}

func (b *fakeBackend) DeleteMarkersMatching(ctx context.Context, mapID, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletions++
	return nil
}

func (b *fakeBackend) reportCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reports)
}

func payload(lat, lon float64) map[string]any {
	return map[string]any{"latitude": lat, "longitude": lon, "battery": 0.8}
}

// startCoordinator runs a coordinator over fake sources and a fake backend.
func startCoordinator(t *testing.T, pollInterval time.Duration, fatalThreshold int, newSource SourceFactory, backend *fakeBackend) (*Coordinator, context.CancelFunc, chan error) {
	t.Helper()
	cfg := Config{
		PollInterval:      pollInterval,
		FatalThreshold:    fatalThreshold,
		DeviceLabelPrefix: "uas",
	}
	c := NewCoordinator(cfg,
		newSource,
		func(label string) Reporter { return NewConnectReporter(backend, "KEY") },
		testLog())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, []string{"SER1234"}) }()

	// Wait until the worker exists before pushing samples.
	require.Eventually(t, func() bool {
		_, ok := c.Device("SER1234")
		return ok
	}, time.Second, time.Millisecond)

	return c, cancel, done
}

func TestDeviceLabelDerivation(t *testing.T) {
	c := NewCoordinator(Config{DeviceLabelPrefix: "sccssar_uas"}, nil, nil, testLog())
	assert.Equal(t, "sccssar_uas-1234", c.DeviceLabel("SKYD00001234"))
	assert.Equal(t, "sccssar_uas-AB", c.DeviceLabel("AB"))
}

func TestFirstSampleBringsDeviceOnline(t *testing.T) {
	src := newFakeSource()
	backend := newFakeBackend()
	c, cancel, _ := startCoordinator(t, 50*time.Millisecond, 5, singleSource(src), backend)
	defer cancel()

	state, _ := c.Device("SER1234")
	assert.Equal(t, models.DeviceStatusInitializing, state.Status)

	src.push(payload(36.47, -118.85))
	call := <-backend.reported
	assert.Equal(t, "uas-1234", call.label)
	assert.Equal(t, 36.47, call.lat)

	assert.Eventually(t, func() bool {
		state, _ := c.Device("SER1234")
		return state.Status == models.DeviceStatusOnline && state.LastSample != nil
	}, time.Second, time.Millisecond)
}

func TestCoalescingForwardsOnlyLatestSample(t *testing.T) {
	src := newFakeSource()
	backend := newFakeBackend()
	_, cancel, _ := startCoordinator(t, 150*time.Millisecond, 5, singleSource(src), backend)
	defer cancel()

	// First sample goes out immediately.
	src.push(payload(1, 1))
	<-backend.reported

	// A burst inside the poll interval coalesces down to the newest sample.
	for i := 2; i <= 6; i++ {
		src.push(payload(float64(i), float64(i)))
	}

	call := <-backend.reported
	assert.Equal(t, 6.0, call.lat, "only the most recent sample is forwarded")

	// And nothing else arrives afterwards.
	select {
	case extra := <-backend.reported:
		t.Fatalf("unexpected extra report: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 2, backend.reportCount())

	cancel()
}

func TestTransportErrorsThenSuccessResetsStreak(t *testing.T) {
	src := newFakeSource()
	backend := newFakeBackend()
	backend.reportErrs = []error{
		&caltopo.TransportError{Op: "report point", StatusCode: 502},
		&caltopo.TransportError{Op: "report point", StatusCode: 502},
		&caltopo.TransportError{Op: "report point", StatusCode: 502},
	}
	c, cancel, _ := startCoordinator(t, time.Millisecond, 10, singleSource(src), backend)
	defer cancel()

	for i := 0; i < 3; i++ {
		src.push(payload(1, 1))
		<-backend.reported
		time.Sleep(5 * time.Millisecond)
	}
	assert.Eventually(t, func() bool {
		state, _ := c.Device("SER1234")
		return state.Status == models.DeviceStatusBackoff && state.ConsecutiveErrors == 3
	}, time.Second, time.Millisecond)

	src.push(payload(2, 2))
	<-backend.reported
	assert.Eventually(t, func() bool {
		state, _ := c.Device("SER1234")
		return state.Status == models.DeviceStatusOnline && state.ConsecutiveErrors == 0
	}, time.Second, time.Millisecond)
}

func TestAuthErrorBypassesBackoffLadder(t *testing.T) {
	src := newFakeSource()
	backend := newFakeBackend()
	backend.reportErrs = []error{&caltopo.AuthError{Op: "report point", StatusCode: 401}}
	c, cancel, done := startCoordinator(t, time.Millisecond, 10, singleSource(src), backend)
	defer cancel()

	src.push(payload(1, 1))
	<-backend.reported

	// Fatal: straight to offline and the worker stops.
	assert.Eventually(t, func() bool {
		state, _ := c.Device("SER1234")
		return state.Status == models.DeviceStatusOffline
	}, time.Second, time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coordinator did not finish after its only worker went offline")
	}
}

func TestErrorStreakExhaustionGoesOffline(t *testing.T) {
	src := newFakeSource()
	backend := newFakeBackend()
	backend.reportErrs = []error{
		&caltopo.TransportError{Op: "report point", StatusCode: 500},
		&caltopo.TransportError{Op: "report point", StatusCode: 500},
	}
	c, cancel, _ := startCoordinator(t, time.Millisecond, 2, singleSource(src), backend)
	defer cancel()

	src.push(payload(1, 1))
	<-backend.reported
	time.Sleep(5 * time.Millisecond)
	src.push(payload(1, 1))
	<-backend.reported

	assert.Eventually(t, func() bool {
		state, _ := c.Device("SER1234")
		return state.Status == models.DeviceStatusOffline
	}, time.Second, time.Millisecond)
}

func TestSourceMaxRetriesMarksVehicleOffline(t *testing.T) {
	src := newFakeSource()
	backend := newFakeBackend()
	c, cancel, done := startCoordinator(t, time.Millisecond, 5, singleSource(src), backend)
	defer cancel()

	src.end(skydio.ErrMaxRetries)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after source gave up")
	}
	state, _ := c.Device("SER1234")
	assert.Equal(t, models.DeviceStatusOffline, state.Status)
}

func TestReaddRestartsOfflineVehicle(t *testing.T) {
	// Every worker, including the re-added one, gets a fresh source.
	var mu sync.Mutex
	var sources []*fakeSource
	factory := func(serial string) TelemetrySource {
		src := newFakeSource()
		mu.Lock()
		sources = append(sources, src)
		mu.Unlock()
		return src
	}
	backend := newFakeBackend()
	c, cancel, _ := startCoordinator(t, time.Millisecond, 5, factory, backend)
	defer cancel()

	// Actively tracked vehicles cannot be added twice.
	err := c.AddVehicle("SER1234")
	require.Error(t, err)

	mu.Lock()
	first := sources[0]
	mu.Unlock()
	first.end(skydio.ErrMaxRetries)
	assert.Eventually(t, func() bool {
		state, _ := c.Device("SER1234")
		return state.Status == models.DeviceStatusOffline
	}, time.Second, time.Millisecond)

	// Offline is the one state an external re-add may leave.
	require.NoError(t, c.AddVehicle("SER1234"))
	state, _ := c.Device("SER1234")
	assert.Equal(t, models.DeviceStatusInitializing, state.Status)
}

func sampleAt(lat, lon float64) models.PositionSample {
	battery := 62
	return models.PositionSample{
		VehicleID:      "SER1234",
		Latitude:       lat,
		Longitude:      lon,
		BatteryPercent: &battery,
		FlightStatus:   models.FlightStatusFlying,
		Timestamp:      time.Date(2025, 6, 14, 10, 30, 0, 0, time.UTC),
	}
}

func TestTrackReporterCreatesThenUpdates(t *testing.T) {
	backend := newFakeBackend()
	r := NewTrackReporter(backend, "MAP1", 1000, testLog())
	ctx := context.Background()

	require.NoError(t, r.Report(ctx, "uas-1234", sampleAt(36.1, -118.1)))
	assert.Equal(t, 1, backend.creates)
	assert.Equal(t, 1, backend.deletions, "stale markers are cleaned exactly once")
	assert.Equal(t, 1, backend.markers)

	require.NoError(t, r.Report(ctx, "uas-1234", sampleAt(36.2, -118.2)))
	require.NoError(t, r.Report(ctx, "uas-1234", sampleAt(36.3, -118.3)))
	assert.Equal(t, 1, backend.creates)
	assert.Equal(t, 2, backend.updates)
	assert.Equal(t, 1, backend.deletions)
	// Every report resends the full polyline.
	assert.Len(t, backend.lastPoints, 3)
	assert.Equal(t, geom.Coord{-118.3, 36.3}, backend.lastPoints[2])
}

func TestTrackReporterRecreatesAfterConflict(t *testing.T) {
	backend := newFakeBackend()
	backend.updateErrs = []error{&caltopo.ConflictError{Op: "update track", Resource: "track-1"}}
	r := NewTrackReporter(backend, "MAP1", 1000, testLog())
	ctx := context.Background()

	require.NoError(t, r.Report(ctx, "uas-1234", sampleAt(36.1, -118.1)))

	// The backend lost the track: the failed update surfaces as an error and
	// the next report starts a new track.
	err := r.Report(ctx, "uas-1234", sampleAt(36.2, -118.2))
	require.Error(t, err)
	assert.True(t, caltopo.IsConflict(err))

	require.NoError(t, r.Report(ctx, "uas-1234", sampleAt(36.3, -118.3)))
	assert.Equal(t, 2, backend.creates)
	assert.Equal(t, 1, backend.updates)
	assert.Len(t, backend.lastPoints, 3, "accumulated points survive the recreate")
}

func TestTrackReporterBoundsPolyline(t *testing.T) {
	backend := newFakeBackend()
	r := NewTrackReporter(backend, "MAP1", 3, testLog())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, r.Report(ctx, "uas-1234", sampleAt(float64(i), float64(i))))
	}
	require.Len(t, backend.lastPoints, 3)
	// The oldest points were dropped first.
	assert.Equal(t, geom.Coord{3, 3}, backend.lastPoints[0])
	assert.Equal(t, geom.Coord{5, 5}, backend.lastPoints[2])
}

func TestConnectReporterPassesSampleThrough(t *testing.T) {
	backend := newFakeBackend()
	r := NewConnectReporter(backend, "KEY42")
	sample := sampleAt(36.5, -118.5)
	alt := 120.0
	sample.Altitude = &alt

	require.NoError(t, r.Report(context.Background(), "uas-1234", sample))
	require.Len(t, backend.reports, 1)
	assert.Equal(t, reportCall{label: "uas-1234", lat: 36.5, lon: -118.5}, backend.reports[0])
}

func TestSnapshotOrdering(t *testing.T) {
	cfg := Config{PollInterval: time.Second, FatalThreshold: 5, DeviceLabelPrefix: "uas"}
	c := NewCoordinator(cfg,
		func(serial string) TelemetrySource { return newFakeSource() },
		func(label string) Reporter { return NewConnectReporter(newFakeBackend(), "K") },
		testLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, []string{"B2", "A1", "C3"}) }()

	assert.Eventually(t, func() bool {
		return len(c.Snapshot()) == 3
	}, time.Second, time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, "A1", snap[0].VehicleID)
	assert.Equal(t, "B2", snap[1].VehicleID)
	assert.Equal(t, "C3", snap[2].VehicleID)

	cancel()
	<-done
}
