package relay

import (
	"context"

	"github.com/twpayne/go-geom"

	"sar_tracker/internal/models"
)

// Backend is the slice of the mapping service the coordinator drives. It must
// be safe for concurrent use by all vehicle workers; *caltopo.Client
// satisfies it.
type Backend interface {
	CreateTrack(ctx context.Context, mapID string, points []geom.Coord, label, description string) (string, error)
	UpdateTrack(ctx context.Context, mapID, trackID string, points []geom.Coord, label, description string) error
	UpsertMarker(ctx context.Context, mapID, label string, lon, lat float64, description string) error
	DeleteMarkersMatching(ctx context.Context, mapID, labelPrefix string) error
	ReportPoint(ctx context.Context, connectKey, deviceLabel string, lat, lon float64, alt *float64) error
}

// TelemetrySource is a stream of raw telemetry payloads for one vehicle.
// Run blocks until the source is cancelled or gives up; the messages channel
// is closed when Run returns. Both skydio.Source and simulator.Source
// implement it.
type TelemetrySource interface {
	Run(ctx context.Context) error
	Messages() <-chan map[string]any
}

// SourceFactory builds the telemetry source for a vehicle serial. Swapped for
// a simulator factory in simulation mode.
type SourceFactory func(serial string) TelemetrySource

// Reporter forwards one canonical sample to the mapping backend. Each device
// worker owns its reporter; reporters for different vehicles never share
// mutable state.
type Reporter interface {
	Report(ctx context.Context, deviceLabel string, sample models.PositionSample) error
}

// ReporterFactory builds the per-vehicle reporter for a device label.
type ReporterFactory func(deviceLabel string) Reporter
