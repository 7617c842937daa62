package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-geom"

	"sar_tracker/internal/caltopo"
	"sar_tracker/internal/models"
)

// ConnectReporter forwards positions through CalTopo's unsigned connect
// protocol: one fire-and-forget GET per sample.
type ConnectReporter struct {
	backend    Backend
	connectKey string
}

func NewConnectReporter(backend Backend, connectKey string) *ConnectReporter {
	return &ConnectReporter{backend: backend, connectKey: connectKey}
}

func (r *ConnectReporter) Report(ctx context.Context, deviceLabel string, sample models.PositionSample) error {
	return r.backend.ReportPoint(ctx, r.connectKey, deviceLabel, sample.Latitude, sample.Longitude, sample.Altitude)
}

// TrackReporter maintains a full track polyline and current-position marker
// on a CalTopo map through the signed protocol. The backend has no append
// operation, so every report resends the complete point list. One
// TrackReporter serves exactly one vehicle.
type TrackReporter struct {
	backend   Backend
	mapID     string
	maxPoints int
	log       *logrus.Entry

	trackID string
	points  []geom.Coord
	cleaned bool
}

func NewTrackReporter(backend Backend, mapID string, maxPoints int, log *logrus.Entry) *TrackReporter {
	return &TrackReporter{
		backend:   backend,
		mapID:     mapID,
		maxPoints: maxPoints,
		log:       log,
	}
}

func (r *TrackReporter) Report(ctx context.Context, deviceLabel string, sample models.PositionSample) error {
	r.points = append(r.points, geom.Coord{sample.Longitude, sample.Latitude})
	// Bound the polyline: drop the oldest points first.
	if len(r.points) > r.maxPoints {
		r.points = r.points[len(r.points)-r.maxPoints:]
	}

	trackLabel := "SAR-Drone-" + deviceLabel
	timestamp := sample.Timestamp.UTC().Format(time.RFC3339)

	if r.trackID == "" {
		// Stale markers from a previous run are cleaned up once, best effort.
		if !r.cleaned {
			r.backend.DeleteMarkersMatching(ctx, r.mapID, deviceLabel)
			r.cleaned = true
		}
		id, err := r.backend.CreateTrack(ctx, r.mapID, r.points, trackLabel, "Started: "+timestamp)
		if err != nil {
			return err
		}
		r.trackID = id
	} else {
		err := r.backend.UpdateTrack(ctx, r.mapID, r.trackID, r.points, trackLabel, "Updated: "+timestamp)
		if caltopo.IsConflict(err) {
			// Track vanished on the backend; recreate it on the next attempt.
			r.log.WithField("track_id", r.trackID).Warn("Track no longer exists, will recreate")
			r.trackID = ""
			return err
		}
		if err != nil {
			return err
		}
	}

	description := "Last seen: " + timestamp
	if sample.BatteryPercent != nil {
		description += fmt.Sprintf("\nBattery: %d%%", *sample.BatteryPercent)
	}
	return r.backend.UpsertMarker(ctx, r.mapID, deviceLabel+" Current Position",
		sample.Longitude, sample.Latitude, description)
}
