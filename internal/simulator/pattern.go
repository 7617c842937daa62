package simulator

import (
	"fmt"
	"math"

	"github.com/twpayne/go-geom"

	"sar_tracker/internal/models"
)

// Default geometry parameters, used when the pattern descriptor leaves a
// field zero. Distances are in degrees (~0.001 deg is ~100m at mid latitudes).
const (
	defaultGridSize    = 8
	defaultGridSpacing = 0.001

	defaultSpiralTurns       = 60
	defaultSpiralStartRadius = 0.0005
	defaultSpiralGrowth      = 0.0002
	spiralAngleStepDeg       = 30.0

	defaultTrackCount   = 6
	defaultTrackLength  = 0.008
	defaultTrackSpacing = 0.001

	defaultContourRadius    = 0.003
	defaultContourAmplitude = 0.001
	defaultContourStepDeg   = 15.0
)

// Waypoints expands a search pattern descriptor into its ordered waypoint
// sequence. Coordinates are (lon, lat).
func Waypoints(p models.SearchPattern) ([]geom.Coord, error) {
	switch p.Kind {
	case models.PatternGrid:
		return gridWaypoints(p), nil
	case models.PatternSpiral:
		return spiralWaypoints(p), nil
	case models.PatternParallel:
		return parallelWaypoints(p), nil
	case models.PatternContour:
		return contourWaypoints(p), nil
	default:
		return nil, fmt.Errorf("unknown search pattern %q", p.Kind)
	}
}

// gridWaypoints lays out an NxN lattice swept boustrophedon: every odd row is
// traversed in the reverse direction so the sweep never doubles back.
func gridWaypoints(p models.SearchPattern) []geom.Coord {
	size := p.GridSize
	if size <= 0 {
		size = defaultGridSize
	}
	spacing := p.GridSpacing
	if spacing == 0 {
		spacing = defaultGridSpacing
	}

	waypoints := make([]geom.Coord, 0, size*size)
	for row := 0; row < size; row++ {
		rowPoints := make([]geom.Coord, 0, size)
		for col := 0; col < size; col++ {
			lat := p.OriginLat + float64(row)*spacing
			lon := p.OriginLon + float64(col)*spacing
			rowPoints = append(rowPoints, geom.Coord{lon, lat})
		}
		if row%2 == 1 {
			for i, j := 0, len(rowPoints)-1; i < j; i, j = i+1, j-1 {
				rowPoints[i], rowPoints[j] = rowPoints[j], rowPoints[i]
			}
		}
		waypoints = append(waypoints, rowPoints...)
	}
	return waypoints
}

// spiralWaypoints expands outward from the origin with a fixed angular step
// and linearly growing radius.
func spiralWaypoints(p models.SearchPattern) []geom.Coord {
	turns := p.SpiralTurns
	if turns <= 0 {
		turns = defaultSpiralTurns
	}
	radius := p.SpiralStartRadius
	if radius == 0 {
		radius = defaultSpiralStartRadius
	}
	growth := p.SpiralGrowth
	if growth == 0 {
		growth = defaultSpiralGrowth
	}

	waypoints := []geom.Coord{{p.OriginLon, p.OriginLat}}
	angle := 0.0
	for i := 0; i < turns; i++ {
		angle += spiralAngleStepDeg
		radius += growth
		rad := angle * math.Pi / 180
		lat := p.OriginLat + radius*math.Cos(rad)
		lon := p.OriginLon + radius*math.Sin(rad)
		waypoints = append(waypoints, geom.Coord{lon, lat})
	}
	return waypoints
}

// parallelWaypoints lays out straight legs of fixed length, alternating
// traversal direction with fixed lateral spacing.
func parallelWaypoints(p models.SearchPattern) []geom.Coord {
	count := p.TrackCount
	if count <= 0 {
		count = defaultTrackCount
	}
	length := p.TrackLength
	if length == 0 {
		length = defaultTrackLength
	}
	spacing := p.TrackSpacing
	if spacing == 0 {
		spacing = defaultTrackSpacing
	}

	waypoints := make([]geom.Coord, 0, count*2)
	for track := 0; track < count; track++ {
		lat := p.OriginLat + float64(track)*spacing
		lonStart := p.OriginLon
		lonEnd := p.OriginLon + length
		if track%2 == 0 {
			waypoints = append(waypoints, geom.Coord{lonStart, lat}, geom.Coord{lonEnd, lat})
		} else {
			waypoints = append(waypoints, geom.Coord{lonEnd, lat}, geom.Coord{lonStart, lat})
		}
	}
	return waypoints
}

// contourWaypoints traces a closed loop whose radius is modulated by a
// sinusoid of the sweep angle, mimicking a terrain-contour sweep.
func contourWaypoints(p models.SearchPattern) []geom.Coord {
	base := p.ContourRadius
	if base == 0 {
		base = defaultContourRadius
	}
	amplitude := p.ContourAmplitude
	if amplitude == 0 {
		amplitude = defaultContourAmplitude
	}
	step := p.ContourStepDeg
	if step <= 0 {
		step = defaultContourStepDeg
	}

	var waypoints []geom.Coord
	for angle := 0.0; angle < 360.0; angle += step {
		rad := angle * math.Pi / 180
		radius := base + amplitude*math.Sin(3*rad)
		lat := p.OriginLat + radius*math.Cos(rad)
		lon := p.OriginLon + radius*math.Sin(rad)
		waypoints = append(waypoints, geom.Coord{lon, lat})
	}
	return waypoints
}
