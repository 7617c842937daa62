package models

// PatternKind selects a search geometry for the telemetry simulator.
type PatternKind string

const (
	PatternGrid     PatternKind = "grid"
	PatternSpiral   PatternKind = "spiral"
	PatternParallel PatternKind = "parallel"
	PatternContour  PatternKind = "contour"
)

// SearchPattern is an immutable search geometry descriptor. Origin is the
// first waypoint; the kind-specific parameters shape the rest of the sweep.
type SearchPattern struct {
	Kind      PatternKind `json:"kind"`
	OriginLat float64     `json:"origin_lat"`
	OriginLon float64     `json:"origin_lon"`

	// Grid parameters.
	GridSize    int     `json:"grid_size,omitempty"`    // N for an NxN lattice
	GridSpacing float64 `json:"grid_spacing,omitempty"` // degrees between lattice points

	// Spiral parameters.
	SpiralTurns       int     `json:"spiral_turns,omitempty"`        // waypoint count
	SpiralStartRadius float64 `json:"spiral_start_radius,omitempty"` // degrees
	SpiralGrowth      float64 `json:"spiral_growth,omitempty"`       // radius increase per step, degrees

	// Parallel-track parameters.
	TrackCount   int     `json:"track_count,omitempty"`
	TrackLength  float64 `json:"track_length,omitempty"`  // degrees
	TrackSpacing float64 `json:"track_spacing,omitempty"` // degrees between legs

	// Contour parameters.
	ContourRadius    float64 `json:"contour_radius,omitempty"`    // base radius, degrees
	ContourAmplitude float64 `json:"contour_amplitude,omitempty"` // sinusoidal modulation, degrees
	ContourStepDeg   float64 `json:"contour_step_deg,omitempty"`  // angular step of the sweep
}
