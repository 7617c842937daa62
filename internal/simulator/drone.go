package simulator

import (
	"math"
	"time"

	"github.com/twpayne/go-geom"

	"sar_tracker/internal/models"
)

// metersPerDegree converts per-tick movement from meters to degrees.
// Equirectangular approximation, acceptable at search-area scale.
const metersPerDegree = 111320.0

// Config shapes one simulated vehicle.
type Config struct {
	Pattern       models.SearchPattern
	SpeedMPS      float64       // cruise speed
	MaxFlightTime time.Duration // full battery lasts this long
	BatteryFloor  float64       // battery never drops below this percent
	LowBatteryPct float64       // return-to-home threshold
}

// Drone is the deterministic movement and battery model for one simulated
// vehicle. Step advances it; Telemetry renders the raw payload a live stream
// would have carried.
type Drone struct {
	serial    string
	cfg       Config
	waypoints []geom.Coord

	lat, lon  float64
	altitude  float64
	heading   float64
	speed     float64
	battery   float64
	status    string
	wpIndex   int // next unreached waypoint
	elapsed   time.Duration
	returning bool
}

// NewDrone places the vehicle at the pattern's first waypoint with a full
// battery.
func NewDrone(serial string, cfg Config, waypoints []geom.Coord) *Drone {
	d := &Drone{
		serial:    serial,
		cfg:       cfg,
		waypoints: waypoints,
		battery:   100,
		altitude:  150, // typical SAR search altitude, meters AGL
		status:    "taking_off",
		wpIndex:   1,
	}
	if len(waypoints) > 0 {
		d.lon = waypoints[0].X()
		d.lat = waypoints[0].Y()
	}
	return d
}

// Position returns the current (lat, lon).
func (d *Drone) Position() (float64, float64) {
	return d.lat, d.lon
}

// WaypointIndex is the index of the next unreached waypoint.
func (d *Drone) WaypointIndex() int {
	return d.wpIndex
}

// Battery is the remaining charge in percent.
func (d *Drone) Battery() float64 {
	return d.battery
}

// Status is the raw flight status string the payload will carry.
func (d *Drone) Status() string {
	return d.status
}

// Done reports whether the vehicle has landed.
func (d *Drone) Done() bool {
	return d.status == "landed"
}

// Step advances the model by dt: drains the battery, applies the low-battery
// safety override, and moves toward the next target.
func (d *Drone) Step(dt time.Duration) {
	if d.Done() {
		return
	}
	d.elapsed += dt

	// Linear drain: a full battery covers MaxFlightTime.
	drainPerMinute := 100 / d.cfg.MaxFlightTime.Minutes()
	d.battery = math.Max(100-d.elapsed.Minutes()*drainPerMinute, d.cfg.BatteryFloor)

	// Safety override: below the threshold the vehicle heads home no matter
	// where it is in the sweep.
	if d.battery < d.cfg.LowBatteryPct && !d.returning {
		d.returning = true
		d.status = "low_battery_rtl"
	}

	target, ok := d.target()
	if !ok {
		// Sweep complete and nowhere to go: loiter.
		d.speed = 0
		if d.status != "landed" {
			d.status = "hovering"
		}
		return
	}

	if d.status == "taking_off" {
		d.status = "flying"
	}
	d.speed = d.cfg.SpeedMPS

	d.moveToward(target, dt)
}

// target picks the current destination: the next waypoint, or the pattern
// origin when returning home.
func (d *Drone) target() (geom.Coord, bool) {
	if d.returning {
		return geom.Coord{d.cfg.Pattern.OriginLon, d.cfg.Pattern.OriginLat}, true
	}
	if d.wpIndex >= len(d.waypoints) {
		return geom.Coord{}, false
	}
	return d.waypoints[d.wpIndex], true
}

// moveToward advances toward the target by speed*dt, snapping onto it when
// the remaining distance is less than one step's movement.
func (d *Drone) moveToward(target geom.Coord, dt time.Duration) {
	dLat := target.Y() - d.lat
	dLon := target.X() - d.lon
	remaining := math.Sqrt(dLat*dLat + dLon*dLon)
	moved := d.speed * dt.Seconds() / metersPerDegree

	d.heading = math.Mod(math.Atan2(dLon, dLat)*180/math.Pi+360, 360)

	if remaining <= moved {
		d.lat = target.Y()
		d.lon = target.X()
		if d.returning {
			// Home again: one descent tick, then touch down.
			if d.status == "landing" {
				d.status = "landed"
			} else {
				d.status = "landing"
			}
			d.speed = 0
			return
		}
		d.wpIndex++
		return
	}

	bearing := math.Atan2(dLon, dLat)
	d.lat += moved * math.Cos(bearing)
	d.lon += moved * math.Sin(bearing)
}

// Telemetry renders the raw payload for the current state, shaped like a
// live vehicle stream message. Battery travels as a 0-1 fraction so the
// normalizer's scaling path is exercised end to end.
func (d *Drone) Telemetry() map[string]any {
	return map[string]any{
		"drone_id": d.serial,
		"location": map[string]any{
			"latitude":  d.lat,
			"longitude": d.lon,
			"altitude":  d.altitude,
		},
		"battery": map[string]any{
			"percentage": d.battery / 100,
		},
		"flight_status": d.status,
		"heading":       d.heading,
		"speed":         d.speed,
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	}
}
