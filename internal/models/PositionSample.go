package models

import (
	"time"
)

// FlightStatus is the canonical flight phase of a vehicle, normalized from
// whatever the telemetry payload happened to call it.
type FlightStatus string

const (
	FlightStatusFlying        FlightStatus = "flying"
	FlightStatusHovering      FlightStatus = "hovering"
	FlightStatusLanded        FlightStatus = "landed"
	FlightStatusTakingOff     FlightStatus = "taking_off"
	FlightStatusLanding       FlightStatus = "landing"
	FlightStatusReturningHome FlightStatus = "returning_home"
	FlightStatusUnknown       FlightStatus = "unknown"
)

// PositionSample is the canonical position record produced by the normalizer.
// It is immutable once produced; optional fields are nil when the source
// payload did not carry them.
type PositionSample struct {
	VehicleID      string       `json:"vehicle_id"`
	Latitude       float64      `json:"latitude"`
	Longitude      float64      `json:"longitude"`
	Altitude       *float64     `json:"altitude,omitempty"`       // meters
	BatteryPercent *int         `json:"battery_percent,omitempty"` // 0-100
	FlightStatus   FlightStatus `json:"flight_status"`
	Timestamp      time.Time    `json:"timestamp"`
}
