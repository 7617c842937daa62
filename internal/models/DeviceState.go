package models

import (
	"time"
)

// DeviceStatus tracks where a vehicle is in its relay lifecycle.
type DeviceStatus string

const (
	DeviceStatusInitializing DeviceStatus = "initializing"
	DeviceStatusOnline       DeviceStatus = "online"
	DeviceStatusBackoff      DeviceStatus = "backoff"
	DeviceStatusOffline      DeviceStatus = "offline"
)

// DeviceState is the per-vehicle relay state. Each coordinator worker owns
// exactly one DeviceState; snapshots handed out to observers are copies.
type DeviceState struct {
	VehicleID         string          `json:"vehicle_id"`
	DeviceLabel       string          `json:"device_label"`
	Status            DeviceStatus    `json:"status"`
	ConsecutiveErrors int             `json:"consecutive_errors"`
	LastSample        *PositionSample `json:"last_reported_sample,omitempty"`
	LastReportTime    time.Time       `json:"last_report_time,omitempty"`
}
