package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"sar_tracker/internal/models"
)

// Telemetry payloads arrive with no stable schema: some vehicles report flat
// fields, others nest them one level deep under a container key. Each logical
// field therefore has an ordered list of aliases tried first at the top level
// and then under each container key, in declared order. The first non-null,
// coercible match wins.

var containerKeys = []string{"location", "gps", "position", "coordinates"}

var (
	latKeys    = []string{"latitude", "lat"}
	lonKeys    = []string{"longitude", "lng", "lon"}
	altKeys    = []string{"altitude", "alt"}
	tsKeys     = []string{"timestamp", "time"}
	statusKeys = []string{"flight_status", "status", "flight_phase", "flight_mode"}
)

// Battery has its own container set: payloads nest the charge level under a
// battery object rather than a location object.
var (
	batteryKeys       = []string{"battery_percent", "battery_level", "battery"}
	batteryContainers = []string{"battery", "battery_status"}
	batterySubKeys    = []string{"percent", "percentage", "level"}
)

// statusKeywords maps canonical flight statuses to the substrings that select
// them. Matching runs in fixed priority order over the lower-cased raw value.
var statusPriority = []models.FlightStatus{
	models.FlightStatusFlying,
	models.FlightStatusHovering,
	models.FlightStatusLanded,
	models.FlightStatusTakingOff,
	models.FlightStatusLanding,
	models.FlightStatusReturningHome,
}

var statusKeywords = map[models.FlightStatus][]string{
	models.FlightStatusFlying:        {"fly", "active", "airborne", "in_flight"},
	models.FlightStatusHovering:      {"hover", "loiter"},
	models.FlightStatusLanded:        {"landed", "ground", "idle"},
	models.FlightStatusTakingOff:     {"takeoff", "taking_off", "launch"},
	models.FlightStatusLanding:       {"landing", "descend"},
	models.FlightStatusReturningHome: {"return", "rtl", "rth", "home"},
}

// Reason classifies why a payload could not be normalized.
type Reason string

const (
	ReasonMissingField Reason = "missing_field"
	ReasonBadValue     Reason = "bad_value"
)

// NormalizationError reports a payload that could not be turned into a
// PositionSample. The sample is dropped; callers must not retry.
type NormalizationError struct {
	Field  string
	Reason Reason
	Detail string
}

func (e *NormalizationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("normalize %s: %s (%s)", e.Field, e.Reason, e.Detail)
	}
	return fmt.Sprintf("normalize %s: %s", e.Field, e.Reason)
}

// Normalize maps an arbitrary telemetry payload onto the canonical sample for
// the given vehicle. Latitude and longitude are mandatory; everything else is
// optional. On failure the whole sample is discarded, never partially filled.
func Normalize(vehicleID string, raw map[string]any) (models.PositionSample, error) {
	lat, err := requireNumber(raw, "latitude", latKeys)
	if err != nil {
		return models.PositionSample{}, err
	}
	lon, err := requireNumber(raw, "longitude", lonKeys)
	if err != nil {
		return models.PositionSample{}, err
	}
	if lat < -90 || lat > 90 {
		return models.PositionSample{}, &NormalizationError{Field: "latitude", Reason: ReasonBadValue, Detail: fmt.Sprintf("%v out of range", lat)}
	}
	if lon < -180 || lon > 180 {
		return models.PositionSample{}, &NormalizationError{Field: "longitude", Reason: ReasonBadValue, Detail: fmt.Sprintf("%v out of range", lon)}
	}

	sample := models.PositionSample{
		VehicleID:    vehicleID,
		Latitude:     lat,
		Longitude:    lon,
		FlightStatus: models.FlightStatusUnknown,
		Timestamp:    time.Now().UTC(),
	}

	if alt, ok := lookupNumber(raw, altKeys, containerKeys); ok {
		sample.Altitude = &alt
	}
	if pct, ok := lookupBattery(raw); ok {
		sample.BatteryPercent = &pct
	}
	if status, ok := lookupString(raw, statusKeys, containerKeys); ok {
		sample.FlightStatus = matchStatus(status)
	}
	if ts, ok := lookupTimestamp(raw); ok {
		sample.Timestamp = ts
	}

	return sample, nil
}

// requireNumber resolves a mandatory numeric field or returns a typed error
// distinguishing an absent field from one that resisted coercion.
func requireNumber(raw map[string]any, field string, names []string) (float64, error) {
	if v, ok := lookupNumber(raw, names, containerKeys); ok {
		return v, nil
	}
	if _, present := lookupRaw(raw, names, containerKeys); present {
		return 0, &NormalizationError{Field: field, Reason: ReasonBadValue}
	}
	return 0, &NormalizationError{Field: field, Reason: ReasonMissingField}
}

// lookupRaw finds the first non-nil value for any alias, top level first and
// then one level deep under the container keys.
func lookupRaw(raw map[string]any, names []string, containers []string) (any, bool) {
	for _, name := range names {
		if v, ok := raw[name]; ok && v != nil {
			return v, true
		}
	}
	for _, container := range containers {
		nested, ok := raw[container].(map[string]any)
		if !ok {
			continue
		}
		for _, name := range names {
			if v, ok := nested[name]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func lookupNumber(raw map[string]any, names []string, containers []string) (float64, bool) {
	for _, name := range names {
		if v, ok := coerceFloat(raw[name]); ok {
			return v, true
		}
	}
	for _, container := range containers {
		nested, ok := raw[container].(map[string]any)
		if !ok {
			continue
		}
		for _, name := range names {
			if v, ok := coerceFloat(nested[name]); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func lookupString(raw map[string]any, names []string, containers []string) (string, bool) {
	for _, name := range names {
		if s, ok := raw[name].(string); ok && s != "" {
			return s, true
		}
	}
	for _, container := range containers {
		nested, ok := raw[container].(map[string]any)
		if !ok {
			continue
		}
		for _, name := range names {
			if s, ok := nested[name].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// lookupBattery resolves the battery charge from either a flat field or a
// nested battery object, then normalizes fractions to whole percent.
func lookupBattery(raw map[string]any) (int, bool) {
	v, ok := lookupNumber(raw, batteryKeys, nil)
	if !ok {
		v, ok = lookupNumber(raw, batterySubKeys, batteryContainers)
	}
	if !ok {
		return 0, false
	}
	return normalizeBattery(v), true
}

// normalizeBattery interprets values at or below 1.0 as a fraction of full
// charge and anything above as an already-scaled percentage.
func normalizeBattery(v float64) int {
	pct := v
	if v > 0 && v <= 1.0 {
		pct = v * 100
	}
	n := int(math.Round(pct))
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return n
}

func lookupTimestamp(raw map[string]any) (time.Time, bool) {
	v, ok := lookupRaw(raw, tsKeys, containerKeys)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
	case float64:
		// Epoch seconds or milliseconds; anything past ~2001 in ms is > 1e12.
		if t > 1e12 {
			return time.UnixMilli(int64(t)).UTC(), true
		}
		if t > 0 {
			return time.Unix(int64(t), 0).UTC(), true
		}
	}
	return time.Time{}, false
}

// matchStatus lower-cases the raw status and picks the first canonical status
// whose keyword set matches, in fixed priority order.
func matchStatus(raw string) models.FlightStatus {
	s := strings.ToLower(raw)
	for _, status := range statusPriority {
		for _, kw := range statusKeywords[status] {
			if strings.Contains(s, kw) {
				return status
			}
		}
	}
	return models.FlightStatusUnknown
}

// coerceFloat converts JSON-decoded scalar values to float64. Strings that
// parse as numbers are accepted; containers and booleans are not.
func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
