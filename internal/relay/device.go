package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sar_tracker/internal/caltopo"
	"sar_tracker/internal/models"
	"sar_tracker/internal/telemetry"
)

// Device is one tracked vehicle: its telemetry source, its reporter, and its
// relay state. The worker goroutine is the only writer of the state; the
// per-device mutex exists so status observers can take consistent snapshots.
type Device struct {
	source         TelemetrySource
	reporter       Reporter
	pollInterval   time.Duration
	fatalThreshold int
	log            *logrus.Entry

	mu    sync.Mutex
	state models.DeviceState

	lastForward time.Time // rate-limit clock, zero until the first forward
}

func newDevice(vehicleID, label string, source TelemetrySource, reporter Reporter, pollInterval time.Duration, fatalThreshold int, log *logrus.Entry) *Device {
	return &Device{
		source:         source,
		reporter:       reporter,
		pollInterval:   pollInterval,
		fatalThreshold: fatalThreshold,
		log:            log.WithFields(logrus.Fields{"serial": vehicleID, "device": label}),
		state: models.DeviceState{
			VehicleID:   vehicleID,
			DeviceLabel: label,
			Status:      models.DeviceStatusInitializing,
		},
	}
}

// Snapshot returns a copy of the device state for observers.
func (d *Device) Snapshot() models.DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setStatus(status models.DeviceStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Status != status {
		d.log.WithFields(logrus.Fields{"from": d.state.Status, "to": status}).Info("Device status changed")
	}
	d.state.Status = status
}

// run is the per-vehicle worker loop. It owns the source, normalizes and
// coalesces incoming samples, and forwards at most one report per poll
// interval. It returns when the source terminates, on a fatal report error,
// or on cancellation.
func (d *Device) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srcErr := make(chan error, 1)
	go func() {
		srcErr <- d.source.Run(ctx)
	}()

	var (
		pending  *models.PositionSample // latest unforwarded sample, older ones discarded
		timer    *time.Timer
		timerC   <-chan time.Time
		msgs     = d.source.Messages()
		finalErr error
		srcDone  bool
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer stopTimer()

	for msgs != nil || !srcDone {
		select {
		case <-ctx.Done():
			if !srcDone {
				<-srcErr
			}
			return

		case err := <-srcErr:
			srcDone = true
			finalErr = err

		case raw, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			sample, err := telemetry.Normalize(d.state.VehicleID, raw)
			if err != nil {
				// Dropped, never retried. Non-position status messages land
				// here too.
				d.log.WithError(err).Debug("Discarding telemetry payload")
				continue
			}

			// Latest-wins coalescing: keep only the newest sample and
			// forward it as soon as the rate limit allows.
			pending = &sample
			wait := d.pollInterval - time.Since(d.lastForward)
			if d.lastForward.IsZero() || wait <= 0 {
				stopTimer()
				if !d.forward(ctx, pending) {
					return
				}
				pending = nil
			} else if timer == nil {
				timer = time.NewTimer(wait)
				timerC = timer.C
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if pending != nil {
				if !d.forward(ctx, pending) {
					return
				}
				pending = nil
			}
		}
	}

	// Source is gone. Flush the last coalesced sample, then settle status.
	if pending != nil && ctx.Err() == nil {
		d.forward(ctx, pending)
	}
	if finalErr != nil && !errors.Is(finalErr, context.Canceled) {
		d.setStatus(models.DeviceStatusOffline)
	}
}

// forward reports one sample and applies the status machine. Returns false
// when the worker must stop (fatal error or exhausted error streak).
func (d *Device) forward(ctx context.Context, sample *models.PositionSample) bool {
	err := d.reporter.Report(ctx, d.state.DeviceLabel, *sample)
	d.lastForward = time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if err == nil {
		if d.state.Status != models.DeviceStatusOnline {
			d.log.WithFields(logrus.Fields{"from": d.state.Status, "to": models.DeviceStatusOnline}).Info("Device status changed")
		}
		d.state.Status = models.DeviceStatusOnline
		d.state.ConsecutiveErrors = 0
		d.state.LastSample = sample
		d.state.LastReportTime = time.Now().UTC()
		d.log.WithFields(logrus.Fields{
			"lat": sample.Latitude,
			"lng": sample.Longitude,
		}).Debug("Position forwarded")
		return true
	}

	if caltopo.IsAuth(err) {
		// Fatal: bypass the backoff ladder entirely.
		d.log.WithError(err).Error("Backend rejected credentials, marking vehicle offline")
		d.state.Status = models.DeviceStatusOffline
		return false
	}

	d.state.ConsecutiveErrors++
	if d.state.ConsecutiveErrors >= d.fatalThreshold {
		d.log.WithError(err).WithField("errors", d.state.ConsecutiveErrors).Error("Error streak exhausted, marking vehicle offline")
		d.state.Status = models.DeviceStatusOffline
		return false
	}

	d.log.WithError(err).WithField("errors", d.state.ConsecutiveErrors).Warn("Report failed, backing off")
	d.state.Status = models.DeviceStatusBackoff
	return true
}
