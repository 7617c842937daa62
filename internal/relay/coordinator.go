package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sar_tracker/internal/models"
)

// Config bounds the coordinator's relay behavior.
type Config struct {
	PollInterval      time.Duration // minimum spacing between forwards per vehicle
	FatalThreshold    int           // consecutive report failures before offline
	DeviceLabelPrefix string        // mapping-backend label prefix
}

// Coordinator fans the relay out across all tracked vehicles: one worker per
// vehicle, each owning its telemetry source, reporter and device state. A
// failure in one vehicle never delays the others.
type Coordinator struct {
	cfg         Config
	newSource   SourceFactory
	newReporter ReporterFactory
	log         *logrus.Entry

	mu      sync.Mutex
	ctx     context.Context
	devices map[string]*Device
	wg      sync.WaitGroup
}

func NewCoordinator(cfg Config, newSource SourceFactory, newReporter ReporterFactory, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		newSource:   newSource,
		newReporter: newReporter,
		log:         log,
		devices:     make(map[string]*Device),
	}
}

// DeviceLabel derives the mapping-backend identifier for a vehicle serial:
// the configured prefix plus the last four characters of the serial.
func (c *Coordinator) DeviceLabel(serial string) string {
	suffix := serial
	if len(serial) > 4 {
		suffix = serial[len(serial)-4:]
	}
	return c.cfg.DeviceLabelPrefix + "-" + suffix
}

// Run starts one worker per serial and blocks until every worker has
// terminated. Cancellation unwinds all workers.
func (c *Coordinator) Run(ctx context.Context, serials []string) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	for _, serial := range serials {
		if err := c.AddVehicle(serial); err != nil {
			c.log.WithError(err).WithField("serial", serial).Error("Failed to add vehicle")
		}
	}

	c.wg.Wait()
	return ctx.Err()
}

// AddVehicle starts tracking a vehicle, or restarts tracking for one that
// went offline. Re-adding an actively tracked vehicle is refused: exactly one
// worker may own a vehicle id at a time.
func (c *Coordinator) AddVehicle(serial string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil {
		return fmt.Errorf("coordinator is not running")
	}
	if c.ctx.Err() != nil {
		return fmt.Errorf("coordinator is shutting down")
	}
	if existing, ok := c.devices[serial]; ok {
		if status := existing.Snapshot().Status; status != models.DeviceStatusOffline {
			return fmt.Errorf("vehicle %s is already tracked (status %s)", serial, status)
		}
	}

	label := c.DeviceLabel(serial)
	device := newDevice(serial, label, c.newSource(serial), c.newReporter(label),
		c.cfg.PollInterval, c.cfg.FatalThreshold, c.log)
	c.devices[serial] = device

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		device.run(c.ctx)
	}()

	c.log.WithFields(logrus.Fields{"serial": serial, "device": label}).Info("Vehicle added to tracked set")
	return nil
}

// Device returns the state snapshot for one tracked vehicle.
func (c *Coordinator) Device(serial string) (models.DeviceState, bool) {
	c.mu.Lock()
	device, ok := c.devices[serial]
	c.mu.Unlock()
	if !ok {
		return models.DeviceState{}, false
	}
	return device.Snapshot(), true
}

// Snapshot returns state snapshots for every tracked vehicle, ordered by
// vehicle id.
func (c *Coordinator) Snapshot() []models.DeviceState {
	c.mu.Lock()
	devices := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}
	c.mu.Unlock()

	states := make([]models.DeviceState, 0, len(devices))
	for _, d := range devices {
		states = append(states, d.Snapshot())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].VehicleID < states[j].VehicleID
	})
	return states
}
