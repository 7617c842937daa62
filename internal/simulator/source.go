package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Source drives a Drone on a wall-clock tick and emits its telemetry
// payloads, standing in for a live vehicle stream when testing without
// hardware. It satisfies the same contract as the live source: the messages
// channel closes when Run returns.
type Source struct {
	drone    *Drone
	tick     time.Duration
	log      *logrus.Entry
	messages chan map[string]any
}

// NewSource builds a simulated source for one vehicle serial.
func NewSource(serial string, cfg Config, tick time.Duration, log *logrus.Entry) (*Source, error) {
	waypoints, err := Waypoints(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("simulate %s: %w", serial, err)
	}
	if len(waypoints) == 0 {
		return nil, fmt.Errorf("simulate %s: pattern produced no waypoints", serial)
	}
	return &Source{
		drone:    NewDrone(serial, cfg, waypoints),
		tick:     tick,
		log:      log.WithField("serial", serial),
		messages: make(chan map[string]any, 16),
	}, nil
}

// Messages is the stream of raw telemetry payloads.
func (s *Source) Messages() <-chan map[string]any {
	return s.messages
}

// Run emits one payload per tick until the drone has landed or the context
// is cancelled.
func (s *Source) Run(ctx context.Context) error {
	defer close(s.messages)

	s.log.WithField("waypoints", len(s.drone.waypoints)).Info("Simulated telemetry source started")

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.drone.Step(s.tick)
			select {
			case s.messages <- s.drone.Telemetry():
			case <-ctx.Done():
				return ctx.Err()
			}
			if s.drone.Done() {
				s.log.Info("Simulated vehicle landed, stream complete")
				return nil
			}
		}
	}
}
