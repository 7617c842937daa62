package skydio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrMaxRetries is returned by Run when reconnection attempts are exhausted.
// The owner decides whether to mark the vehicle offline or restart the source.
var ErrMaxRetries = errors.New("skydio: max retries exceeded")

// State is the connection state of a telemetry source.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateClosed       State = "closed"
)

// SourceConfig bounds the reconnect behavior of a Source.
type SourceConfig struct {
	BackoffBase time.Duration // first retry delay is 2x this
	BackoffMax  time.Duration // delay ceiling
	MaxRetries  int           // consecutive failures before giving up
	ReadTimeout time.Duration // per-message receive deadline
}

// DefaultSourceConfig mirrors the stream behavior of the fielded tracker:
// 1s base, 30s ceiling, five attempts.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		BackoffBase: 1 * time.Second,
		BackoffMax:  30 * time.Second,
		MaxRetries:  5,
		ReadTimeout: 2 * time.Minute,
	}
}

// Source maintains one persistent websocket connection to a vehicle's live
// telemetry feed and emits each well-formed JSON message. It reconnects with
// exponential backoff until cancelled or retries are exhausted.
type Source struct {
	serial    string
	streamURL string
	token     string

	cfg    SourceConfig
	dialer *websocket.Dialer
	log    *logrus.Entry

	state    atomic.Value // State
	messages chan map[string]any
}

// NewSource builds a source for one vehicle serial. streamURL is the wss://
// base; the per-vehicle endpoint is derived from the serial.
func NewSource(serial, streamURL, apiToken string, cfg SourceConfig, log *logrus.Entry) *Source {
	s := &Source{
		serial:    serial,
		streamURL: streamURL,
		token:     apiToken,
		cfg:       cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		log:      log.WithField("serial", serial),
		messages: make(chan map[string]any, 16),
	}
	s.state.Store(StateDisconnected)
	return s
}

// Messages is the stream of raw telemetry payloads. Closed when Run returns.
func (s *Source) Messages() <-chan map[string]any {
	return s.messages
}

// State reports the current connection state.
func (s *Source) State() State {
	return s.state.Load().(State)
}

func (s *Source) setState(st State) {
	s.state.Store(st)
}

// endpoint is the per-vehicle stream URL.
func (s *Source) endpoint() string {
	return fmt.Sprintf("%s/data/%s", s.streamURL, s.serial)
}

// backoffDelay is the reconnect delay after the given number of consecutive
// failures: min(2^retries * base, ceiling).
func (s *Source) backoffDelay(retries int) time.Duration {
	delay := s.cfg.BackoffBase
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	return delay
}

// Run drives the connect/stream/reconnect loop until the context is
// cancelled (returns ctx.Err()) or retries are exhausted (ErrMaxRetries).
// The messages channel is closed on exit.
func (s *Source) Run(ctx context.Context) error {
	defer close(s.messages)
	defer s.setState(StateClosed)

	retries := 0
	for {
		s.setState(StateConnecting)
		header := http.Header{}
		header.Set("Authorization", "ApiToken "+s.token)

		conn, _, err := s.dialer.DialContext(ctx, s.endpoint(), header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Warn("Stream connect failed")
			retries++
			if retries >= s.cfg.MaxRetries {
				s.log.Error("Stream retries exhausted")
				return ErrMaxRetries
			}
			if err := s.sleep(ctx, s.backoffDelay(retries)); err != nil {
				return err
			}
			continue
		}

		s.setState(StateStreaming)
		s.log.Info("Connected to live telemetry stream")
		retries = 0

		err = s.stream(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(StateDisconnected)
		s.log.WithError(err).Warn("Stream closed by peer")
		retries++
		if retries >= s.cfg.MaxRetries {
			s.log.Error("Stream retries exhausted")
			return ErrMaxRetries
		}
		if err := s.sleep(ctx, s.backoffDelay(retries)); err != nil {
			return err
		}
	}
}

// stream reads messages until the connection fails or the context is
// cancelled. Malformed JSON is logged and skipped without closing the
// connection; every well-formed object is emitted, position-bearing or not.
func (s *Source) stream(ctx context.Context, conn *websocket.Conn) error {
	// Unblock the pending read when the owner cancels.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			s.log.WithError(err).Debug("Skipping malformed telemetry message")
			continue
		}

		select {
		case s.messages <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sleep waits out a backoff delay, returning early with the context error on
// cancellation.
func (s *Source) sleep(ctx context.Context, d time.Duration) error {
	s.log.WithField("delay", d.String()).Info("Retrying stream connection")
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
