package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"sar_tracker/internal/caltopo"
	"sar_tracker/internal/config"
	"sar_tracker/internal/controllers"
	"sar_tracker/internal/logger"
	"sar_tracker/internal/middleware"
	"sar_tracker/internal/models"
	"sar_tracker/internal/relay"
	"sar_tracker/internal/routes"
	"sar_tracker/internal/simulator"
	"sar_tracker/internal/skydio"
)

func main() {
	cfg := config.Load()

	// Initialize structured logging to file
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.Setup(cfg.LogFile, level)
	log := logger.Base()

	validateConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// Mapping backend client: HMAC-signed protocol when credentials are
	// configured, connect protocol needs no signer at all.
	var signer caltopo.RequestSigner
	if cfg.CalTopoCredentialID != "" {
		hmacSigner, err := caltopo.NewHMACSigner(cfg.CalTopoCredentialID, cfg.CalTopoCredentialSecret)
		if err != nil {
			logrus.WithError(err).Fatal("Invalid CalTopo credential secret")
		}
		signer = hmacSigner
	}
	backend := caltopo.NewClient(cfg.CalTopoBaseURL, signer, httpClient, log.WithField("component", "caltopo"))

	// Telemetry sources: live Skydio streams, or simulated search flights.
	var fleet *skydio.Client
	var newSource relay.SourceFactory
	if cfg.SimulationMode {
		pattern := models.SearchPattern{
			Kind:      models.PatternKind(cfg.SimPattern),
			OriginLat: cfg.SimOriginLat,
			OriginLon: cfg.SimOriginLon,
		}
		if _, err := simulator.Waypoints(pattern); err != nil {
			logrus.WithError(err).Fatal("Invalid simulation pattern")
		}
		simCfg := simulator.Config{
			Pattern:       pattern,
			SpeedMPS:      cfg.SimSpeedMPS,
			MaxFlightTime: cfg.SimMaxFlightTime,
			BatteryFloor:  cfg.SimBatteryFloor,
			LowBatteryPct: cfg.SimLowBatteryPct,
		}
		newSource = func(serial string) relay.TelemetrySource {
			src, err := simulator.NewSource(serial, simCfg, cfg.SimTick, log)
			if err != nil {
				logrus.WithError(err).Fatal("Failed to build simulated source")
			}
			return src
		}
		logrus.WithField("pattern", cfg.SimPattern).Info("Simulation mode: live telemetry disabled")
	} else {
		fleet = skydio.NewClient(cfg.SkydioAPIURL, cfg.SkydioAPIToken, httpClient, log.WithField("component", "skydio"))
		preflightCheck(ctx, fleet, cfg.DroneSerials)

		srcCfg := skydio.SourceConfig{
			BackoffBase: cfg.StreamBackoffBase,
			BackoffMax:  cfg.StreamBackoffMax,
			MaxRetries:  cfg.StreamMaxRetries,
			ReadTimeout: 2 * cfg.HTTPTimeout,
		}
		newSource = func(serial string) relay.TelemetrySource {
			return skydio.NewSource(serial, cfg.SkydioStreamURL, cfg.SkydioAPIToken, srcCfg, log)
		}
	}

	// Reporter strategy: minimal connect-protocol fixes, or full signed
	// track/marker maintenance.
	var newReporter relay.ReporterFactory
	switch cfg.ReportMode {
	case "track":
		newReporter = func(label string) relay.Reporter {
			return relay.NewTrackReporter(backend, cfg.CalTopoMapID, cfg.MaxTrackPoints, log.WithField("device", label))
		}
	default:
		newReporter = func(label string) relay.Reporter {
			return relay.NewConnectReporter(backend, cfg.CalTopoConnectKey)
		}
	}

	coordinator := relay.NewCoordinator(relay.Config{
		PollInterval:      cfg.PollInterval,
		FatalThreshold:    cfg.FatalThreshold,
		DeviceLabelPrefix: cfg.DeviceLabelPrefix,
	}, newSource, newReporter, log.WithField("component", "relay"))

	// Status API
	sc := &controllers.StatusController{Coordinator: coordinator, Fleet: fleet}
	srv := &http.Server{
		Addr:    cfg.StatusAPIAddr,
		Handler: middleware.EnableCORS(routes.SetupRouter(sc)),
	}
	go func() {
		logrus.WithField("addr", cfg.StatusAPIAddr).Info("Status API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("Status API server failed")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"drones":        len(cfg.DroneSerials),
		"poll_interval": cfg.PollInterval.String(),
		"report_mode":   cfg.ReportMode,
	}).Info("SAR drone tracking service started")

	err = coordinator.Run(ctx, cfg.DroneSerials)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if err != nil && err != context.Canceled {
		logrus.WithError(err).Error("Relay terminated")
		return
	}
	logrus.Info("All vehicle workers exited, shutting down")
}

// validateConfig fails fast on missing required settings.
func validateConfig(cfg config.Config) {
	if len(cfg.DroneSerials) == 0 {
		logrus.Fatal("DRONE_SERIALS is required")
	}
	if !cfg.SimulationMode && cfg.SkydioAPIToken == "" {
		logrus.Fatal("API_TOKEN is required outside simulation mode")
	}
	switch cfg.ReportMode {
	case "connect":
		if cfg.CalTopoConnectKey == "" {
			logrus.Fatal("CALTOPO_CONNECT_KEY is required in connect mode")
		}
	case "track":
		if cfg.CalTopoMapID == "" || cfg.CalTopoCredentialID == "" || cfg.CalTopoCredentialSecret == "" {
			logrus.Fatal("CALTOPO_MAP_ID and credentials are required in track mode")
		}
	default:
		logrus.WithField("mode", cfg.ReportMode).Fatal("REPORT_MODE must be connect or track")
	}
}

// preflightCheck logs what the fleet API knows about each configured serial
// before streaming starts. Informational only; a drone missing from the
// fleet listing still gets a worker.
func preflightCheck(ctx context.Context, fleet *skydio.Client, serials []string) {
	for _, serial := range serials {
		vehicle, err := fleet.Vehicle(ctx, serial)
		if err != nil {
			logrus.WithError(err).WithField("serial", serial).Warn("Pre-flight fleet check failed")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"serial":         serial,
			"name":           vehicle.Name,
			"flight_status":  vehicle.FlightStatus,
			"is_online":      vehicle.IsOnline,
			"live_streaming": vehicle.IsLiveStreaming,
			"battery_pct":    vehicle.BatteryStatus.Percentage * 100,
		}).Info("Pre-flight fleet check")
	}
}
