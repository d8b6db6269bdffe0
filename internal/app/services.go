package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/config"
	"github.com/dokzlo13/daylightd/internal/controller"
	"github.com/dokzlo13/daylightd/internal/db"
	"github.com/dokzlo13/daylightd/internal/geo"
	"github.com/dokzlo13/daylightd/internal/ledger"
	"github.com/dokzlo13/daylightd/internal/mqtt"
	"github.com/dokzlo13/daylightd/internal/telemetry"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB      *db.DB
	Ledger  *ledger.Ledger // nil when disabled
	GeoCalc *geo.Calculator

	// Optional outputs
	MQTT      *mqtt.Publisher     // nil when disabled or unreachable
	Telemetry *telemetry.Recorder // nil when disabled or unreachable

	// High-level services
	Hue     *HueService
	Control *ControlService
	Status  *StatusService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	if cfg.Ledger.IsEnabled() {
		s.Ledger = ledger.New(database.DB)
	}

	// Initialize geo calculator, geocoded locations are cached in SQLite
	if cfg.Geo.Lat == 0 && cfg.Geo.Lon == 0 {
		log.Warn().Msg("No lat/lon configured, will use Nominatim geocoding (cached in SQLite)")
	}
	s.GeoCalc = geo.NewCalculator(geo.Options{
		Name:        cfg.Geo.Name,
		Lat:         cfg.Geo.Lat,
		Lon:         cfg.Geo.Lon,
		Timezone:    cfg.Geo.Timezone,
		HTTPTimeout: cfg.Geo.HTTPTimeout.Duration(),
	}, geo.NewCache(database.DB))

	s.connectOutputs()

	// Initialize Hue service
	s.Hue = NewHueService(cfg)

	// Initialize control loop with its listeners
	var opts []controller.Option
	if s.Ledger != nil {
		opts = append(opts, controller.WithListener(s.Ledger))
	}
	if s.MQTT != nil {
		opts = append(opts, controller.WithListener(s.MQTT))
	}
	if s.Telemetry != nil {
		opts = append(opts, controller.WithSampler(s.Telemetry))
	}
	s.Control, err = NewControlService(cfg, s.Hue.Hub, s.GeoCalc, s.GeoCalc.Timezone(), opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	if s.Ledger != nil {
		s.Control.Dispatcher.OnResult(s.Ledger.RecordWrite)
	}

	// Initialize status service
	var history HistorySource
	if s.Ledger != nil {
		history = s.Ledger
	}
	s.Status = NewStatusService(cfg, s.Control.Controller, s.GeoCalc, s.DB, history)

	return s, nil
}

// connectOutputs connects the optional MQTT and InfluxDB outputs.
// Neither is required to run, failures are logged and the output is skipped.
func (s *Services) connectOutputs() {
	if s.cfg.MQTT.Enabled {
		p, err := mqtt.Connect(s.cfg.MQTT)
		if err != nil {
			log.Error().Err(err).Str("broker", s.cfg.MQTT.Broker).Msg("MQTT unavailable, override state will not be published")
		} else {
			s.MQTT = p
		}
	}

	rec, err := telemetry.Connect(context.Background(), s.cfg.InfluxDB)
	switch {
	case errors.Is(err, telemetry.ErrDisabled):
	case err != nil:
		log.Error().Err(err).Str("url", s.cfg.InfluxDB.URL).Msg("InfluxDB unavailable, telemetry disabled")
	default:
		s.Telemetry = rec
	}
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., max reconnects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Connect to Hue bridge
	if err := s.Hue.Start(ctx); err != nil {
		return err
	}

	s.logAstroTimes(ctx)

	// Start all background services
	if err := s.Control.Start(ctx, s.Hue.Bus); err != nil {
		return err
	}
	s.Hue.StartBackground(ctx, onFatalError)
	s.Status.Start(ctx)

	if s.Ledger != nil {
		go s.Ledger.RunCleanup(ctx, s.cfg.Ledger.RetentionPeriod.Duration(), s.cfg.Ledger.CleanupInterval.Duration())
	}

	return nil
}

func (s *Services) logAstroTimes(ctx context.Context) {
	times, err := s.GeoCalc.Times(ctx, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to compute astro times")
		return
	}
	log.Info().
		Str("dawn", times.Dawn.Format(time.TimeOnly)).
		Str("sunrise", times.Sunrise.Format(time.TimeOnly)).
		Str("noon", times.Noon.Format(time.TimeOnly)).
		Str("sunset", times.Sunset.Format(time.TimeOnly)).
		Str("dusk", times.Dusk.Format(time.TimeOnly)).
		Msg("Astro times for today")
}

// Close releases all resources. Events stop first, then the control loop
// drains its writes, then the outputs and the database close.
func (s *Services) Close() {
	if s.Hue != nil {
		s.Hue.Close()
	}
	if s.Control != nil {
		s.Control.Close()
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.Telemetry != nil {
		s.Telemetry.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
