package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/config"
	"github.com/dokzlo13/daylightd/internal/controller"
	"github.com/dokzlo13/daylightd/internal/curve"
	"github.com/dokzlo13/daylightd/internal/dispatch"
	"github.com/dokzlo13/daylightd/internal/eventbus"
	"github.com/dokzlo13/daylightd/internal/lights"
	"github.com/dokzlo13/daylightd/internal/override"
)

// ControlService wraps the control loop: curve, override tracker, dispatcher and controller.
type ControlService struct {
	cfg *config.Config

	Curve      *curve.Curve
	Tracker    *override.Tracker
	Dispatcher *dispatch.Dispatcher
	Controller *controller.Controller
}

// NewControlService builds the control loop on top of hub.
// Extra controller options attach listeners and samplers.
func NewControlService(cfg *config.Config, hub lights.Hub, locator controller.Locator, tz *time.Location, opts ...controller.Option) (*ControlService, error) {
	curveCfg := CurveConfig(cfg.Control.Curve)
	if err := curveCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid curve: %w", err)
	}

	policies := Policies(cfg.Control)
	for attr, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s policy: %w", attr, err)
		}
	}

	tracker := override.NewTracker(policies, override.WithDetection(override.Detection(cfg.Control.SelfWrite)))

	dispatcher := dispatch.New(hub, dispatch.Options{
		Spacing:      cfg.Dispatcher.Spacing.Duration(),
		WriteTimeout: cfg.Dispatcher.WriteTimeout.Duration(),
		RateLimitRPS: cfg.Dispatcher.RateLimitRPS,
		Coalesce:     cfg.Dispatcher.Coalesce,
	})

	cv := curve.New(curveCfg, tz)
	ctrl := controller.New(hub, cv, tracker, dispatcher, locator, controller.Config{
		TickInterval: cfg.Control.TickInterval.Duration(),
		Enabled: map[lights.Attribute]bool{
			lights.AttrColorTemperature: cfg.Control.ColorTemperature.IsEnabled(),
			lights.AttrBrightness:       cfg.Control.Brightness.IsEnabled(),
		},
	}, opts...)

	return &ControlService{
		cfg:        cfg,
		Curve:      cv,
		Tracker:    tracker,
		Dispatcher: dispatcher,
		Controller: ctrl,
	}, nil
}

// Start subscribes the controller to bus events and starts the tick loop.
func (s *ControlService) Start(ctx context.Context, bus *eventbus.Bus) error {
	forward := func(e eventbus.Event) {
		s.Controller.Notify(e.Light)
	}
	bus.Subscribe(eventbus.EventTypeLight, forward)
	bus.Subscribe(eventbus.EventTypeReachability, forward)

	if err := s.Controller.Start(ctx); err != nil {
		return err
	}

	log.Info().
		Dur("tick_interval", s.cfg.Control.TickInterval.Duration()).
		Str("self_write", s.cfg.Control.SelfWrite).
		Bool("color_temperature", s.cfg.Control.ColorTemperature.IsEnabled()).
		Bool("brightness", s.cfg.Control.Brightness.IsEnabled()).
		Msg("Control loop started")
	return nil
}

// Close stops the controller and drains pending writes.
func (s *ControlService) Close() {
	s.Controller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()
	s.Dispatcher.Close(ctx)
}

// CurveConfig converts the curve section of the config.
func CurveConfig(c config.CurveConfig) curve.Config {
	return curve.Config{
		Law:                 curve.Law(c.Law),
		MinKelvin:           c.MinKelvin,
		MaxKelvin:           c.MaxKelvin,
		HorizonKelvin:       c.HorizonKelvin,
		ZenithKelvin:        c.ZenithKelvin,
		BrightnessAmplitude: c.BrightnessAmplitude,
		BrightnessStart:     c.BrightnessStart.Offset(),
		BrightnessEnd:       c.BrightnessEnd.Offset(),
	}
}

// Policies converts the per-attribute override settings.
func Policies(c config.ControlConfig) map[lights.Attribute]override.Policy {
	policy := func(a config.AttributeConfig) override.Policy {
		return override.Policy{
			Tolerance:       a.Tolerance,
			Clear:           override.ClearPolicy(a.ClearPolicy),
			ClearOnPowerOff: a.ClearsOnPowerOff(),
		}
	}
	return map[lights.Attribute]override.Policy{
		lights.AttrColorTemperature: policy(c.ColorTemperature),
		lights.AttrBrightness:       policy(c.Brightness),
	}
}
