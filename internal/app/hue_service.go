package app

import (
	"context"
	"errors"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/config"
	"github.com/dokzlo13/daylightd/internal/eventbus"
	"github.com/dokzlo13/daylightd/internal/hue"
	"github.com/dokzlo13/daylightd/internal/hue/v2"
)

// HueService wraps all Hue-related components: client, hub, event stream, reachability poller and bus.
type HueService struct {
	cfg *config.Config

	Client      *v2.Client
	Hub         *hue.Hub
	EventStream *hue.EventStream
	Poller      *hue.ReachabilityPoller // nil when disabled
	Bus         *eventbus.Bus
}

// NewHueService creates a new HueService with all components initialized but not connected.
func NewHueService(cfg *config.Config) *HueService {
	// Initialize V2 client with configured timeout
	client := v2.NewClient(cfg.Hue.Bridge, cfg.Hue.Token, hue.NewHTTPClient(cfg.Hue.Timeout.Duration()))
	hub := hue.NewHub(client)

	// Initialize event bus
	bus := eventbus.NewWithConfig(cfg.EventBus.Workers, cfg.EventBus.QueueSize)

	// Initialize event stream with retry configuration.
	// The stream is long-lived, so its HTTP client has no timeout.
	eventStreamConfig := hue.EventStreamConfig{
		MinBackoff:    cfg.Hue.MinRetryBackoff.Duration(),
		MaxBackoff:    cfg.Hue.MaxRetryBackoff.Duration(),
		Multiplier:    cfg.Hue.RetryMultiplier,
		MaxReconnects: cfg.Hue.MaxReconnects,
	}
	eventStream := hue.NewEventStream(hub, hue.NewHTTPClient(-1), eventStreamConfig)

	s := &HueService{
		cfg:         cfg,
		Client:      client,
		Hub:         hub,
		EventStream: eventStream,
		Bus:         bus,
	}

	if poll := cfg.Hue.ReachabilityPoll.Duration(); poll > 0 {
		s.Poller = hue.NewReachabilityPoller(huego.New(cfg.Hue.Bridge, cfg.Hue.Token), hub, poll)
	}

	return s
}

// Start connects to the Hue bridge.
func (s *HueService) Start(ctx context.Context) error {
	return s.Hub.Connect(ctx)
}

// StartBackground starts the event stream and the reachability poller.
// The optional onFatalError callback is called when a fatal error occurs (e.g., max reconnects exceeded).
func (s *HueService) StartBackground(ctx context.Context, onFatalError func(error)) {
	go func() {
		if err := s.EventStream.Run(ctx, s.Bus); err != nil {
			if errors.Is(err, hue.ErrMaxReconnectsExceeded) {
				log.Error().Msg("Event stream: max reconnects exceeded, triggering shutdown")
				if onFatalError != nil {
					onFatalError(err)
				}
			} else {
				log.Error().Err(err).Msg("Event stream error")
			}
		}
	}()

	if s.Poller != nil {
		go s.Poller.Run(ctx, s.Bus)
	}
}

// Close releases all resources.
func (s *HueService) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.Client != nil {
		s.Client.Close()
	}
}
