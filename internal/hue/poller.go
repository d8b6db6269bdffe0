package hue

import (
	"context"
	"fmt"
	"time"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/eventbus"
	"github.com/dokzlo13/daylightd/internal/lights"
)

// DefaultReachabilityPoll is how often the V1 API is polled for reachability.
const DefaultReachabilityPoll = 5 * time.Minute

// ReachabilityPoller polls state.reachable over the V1 API. The event stream
// reports connectivity late or not at all for some devices.
type ReachabilityPoller struct {
	bridge   *huego.Bridge
	hub      *Hub
	interval time.Duration

	// Owned by Run
	last map[string]bool
}

// NewReachabilityPoller creates a poller. hub maps V1 light ids to V2 ids.
func NewReachabilityPoller(bridge *huego.Bridge, hub *Hub, interval time.Duration) *ReachabilityPoller {
	if interval <= 0 {
		interval = DefaultReachabilityPoll
	}
	return &ReachabilityPoller{
		bridge:   bridge,
		hub:      hub,
		interval: interval,
		last:     make(map[string]bool),
	}
}

// Run polls until ctx is cancelled and publishes observed transitions.
func (p *ReachabilityPoller) Run(ctx context.Context, bus *eventbus.Bus) {
	log.Info().Dur("interval", p.interval).Msg("Reachability poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evs, err := p.Poll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("Reachability poll failed")
				}
				continue
			}
			for _, ev := range evs {
				bus.Publish(eventbus.Event{Type: eventbus.EventTypeReachability, Source: "poll", Light: ev})
			}
		}
	}
}

// Poll reads reachability of every light once and returns the changes since
// the previous poll. The first sighting of a light only records its state.
func (p *ReachabilityPoller) Poll(ctx context.Context) ([]lights.Event, error) {
	v1Lights, err := p.bridge.GetLightsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get v1 lights: %w", err)
	}

	var out []lights.Event
	for _, l := range v1Lights {
		if l.State == nil {
			continue
		}
		id, ok := p.hub.LightForV1(fmt.Sprintf("/lights/%d", l.ID))
		if !ok {
			continue
		}

		reachable := l.State.Reachable
		prev, known := p.last[id]
		p.last[id] = reachable
		if !known || prev == reachable {
			continue
		}

		log.Info().Str("light", id).Str("name", l.Name).Bool("reachable", reachable).Msg("Reachability changed")
		out = append(out, lights.Event{LightID: id, Reachable: &reachable})
	}
	return out, nil
}
