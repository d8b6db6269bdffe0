package hue

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/eventbus"
	"github.com/dokzlo13/daylightd/internal/hue/v2"
	"github.com/dokzlo13/daylightd/internal/lights"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// EventStreamConfig contains configuration for event stream reconnection.
type EventStreamConfig struct {
	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite
}

// DefaultEventStreamConfig returns sensible defaults for event stream configuration.
func DefaultEventStreamConfig() EventStreamConfig {
	return EventStreamConfig{
		MinBackoff:    1 * time.Second,
		MaxBackoff:    2 * time.Minute,
		Multiplier:    2.0,
		MaxReconnects: 0, // infinite
	}
}

// EventStream listens to the Hue event stream (SSE) and publishes light changes.
type EventStream struct {
	hub        *Hub
	httpClient *http.Client
	config     EventStreamConfig
}

// NewEventStream creates a new event stream listener.
// httpClient must not have a timeout, the stream is a long-lived connection.
func NewEventStream(hub *Hub, httpClient *http.Client, config EventStreamConfig) *EventStream {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = time.Second
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}
	return &EventStream{
		hub:        hub,
		httpClient: httpClient,
		config:     config,
	}
}

// Run starts listening to the event stream with automatic reconnection.
// Returns ErrMaxReconnectsExceeded if max reconnects is exceeded.
func (e *EventStream) Run(ctx context.Context, bus *eventbus.Bus) error {
	retryCount := 0
	currentBackoff := e.config.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := e.connect(ctx, bus)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			retryCount++

			if e.config.MaxReconnects > 0 && retryCount > e.config.MaxReconnects {
				log.Error().
					Int("max_reconnects", e.config.MaxReconnects).
					Msg("Event stream: max reconnects exceeded, terminating")
				return ErrMaxReconnectsExceeded
			}

			log.Warn().
				Err(err).
				Dur("backoff", currentBackoff).
				Int("retry", retryCount).
				Int("max_reconnects", e.config.MaxReconnects).
				Msg("Event stream disconnected, reconnecting")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(currentBackoff):
			}

			// Calculate next backoff with multiplier, capped at max
			nextBackoff := time.Duration(float64(currentBackoff) * e.config.Multiplier)
			if nextBackoff > e.config.MaxBackoff {
				nextBackoff = e.config.MaxBackoff
			}
			currentBackoff = nextBackoff

			continue
		}

		// Reset retry count and backoff on successful connection
		retryCount = 0
		currentBackoff = e.config.MinBackoff
	}
}

func (e *EventStream) connect(ctx context.Context, bus *eventbus.Bus) error {
	client := e.hub.Client()
	url := fmt.Sprintf("%s/eventstream/clip/v2", client.BaseURL())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	req.Header.Set("hue-application-key", client.Token())
	req.Header.Set("Accept", "text/event-stream")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	log.Info().Msg("Connected to Hue event stream")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var dataBuffer strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		// Handle intro message
		if line == ": hi" {
			log.Debug().Msg("Received event stream greeting")
			continue
		}

		// Empty line marks end of event
		if line == "" {
			if dataBuffer.Len() > 0 {
				e.publish(e.parse(dataBuffer.String()), bus)
				dataBuffer.Reset()
			}
			continue
		}

		// Collect data lines
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	return errors.New("event stream closed by bridge")
}

func (e *EventStream) publish(evs []eventbus.Event, bus *eventbus.Bus) {
	for _, ev := range evs {
		bus.Publish(ev)
	}
}

// parse converts one SSE message into bus events. Unparseable messages
// yield nothing, malformed fields inside an item are skipped individually.
func (e *EventStream) parse(data string) []eventbus.Event {
	var messages []map[string]interface{}
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		log.Warn().Err(err).Str("data", data).Msg("Failed to parse event")
		return nil
	}

	var out []eventbus.Event
	for _, msg := range messages {
		eventType, _ := msg["type"].(string)
		if eventType != "update" && eventType != "add" {
			continue
		}
		dataItems, _ := msg["data"].([]interface{})

		for _, item := range dataItems {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}

			itemType, _ := itemMap["type"].(string)
			itemID, _ := itemMap["id"].(string)
			if itemID == "" {
				continue
			}

			switch itemType {
			case "light":
				if ev, ok := lightChange(itemID, itemMap); ok {
					out = append(out, eventbus.Event{Type: eventbus.EventTypeLight, Source: "eventstream", Light: ev})
				}

			case "zigbee_connectivity":
				out = append(out, e.connectivityChange(itemID, itemMap)...)

			default:
				log.Trace().
					Str("event_type", eventType).
					Str("item_type", itemType).
					Str("id", itemID).
					Msg("Unhandled event type")
			}
		}
	}
	return out
}

// lightChange extracts power, brightness and color temperature from a light update.
func lightChange(id string, data map[string]interface{}) (lights.Event, bool) {
	ev := lights.Event{LightID: id}

	if on, ok := data["on"].(map[string]interface{}); ok {
		if isOn, ok := on["on"].(bool); ok {
			ev.IsOn = &isOn
		}
	}

	if dimming, ok := data["dimming"].(map[string]interface{}); ok {
		if brightness, ok := dimming["brightness"].(float64); ok {
			b := int(math.Round(brightness))
			ev.Brightness = &b
		}
	}

	if colorTemp, ok := data["color_temperature"].(map[string]interface{}); ok {
		valid, hasValid := colorTemp["mirek_valid"].(bool)
		mirek, hasMirek := colorTemp["mirek"].(float64)
		_, mirekKey := colorTemp["mirek"]
		switch {
		case hasMirek && (!hasValid || valid):
			if k := MirekToKelvin(int(mirek)); k > 0 {
				ev.ColorTemperature = &k
			}
		case (hasValid && !valid) || (mirekKey && !hasMirek):
			// switched to an xy color, mirek is null or stale
			custom := true
			ev.CustomColor = &custom
		}
	}

	if ev.IsEmpty() {
		return ev, false
	}

	log.Debug().Str("event", ev.String()).Msg("Light change event")
	return ev, true
}

// connectivityChange fans a device connectivity report out to the device's lights.
func (e *EventStream) connectivityChange(id string, data map[string]interface{}) []eventbus.Event {
	status, _ := data["status"].(string)
	owner, _ := data["owner"].(map[string]interface{})
	deviceID, _ := owner["rid"].(string)
	if status == "" || deviceID == "" {
		return nil
	}

	reachable := status == v2.StatusConnected
	lightIDs := e.hub.LightsForDevice(deviceID)

	log.Debug().
		Str("id", id).
		Str("device", deviceID).
		Str("status", status).
		Strs("lights", lightIDs).
		Msg("Connectivity event")

	out := make([]eventbus.Event, 0, len(lightIDs))
	for _, lightID := range lightIDs {
		r := reachable
		out = append(out, eventbus.Event{
			Type:   eventbus.EventTypeReachability,
			Source: "eventstream",
			Light:  lights.Event{LightID: lightID, Reachable: &r},
		})
	}
	return out
}
