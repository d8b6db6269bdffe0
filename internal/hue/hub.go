// Package hue connects the control loop to a Philips Hue bridge.
//
// Lights are read and written through the CLIP v2 API, changes arrive over the
// v2 event stream and a v1 poll backs up reachability reporting.
package hue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/hue/v2"
	"github.com/dokzlo13/daylightd/internal/lights"
)

// Hub implements lights.Hub on top of the V2 API.
// It also keeps the light/device relations needed to route connectivity reports.
type Hub struct {
	client *v2.Client

	mu       sync.RWMutex
	byDevice map[string][]string // device id -> light ids
	byV1     map[string]string   // "/lights/N" -> light id
}

// NewHTTPClient creates an HTTP client that accepts the bridge's self-signed certificate.
// A zero timeout means 30s, a negative one disables the timeout for streaming.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if timeout < 0 {
		timeout = 0
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

// NewHub creates a hub over an existing V2 client.
func NewHub(client *v2.Client) *Hub {
	return &Hub{
		client:   client,
		byDevice: make(map[string][]string),
		byV1:     make(map[string]string),
	}
}

// Client returns the underlying V2 client.
func (h *Hub) Client() *v2.Client {
	return h.client
}

// Connect verifies the bridge is reachable and loads the light index.
func (h *Hub) Connect(ctx context.Context) error {
	if err := h.client.Connect(ctx); err != nil {
		return err
	}
	ls, err := h.ListLights(ctx)
	if err != nil {
		return fmt.Errorf("failed to load lights: %w", err)
	}
	log.Info().Str("address", h.client.Address()).Int("lights", len(ls)).Msg("Connected to Hue bridge")
	return nil
}

// ListLights returns every light with its reachability.
func (h *Hub) ListLights(ctx context.Context) ([]lights.Light, error) {
	raw, err := h.client.GetLights(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get lights: %w", err)
	}
	connected, err := h.connectivity(ctx)
	if err != nil {
		return nil, err
	}

	h.index(raw)

	out := make([]lights.Light, 0, len(raw))
	for i := range raw {
		out = append(out, toLight(&raw[i], reachable(&raw[i], connected)))
	}
	return out, nil
}

// GetLight refreshes a single light. Unknown ids yield lights.ErrLightNotFound.
func (h *Hub) GetLight(ctx context.Context, id string) (*lights.Light, error) {
	raw, err := h.client.GetLight(ctx, id)
	if errors.Is(err, v2.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, lights.ErrLightNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get light %s: %w", id, err)
	}
	connected, err := h.connectivity(ctx)
	if err != nil {
		return nil, err
	}

	l := toLight(raw, reachable(raw, connected))
	return &l, nil
}

// SetAttribute writes one attribute of a light.
func (h *Hub) SetAttribute(ctx context.Context, id string, attr lights.Attribute, value int) error {
	var update v2.LightUpdate
	switch attr {
	case lights.AttrColorTemperature:
		update.ColorTemperature = &v2.ColorTemperatureUpdate{Mirek: KelvinToMirek(value)}
	case lights.AttrBrightness:
		update.Dimming = &v2.DimmingUpdate{Brightness: float64(value)}
	default:
		return fmt.Errorf("attribute %s is not writable", attr)
	}

	err := h.client.UpdateLight(ctx, id, update)
	if errors.Is(err, v2.ErrNotFound) {
		return fmt.Errorf("%s: %w", id, lights.ErrLightNotFound)
	}
	return err
}

// Quantize rounds a value to what the bridge will store for it.
// Color temperature travels as mirek, so nearby Kelvin values collapse.
func (h *Hub) Quantize(attr lights.Attribute, value int) int {
	if attr == lights.AttrColorTemperature {
		return MirekToKelvin(KelvinToMirek(value))
	}
	return value
}

// LightsForDevice returns the light ids owned by a device.
func (h *Hub) LightsForDevice(deviceID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.byDevice[deviceID]...)
}

// LightForV1 maps a V1 resource path such as "/lights/3" to a V2 light id.
func (h *Hub) LightForV1(idV1 string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.byV1[idV1]
	return id, ok
}

func (h *Hub) index(raw []v2.Light) {
	byDevice := make(map[string][]string)
	byV1 := make(map[string]string)
	for _, l := range raw {
		if l.Owner != nil {
			byDevice[l.Owner.RID] = append(byDevice[l.Owner.RID], l.ID)
		}
		if l.IDV1 != "" {
			byV1[l.IDV1] = l.ID
		}
	}

	h.mu.Lock()
	h.byDevice = byDevice
	h.byV1 = byV1
	h.mu.Unlock()
}

// connectivity returns the connected flag keyed by owning device id.
func (h *Hub) connectivity(ctx context.Context) (map[string]bool, error) {
	zs, err := h.client.GetConnectivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connectivity: %w", err)
	}
	out := make(map[string]bool, len(zs))
	for _, z := range zs {
		if z.Owner != nil {
			out[z.Owner.RID] = z.Connected()
		}
	}
	return out, nil
}

// reachable treats lights without a connectivity report as reachable.
func reachable(l *v2.Light, connected map[string]bool) bool {
	if l.Owner == nil {
		return true
	}
	c, ok := connected[l.Owner.RID]
	return !ok || c
}
