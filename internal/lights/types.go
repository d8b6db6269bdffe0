// Package lights defines the light model and the hub contract the control loop consumes.
package lights

import (
	"context"
	"errors"
	"fmt"
)

// ErrLightNotFound is returned by a Hub when a light id is unknown.
var ErrLightNotFound = errors.New("light not found")

// Attribute names a light attribute the hub can report or receive.
type Attribute string

const (
	AttrIsOn             Attribute = "isOn"
	AttrColorTemperature Attribute = "colorTemperature"
	AttrBrightness       Attribute = "brightness"
)

// Controlled lists the attributes driven by the control loop, in dispatch order.
var Controlled = []Attribute{AttrBrightness, AttrColorTemperature}

// Light is a read-only snapshot of a light as reported by the hub.
type Light struct {
	ID        string
	Name      string
	DeviceID  string // hub device owning this light, used to map connectivity reports
	Reachable bool
	IsOn      bool

	// CanReceive holds the attributes the light accepts writes for.
	CanReceive map[Attribute]bool

	ColorTemperature int // Kelvin
	Brightness       int // percent, 1-100

	// CustomColor is set while the light shows an xy color.
	// ColorTemperature carries no meaning then.
	CustomColor bool

	// Device color temperature bounds in Kelvin, nil when unknown.
	ColorTemperatureMin *int
	ColorTemperatureMax *int
}

// Can reports whether the light accepts writes for attr.
func (l *Light) Can(attr Attribute) bool {
	return l.CanReceive[attr]
}

// Value returns the current value of a controlled attribute.
// The color temperature is not valid while the light shows a custom color.
func (l *Light) Value(attr Attribute) (int, bool) {
	switch attr {
	case AttrColorTemperature:
		return l.ColorTemperature, !l.CustomColor
	case AttrBrightness:
		return l.Brightness, true
	}
	return 0, false
}

// DisplayName returns the light name, falling back to its id.
func (l *Light) DisplayName() string {
	if l.Name != "" {
		return l.Name
	}
	return l.ID
}

// Event is a change notification for a single light.
// Nil fields were not part of the notification.
type Event struct {
	LightID          string
	IsOn             *bool
	ColorTemperature *int
	Brightness       *int
	Reachable        *bool
	CustomColor      *bool // true when the light switched to an xy color
}

// Value returns the reported value of a controlled attribute, if present.
func (e Event) Value(attr Attribute) (int, bool) {
	switch attr {
	case AttrColorTemperature:
		if e.ColorTemperature != nil {
			return *e.ColorTemperature, true
		}
	case AttrBrightness:
		if e.Brightness != nil {
			return *e.Brightness, true
		}
	}
	return 0, false
}

// IsEmpty reports whether the event carries nothing the controller reacts to.
func (e Event) IsEmpty() bool {
	return e.IsOn == nil && e.ColorTemperature == nil && e.Brightness == nil && e.Reachable == nil &&
		e.CustomColor == nil
}

func (e Event) String() string {
	s := fmt.Sprintf("light=%s", e.LightID)
	if e.IsOn != nil {
		s += fmt.Sprintf(" on=%t", *e.IsOn)
	}
	if e.ColorTemperature != nil {
		s += fmt.Sprintf(" ct=%dK", *e.ColorTemperature)
	}
	if e.Brightness != nil {
		s += fmt.Sprintf(" bri=%d%%", *e.Brightness)
	}
	if e.Reachable != nil {
		s += fmt.Sprintf(" reachable=%t", *e.Reachable)
	}
	if e.CustomColor != nil && *e.CustomColor {
		s += " color=xy"
	}
	return s
}

// Hub is the bridge the control loop reads lights from and writes attributes to.
type Hub interface {
	ListLights(ctx context.Context) ([]Light, error)
	GetLight(ctx context.Context, id string) (*Light, error)
	SetAttribute(ctx context.Context, id string, attr Attribute, value int) error
}

// Quantizer is implemented by hubs whose devices store values at a coarser
// resolution than the control loop computes them.
type Quantizer interface {
	Quantize(attr Attribute, value int) int
}
