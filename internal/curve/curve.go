// Package curve computes target light attribute values from solar position and time of day.
// Everything here is pure: no I/O, no shared state.
package curve

import (
	"fmt"
	"math"
	"time"

	"github.com/dokzlo13/daylightd/internal/geo"
	"github.com/dokzlo13/daylightd/internal/lights"
)

// Law selects the color temperature control law.
type Law string

const (
	// LawClamped interpolates between MinKelvin and MaxKelvin, treating
	// below-horizon altitude as zero.
	LawClamped Law = "clamped"
	// LawHorizon interpolates from HorizonKelvin at the horizon to ZenithKelvin
	// at the zenith; negative altitude continues below HorizonKelvin.
	LawHorizon Law = "horizon"
)

// Config holds the curve constants.
type Config struct {
	Law Law

	MinKelvin     int
	MaxKelvin     int
	HorizonKelvin int
	ZenithKelvin  int

	BrightnessAmplitude float64
	BrightnessStart     time.Duration // offset from local midnight
	BrightnessEnd       time.Duration
}

// DefaultConfig returns the stock curve constants.
func DefaultConfig() Config {
	return Config{
		Law:                 LawClamped,
		MinKelvin:           2200,
		MaxKelvin:           5500,
		HorizonKelvin:       3000,
		ZenithKelvin:        6000,
		BrightnessAmplitude: 600,
		BrightnessStart:     6 * time.Hour,
		BrightnessEnd:       22 * time.Hour,
	}
}

// Validate checks the constants are usable.
func (c Config) Validate() error {
	switch c.Law {
	case LawClamped:
		if c.MinKelvin > c.MaxKelvin {
			return fmt.Errorf("min_kelvin %d exceeds max_kelvin %d", c.MinKelvin, c.MaxKelvin)
		}
	case LawHorizon:
		if c.HorizonKelvin > c.ZenithKelvin {
			return fmt.Errorf("horizon_kelvin %d exceeds zenith_kelvin %d", c.HorizonKelvin, c.ZenithKelvin)
		}
	default:
		return fmt.Errorf("unknown curve law %q", c.Law)
	}
	if c.BrightnessEnd <= c.BrightnessStart {
		return fmt.Errorf("brightness_end must be after brightness_start")
	}
	return nil
}

// Curve evaluates targets with a fixed Config.
type Curve struct {
	cfg Config
	tz  *time.Location
}

// New creates a curve. tz defines local time for the brightness window; nil means UTC.
func New(cfg Config, tz *time.Location) *Curve {
	if tz == nil {
		tz = time.UTC
	}
	return &Curve{cfg: cfg, tz: tz}
}

// Config returns the curve constants.
func (c *Curve) Config() Config {
	return c.cfg
}

// ColorTemperature returns the target color temperature in Kelvin for the given time and coordinates.
func (c *Curve) ColorTemperature(now time.Time, lat, lon float64) int {
	return c.ColorTemperatureAt(geo.SolarAltitude(now, lat, lon))
}

// ColorTemperatureAt maps a solar altitude in radians to Kelvin.
func (c *Curve) ColorTemperatureAt(altitude float64) int {
	fraction := altitude * 2 / math.Pi

	switch c.cfg.Law {
	case LawHorizon:
		span := float64(c.cfg.ZenithKelvin - c.cfg.HorizonKelvin)
		return int(math.Round(float64(c.cfg.HorizonKelvin) + fraction*span))
	default:
		span := float64(c.cfg.MaxKelvin - c.cfg.MinKelvin)
		return int(math.Round(float64(c.cfg.MinKelvin) + math.Max(fraction, 0)*span))
	}
}

// Brightness returns the target brightness percent for the local time of day of now.
func (c *Curve) Brightness(now time.Time) int {
	local := now.In(c.tz)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.tz)
	return c.BrightnessAt(local.Sub(midnight).Seconds())
}

// BrightnessAt maps seconds since local midnight to a brightness percent in [1, 100].
// Outside the brightness window the result is the floor.
func (c *Curve) BrightnessAt(seconds float64) int {
	start := c.cfg.BrightnessStart.Seconds()
	end := c.cfg.BrightnessEnd.Seconds()
	if seconds <= start || seconds >= end {
		return 1
	}

	b := c.cfg.BrightnessAmplitude * math.Sin((seconds-start)*math.Pi/(end-start))
	return int(math.Round(clamp(b, 1, 100)))
}

// Target returns the curve value for attr, before per-light adaptation.
func (c *Curve) Target(attr lights.Attribute, now time.Time, lat, lon float64) (int, bool) {
	switch attr {
	case lights.AttrColorTemperature:
		return c.ColorTemperature(now, lat, lon), true
	case lights.AttrBrightness:
		return c.Brightness(now), true
	}
	return 0, false
}

// ForLight clamps a target into the light's declared bounds. Bounds may be partial.
func ForLight(l *lights.Light, attr lights.Attribute, target int) int {
	if attr != lights.AttrColorTemperature {
		return target
	}
	if l.ColorTemperatureMin != nil && target < *l.ColorTemperatureMin {
		target = *l.ColorTemperatureMin
	}
	if l.ColorTemperatureMax != nil && target > *l.ColorTemperatureMax {
		target = *l.ColorTemperatureMax
	}
	return target
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
