package geo

import (
	"math"
	"time"
)

const (
	rad      = math.Pi / 180.0
	dayMs    = 1000 * 60 * 60 * 24
	j1970    = 2440588.0
	j2000    = 2451545.0
	obliquty = rad * 23.4397 // obliquity of the Earth
)

// Position is the sun's position in the sky, both angles in radians.
type Position struct {
	Azimuth  float64
	Altitude float64
}

// SunPosition returns the sun's position at t for the given coordinates.
// Altitude is 0 at the horizon, π/2 at the zenith and negative below the horizon.
func SunPosition(t time.Time, lat, lon float64) Position {
	lw := rad * -lon
	phi := rad * lat
	d := toDays(t)

	dec, ra := sunCoords(d)
	h := siderealTime(d, lw) - ra

	return Position{
		Azimuth:  azimuth(h, phi, dec),
		Altitude: altitude(h, phi, dec),
	}
}

// SolarAltitude returns the sun's altitude angle in radians.
func SolarAltitude(t time.Time, lat, lon float64) float64 {
	return SunPosition(t, lat, lon).Altitude
}

func toDays(t time.Time) float64 {
	julian := float64(t.UnixMilli())/dayMs - 0.5 + j1970
	return julian - j2000
}

func rightAscension(l, b float64) float64 {
	return math.Atan2(math.Sin(l)*math.Cos(obliquty)-math.Tan(b)*math.Sin(obliquty), math.Cos(l))
}

func declination(l, b float64) float64 {
	return math.Asin(math.Sin(b)*math.Cos(obliquty) + math.Cos(b)*math.Sin(obliquty)*math.Sin(l))
}

func azimuth(h, phi, dec float64) float64 {
	return math.Atan2(math.Sin(h), math.Cos(h)*math.Sin(phi)-math.Tan(dec)*math.Cos(phi))
}

func altitude(h, phi, dec float64) float64 {
	return math.Asin(math.Sin(phi)*math.Sin(dec) + math.Cos(phi)*math.Cos(dec)*math.Cos(h))
}

func siderealTime(d, lw float64) float64 {
	return rad*(280.16+360.9856235*d) - lw
}

func solarMeanAnomaly(d float64) float64 {
	return rad * (357.5291 + 0.98560028*d)
}

func eclipticLongitude(m float64) float64 {
	// Equation of center
	c := rad * (1.9148*math.Sin(m) + 0.02*math.Sin(2*m) + 0.0003*math.Sin(3*m))
	// Perihelion of the Earth
	p := rad * 102.9372
	return m + c + p + math.Pi
}

func sunCoords(d float64) (dec, ra float64) {
	l := eclipticLongitude(solarMeanAnomaly(d))
	return declination(l, 0), rightAscension(l, 0)
}
