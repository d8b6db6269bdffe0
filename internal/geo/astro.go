// Package geo resolves the hub location and computes solar position and daily sun times.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoLocation is returned when neither coordinates nor a location name are configured.
var ErrNoLocation = errors.New("no location configured")

const defaultGeocodeURL = "https://nominatim.openstreetmap.org/search"

// AstroTimes contains astronomical times for a day
type AstroTimes struct {
	Dawn    time.Time `json:"dawn"`
	Sunrise time.Time `json:"sunrise"`
	Noon    time.Time `json:"noon"`
	Sunset  time.Time `json:"sunset"`
	Dusk    time.Time `json:"dusk"`
}

// Location represents a resolved hub location
type Location struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Options configures a Calculator.
type Options struct {
	Name        string  // location name, geocoded when Lat/Lon are unset
	Lat         float64 // pre-configured coordinates
	Lon         float64
	Timezone    string
	HTTPTimeout time.Duration
	GeocodeURL  string // Nominatim-compatible search endpoint
}

// Calculator resolves the hub location once and computes astro times for it.
type Calculator struct {
	opts       Options
	tz         *time.Location
	cache      *Cache
	httpClient *http.Client

	mu       sync.RWMutex
	location *Location
	timesKey string // location and date of times
	times    *AstroTimes
}

// NewCalculator creates a calculator. cache may be nil.
func NewCalculator(opts Options, cache *Cache) *Calculator {
	if opts.HTTPTimeout == 0 {
		opts.HTTPTimeout = 10 * time.Second
	}
	if opts.GeocodeURL == "" {
		opts.GeocodeURL = defaultGeocodeURL
	}

	tz, err := time.LoadLocation(opts.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", opts.Timezone).Msg("Failed to load timezone, using UTC")
		tz = time.UTC
	}

	c := &Calculator{
		opts:       opts,
		tz:         tz,
		cache:      cache,
		httpClient: &http.Client{},
	}

	if opts.Lat != 0 || opts.Lon != 0 {
		c.location = &Location{Name: opts.Name, Latitude: opts.Lat, Longitude: opts.Lon}
		log.Info().
			Str("name", opts.Name).
			Float64("lat", opts.Lat).
			Float64("lon", opts.Lon).
			Msg("Geo calculator initialized with pre-configured coordinates")
	}

	return c
}

// Timezone returns the local timezone used for time-of-day calculations.
func (c *Calculator) Timezone() *time.Location {
	return c.tz
}

// Coordinates returns the hub latitude and longitude.
func (c *Calculator) Coordinates(ctx context.Context) (lat, lon float64, err error) {
	loc, err := c.Location(ctx)
	if err != nil {
		return 0, 0, err
	}
	return loc.Latitude, loc.Longitude, nil
}

// Location resolves the hub location.
// Priority: pre-configured > in-memory > persistent cache > geocode
func (c *Calculator) Location(ctx context.Context) (*Location, error) {
	c.mu.RLock()
	loc := c.location
	c.mu.RUnlock()
	if loc != nil {
		return loc, nil
	}

	if c.opts.Name == "" {
		return nil, ErrNoLocation
	}

	if c.cache != nil {
		if cached, found := c.cache.Get(ctx, c.opts.Name); found {
			c.setLocation(cached)
			return cached, nil
		}
	}

	loc, err := c.geocode(ctx, c.opts.Name)
	if err != nil {
		return nil, err
	}
	c.setLocation(loc)

	if c.cache != nil {
		if err := c.cache.Put(ctx, c.opts.Name, loc); err != nil {
			log.Warn().Err(err).Msg("Geocoded location not cached")
		}
	}
	return loc, nil
}

func (c *Calculator) setLocation(loc *Location) {
	c.mu.Lock()
	c.location = loc
	c.mu.Unlock()
}

// Times returns astronomical times for the local day containing date.
// Only the most recently requested day is kept.
func (c *Calculator) Times(ctx context.Context, date time.Time) (*AstroTimes, error) {
	loc, err := c.Location(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}

	date = date.In(c.tz)
	key := fmt.Sprintf("%.4f,%.4f,%s", loc.Latitude, loc.Longitude, date.Format("2006-01-02"))
	c.mu.RLock()
	cached, cachedKey := c.times, c.timesKey
	c.mu.RUnlock()
	if cached != nil && cachedKey == key {
		return cached, nil
	}

	times := calculate(loc.Latitude, loc.Longitude, date, c.tz)

	c.mu.Lock()
	c.times, c.timesKey = times, key
	c.mu.Unlock()

	return times, nil
}

// geocode performs geocoding via Nominatim
func (c *Calculator) geocode(ctx context.Context, name string) (*Location, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HTTPTimeout)
	defer cancel()

	apiURL := fmt.Sprintf("%s?q=%s&format=json&limit=1", c.opts.GeocodeURL, url.QueryEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "daylightd/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocoding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoding failed with status %d", resp.StatusCode)
	}

	var results []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode geocoding response: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("location not found: %s", name)
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q: %w", results[0].Lon, err)
	}

	loc := &Location{Name: results[0].DisplayName, Latitude: lat, Longitude: lon}

	log.Info().
		Str("query", name).
		Str("resolved", loc.Name).
		Float64("lat", lat).
		Float64("lon", lon).
		Msg("Location geocoded via Nominatim")

	return loc, nil
}

// calculate computes astronomical times using the NOAA sunrise equation
func calculate(lat, lon float64, date time.Time, tz *time.Location) *AstroTimes {
	// Julian day - add 0.5 because the NOAA sunrise equation expects JD at noon, not midnight
	jd := toJulianDay(date) + 0.5

	return &AstroTimes{
		Dawn:    sunTime(jd, lat, lon, tz, -6.0, true),
		Sunrise: sunTime(jd, lat, lon, tz, -0.833, true),
		Noon:    julianToTime(solarTransit(jd, lon), tz),
		Sunset:  sunTime(jd, lat, lon, tz, -0.833, false),
		Dusk:    sunTime(jd, lat, lon, tz, -6.0, false),
	}
}

// toJulianDay converts a date to Julian day number
func toJulianDay(t time.Time) float64 {
	y := float64(t.Year())
	m := float64(t.Month())
	d := float64(t.Day())

	if m <= 2 {
		y--
		m += 12
	}

	a := math.Floor(y / 100)
	b := 2 - a + math.Floor(a/4)

	return math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + d + b - 1524.5
}

// solarTransitLambda returns the Julian date of solar noon along with the sun's ecliptic longitude.
func solarTransitLambda(jd, lon float64) (jTransit, lambdaRad float64) {
	n := math.Round(jd - j2000 + 0.0008)
	jStar := n - lon/360.0

	m := math.Mod(357.5291+0.98560028*jStar, 360.0)
	mRad := m * rad

	c := 1.9148*math.Sin(mRad) + 0.02*math.Sin(2*mRad) + 0.0003*math.Sin(3*mRad)

	lambda := math.Mod(m+c+180+102.9372, 360.0)
	lambdaRad = lambda * rad

	jTransit = j2000 + jStar + 0.0053*math.Sin(mRad) - 0.0069*math.Sin(2*lambdaRad)
	return jTransit, lambdaRad
}

func solarTransit(jd, lon float64) float64 {
	jTransit, _ := solarTransitLambda(jd, lon)
	return jTransit
}

// sunTime calculates the time the sun crosses angle (degrees) before or after noon.
// Returns the zero time when the sun never reaches that angle (polar day or night).
func sunTime(jd, lat, lon float64, tz *time.Location, angle float64, rising bool) time.Time {
	jTransit, lambdaRad := solarTransitLambda(jd, lon)

	dec := math.Asin(math.Sin(lambdaRad) * math.Sin(23.44*rad))
	latRad := lat * rad
	cosOmega := (math.Sin(angle*rad) - math.Sin(latRad)*math.Sin(dec)) / (math.Cos(latRad) * math.Cos(dec))
	if cosOmega > 1 || cosOmega < -1 {
		return time.Time{}
	}

	omega := math.Acos(cosOmega) / rad
	if rising {
		return julianToTime(jTransit-omega/360.0, tz)
	}
	return julianToTime(jTransit+omega/360.0, tz)
}

// julianToTime converts a Julian date to a time in tz.
func julianToTime(jd float64, tz *time.Location) time.Time {
	ms := (jd - j1970 + 0.5) * dayMs
	return time.UnixMilli(int64(ms)).In(tz)
}
