package geo

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dokzlo13/daylightd/internal/db"
)

func TestSolarAltitude(t *testing.T) {
	const lat, lon = 52.52, 13.40

	tests := []struct {
		name     string
		at       time.Time
		min, max float64 // degrees
	}{
		{"summer_noon", time.Date(2024, 6, 21, 11, 7, 0, 0, time.UTC), 59, 62},
		{"summer_midnight", time.Date(2024, 6, 21, 23, 7, 0, 0, time.UTC), -16, -12},
		{"winter_noon", time.Date(2024, 12, 21, 11, 7, 0, 0, time.UTC), 12, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SolarAltitude(tt.at, lat, lon) / rad
			if got < tt.min || got > tt.max {
				t.Errorf("altitude = %.2f°, want between %.0f° and %.0f°", got, tt.min, tt.max)
			}
		})
	}
}

func TestSolarAltitudeRange(t *testing.T) {
	start := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 48; i++ {
		a := SolarAltitude(start.Add(time.Duration(i)*30*time.Minute), -33.87, 151.21)
		if math.IsNaN(a) || a < -math.Pi/2 || a > math.Pi/2 {
			t.Fatalf("altitude out of range at step %d: %f", i, a)
		}
	}
}

func TestTimes(t *testing.T) {
	c := NewCalculator(Options{Lat: 52.52, Lon: 13.40, Timezone: "Europe/Berlin"}, nil)

	times, err := c.Times(context.Background(), time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Times: %v", err)
	}

	if !(times.Dawn.Before(times.Sunrise) && times.Sunrise.Before(times.Noon) &&
		times.Noon.Before(times.Sunset) && times.Sunset.Before(times.Dusk)) {
		t.Errorf("times out of order: %+v", times)
	}

	// Berlin summer solstice: sunrise around 04:43, sunset around 21:33 local
	if h := times.Sunrise.Hour(); h != 4 {
		t.Errorf("sunrise hour = %d, want 4", h)
	}
	if h := times.Sunset.Hour(); h != 21 {
		t.Errorf("sunset hour = %d, want 21", h)
	}

	again, _ := c.Times(context.Background(), time.Date(2024, 6, 21, 20, 0, 0, 0, time.UTC))
	if again != times {
		t.Error("second lookup for the same local day should hit the cache")
	}
}

func TestTimesKeepsOnlyCurrentDay(t *testing.T) {
	c := NewCalculator(Options{Lat: 52.52, Lon: 13.40, Timezone: "Europe/Berlin"}, nil)
	ctx := context.Background()

	first, _ := c.Times(ctx, time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC))
	second, _ := c.Times(ctx, time.Date(2024, 6, 22, 12, 0, 0, 0, time.UTC))
	if first == second {
		t.Fatal("different days should not share times")
	}
	if c.times != second || c.timesKey == "" {
		t.Errorf("cache should hold the latest day only, got %+v", c.times)
	}

	again, _ := c.Times(ctx, time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC))
	if again == first {
		t.Error("earlier day should have been evicted and recomputed")
	}
	if !again.Sunrise.Equal(first.Sunrise) {
		t.Errorf("recomputed sunrise = %v, want %v", again.Sunrise, first.Sunrise)
	}
}

func TestTimesPolarNight(t *testing.T) {
	c := NewCalculator(Options{Lat: 78.22, Lon: 15.65, Timezone: "UTC"}, nil)

	times, err := c.Times(context.Background(), time.Date(2024, 12, 21, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Times: %v", err)
	}
	if !times.Sunrise.IsZero() || !times.Sunset.IsZero() {
		t.Errorf("expected no sunrise during polar night, got %v / %v", times.Sunrise, times.Sunset)
	}
}

func TestConfiguredCoordinates(t *testing.T) {
	c := NewCalculator(Options{Name: "Home", Lat: 48.85, Lon: 2.35, Timezone: "bogus/zone"}, nil)

	lat, lon, err := c.Coordinates(context.Background())
	if err != nil {
		t.Fatalf("Coordinates: %v", err)
	}
	if lat != 48.85 || lon != 2.35 {
		t.Errorf("coordinates = %f,%f", lat, lon)
	}
	if c.Timezone() != time.UTC {
		t.Errorf("invalid timezone should fall back to UTC, got %v", c.Timezone())
	}
}

func TestNoLocation(t *testing.T) {
	c := NewCalculator(Options{Timezone: "UTC"}, nil)
	if _, _, err := c.Coordinates(context.Background()); !errors.Is(err, ErrNoLocation) {
		t.Errorf("Coordinates = %v, want ErrNoLocation", err)
	}
}

func newGeocoder(t *testing.T, body string, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("q") == "" || r.Header.Get("User-Agent") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGeocodeWithCache(t *testing.T) {
	srv, calls := newGeocoder(t, `[{"lat":"59.3293","lon":"18.0686","display_name":"Stockholm, Sweden"}]`, http.StatusOK)

	database, err := db.Open(filepath.Join(t.TempDir(), "geo.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()
	cache := NewCache(database.DB)
	ctx := context.Background()

	c := NewCalculator(Options{Name: "Stockholm", Timezone: "UTC", GeocodeURL: srv.URL}, cache)
	loc, err := c.Location(ctx)
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.Name != "Stockholm, Sweden" || loc.Latitude != 59.3293 || loc.Longitude != 18.0686 {
		t.Errorf("unexpected location %+v", loc)
	}

	// Resolved location is kept in memory
	if _, err := c.Location(ctx); err != nil {
		t.Fatalf("Location: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("geocoder calls = %d, want 1", n)
	}

	// A fresh calculator finds the persisted result
	fresh := NewCalculator(Options{Name: "Stockholm", Timezone: "UTC", GeocodeURL: srv.URL}, cache)
	lat, _, err := fresh.Coordinates(ctx)
	if err != nil {
		t.Fatalf("Coordinates: %v", err)
	}
	if lat != 59.3293 {
		t.Errorf("cached latitude = %f", lat)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("geocoder calls after restart = %d, want 1", n)
	}
}

func TestGeocodeFailures(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"no_results", `[]`, http.StatusOK},
		{"server_error", `oops`, http.StatusInternalServerError},
		{"bad_latitude", `[{"lat":"north","lon":"1","display_name":"x"}]`, http.StatusOK},
		{"bad_json", `{`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newGeocoder(t, tt.body, tt.status)
			c := NewCalculator(Options{Name: "Nowhere", Timezone: "UTC", GeocodeURL: srv.URL}, nil)
			if _, err := c.Location(context.Background()); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestCacheMiss(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "geo.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()

	if _, ok := NewCache(database.DB).Get(context.Background(), "unknown"); ok {
		t.Error("expected a miss")
	}
}

func TestCacheKeyAndExpiry(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "geo.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()

	now := time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC)
	cache := NewCache(database.DB)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	if err := cache.Put(ctx, "  Berlin ", &Location{Name: "Berlin, Germany", Latitude: 52.52, Longitude: 13.40}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	loc, ok := cache.Get(ctx, "berlin")
	if !ok || loc.Latitude != 52.52 {
		t.Fatalf("Get(berlin) = %+v, %t", loc, ok)
	}

	now = now.Add(cacheMaxAge + time.Hour)
	if _, ok := cache.Get(ctx, "Berlin"); ok {
		t.Error("expired entry should be a miss")
	}
}
