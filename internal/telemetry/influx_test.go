package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/daylightd/internal/config"
	"github.com/dokzlo13/daylightd/internal/controller"
	"github.com/dokzlo13/daylightd/internal/lights"
)

type fakeInflux struct {
	mu     sync.Mutex
	bodies []string
	query  string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		f.query = r.URL.RawQuery
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) lines() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.bodies, "")
}

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect = %v, want ErrDisabled", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: true, URL: url, Bucket: "b"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect = %v, want ErrConnectionFailed", err)
	}
}

func TestSampleWritesPoint(t *testing.T) {
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	r, err := Connect(context.Background(), config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "token",
		Org:           "home",
		Bucket:        "lights",
		BatchSize:     10,
		FlushInterval: config.Duration(time.Hour),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r.Sample(controller.Sample{
		Time:     time.Unix(1718928000, 0),
		LightID:  "light-a",
		Attr:     lights.AttrColorTemperature,
		Target:   4000,
		Observed: 2700,
		Excluded: true,
	})
	r.Flush()

	got := fake.lines()
	want := "light_control,attr=colorTemperature,light=light-a excluded=true,observed=2700i,target=4000i 1718928000000000000"
	if !strings.Contains(got, want) {
		t.Errorf("line protocol = %q, want %q", got, want)
	}
	if !strings.Contains(fake.query, "bucket=lights") || !strings.Contains(fake.query, "org=home") {
		t.Errorf("write query = %q", fake.query)
	}

	r.Close()
	r.Close()
	// Dropped after close
	r.Sample(controller.Sample{LightID: "late"})
}
