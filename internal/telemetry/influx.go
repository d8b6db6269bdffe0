// Package telemetry records target and observed light values to InfluxDB.
//
// One point is written per light attribute on every control tick:
//
//	light_control,light=<id>,attr=<attribute> target=<int>,observed=<int>,excluded=<bool>
//
// Writes are non-blocking and batched by the InfluxDB client. Async write
// errors are logged and never reach the control loop.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/config"
	"github.com/dokzlo13/daylightd/internal/controller"
)

var (
	// ErrDisabled indicates telemetry is disabled in config.
	ErrDisabled = errors.New("telemetry: disabled in configuration")

	// ErrConnectionFailed indicates the initial ping failed.
	ErrConnectionFailed = errors.New("telemetry: connection failed")
)

// Measurement is the InfluxDB measurement name for control samples.
const Measurement = "light_control"

const defaultConnectTimeout = 10 * time.Second

// Recorder implements controller.Sampler on an InfluxDB write API.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu     sync.RWMutex
	closed bool
}

// Connect pings the server and prepares a batched write API.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushMs := cfg.FlushInterval.Duration().Milliseconds()
	if flushMs <= 0 {
		flushMs = 10_000
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushMs)),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	r := &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go r.logErrors(r.writeAPI.Errors())

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("Telemetry connected to InfluxDB")
	return r, nil
}

func (r *Recorder) logErrors(errs <-chan error) {
	for err := range errs {
		log.Warn().Err(err).Msg("Telemetry write failed")
	}
}

// Sample queues one control sample.
func (r *Recorder) Sample(s controller.Sample) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	r.writeAPI.WritePoint(Point(s))
}

// Point converts a control sample into a line protocol point.
func Point(s controller.Sample) *write.Point {
	return write.NewPoint(
		Measurement,
		map[string]string{
			"light": s.LightID,
			"attr":  string(s.Attr),
		},
		map[string]interface{}{
			"target":   s.Target,
			"observed": s.Observed,
			"excluded": s.Excluded,
		},
		s.Time,
	)
}

// Flush blocks until buffered points are sent.
func (r *Recorder) Flush() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.closed {
		r.writeAPI.Flush()
	}
}

// Close flushes pending points and closes the client. Safe to call twice.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.writeAPI.Flush()
	r.client.Close()
}
