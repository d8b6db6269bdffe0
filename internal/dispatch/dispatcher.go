// Package dispatch serializes attribute writes per device.
//
// Every device gets its own FIFO queue drained by a dedicated goroutine that
// issues one write at a time and waits a fixed spacing after each attempt.
// Devices never block each other and a failed write only affects itself.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/daylightd/internal/lights"
)

// Default configuration
const (
	DefaultSpacing      = 500 * time.Millisecond
	DefaultWriteTimeout = 10 * time.Second
)

// Writer issues a single attribute write. lights.Hub satisfies it.
type Writer interface {
	SetAttribute(ctx context.Context, id string, attr lights.Attribute, value int) error
}

// Entry is one queued write.
type Entry struct {
	ID        string
	DeviceID  string
	Attr      lights.Attribute
	Value     int
	Scheduled time.Time
}

// Result is the outcome of one write attempt.
type Result struct {
	Entry
	Err      error
	Duration time.Duration
}

// Hook is called after every write attempt, from the device's drain goroutine.
type Hook func(Result)

// WriteHook is called right before a write is sent, from the device's drain goroutine.
type WriteHook func(Entry)

// Options configures a Dispatcher.
type Options struct {
	Spacing      time.Duration // minimum pause after each write attempt
	WriteTimeout time.Duration // bound on a single write, 0 means DefaultWriteTimeout
	RateLimitRPS float64       // bridge-wide write rate, 0 disables
	Coalesce     bool          // replace a pending entry for the same attribute instead of appending
}

type queue struct {
	entries []Entry // entries[0] is being written or spaced
}

// Dispatcher owns the per-device queues.
type Dispatcher struct {
	writer  Writer
	opts    Options
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*queue
	hooks  []Hook
	before []WriteHook
	closed bool
}

// New creates a dispatcher writing through w.
func New(w Writer, opts Options) *Dispatcher {
	if opts.Spacing < 0 {
		opts.Spacing = 0
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	limit := rate.Inf
	burst := 1
	if opts.RateLimitRPS > 0 {
		limit = rate.Limit(opts.RateLimitRPS)
		burst = max(int(opts.RateLimitRPS), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		writer:  w,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*queue),
	}
}

// BeforeWrite registers a hook called before each write is sent.
// A hub may report the change before the write call returns.
func (d *Dispatcher) BeforeWrite(h WriteHook) {
	d.mu.Lock()
	d.before = append(d.before, h)
	d.mu.Unlock()
}

// OnResult registers a hook called after each write attempt.
func (d *Dispatcher) OnResult(h Hook) {
	d.mu.Lock()
	d.hooks = append(d.hooks, h)
	d.mu.Unlock()
}

// Schedule appends a write to the device's queue and starts draining it if it was idle.
func (d *Dispatcher) Schedule(deviceID string, attr lights.Attribute, value int) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Attr:      attr,
		Value:     value,
		Scheduled: time.Now(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		log.Warn().Str("light", deviceID).Str("attr", string(attr)).Int("value", value).Msg("Dispatcher closed, dropping write")
		return e
	}

	q, ok := d.queues[deviceID]
	if !ok {
		q = &queue{}
		d.queues[deviceID] = q
	}

	if d.opts.Coalesce {
		// Index 0 is already in flight and must not change
		for i := 1; i < len(q.entries); i++ {
			if q.entries[i].Attr == attr {
				log.Debug().
					Str("light", deviceID).
					Str("attr", string(attr)).
					Int("old", q.entries[i].Value).
					Int("new", value).
					Msg("Coalesced pending write")
				e.ID = q.entries[i].ID
				q.entries[i].Value = value
				q.entries[i].Scheduled = e.Scheduled
				return e
			}
		}
	}

	q.entries = append(q.entries, e)
	log.Debug().
		Str("light", deviceID).
		Str("attr", string(attr)).
		Int("value", value).
		Str("entry", e.ID).
		Int("depth", len(q.entries)).
		Msg("Write scheduled")

	if len(q.entries) == 1 {
		d.wg.Add(1)
		go d.drain(deviceID)
	}
	return e
}

// Pending returns the number of queued writes for a device, including the one in flight.
func (d *Dispatcher) Pending(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[deviceID]; ok {
		return len(q.entries)
	}
	return 0
}

// Depths returns the queue depth of every busy device.
func (d *Dispatcher) Depths() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.queues))
	for id, q := range d.queues {
		out[id] = len(q.entries)
	}
	return out
}

// Close stops accepting writes and waits for queues to drain.
// When ctx expires first, in-flight writes are cancelled and remaining entries dropped.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Dispatcher queues drained")
	case <-ctx.Done():
		log.Warn().Msg("Dispatcher shutdown timed out, dropping pending writes")
		d.cancel()
		<-done
	}
	d.cancel()
}

// drain writes the head of a device queue until the queue is empty.
func (d *Dispatcher) drain(deviceID string) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		q := d.queues[deviceID]
		e := q.entries[0]
		hooks := d.hooks
		d.mu.Unlock()

		if d.ctx.Err() == nil {
			res := d.execute(e)
			for _, h := range hooks {
				d.runHook(h, res)
			}
			d.pause()
		}

		d.mu.Lock()
		q.entries = q.entries[1:]
		if len(q.entries) == 0 {
			delete(d.queues, deviceID)
			d.mu.Unlock()
			return
		}
		if d.ctx.Err() != nil {
			log.Warn().Str("light", deviceID).Int("dropped", len(q.entries)).Msg("Dropping queued writes")
			delete(d.queues, deviceID)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}
}

// execute performs one write. Errors and panics are contained here.
func (d *Dispatcher) execute(e Entry) (res Result) {
	res.Entry = e
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("write panicked: %v", r)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			log.Error().
				Err(res.Err).
				Str("light", e.DeviceID).
				Str("attr", string(e.Attr)).
				Int("value", e.Value).
				Str("entry", e.ID).
				Msg("Write failed")
			return
		}
		log.Info().
			Str("light", e.DeviceID).
			Str("attr", string(e.Attr)).
			Int("value", e.Value).
			Str("entry", e.ID).
			Dur("took", res.Duration).
			Msg("Write completed")
	}()

	if err := d.limiter.Wait(d.ctx); err != nil {
		res.Err = fmt.Errorf("rate limiter: %w", err)
		return res
	}

	d.mu.Lock()
	before := d.before
	d.mu.Unlock()
	for _, h := range before {
		d.runWriteHook(h, e)
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.opts.WriteTimeout)
	defer cancel()

	res.Err = d.writer.SetAttribute(ctx, e.DeviceID, e.Attr, e.Value)
	return res
}

func (d *Dispatcher) runHook(h Hook, res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("entry", res.ID).Msg("Dispatch hook panicked")
		}
	}()
	h(res)
}

func (d *Dispatcher) runWriteHook(h WriteHook, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("entry", e.ID).Msg("Dispatch hook panicked")
		}
	}()
	h(e)
}

// pause waits the spacing interval, returning early on shutdown.
func (d *Dispatcher) pause() {
	if d.opts.Spacing == 0 {
		return
	}
	t := time.NewTimer(d.opts.Spacing)
	defer t.Stop()
	select {
	case <-t.C:
	case <-d.ctx.Done():
	}
}
