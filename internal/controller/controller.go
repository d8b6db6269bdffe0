// Package controller drives light attributes toward the curve while respecting manual overrides.
//
// A single goroutine owns all control decisions: periodic ticks, hub events and
// manual resumes are funneled through one inbox and handled one at a time.
// Ticks and events share one reconcile path that only differs in the set of
// lights it is given.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/curve"
	"github.com/dokzlo13/daylightd/internal/dispatch"
	"github.com/dokzlo13/daylightd/internal/lights"
	"github.com/dokzlo13/daylightd/internal/override"
)

var (
	// ErrAlreadyStarted is returned by Start on a running controller.
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrStopped is returned when a request reaches a controller that is shutting down.
	ErrStopped = errors.New("controller stopped")
)

// DefaultTickInterval is the period of the self-healing correction pass.
const DefaultTickInterval = 60 * time.Second

// Locator provides the hub coordinates.
type Locator interface {
	Coordinates(ctx context.Context) (lat, lon float64, err error)
}

// ChangeListener is told about every override state transition.
type ChangeListener interface {
	OverrideChanged(c override.Change)
}

// Sample is one target/observed pair seen during a tick.
type Sample struct {
	Time     time.Time
	LightID  string
	Attr     lights.Attribute
	Target   int
	Observed int
	Excluded bool
}

// Sampler receives tick samples.
type Sampler interface {
	Sample(s Sample)
}

// Config configures the controller.
type Config struct {
	TickInterval time.Duration
	// Enabled lists the attributes under automatic control. Nil enables all.
	Enabled map[lights.Attribute]bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithListener adds an override change listener.
func WithListener(l ChangeListener) Option {
	return func(c *Controller) {
		c.listeners = append(c.listeners, l)
	}
}

// WithSampler sets the tick sampler.
func WithSampler(s Sampler) Option {
	return func(c *Controller) {
		c.sampler = s
	}
}

type request struct {
	fn   func(ctx context.Context) error
	done chan error // nil for fire-and-forget
}

// Controller is the closed control loop for one hub.
type Controller struct {
	hub        lights.Hub
	quantizer  lights.Quantizer
	curve      *curve.Curve
	tracker    *override.Tracker
	dispatcher *dispatch.Dispatcher
	locator    Locator
	cfg        Config
	now        func() time.Time
	listeners  []ChangeListener
	sampler    Sampler

	inbox chan request

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Owned by the control goroutine
	active  map[string]bool // last known on && reachable
	located bool
	lat     float64
	lon     float64

	statusMu sync.RWMutex
	status   Status
}

// New creates a controller. It does not start any goroutine.
func New(hub lights.Hub, cv *curve.Curve, tracker *override.Tracker, d *dispatch.Dispatcher, locator Locator, cfg Config, opts ...Option) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	c := &Controller{
		hub:        hub,
		curve:      cv,
		tracker:    tracker,
		dispatcher: d,
		locator:    locator,
		cfg:        cfg,
		now:        time.Now,
		inbox:      make(chan request),
		active:     make(map[string]bool),
	}
	if q, ok := hub.(lights.Quantizer); ok {
		c.quantizer = q
	}
	for _, opt := range opts {
		opt(c)
	}

	// The echo of a write can arrive before the write call returns, so the
	// marker is placed up front and dropped again when the write fails
	d.BeforeWrite(func(e dispatch.Entry) {
		tracker.MarkSelfWrite(e.DeviceID, e.Attr)
	})
	d.OnResult(func(r dispatch.Result) {
		if r.Err != nil {
			tracker.UnmarkSelfWrite(r.DeviceID, r.Attr)
		}
	})

	return c
}

// Start launches the control goroutine. The first tick runs immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.run(ctx, c.done)

	log.Info().Dur("tick_interval", c.cfg.TickInterval).Msg("Controller started")
	return nil
}

// Stop cancels the control goroutine and waits for it to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
	log.Info().Msg("Controller stopped")
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	c.runTick(ctx)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runTick(ctx)
		case req := <-c.inbox:
			err := c.safely(ctx, req.fn)
			if req.done != nil {
				req.done <- err
			}
		}
	}
}

func (c *Controller) runTick(ctx context.Context) {
	if err := c.safely(ctx, c.tick); err != nil {
		log.Warn().Err(err).Msg("Tick skipped")
	}
}

// safely runs fn, converting a panic into an error.
func (c *Controller) safely(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Controller handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// do runs fn on the control goroutine when started, or inline otherwise.
func (c *Controller) do(ctx context.Context, fn func(context.Context) error) error {
	c.mu.Lock()
	running, done := c.running, c.done
	c.mu.Unlock()

	if !running {
		return c.safely(ctx, fn)
	}

	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case c.inbox <- req:
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick recomputes targets for every eligible light and schedules corrections.
func (c *Controller) Tick(ctx context.Context) error {
	return c.do(ctx, c.tick)
}

// HandleEvent processes one hub change notification.
func (c *Controller) HandleEvent(ctx context.Context, ev lights.Event) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.handleEvent(ctx, ev)
	})
}

// Notify queues an event for the control goroutine. It blocks until the
// controller accepts the event or stops.
func (c *Controller) Notify(ev lights.Event) {
	c.mu.Lock()
	running, done := c.running, c.done
	c.mu.Unlock()

	fn := func(ctx context.Context) error {
		if err := c.handleEvent(ctx, ev); err != nil {
			log.Warn().Err(err).Str("event", ev.String()).Msg("Event handling failed")
		}
		return nil
	}

	if !running {
		_ = c.safely(context.Background(), fn)
		return
	}

	select {
	case c.inbox <- request{fn: fn}:
	case <-done:
		log.Debug().Str("event", ev.String()).Msg("Controller stopped, dropping event")
	}
}

// Resume returns all attributes of a light to automatic control and corrects it immediately.
func (c *Controller) Resume(ctx context.Context, lightID string) error {
	return c.do(ctx, func(ctx context.Context) error {
		l, err := c.hub.GetLight(ctx, lightID)
		if err != nil {
			return fmt.Errorf("failed to get light %s: %w", lightID, err)
		}

		c.emit(c.tracker.Clear(lightID))
		_, err = c.reconcile(ctx, []lights.Light{*l}, false)
		return err
	})
}

func (c *Controller) tick(ctx context.Context) error {
	all, err := c.hub.ListLights(ctx)
	if err != nil {
		c.recordTick(err)
		return fmt.Errorf("failed to list lights: %w", err)
	}

	for i := range all {
		c.trackPower(&all[i])
	}

	scheduled, err := c.reconcile(ctx, all, true)
	c.recordTick(err)
	if err != nil {
		return err
	}

	log.Debug().Int("lights", len(all)).Int("scheduled", scheduled).Msg("Tick complete")
	return nil
}

func (c *Controller) handleEvent(ctx context.Context, ev lights.Event) error {
	if ev.IsEmpty() {
		return nil
	}

	l, err := c.hub.GetLight(ctx, ev.LightID)
	if errors.Is(err, lights.ErrLightNotFound) {
		log.Debug().Str("light", ev.LightID).Msg("Event for unknown light ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to refresh light %s: %w", ev.LightID, err)
	}

	poweredOn, firstSeen := c.trackPower(l)
	if poweredOn && (!firstSeen || activates(ev)) {
		// Values carried with the power-on describe the state before our correction
		_, err := c.reconcile(ctx, []lights.Light{*l}, false)
		return err
	}

	if !l.IsOn || !l.Reachable {
		return nil
	}
	if ev.IsOn != nil && *ev.IsOn {
		return nil
	}

	lat, lon, err := c.coordinates(ctx)
	if err != nil {
		return err
	}
	now := c.now()

	for _, attr := range lights.Controlled {
		if !reports(ev, attr) {
			continue
		}
		if !c.enabled(attr) || !l.Can(attr) {
			continue
		}
		// The refreshed value is authoritative, events may arrive late or twice
		observed, valid := l.Value(attr)
		target := c.target(l, attr, now, lat, lon)

		if !valid {
			c.excludeCustomColor(l.ID, attr, target)
			continue
		}

		change, ok := c.tracker.Observe(l.ID, attr, observed, target)
		if !ok {
			continue
		}
		if !change.Transition() {
			log.Debug().Str("light", l.ID).Str("attr", string(attr)).Int("observed", observed).Msg("Own write echo ignored")
			continue
		}
		c.emit([]override.Change{change})
	}
	return nil
}

// trackPower updates the known active state of a light and applies power
// transitions to the tracker. poweredOn reports a transition to active,
// firstSeen that no previous state was known.
func (c *Controller) trackPower(l *lights.Light) (poweredOn, firstSeen bool) {
	active := l.IsOn && l.Reachable
	was, known := c.active[l.ID]
	c.active[l.ID] = active

	switch {
	case active && (!known || !was):
		c.emit(c.tracker.PowerOn(l.ID))
		return true, !known
	case !active && known && was:
		reason := override.ReasonPowerOff
		if !l.Reachable {
			reason = override.ReasonUnreachable
		}
		c.emit(c.tracker.PowerOff(l.ID, reason))
	}
	return false, !known
}

// reports reports whether the event carries news about attr. A switch to an
// xy color counts as a color temperature change.
func reports(ev lights.Event, attr lights.Attribute) bool {
	if _, ok := ev.Value(attr); ok {
		return true
	}
	return attr == lights.AttrColorTemperature && ev.CustomColor != nil
}

// excludeCustomColor takes an attribute the light cannot currently compare
// against its target out of automatic control.
func (c *Controller) excludeCustomColor(lightID string, attr lights.Attribute, target int) {
	if change, ok := c.tracker.Exclude(lightID, attr, target, override.ReasonCustomColor); ok {
		c.emit([]override.Change{change})
	}
}

// activates reports whether the event itself announces a power-on or a return to reachability.
func activates(ev lights.Event) bool {
	return (ev.IsOn != nil && *ev.IsOn) || (ev.Reachable != nil && *ev.Reachable)
}

// reconcile schedules a correction for every attribute of ls that is enabled,
// supported, not excluded and off target. Lights that are off or unreachable are skipped.
// An attribute without a valid current value is excluded instead.
func (c *Controller) reconcile(ctx context.Context, ls []lights.Light, sample bool) (int, error) {
	lat, lon, err := c.coordinates(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now()

	targets := make(map[lights.Attribute]int)
	var statuses []LightStatus
	scheduled := 0

	for i := range ls {
		l := &ls[i]
		st := LightStatus{
			ID:        l.ID,
			Name:      l.DisplayName(),
			On:        l.IsOn,
			Reachable: l.Reachable,
			Values:    make(map[lights.Attribute]int),
			Targets:   make(map[lights.Attribute]int),
		}

		for _, attr := range lights.Controlled {
			if !c.enabled(attr) || !l.Can(attr) {
				continue
			}
			current, valid := l.Value(attr)
			if valid {
				st.Values[attr] = current
			}

			if _, ok := targets[attr]; !ok {
				targets[attr], _ = c.curve.Target(attr, now, lat, lon)
			}
			if !l.IsOn || !l.Reachable {
				continue
			}

			target := c.target(l, attr, now, lat, lon)
			st.Targets[attr] = target
			if !valid {
				// A custom color is a user choice, never overwrite it
				c.excludeCustomColor(l.ID, attr, target)
				continue
			}
			excluded := c.tracker.IsExcluded(l.ID, attr)

			if sample && c.sampler != nil {
				c.sampler.Sample(Sample{Time: now, LightID: l.ID, Attr: attr, Target: target, Observed: current, Excluded: excluded})
			}

			if excluded || current == target {
				continue
			}

			log.Debug().
				Str("light", l.ID).
				Str("attr", string(attr)).
				Int("observed", current).
				Int("target", target).
				Msg("Correcting light")
			c.dispatcher.Schedule(l.ID, attr, target)
			scheduled++
		}
		statuses = append(statuses, st)
	}

	if sample {
		c.recordLights(targets, statuses)
	}
	return scheduled, nil
}

// target computes the value a light should have, at the light's own resolution.
func (c *Controller) target(l *lights.Light, attr lights.Attribute, now time.Time, lat, lon float64) int {
	v, _ := c.curve.Target(attr, now, lat, lon)
	v = curve.ForLight(l, attr, v)
	if c.quantizer != nil {
		v = c.quantizer.Quantize(attr, v)
	}
	return v
}

func (c *Controller) coordinates(ctx context.Context) (float64, float64, error) {
	if c.located {
		return c.lat, c.lon, nil
	}
	lat, lon, err := c.locator.Coordinates(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to resolve hub coordinates: %w", err)
	}
	c.lat, c.lon, c.located = lat, lon, true
	log.Info().Float64("lat", lat).Float64("lon", lon).Msg("Hub coordinates resolved")
	return lat, lon, nil
}

func (c *Controller) enabled(attr lights.Attribute) bool {
	if c.cfg.Enabled == nil {
		return true
	}
	return c.cfg.Enabled[attr]
}

func (c *Controller) emit(changes []override.Change) {
	for _, ch := range changes {
		log.Info().
			Str("light", ch.LightID).
			Str("attr", string(ch.Attr)).
			Str("state", string(ch.State)).
			Str("reason", string(ch.Reason)).
			Int("observed", ch.Observed).
			Int("target", ch.Target).
			Msg("Override state changed")

		for _, l := range c.listeners {
			c.notifyListener(l, ch)
		}
	}
}

func (c *Controller) notifyListener(l ChangeListener, ch override.Change) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("light", ch.LightID).Msg("Override listener panicked")
		}
	}()
	l.OverrideChanged(ch)
}
