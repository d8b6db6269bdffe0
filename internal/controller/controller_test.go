package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/daylightd/internal/curve"
	"github.com/dokzlo13/daylightd/internal/dispatch"
	"github.com/dokzlo13/daylightd/internal/lights"
	"github.com/dokzlo13/daylightd/internal/override"
)

const (
	ct  = lights.AttrColorTemperature
	bri = lights.AttrBrightness
)

// Berlin, shortly after local midnight in midsummer: the sun is below the
// horizon, so the clamped curve yields MinKelvin and the brightness floor.
var (
	testNow = time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)
	testLat = 52.52
	testLon = 13.40
)

func boolPtr(b bool) *bool { return &b }
func intPtr(v int) *int    { return &v }

type setCall struct {
	id    string
	attr  lights.Attribute
	value int
}

// fakeHub keeps lights in memory and applies writes to them.
type fakeHub struct {
	mu      sync.Mutex
	lights  map[string]*lights.Light
	calls   []setCall
	listErr error
	// skew is added to every stored value to simulate device rounding
	skew int
	// setErr fails every write, onSet runs after a write is applied but before it returns
	setErr error
	onSet  func(c setCall)
}

func newFakeHub(ls ...lights.Light) *fakeHub {
	h := &fakeHub{lights: make(map[string]*lights.Light)}
	for i := range ls {
		l := ls[i]
		h.lights[l.ID] = &l
	}
	return h
}

func (h *fakeHub) ListLights(ctx context.Context) ([]lights.Light, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	var out []lights.Light
	for _, id := range []string{"l1", "l2", "l3", "l4", "l5"} {
		if l, ok := h.lights[id]; ok {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (h *fakeHub) GetLight(ctx context.Context, id string) (*lights.Light, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.lights[id]
	if !ok {
		return nil, lights.ErrLightNotFound
	}
	cp := *l
	return &cp, nil
}

func (h *fakeHub) SetAttribute(ctx context.Context, id string, attr lights.Attribute, value int) error {
	call := setCall{id: id, attr: attr, value: value}
	h.mu.Lock()
	h.calls = append(h.calls, call)
	if h.setErr != nil {
		err := h.setErr
		h.mu.Unlock()
		return err
	}
	l := h.lights[id]
	switch attr {
	case ct:
		l.ColorTemperature = value + h.skew
	case bri:
		l.Brightness = value
	}
	onSet := h.onSet
	h.mu.Unlock()

	if onSet != nil {
		onSet(call)
	}
	return nil
}

func (h *fakeHub) update(id string, fn func(l *lights.Light)) {
	h.mu.Lock()
	fn(h.lights[id])
	h.mu.Unlock()
}

func (h *fakeHub) writes() []setCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]setCall, len(h.calls))
	copy(out, h.calls)
	return out
}

func (h *fakeHub) reset() {
	h.mu.Lock()
	h.calls = nil
	h.mu.Unlock()
}

// quantizingHub stores color temperature in steps of 7 Kelvin.
type quantizingHub struct {
	*fakeHub
}

func (q quantizingHub) Quantize(attr lights.Attribute, value int) int {
	if attr != ct {
		return value
	}
	return (value + 3) / 7 * 7
}

type fixedLocator struct{}

func (fixedLocator) Coordinates(ctx context.Context) (float64, float64, error) {
	return testLat, testLon, nil
}

type recordingListener struct {
	mu      sync.Mutex
	changes []override.Change
}

func (r *recordingListener) OverrideChanged(c override.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

type harness struct {
	hub        *fakeHub
	ctrl       *Controller
	tracker    *override.Tracker
	dispatcher *dispatch.Dispatcher
	listener   *recordingListener
}

type harnessOpts struct {
	clear      override.ClearPolicy
	clearOnOff bool
	tolerance  int
	detection  override.Detection
	quantize   bool
}

func newHarness(t *testing.T, hub *fakeHub, o harnessOpts) *harness {
	t.Helper()
	if o.clear == "" {
		o.clear = override.ClearReconverge
	}
	if o.tolerance == 0 {
		o.tolerance = 100
	}
	if o.detection == "" {
		o.detection = override.DetectTolerance
	}

	cfg := curve.DefaultConfig()
	cfg.MinKelvin = 3000
	cv := curve.New(cfg, time.UTC)

	tracker := override.NewTracker(map[lights.Attribute]override.Policy{
		ct:  {Tolerance: o.tolerance, Clear: o.clear, ClearOnPowerOff: o.clearOnOff},
		bri: {Tolerance: 20, Clear: o.clear, ClearOnPowerOff: o.clearOnOff},
	}, override.WithDetection(o.detection))

	var h lights.Hub = hub
	if o.quantize {
		h = quantizingHub{hub}
	}

	d := dispatch.New(h, dispatch.Options{})
	listener := &recordingListener{}
	ctrl := New(h, cv, tracker, d, fixedLocator{}, Config{TickInterval: time.Hour},
		WithClock(func() time.Time { return testNow }),
		WithListener(listener),
	)

	t.Cleanup(func() {
		ctrl.Stop()
		d.Close(context.Background())
	})

	return &harness{hub: hub, ctrl: ctrl, tracker: tracker, dispatcher: d, listener: listener}
}

// flush waits for all scheduled writes to reach the hub.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(h.dispatcher.Depths()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher did not drain")
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h.flush(t)
}

func (h *harness) event(t *testing.T, ev lights.Event) {
	t.Helper()
	if err := h.ctrl.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	h.flush(t)
}

func fullLight(id string, on bool, kelvin, brightness int) lights.Light {
	return lights.Light{
		ID:               id,
		Reachable:        true,
		IsOn:             on,
		CanReceive:       map[lights.Attribute]bool{lights.AttrIsOn: true, ct: true, bri: true},
		ColorTemperature: kelvin,
		Brightness:       brightness,
	}
}

func hasWrite(calls []setCall, id string, attr lights.Attribute, value int) bool {
	for _, c := range calls {
		if c.id == id && c.attr == attr && c.value == value {
			return true
		}
	}
	return false
}

func TestTickCorrectsEligibleLights(t *testing.T) {
	unreachable := fullLight("l3", true, 4000, 50)
	unreachable.Reachable = false

	dimOnly := fullLight("l4", true, 0, 1)
	dimOnly.CanReceive = map[lights.Attribute]bool{bri: true}

	bounded := fullLight("l5", true, 4000, 1)
	bounded.ColorTemperatureMin = intPtr(3500)

	hub := newFakeHub(
		fullLight("l1", true, 4000, 50),
		fullLight("l2", false, 4000, 50),
		unreachable,
		dimOnly,
		bounded,
	)
	h := newHarness(t, hub, harnessOpts{})
	h.tick(t)

	want := []setCall{
		{id: "l1", attr: bri, value: 1},
		{id: "l1", attr: ct, value: 3000},
		{id: "l5", attr: ct, value: 3500},
	}
	got := hub.writes()
	if len(got) != len(want) {
		t.Fatalf("writes = %+v, want %+v", got, want)
	}
	for _, w := range want {
		if !hasWrite(got, w.id, w.attr, w.value) {
			t.Errorf("missing write %+v in %+v", w, got)
		}
	}

	// Everything is on target now
	hub.reset()
	h.tick(t)
	if got := hub.writes(); len(got) != 0 {
		t.Errorf("second tick writes = %+v, want none", got)
	}
}

func TestDivergentObservationExcludes(t *testing.T) {
	hub := newFakeHub(fullLight("l1", true, 3000, 1))
	h := newHarness(t, hub, harnessOpts{})
	h.tick(t)

	hub.update("l1", func(l *lights.Light) { l.ColorTemperature = 6000 })
	h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(6000)})

	if !h.tracker.IsExcluded("l1", ct) {
		t.Fatal("expected l1 color temperature to be excluded")
	}
	if h.tracker.IsExcluded("l1", bri) {
		t.Error("brightness must stay automatic")
	}

	h.tick(t)
	if got := hub.writes(); len(got) != 0 {
		t.Errorf("excluded light was corrected: %+v", got)
	}

	if len(h.listener.changes) != 1 || h.listener.changes[0].State != override.StateExcluded {
		t.Errorf("listener changes = %+v", h.listener.changes)
	}
}

func TestDivergenceWithoutPriorTick(t *testing.T) {
	hub := newFakeHub(fullLight("l1", true, 6000, 1))
	h := newHarness(t, hub, harnessOpts{})

	h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(6000)})

	if !h.tracker.IsExcluded("l1", ct) {
		t.Fatal("expected exclusion")
	}
	if got := hub.writes(); len(got) != 0 {
		t.Errorf("writes = %+v, want none", got)
	}
}

func TestOwnWriteEchoDoesNotExclude(t *testing.T) {
	tests := []struct {
		name      string
		detection override.Detection
		tolerance int
		skew      int
		excluded  bool
	}{
		{name: "tolerance/exact_echo", detection: override.DetectTolerance, tolerance: 100},
		{name: "tolerance/rounded_echo", detection: override.DetectTolerance, tolerance: 100, skew: 40},
		{name: "marker/echo_swallowed", detection: override.DetectMarker, tolerance: 1, skew: 40},
		{name: "tolerance/tight_tolerance_sees_skew", detection: override.DetectTolerance, tolerance: 1, skew: 40, excluded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newFakeHub(fullLight("l1", true, 4500, 1))
			hub.skew = tt.skew
			h := newHarness(t, hub, harnessOpts{detection: tt.detection, tolerance: tt.tolerance})

			h.tick(t)
			if !hasWrite(hub.writes(), "l1", ct, 3000) {
				t.Fatalf("expected correction write, got %+v", hub.writes())
			}

			echo := 3000 + tt.skew
			h.event(t, lights.Event{LightID: "l1", ColorTemperature: &echo})

			if got := h.tracker.IsExcluded("l1", ct); got != tt.excluded {
				t.Errorf("IsExcluded = %v, want %v", got, tt.excluded)
			}
		})
	}
}

func TestMarkerPlacedBeforeWrite(t *testing.T) {
	tests := []struct {
		name     string
		setErr   error
		excluded bool
	}{
		// The bridge reports the change before the write call returns
		{name: "echo_before_write_returns"},
		// A failed write leaves no marker to swallow the next real change
		{name: "failed_write", setErr: errors.New("bridge said no"), excluded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newFakeHub(fullLight("l1", true, 4500, 1))
			hub.skew = 40
			hub.setErr = tt.setErr
			h := newHarness(t, hub, harnessOpts{detection: override.DetectMarker, tolerance: 1})

			var echoErr error
			hub.onSet = func(c setCall) {
				echo := c.value + 40
				echoErr = h.ctrl.HandleEvent(context.Background(), lights.Event{LightID: c.id, ColorTemperature: &echo})
			}

			h.tick(t)
			if !hasWrite(hub.writes(), "l1", ct, 3000) {
				t.Fatalf("expected correction write, got %+v", hub.writes())
			}
			if echoErr != nil {
				t.Fatalf("echo: %v", echoErr)
			}

			if tt.setErr != nil {
				h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(4500)})
			}
			if got := h.tracker.IsExcluded("l1", ct); got != tt.excluded {
				t.Fatalf("IsExcluded = %v, want %v", got, tt.excluded)
			}
			if tt.excluded {
				return
			}

			// The marker was consumed by the echo, a real change is detected
			hub.onSet = nil
			hub.update("l1", func(l *lights.Light) { l.ColorTemperature = 6000 })
			h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(6000)})
			if !h.tracker.IsExcluded("l1", ct) {
				t.Error("user change after the echo should exclude")
			}
		})
	}
}

func TestCustomColorIsNeverOverwritten(t *testing.T) {
	xy := func(l *lights.Light) {
		l.CustomColor = true
		l.ColorTemperature = 0
	}

	tests := []struct {
		name  string
		start lights.Light
		run   func(t *testing.T, h *harness)
	}{
		{
			name:  "tick",
			start: fullLight("l1", true, 0, 50),
			run: func(t *testing.T, h *harness) {
				h.hub.update("l1", xy)
				h.tick(t)
			},
		},
		{
			name:  "event",
			start: fullLight("l1", true, 3000, 1),
			run: func(t *testing.T, h *harness) {
				h.tick(t)
				h.hub.update("l1", xy)
				h.event(t, lights.Event{LightID: "l1", CustomColor: boolPtr(true)})
				h.tick(t)
			},
		},
		{
			name:  "power_on",
			start: fullLight("l1", false, 0, 1),
			run: func(t *testing.T, h *harness) {
				h.hub.update("l1", xy)
				h.tick(t)
				h.hub.update("l1", func(l *lights.Light) { l.IsOn = true })
				h.event(t, lights.Event{LightID: "l1", IsOn: boolPtr(true), CustomColor: boolPtr(true)})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newFakeHub(tt.start)
			h := newHarness(t, hub, harnessOpts{clear: override.ClearPowerCycle})

			tt.run(t, h)

			for _, w := range hub.writes() {
				if w.attr == ct {
					t.Errorf("custom color overwritten: %+v", w)
				}
			}
			if !h.tracker.IsExcluded("l1", ct) {
				t.Fatal("color temperature should be excluded while the light shows a custom color")
			}
			if h.tracker.IsExcluded("l1", bri) {
				t.Error("brightness must stay automatic")
			}

			var reasons []override.Reason
			for _, c := range h.listener.changes {
				if c.Attr == ct {
					reasons = append(reasons, c.Reason)
				}
			}
			if len(reasons) != 1 || reasons[0] != override.ReasonCustomColor {
				t.Errorf("color temperature changes = %v, want one %q", reasons, override.ReasonCustomColor)
			}
		})
	}
}

func TestPowerCycleClearsAndCorrects(t *testing.T) {
	hub := newFakeHub(fullLight("l1", true, 3000, 1))
	h := newHarness(t, hub, harnessOpts{clear: override.ClearPowerCycle})
	h.tick(t)

	hub.update("l1", func(l *lights.Light) { l.ColorTemperature = 6000 })
	h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(6000)})
	if !h.tracker.IsExcluded("l1", ct) {
		t.Fatal("expected exclusion")
	}

	// Returning near target does not clear under power_cycle
	hub.update("l1", func(l *lights.Light) { l.ColorTemperature = 3050 })
	h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(3050)})
	if !h.tracker.IsExcluded("l1", ct) {
		t.Fatal("reconvergence must not clear under power_cycle")
	}

	hub.update("l1", func(l *lights.Light) { l.IsOn = false })
	h.event(t, lights.Event{LightID: "l1", IsOn: boolPtr(false)})
	if !h.tracker.IsExcluded("l1", ct) {
		t.Fatal("power off must not clear without clear_on_power_off")
	}
	if got := hub.writes(); len(got) != 0 {
		t.Fatalf("writes while off = %+v", got)
	}

	hub.update("l1", func(l *lights.Light) { l.IsOn = true })
	h.event(t, lights.Event{LightID: "l1", IsOn: boolPtr(true), ColorTemperature: intPtr(3050)})

	if h.tracker.IsExcluded("l1", ct) {
		t.Error("power on should clear the exclusion")
	}
	if got := hub.writes(); len(got) != 1 || !hasWrite(got, "l1", ct, 3000) {
		t.Errorf("writes = %+v, want one color temperature correction", got)
	}
}

func TestReconvergenceClears(t *testing.T) {
	hub := newFakeHub(fullLight("l1", true, 3000, 1))
	h := newHarness(t, hub, harnessOpts{clear: override.ClearReconverge})
	h.tick(t)

	hub.update("l1", func(l *lights.Light) { l.ColorTemperature = 6000 })
	h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(6000)})

	hub.update("l1", func(l *lights.Light) { l.ColorTemperature = 3050 })
	h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(3050)})

	if h.tracker.IsExcluded("l1", ct) {
		t.Fatal("expected exclusion to clear on reconvergence")
	}

	h.tick(t)
	if !hasWrite(hub.writes(), "l1", ct, 3000) {
		t.Errorf("next tick should resume correcting, writes = %+v", hub.writes())
	}
}

func TestPowerOffClearsWhenConfigured(t *testing.T) {
	hub := newFakeHub(fullLight("l1", true, 3000, 1))
	h := newHarness(t, hub, harnessOpts{clearOnOff: true})
	h.tick(t)

	hub.update("l1", func(l *lights.Light) { l.ColorTemperature = 6000 })
	h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(6000)})

	hub.update("l1", func(l *lights.Light) { l.IsOn = false })
	h.event(t, lights.Event{LightID: "l1", IsOn: boolPtr(false)})

	if h.tracker.IsExcluded("l1", ct) {
		t.Error("power off should clear with clear_on_power_off")
	}
	if got := hub.writes(); len(got) != 0 {
		t.Errorf("no write expected for an off light, got %+v", got)
	}
}

func TestPowerOnPayloadIsNotAnOverride(t *testing.T) {
	hub := newFakeHub(fullLight("l1", false, 6000, 80))
	h := newHarness(t, hub, harnessOpts{})
	h.tick(t)

	hub.update("l1", func(l *lights.Light) { l.IsOn = true })
	h.event(t, lights.Event{LightID: "l1", IsOn: boolPtr(true), ColorTemperature: intPtr(6000), Brightness: intPtr(80)})

	if h.tracker.IsExcluded("l1", ct) || h.tracker.IsExcluded("l1", bri) {
		t.Fatal("power-on payload must not exclude")
	}
	got := hub.writes()
	if !hasWrite(got, "l1", ct, 3000) || !hasWrite(got, "l1", bri, 1) {
		t.Errorf("expected immediate correction, writes = %+v", got)
	}
}

func TestDuplicatePowerOnKeepsExclusion(t *testing.T) {
	hub := newFakeHub(fullLight("l1", true, 3000, 1))
	h := newHarness(t, hub, harnessOpts{clear: override.ClearPowerCycle})
	h.tick(t)

	hub.update("l1", func(l *lights.Light) { l.ColorTemperature = 6000 })
	h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(6000)})

	// Redelivered power-on without an actual off in between
	h.event(t, lights.Event{LightID: "l1", IsOn: boolPtr(true)})

	if !h.tracker.IsExcluded("l1", ct) {
		t.Error("duplicate power-on must not clear the exclusion")
	}
	if got := hub.writes(); len(got) != 0 {
		t.Errorf("writes = %+v, want none", got)
	}
}

func TestReachability(t *testing.T) {
	hub := newFakeHub(fullLight("l1", true, 3000, 1))
	h := newHarness(t, hub, harnessOpts{clearOnOff: true})
	h.tick(t)

	hub.update("l1", func(l *lights.Light) { l.ColorTemperature = 6000 })
	h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(6000)})

	hub.update("l1", func(l *lights.Light) { l.Reachable = false })
	h.event(t, lights.Event{LightID: "l1", Reachable: boolPtr(false)})

	if h.tracker.IsExcluded("l1", ct) {
		t.Fatal("unreachable should clear like a power off")
	}
	var reason override.Reason
	for _, c := range h.listener.changes {
		if c.State == override.StateAutomatic {
			reason = c.Reason
		}
	}
	if reason != override.ReasonUnreachable {
		t.Errorf("clear reason = %q, want %q", reason, override.ReasonUnreachable)
	}

	h.tick(t)
	if got := hub.writes(); len(got) != 0 {
		t.Fatalf("unreachable light was written: %+v", got)
	}

	hub.update("l1", func(l *lights.Light) { l.Reachable = true })
	h.event(t, lights.Event{LightID: "l1", Reachable: boolPtr(true)})

	if !hasWrite(hub.writes(), "l1", ct, 3000) {
		t.Errorf("reachable again should correct immediately, writes = %+v", hub.writes())
	}
}

func TestUnknownLightIsNoop(t *testing.T) {
	hub := newFakeHub(fullLight("l1", true, 3000, 1))
	h := newHarness(t, hub, harnessOpts{})

	if err := h.ctrl.HandleEvent(context.Background(), lights.Event{LightID: "ghost", ColorTemperature: intPtr(6000)}); err != nil {
		t.Errorf("HandleEvent(unknown) = %v, want nil", err)
	}
	if err := h.ctrl.HandleEvent(context.Background(), lights.Event{LightID: "l1"}); err != nil {
		t.Errorf("HandleEvent(empty) = %v, want nil", err)
	}
	if got := hub.writes(); len(got) != 0 {
		t.Errorf("writes = %+v, want none", got)
	}
}

func TestListFailureSkipsTick(t *testing.T) {
	hub := newFakeHub(fullLight("l1", true, 4000, 50))
	hub.listErr = errors.New("bridge unavailable")
	h := newHarness(t, hub, harnessOpts{})

	if err := h.ctrl.Tick(context.Background()); err == nil {
		t.Fatal("expected tick error")
	}
	if s := h.ctrl.Snapshot(); s.LastError == "" {
		t.Error("status should carry the tick error")
	}
	if h.ctrl.Ready() {
		t.Error("controller must not be ready after a failed tick")
	}

	hub.mu.Lock()
	hub.listErr = nil
	hub.mu.Unlock()

	h.tick(t)
	if len(hub.writes()) != 2 {
		t.Errorf("next tick should correct, writes = %+v", hub.writes())
	}
	if !h.ctrl.Ready() {
		t.Error("controller should be ready after a good tick")
	}
}

func TestResume(t *testing.T) {
	hub := newFakeHub(fullLight("l1", true, 3000, 1))
	h := newHarness(t, hub, harnessOpts{clear: override.ClearPowerCycle})
	h.tick(t)

	hub.update("l1", func(l *lights.Light) { l.ColorTemperature = 6000 })
	h.event(t, lights.Event{LightID: "l1", ColorTemperature: intPtr(6000)})

	if err := h.ctrl.Resume(context.Background(), "l1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.flush(t)

	if h.tracker.IsExcluded("l1", ct) {
		t.Error("resume should clear the exclusion")
	}
	if !hasWrite(hub.writes(), "l1", ct, 3000) {
		t.Errorf("resume should correct immediately, writes = %+v", hub.writes())
	}

	err := h.ctrl.Resume(context.Background(), "ghost")
	if !errors.Is(err, lights.ErrLightNotFound) {
		t.Errorf("Resume(ghost) = %v, want ErrLightNotFound", err)
	}
}

func TestQuantizedTargetNotRewritten(t *testing.T) {
	// 3000 quantizes to 3003
	hub := newFakeHub(fullLight("l1", true, 3003, 1))
	h := newHarness(t, hub, harnessOpts{quantize: true})
	h.tick(t)

	if got := hub.writes(); len(got) != 0 {
		t.Errorf("writes = %+v, want none", got)
	}
}

func TestStartStop(t *testing.T) {
	hub := newFakeHub(fullLight("l1", true, 4000, 50))
	h := newHarness(t, hub, harnessOpts{})

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	// The first tick runs immediately on start
	deadline := time.Now().Add(2 * time.Second)
	for len(hub.writes()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("initial tick did not correct, writes = %+v", hub.writes())
		}
		time.Sleep(time.Millisecond)
	}

	hub.update("l1", func(l *lights.Light) { l.ColorTemperature = 6000 })
	h.ctrl.Notify(lights.Event{LightID: "l1", ColorTemperature: intPtr(6000)})
	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !h.tracker.IsExcluded("l1", ct) {
		t.Error("event delivered through Notify should be handled before the following tick")
	}

	s := h.ctrl.Snapshot()
	if !s.Running || s.Latitude != testLat || len(s.Exclusions) != 1 {
		t.Errorf("unexpected snapshot %+v", s)
	}

	h.ctrl.Stop()
	if h.ctrl.Snapshot().Running {
		t.Error("controller still running after Stop")
	}
}
