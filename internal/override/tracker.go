// Package override tracks which light attributes a person has taken over from automatic control.
//
// Each (light, attribute) pair is either Automatic or Excluded. An observed value
// that diverges from the computed target by more than the attribute's tolerance
// moves the pair to Excluded. How it returns to Automatic is set per attribute by
// a ClearPolicy.
package override

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dokzlo13/daylightd/internal/lights"
)

// ClearPolicy decides when an exclusion returns to automatic control.
type ClearPolicy string

const (
	// ClearReconverge clears as soon as an observation falls back within tolerance.
	ClearReconverge ClearPolicy = "reconverge"
	// ClearPowerCycle clears only when the light is turned back on.
	ClearPowerCycle ClearPolicy = "power_cycle"
)

// Detection selects how the controller's own writes are recognized.
type Detection string

const (
	// DetectTolerance compares every observation with the target computed at
	// observation time. Own writes land within tolerance by construction.
	DetectTolerance Detection = "tolerance"
	// DetectMarker swallows the first observation after each own write.
	DetectMarker Detection = "marker"
)

// Policy configures one attribute.
type Policy struct {
	Tolerance       int
	Clear           ClearPolicy
	ClearOnPowerOff bool
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.Tolerance < 0 {
		return fmt.Errorf("tolerance must not be negative")
	}
	switch p.Clear {
	case ClearReconverge, ClearPowerCycle:
		return nil
	}
	return fmt.Errorf("unknown clear policy %q", p.Clear)
}

// Reason explains a state change.
type Reason string

const (
	ReasonDiverged    Reason = "diverged"
	ReasonReconverged Reason = "reconverged"
	ReasonPowerOn     Reason = "power_on"
	ReasonPowerOff    Reason = "power_off"
	ReasonUnreachable Reason = "unreachable"
	ReasonManual      Reason = "manual"
	ReasonSelfWrite   Reason = "self_write"
	ReasonCustomColor Reason = "custom_color"
)

// State of a (light, attribute) pair.
type State string

const (
	StateAutomatic State = "automatic"
	StateExcluded  State = "excluded"
)

// Change describes what an observation or power transition did to a pair.
type Change struct {
	LightID  string
	Attr     lights.Attribute
	State    State
	Reason   Reason
	Observed int
	Target   int
}

// Transition reports whether the change moved the pair between states.
// Suppressed echoes are not transitions.
func (c Change) Transition() bool {
	return c.Reason != ReasonSelfWrite
}

// Exclusion is a snapshot of one excluded pair.
type Exclusion struct {
	LightID  string           `json:"light_id"`
	Attr     lights.Attribute `json:"attribute"`
	Since    time.Time        `json:"since"`
	Observed int              `json:"observed"`
	Target   int              `json:"target"`
}

type key struct {
	light string
	attr  lights.Attribute
}

// Tracker holds override state for every light of one hub.
// Safe for concurrent use.
type Tracker struct {
	policies  map[lights.Attribute]Policy
	detection Detection
	now       func() time.Time

	mu       sync.Mutex
	excluded map[key]Exclusion
	markers  map[key]struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithDetection sets the self-write detection mode.
func WithDetection(d Detection) Option {
	return func(t *Tracker) {
		t.detection = d
	}
}

// WithClock overrides the time source used for exclusion timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker. Attributes without a policy are never excluded.
func NewTracker(policies map[lights.Attribute]Policy, opts ...Option) *Tracker {
	t := &Tracker{
		policies:  make(map[lights.Attribute]Policy, len(policies)),
		detection: DetectTolerance,
		now:       time.Now,
		excluded:  make(map[key]Exclusion),
		markers:   make(map[key]struct{}),
	}
	for attr, p := range policies {
		t.policies[attr] = p
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Detection returns the self-write detection mode.
func (t *Tracker) Detection() Detection {
	return t.detection
}

// Observe feeds an externally reported value together with the target computed for it.
// It returns the resulting change, if any.
func (t *Tracker) Observe(lightID string, attr lights.Attribute, observed, target int) (Change, bool) {
	p, ok := t.policies[attr]
	if !ok {
		return Change{}, false
	}

	k := key{lightID, attr}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.detection == DetectMarker {
		if _, marked := t.markers[k]; marked {
			delete(t.markers, k)
			state := StateAutomatic
			if _, ex := t.excluded[k]; ex {
				state = StateExcluded
			}
			return Change{LightID: lightID, Attr: attr, State: state, Reason: ReasonSelfWrite, Observed: observed, Target: target}, true
		}
	}

	_, excluded := t.excluded[k]

	if abs(observed-target) > p.Tolerance {
		if excluded {
			return Change{}, false
		}
		t.excluded[k] = Exclusion{LightID: lightID, Attr: attr, Since: t.now(), Observed: observed, Target: target}
		return Change{LightID: lightID, Attr: attr, State: StateExcluded, Reason: ReasonDiverged, Observed: observed, Target: target}, true
	}

	if excluded && p.Clear == ClearReconverge {
		delete(t.excluded, k)
		return Change{LightID: lightID, Attr: attr, State: StateAutomatic, Reason: ReasonReconverged, Observed: observed, Target: target}, true
	}
	return Change{}, false
}

// PowerOn handles an off to on transition of a light.
// Exclusions under ClearPowerCycle are cleared.
func (t *Tracker) PowerOn(lightID string) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []Change
	for _, attr := range t.attrs() {
		if t.policies[attr].Clear != ClearPowerCycle {
			continue
		}
		if c, ok := t.clearLocked(lightID, attr, ReasonPowerOn); ok {
			changes = append(changes, c)
		}
	}
	return changes
}

// PowerOff handles a light turning off or becoming unreachable.
// Exclusions of attributes with ClearOnPowerOff are cleared and pending markers dropped.
func (t *Tracker) PowerOff(lightID string, reason Reason) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []Change
	for _, attr := range t.attrs() {
		delete(t.markers, key{lightID, attr})
		if !t.policies[attr].ClearOnPowerOff {
			continue
		}
		if c, ok := t.clearLocked(lightID, attr, reason); ok {
			changes = append(changes, c)
		}
	}
	return changes
}

// Clear returns every attribute of a light to automatic control.
func (t *Tracker) Clear(lightID string) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []Change
	for _, attr := range t.attrs() {
		delete(t.markers, key{lightID, attr})
		if c, ok := t.clearLocked(lightID, attr, ReasonManual); ok {
			changes = append(changes, c)
		}
	}
	return changes
}

// Exclude takes the pair out of automatic control regardless of tolerance,
// for states the target cannot be compared against such as an xy color.
// Attributes without a policy are ignored. A pending marker is dropped.
func (t *Tracker) Exclude(lightID string, attr lights.Attribute, target int, reason Reason) (Change, bool) {
	if _, ok := t.policies[attr]; !ok {
		return Change{}, false
	}
	k := key{lightID, attr}

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.markers, k)
	if _, ok := t.excluded[k]; ok {
		return Change{}, false
	}
	t.excluded[k] = Exclusion{LightID: lightID, Attr: attr, Since: t.now(), Target: target}
	return Change{LightID: lightID, Attr: attr, State: StateExcluded, Reason: reason, Target: target}, true
}

// IsExcluded reports whether the pair is excluded from automatic control.
func (t *Tracker) IsExcluded(lightID string, attr lights.Attribute) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.excluded[key{lightID, attr}]
	return ok
}

// MarkSelfWrite records an own write about to be sent so its echo is ignored.
// No-op unless marker detection is enabled. A newer write replaces an
// unconsumed marker, so at most one is outstanding per pair.
func (t *Tracker) MarkSelfWrite(lightID string, attr lights.Attribute) {
	if t.detection != DetectMarker {
		return
	}
	t.mu.Lock()
	t.markers[key{lightID, attr}] = struct{}{}
	t.mu.Unlock()
}

// UnmarkSelfWrite drops the marker of a write that failed.
func (t *Tracker) UnmarkSelfWrite(lightID string, attr lights.Attribute) {
	if t.detection != DetectMarker {
		return
	}
	t.mu.Lock()
	delete(t.markers, key{lightID, attr})
	t.mu.Unlock()
}

// Exclusions returns all excluded pairs ordered by light and attribute.
func (t *Tracker) Exclusions() []Exclusion {
	t.mu.Lock()
	out := make([]Exclusion, 0, len(t.excluded))
	for _, e := range t.excluded {
		out = append(out, e)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LightID != out[j].LightID {
			return out[i].LightID < out[j].LightID
		}
		return out[i].Attr < out[j].Attr
	})
	return out
}

func (t *Tracker) clearLocked(lightID string, attr lights.Attribute, reason Reason) (Change, bool) {
	k := key{lightID, attr}
	e, ok := t.excluded[k]
	if !ok {
		return Change{}, false
	}
	delete(t.excluded, k)
	return Change{LightID: lightID, Attr: attr, State: StateAutomatic, Reason: reason, Observed: e.Observed, Target: e.Target}, true
}

// attrs returns configured attributes in a stable order.
func (t *Tracker) attrs() []lights.Attribute {
	out := make([]lights.Attribute, 0, len(t.policies))
	for _, attr := range lights.Controlled {
		if _, ok := t.policies[attr]; ok {
			out = append(out, attr)
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
