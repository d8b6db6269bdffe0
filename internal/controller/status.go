package controller

import (
	"time"

	"github.com/dokzlo13/daylightd/internal/lights"
	"github.com/dokzlo13/daylightd/internal/override"
)

// LightStatus is the last state of one light seen by a tick.
type LightStatus struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name"`
	On        bool                     `json:"on"`
	Reachable bool                     `json:"reachable"`
	Values    map[lights.Attribute]int `json:"values"`
	Targets   map[lights.Attribute]int `json:"targets,omitempty"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	Running    bool                     `json:"running"`
	Latitude   float64                  `json:"lat"`
	Longitude  float64                  `json:"lon"`
	LastTick   time.Time                `json:"last_tick"`
	LastError  string                   `json:"last_error,omitempty"`
	Targets    map[lights.Attribute]int `json:"targets"`
	Lights     []LightStatus            `json:"lights"`
	Exclusions []override.Exclusion     `json:"exclusions"`
	Queues     map[string]int           `json:"queues"`
}

// Snapshot returns the current status. Safe to call from any goroutine.
func (c *Controller) Snapshot() Status {
	c.statusMu.RLock()
	s := c.status
	c.statusMu.RUnlock()

	c.mu.Lock()
	s.Running = c.running
	c.mu.Unlock()

	s.Exclusions = c.tracker.Exclusions()
	s.Queues = c.dispatcher.Depths()
	return s
}

// Ready reports whether at least one tick completed without error.
func (c *Controller) Ready() bool {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return !c.status.LastTick.IsZero() && c.status.LastError == ""
}

func (c *Controller) recordTick(err error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	c.status.LastTick = c.now()
	c.status.LastError = ""
	if err != nil {
		c.status.LastError = err.Error()
	}
	if c.located {
		c.status.Latitude, c.status.Longitude = c.lat, c.lon
	}
}

func (c *Controller) recordLights(targets map[lights.Attribute]int, ls []LightStatus) {
	c.statusMu.Lock()
	c.status.Targets = targets
	c.status.Lights = ls
	c.statusMu.Unlock()
}
