// Package session holds the small amount of state shared between the switch
// dispatcher and the telemetry scheduler for one bridge session.
package session

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// ResourceMode selects which resource packet the panel gauges show.
type ResourceMode int32

const (
	Fuel ResourceMode = iota
	LifeSupport
)

func (m ResourceMode) String() string {
	switch m {
	case Fuel:
		return "fuel"
	case LifeSupport:
		return "life_support"
	}
	return fmt.Sprintf("mode(%d)", int32(m))
}

// ParseResourceMode accepts the names produced by String.
func ParseResourceMode(s string) (ResourceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fuel":
		return Fuel, nil
	case "life_support", "lifesupport", "life-support":
		return LifeSupport, nil
	}
	return Fuel, fmt.Errorf("session: unknown resource mode %q", s)
}

// State is safe for concurrent use; every field is synchronized on its own.
type State struct {
	stagingArmed atomic.Bool
	mode         atomic.Int32
	modeChanges  atomic.Uint64
}

func New(mode ResourceMode) *State {
	s := &State{}
	s.mode.Store(int32(mode))
	return s
}

func (s *State) StagingArmed() bool     { return s.stagingArmed.Load() }
func (s *State) SetStagingArmed(v bool) { s.stagingArmed.Store(v) }

func (s *State) ResourceMode() ResourceMode { return ResourceMode(s.mode.Load()) }

// SetResourceMode reports whether the mode actually changed.
func (s *State) SetResourceMode(m ResourceMode) bool {
	if ResourceMode(s.mode.Swap(int32(m))) == m {
		return false
	}
	s.modeChanges.Add(1)
	return true
}

// ModeGeneration increases every time the resource mode changes. Readers
// compare it to a remembered value to notice a switch between two polls.
func (s *State) ModeGeneration() uint64 { return s.modeChanges.Load() }

// Reset disarms staging. The resource mode follows the panel switch and is
// re-sent with the first snapshot, so it is left alone.
func (s *State) Reset() {
	s.stagingArmed.Store(false)
}

// Snapshot is a plain copy for the monitor.
type Snapshot struct {
	StagingArmed bool   `json:"staging_armed"`
	ResourceMode string `json:"resource_mode"`
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{StagingArmed: s.StagingArmed(), ResourceMode: s.ResourceMode().String()}
}
