// Package vehicle describes the simulated vehicle as the bridge sees it: named
// read streams that deliver scalar or state-set values, and a handful of write
// actions. The game-session binding behind it is someone else's problem.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownStream  = errors.New("vehicle: unknown stream")
	ErrUnknownControl = errors.New("vehicle: unknown control")
	ErrNotConnected   = errors.New("vehicle: not connected")
)

// Stream names.
const (
	StreamSAS            = "control.sas"
	StreamRCS            = "control.rcs"
	StreamLights         = "control.lights"
	StreamBrakes         = "control.brakes"
	StreamGear           = "control.gear"
	StreamSolarControl   = "control.solar_panels"
	StreamSituation      = "situation"
	StreamGForce         = "flight.g_force"
	StreamDockingPorts   = "parts.docking_ports.state"
	StreamSolarPanels    = "parts.solar_panels.state"
	StreamLegs           = "parts.legs.state"
	StreamSignalStrength = "comms.signal_strength"
	StreamApoapsis       = "orbit.apoapsis_altitude"
	StreamPeriapsis      = "orbit.periapsis_altitude"
	StreamVerticalSpeed  = "flight.vertical_speed"
	StreamHorizSpeed     = "flight.horizontal_speed"
	StreamAltitude       = "flight.mean_altitude"
	StreamPitch          = "surface.pitch"
	StreamDynPressure    = "flight.dynamic_pressure"
	StreamThrust         = "thrust"
	StreamMass           = "mass"
	StreamSurfaceGravity = "body.surface_gravity"
)

// ControlStream maps a boolean control name ("sas") to its stream.
func ControlStream(control string) string {
	return "control." + control
}

// Kind tags which member of Value is meaningful.
type Kind int

const (
	KindNumber Kind = iota
	KindBool
	KindText
	KindStates
)

// Value is one sample from a stream.
type Value struct {
	Kind   Kind     `json:"kind"`
	Num    float64  `json:"num,omitempty"`
	Bool   bool     `json:"bool,omitempty"`
	Text   string   `json:"text,omitempty"`
	States []string `json:"states,omitempty"`
}

func Number(v float64) Value       { return Value{Kind: KindNumber, Num: v} }
func Bool(v bool) Value            { return Value{Kind: KindBool, Bool: v} }
func Text(v string) Value          { return Value{Kind: KindText, Text: v} }
func States(v ...string) Value     { return Value{Kind: KindStates, States: v} }
func (v Value) StateSet() []string { return dedupe(v.States) }

// Float reads a numeric view of the value. Booleans map to 0/1.
func (v Value) Float() float64 {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return 1
		}
		return 0
	case KindNumber:
		return v.Num
	}
	return 0
}

// Truthy reports whether the value reads as "on".
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Num != 0
	case KindText:
		return v.Text != ""
	case KindStates:
		return len(v.States) > 0
	}
	return false
}

func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindText:
		return v.Text
	case KindStates:
		return "{" + strings.Join(v.StateSet(), ",") + "}"
	}
	return fmt.Sprintf("%g", v.Num)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Engine is one engine part in a stage.
type Engine struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// DockingPort is one docking port part.
type DockingPort struct {
	ID    string `json:"id"`
	State string `json:"state"` // "ready", "docked", "docking", ...
}

// Resource is an amount/capacity pair.
type Resource struct {
	Amount   float64 `json:"amount"`
	Capacity float64 `json:"capacity"`
}

// WholeVessel selects the whole vehicle in ResourceIn.
const WholeVessel = -2

// Vessel is the vehicle as seen through the game-session binding.
type Vessel interface {
	Name() string
	Connect() error
	Close() error

	// Read samples a stream once.
	Read(ctx context.Context, stream string) (Value, error)
	// Subscribe delivers every change of stream to fn until the returned
	// cancel func is called. fn may be called from any goroutine.
	Subscribe(stream string, fn func(Value)) (cancel func(), err error)

	Control(ctx context.Context, name string) (bool, error)
	SetControl(ctx context.Context, name string, on bool) error
	ActivateNextStage(ctx context.Context) error
	CurrentStage(ctx context.Context) (int, error)
	Engines(ctx context.Context, stage int) ([]Engine, error)
	SetEngineActive(ctx context.Context, id string, on bool) error
	DockingPorts(ctx context.Context) ([]DockingPort, error)
	Undock(ctx context.Context, id string) error

	// ResourceIn reports a resource for one decouple stage, or the whole
	// vessel when stage is WholeVessel.
	ResourceIn(ctx context.Context, stage int, name string) (Resource, error)
}
