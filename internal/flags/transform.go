package flags

import (
	"math"

	"github.com/shaunagostinho/panelbridge/internal/vehicle"
)

// State is the 2-bit encoding used for multi-part deployables.
type State uint16

const (
	Off           State = 0
	Problem       State = 1
	Transitioning State = 2
	Active        State = 3
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case Problem:
		return "problem"
	case Transitioning:
		return "transitioning"
	case Active:
		return "active"
	}
	return "invalid"
}

var (
	movingStates = map[string]bool{"extending": true, "retracting": true, "deploying": true}
	activeStates = map[string]bool{"extended": true, "deployed": true}
)

// Classify folds the states of every part in a group into one State.
// Anything it cannot prove healthy is reported as Problem.
func Classify(states []string) State {
	set := vehicle.States(states...).StateSet()
	for _, s := range set {
		if movingStates[s] {
			return Transitioning
		}
	}
	if len(set) == 0 {
		return Problem
	}
	allActive := true
	for _, s := range set {
		allActive = allActive && activeStates[s]
	}
	if allActive {
		return Active
	}
	if len(set) == 1 && set[0] == "retracted" {
		return Off
	}
	return Problem
}

// TransformKind selects how a raw sample becomes field bits.
type TransformKind int

const (
	// Raw installs the integer part of the sample.
	Raw TransformKind = iota
	Truthy
	Above
	OneOf
	AnyIs
	Classified
	Level
)

// Transform is a descriptor, not a closure, so field tables stay plain data.
type Transform struct {
	Kind      TransformKind
	Threshold float64  // Above
	Set       []string // OneOf, AnyIs
	Scale     float64  // Level
}

func BoolT() Transform                   { return Transform{Kind: Truthy} }
func AboveT(threshold float64) Transform { return Transform{Kind: Above, Threshold: threshold} }
func OneOfT(values ...string) Transform  { return Transform{Kind: OneOf, Set: values} }
func AnyIsT(states ...string) Transform  { return Transform{Kind: AnyIs, Set: states} }
func ClassifyT() Transform               { return Transform{Kind: Classified} }
func LevelT(scale float64) Transform     { return Transform{Kind: Level, Scale: scale} }

// Apply maps v into a value that fits in bits.
func (t Transform) Apply(v vehicle.Value, bits uint) uint16 {
	limit := uint16(1)<<bits - 1
	var out uint16
	switch t.Kind {
	case Truthy:
		out = b2u(v.Truthy())
	case Above:
		out = b2u(v.Float() > t.Threshold)
	case OneOf:
		out = b2u(contains(t.Set, v.Text))
	case AnyIs:
		hit := false
		for _, s := range v.States {
			hit = hit || contains(t.Set, s)
		}
		out = b2u(hit)
	case Classified:
		out = uint16(Classify(v.States))
	case Level:
		f := math.Ceil(v.Float() * t.Scale)
		switch {
		case math.IsNaN(f) || f < 0:
			out = 0
		case f > float64(limit):
			out = limit
		default:
			out = uint16(f)
		}
	default:
		f := v.Float()
		if f < 0 || math.IsNaN(f) {
			f = 0
		}
		out = uint16(math.Min(f, float64(limit)))
	}
	return out & limit
}

func b2u(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
