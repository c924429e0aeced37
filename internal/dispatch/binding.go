package dispatch

import (
	"fmt"
	"strings"
)

// Policy controls how a direct binding treats an edge.
type Policy int

const (
	// Toggle flips the control on a rising edge and ignores falling edges.
	Toggle Policy = iota
	// Set writes the edge value to the control every time.
	Set
)

func (p Policy) String() string {
	if p == Set {
		return "set"
	}
	return "toggle"
}

// HandlerID names a stateful handler.
type HandlerID string

const (
	HandlerStage        HandlerID = "stage"
	HandlerArmStaging   HandlerID = "arm_staging"
	HandlerUndock       HandlerID = "undock"
	HandlerEngines      HandlerID = "engines"
	HandlerResourceMode HandlerID = "resource_mode"
)

// Kind discriminates Binding.
type Kind int

const (
	KindDirect Kind = iota
	KindHandler
)

// Binding is either Direct{Control, Policy} or Handler{Handler}.
type Binding struct {
	Kind    Kind
	Control string
	Policy  Policy
	Handler HandlerID
}

func Direct(control string, p Policy) Binding {
	return Binding{Kind: KindDirect, Control: control, Policy: p}
}

func Handler(id HandlerID) Binding {
	return Binding{Kind: KindHandler, Handler: id}
}

func (b Binding) String() string {
	if b.Kind == KindHandler {
		return "handler:" + string(b.Handler)
	}
	return b.Policy.String() + ":" + b.Control
}

// ParseBinding builds a binding from its config form. Exactly one of control
// or handler must be set; policy defaults to toggle.
func ParseBinding(control, policy, handler string) (Binding, error) {
	switch {
	case control != "" && handler != "":
		return Binding{}, fmt.Errorf("dispatch: binding has both control %q and handler %q", control, handler)
	case handler != "":
		b := Handler(HandlerID(strings.ToLower(handler)))
		if err := b.validate(); err != nil {
			return Binding{}, fmt.Errorf("dispatch: %w", err)
		}
		return b, nil
	case control == "":
		return Binding{}, fmt.Errorf("dispatch: binding needs a control or a handler")
	}
	switch strings.ToLower(policy) {
	case "", "toggle":
		return Direct(control, Toggle), nil
	case "set":
		return Direct(control, Set), nil
	}
	return Binding{}, fmt.Errorf("dispatch: unknown policy %q for %s", policy, control)
}

var knownHandlers = map[HandlerID]bool{
	HandlerStage:        true,
	HandlerArmStaging:   true,
	HandlerUndock:       true,
	HandlerEngines:      true,
	HandlerResourceMode: true,
}

func (b Binding) validate() error {
	switch b.Kind {
	case KindDirect:
		if b.Control == "" {
			return fmt.Errorf("direct binding without a control")
		}
		if b.Policy != Toggle && b.Policy != Set {
			return fmt.Errorf("control %s: bad policy %d", b.Control, b.Policy)
		}
	case KindHandler:
		if !knownHandlers[b.Handler] {
			return fmt.Errorf("unknown handler %q", b.Handler)
		}
	default:
		return fmt.Errorf("bad binding kind %d", b.Kind)
	}
	return nil
}

// DefaultSwitches is the stock panel wiring.
func DefaultSwitches() map[int]Binding {
	return map[int]Binding{
		17: Handler(HandlerStage),
		18: Direct("sas", Toggle),
		19: Direct("rcs", Toggle),
		20: Direct("lights", Toggle),
		21: Handler(HandlerUndock),
		24: Direct("gear", Set),
		25: Direct("solar_panels", Set),
		26: Handler(HandlerEngines),
		27: Handler(HandlerArmStaging),
		28: Handler(HandlerResourceMode),
		30: Direct("brakes", Set),
	}
}
