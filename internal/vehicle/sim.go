package vehicle

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Sim is an in-memory vessel. It backs -demo mode and the tests: every
// write goes through Set, which fans the new value out to subscribers.
type Sim struct {
	mu      sync.Mutex
	values  map[string]Value
	subs    map[string]map[int]func(Value)
	nextSub int

	stage     int
	engines   map[int][]Engine
	ports     []DockingPort
	resources map[int]map[string]Resource // stage -> name -> resource; WholeVessel for totals

	t float64 // virtual time accumulator for Step
}

// NewSim returns a small two-stage vessel sitting on the pad.
func NewSim() *Sim {
	s := &Sim{
		values: map[string]Value{
			StreamSAS:            Bool(false),
			StreamRCS:            Bool(false),
			StreamLights:         Bool(false),
			StreamBrakes:         Bool(true),
			StreamGear:           Bool(true),
			StreamSolarControl:   Bool(false),
			StreamSituation:      Text("pre_launch"),
			StreamGForce:         Number(1),
			StreamDockingPorts:   States("ready"),
			StreamSolarPanels:    States("retracted", "retracted"),
			StreamLegs:           States("deployed", "deployed"),
			StreamSignalStrength: Number(1),
			StreamApoapsis:       Number(75),
			StreamPeriapsis:      Number(-598000),
			StreamVerticalSpeed:  Number(0),
			StreamHorizSpeed:     Number(0),
			StreamAltitude:       Number(75),
			StreamPitch:          Number(90),
			StreamDynPressure:    Number(0),
			StreamThrust:         Number(0),
			StreamMass:           Number(12.5),
			StreamSurfaceGravity: Number(9.81),
		},
		subs:  make(map[string]map[int]func(Value)),
		stage: 2,
		engines: map[int][]Engine{
			1: {{ID: "lv-t45"}},
			0: {{ID: "lv-909"}},
		},
		ports: []DockingPort{{ID: "clamp-o-tron", State: "ready"}},
		resources: map[int]map[string]Resource{
			1: {
				"LiquidFuel": {Amount: 360, Capacity: 360},
				"Oxidizer":   {Amount: 440, Capacity: 440},
			},
			0: {
				"LiquidFuel": {Amount: 90, Capacity: 90},
				"Oxidizer":   {Amount: 110, Capacity: 110},
			},
			WholeVessel: {
				"LiquidFuel":     {Amount: 450, Capacity: 450},
				"Oxidizer":       {Amount: 550, Capacity: 550},
				"MonoPropellant": {Amount: 30, Capacity: 30},
				"ElectricCharge": {Amount: 150, Capacity: 200},
				"Oxygen":         {Amount: 90, Capacity: 100},
				"Food":           {Amount: 20, Capacity: 40},
				"Water":          {Amount: 35, Capacity: 40},
			},
		},
	}
	return s
}

func (s *Sim) Name() string   { return "Sim (in-memory)" }
func (s *Sim) Connect() error { return nil }
func (s *Sim) Close() error   { return nil }

// Set installs a stream value and notifies subscribers outside the lock.
func (s *Sim) Set(stream string, v Value) {
	s.mu.Lock()
	s.values[stream] = v
	fns := make([]func(Value), 0, len(s.subs[stream]))
	ids := make([]int, 0, len(s.subs[stream]))
	for id := range s.subs[stream] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[stream][id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (s *Sim) Read(ctx context.Context, stream string) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[stream]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	return v, nil
}

// Subscribe registers fn and immediately delivers the current value, the way
// a streaming binding reports its first sample.
func (s *Sim) Subscribe(stream string, fn func(Value)) (func(), error) {
	s.mu.Lock()
	v, ok := s.values[stream]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	id := s.nextSub
	s.nextSub++
	if s.subs[stream] == nil {
		s.subs[stream] = make(map[int]func(Value))
	}
	s.subs[stream][id] = fn
	s.mu.Unlock()

	fn(v)
	return func() {
		s.mu.Lock()
		delete(s.subs[stream], id)
		s.mu.Unlock()
	}, nil
}

// Subscribers counts live subscriptions on stream.
func (s *Sim) Subscribers(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[stream])
}

func (s *Sim) Control(ctx context.Context, name string) (bool, error) {
	v, err := s.Read(ctx, ControlStream(name))
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownControl, name)
	}
	return v.Truthy(), nil
}

func (s *Sim) SetControl(ctx context.Context, name string, on bool) error {
	if _, err := s.Control(ctx, name); err != nil {
		return err
	}
	s.Set(ControlStream(name), Bool(on))
	switch name {
	case "gear":
		s.Set(StreamLegs, States(deployState(on, "deployed", "retracted"), deployState(on, "deployed", "retracted")))
	case "solar_panels":
		s.Set(StreamSolarPanels, States(deployState(on, "extended", "retracted"), deployState(on, "extended", "retracted")))
	}
	return nil
}

func deployState(on bool, yes, no string) string {
	if on {
		return yes
	}
	return no
}

func (s *Sim) ActivateNextStage(ctx context.Context) error {
	s.mu.Lock()
	if s.stage > 0 {
		s.stage--
	}
	for i := range s.engines[s.stage] {
		s.engines[s.stage][i].Active = true
	}
	s.mu.Unlock()
	s.Set(StreamSituation, Text("flying"))
	return nil
}

func (s *Sim) CurrentStage(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage, nil
}

// SetStage moves the active stage without firing anything.
func (s *Sim) SetStage(stage int) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
}

func (s *Sim) Engines(ctx context.Context, stage int) ([]Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Engine, len(s.engines[stage]))
	copy(out, s.engines[stage])
	return out, nil
}

// AddEngine places an engine in stage.
func (s *Sim) AddEngine(stage int, e Engine) {
	s.mu.Lock()
	s.engines[stage] = append(s.engines[stage], e)
	s.mu.Unlock()
}

func (s *Sim) SetEngineActive(ctx context.Context, id string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.engines {
		for i := range s.engines[st] {
			if s.engines[st][i].ID == id {
				s.engines[st][i].Active = on
				return nil
			}
		}
	}
	return fmt.Errorf("vehicle: no engine %q", id)
}

func (s *Sim) DockingPorts(ctx context.Context) ([]DockingPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DockingPort, len(s.ports))
	copy(out, s.ports)
	return out, nil
}

// SetDockingPorts replaces the port list and republishes their states.
func (s *Sim) SetDockingPorts(ports ...DockingPort) {
	s.mu.Lock()
	s.ports = append([]DockingPort(nil), ports...)
	states := s.portStatesLocked()
	s.mu.Unlock()
	s.Set(StreamDockingPorts, States(states...))
}

func (s *Sim) portStatesLocked() []string {
	states := make([]string, 0, len(s.ports))
	for _, p := range s.ports {
		states = append(states, p.State)
	}
	return states
}

func (s *Sim) Undock(ctx context.Context, id string) error {
	s.mu.Lock()
	found := false
	for i := range s.ports {
		if s.ports[i].ID == id {
			if s.ports[i].State != "docked" {
				s.mu.Unlock()
				return fmt.Errorf("vehicle: port %q is %s", id, s.ports[i].State)
			}
			s.ports[i].State = "ready"
			found = true
		}
	}
	states := s.portStatesLocked()
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("vehicle: no docking port %q", id)
	}
	s.Set(StreamDockingPorts, States(states...))
	return nil
}

func (s *Sim) ResourceIn(ctx context.Context, stage int, name string) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resources[stage][name], nil
}

// SetResource installs a resource for stage (or WholeVessel).
func (s *Sim) SetResource(stage int, name string, r Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resources[stage] == nil {
		s.resources[stage] = make(map[string]Resource)
	}
	s.resources[stage][name] = r
}

// Step advances a canned ascent profile by dt seconds for demo mode.
func (s *Sim) Step(dt float64) {
	s.mu.Lock()
	s.t += dt
	t := s.t
	burning := false
	for _, e := range s.engines[s.stage] {
		burning = burning || e.Active
	}
	s.mu.Unlock()

	if !burning {
		return
	}

	alt := 75 + 0.5*12*t*t
	vs := 12 * t
	hs := 40 * t * (1 - math.Exp(-t/60))
	s.Set(StreamAltitude, Number(alt))
	s.Set(StreamVerticalSpeed, Number(vs))
	s.Set(StreamHorizSpeed, Number(hs))
	s.Set(StreamApoapsis, Number(alt+vs*vs/(2*9.81)))
	s.Set(StreamPeriapsis, Number(-598000+alt*2))
	s.Set(StreamPitch, Number(90-math.Min(80, t)))
	s.Set(StreamDynPressure, Number(0.5*1.2*math.Exp(-alt/5600)*(vs*vs+hs*hs)/1000))
	s.Set(StreamThrust, Number(215))
	s.Set(StreamMass, Number(math.Max(4, 12.5-t*0.05)))
	s.Set(StreamGForce, Number(1+12/9.81))

	s.mu.Lock()
	for _, name := range []string{"LiquidFuel", "Oxidizer"} {
		for _, st := range []int{s.stage, WholeVessel} {
			if s.resources[st] == nil {
				continue
			}
			r := s.resources[st][name]
			r.Amount = math.Max(0, r.Amount-dt*2)
			s.resources[st][name] = r
		}
	}
	s.mu.Unlock()
}
