package telemetry

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/shaunagostinho/panelbridge/internal/protocol"
	"github.com/shaunagostinho/panelbridge/internal/session"
	"github.com/shaunagostinho/panelbridge/internal/vehicle"
)

// maxStageWalk bounds the search for a stage holding a resource.
const maxStageWalk = 10

// ResourceRef names one gauge. Staged resources are looked up in the stages
// below the active one, the rest across the whole vessel.
type ResourceRef struct {
	Name   string
	Staged bool
}

// Gauge slots, in panel order.
var (
	FuelGauges = [5]ResourceRef{
		{Name: "LiquidFuel", Staged: true},
		{Name: "Oxidizer", Staged: true},
		{Name: "MonoPropellant"},
		{Name: "ElectricCharge"},
		{Name: "XenonGas", Staged: true},
	}
	LifeSupportGauges = [5]ResourceRef{
		{Name: "Oxygen"},
		{Name: "Water"},
		{Name: "Food"},
		{Name: "CarbonDioxide"},
		{Name: "Waste"},
	}
)

// Levels is five gauge readings, each 0..10.
type Levels [5]int

// SampleLevels reads every gauge for mode.
func SampleLevels(ctx context.Context, v vehicle.Vessel, mode session.ResourceMode) (Levels, error) {
	refs := FuelGauges
	if mode == session.LifeSupport {
		refs = LifeSupportGauges
	}
	active, err := v.CurrentStage(ctx)
	if err != nil {
		return Levels{}, fmt.Errorf("telemetry: current stage: %w", err)
	}
	var out Levels
	for i, ref := range refs {
		var r vehicle.Resource
		if ref.Staged {
			r, err = stagedResource(ctx, v, active, ref.Name)
		} else {
			r, err = v.ResourceIn(ctx, vehicle.WholeVessel, ref.Name)
		}
		if err != nil {
			return Levels{}, fmt.Errorf("telemetry: resource %s: %w", ref.Name, err)
		}
		out[i] = level(r)
	}
	return out, nil
}

// stagedResource walks outward from the stage that will decouple next and
// returns the first one with any capacity for name.
func stagedResource(ctx context.Context, v vehicle.Vessel, active int, name string) (vehicle.Resource, error) {
	for i := 1; i <= maxStageWalk; i++ {
		stage := active - i
		if stage < -1 {
			break
		}
		r, err := v.ResourceIn(ctx, stage, name)
		if err != nil {
			return vehicle.Resource{}, err
		}
		if r.Capacity > 0 {
			return r, nil
		}
	}
	return vehicle.Resource{}, nil
}

func level(r vehicle.Resource) int {
	if r.Capacity <= 0 {
		return 0
	}
	l := math.RoundToEven(r.Amount * 10 / r.Capacity)
	return int(math.Max(0, math.Min(10, l)))
}

// Frame renders the levels for mode. The text payload is five hex pairs; the
// binary value packs five nibbles, first gauge in the low bits.
func (l Levels) Frame(cs protocol.CommandSet, mode session.ResourceMode) protocol.Frame {
	f := protocol.Frame{Command: cs.Fuel, Tag: protocol.TagFuel}
	if mode == session.LifeSupport {
		f.Command, f.Tag = cs.LifeSupport, protocol.TagLifeSupport
	}
	var sb strings.Builder
	var packed uint32
	for i, v := range l {
		fmt.Fprintf(&sb, "%02X", v)
		packed |= uint32(v&0xF) << (4 * i)
	}
	f.Text = sb.String()
	f.Value = int32(packed)
	return f
}
