package telemetry

import (
	"fmt"
	"time"

	"github.com/shaunagostinho/panelbridge/internal/flags"
	"github.com/shaunagostinho/panelbridge/internal/protocol"
	"github.com/shaunagostinho/panelbridge/internal/vehicle"
)

// Field is one scalar shown on the panel. When Divisors is set the sample is
// Stream divided by the product of the divisor streams.
type Field struct {
	Name     string
	Stream   string
	Divisors []string
	Tag      byte
	Command  protocol.Command
	Format   Format
	// Polled fields are read every tick and sent on any formatted change.
	// The rest follow their streams and are rate limited.
	Polled bool
}

func (f Field) streams() []string {
	return append([]string{f.Stream}, f.Divisors...)
}

func (f Field) validate() error {
	if f.Name == "" || f.Stream == "" {
		return fmt.Errorf("telemetry: field needs a name and a stream")
	}
	if f.Tag == 0 {
		return fmt.Errorf("telemetry: field %s has no text tag", f.Name)
	}
	return nil
}

// DefaultFields is the stock display layout, in emission order.
func DefaultFields(cs protocol.CommandSet) []Field {
	return []Field{
		{Name: "apoapsis", Stream: vehicle.StreamApoapsis, Tag: protocol.TagApoapsis, Command: cs.Apoapsis, Format: Metric},
		{Name: "periapsis", Stream: vehicle.StreamPeriapsis, Tag: protocol.TagPeriapsis, Command: cs.Periapsis, Format: Metric},
		{Name: "vertical_speed", Stream: vehicle.StreamVerticalSpeed, Tag: protocol.TagVerticalSpeed, Command: cs.VerticalSpeed, Format: Metric},
		{Name: "horizontal_speed", Stream: vehicle.StreamHorizSpeed, Tag: protocol.TagHorizSpeed, Command: cs.HorizSpeed, Format: Metric},
		{Name: "altitude", Stream: vehicle.StreamAltitude, Tag: protocol.TagAltitude, Command: cs.Altitude, Format: Metric},
		{Name: "pitch", Stream: vehicle.StreamPitch, Tag: protocol.TagPitch, Command: cs.Pitch, Format: Round},
		{Name: "dynamic_pressure", Stream: vehicle.StreamDynPressure, Tag: protocol.TagDynPressure, Command: cs.DynPressure, Format: Round},
		{
			Name:     "twr",
			Stream:   vehicle.StreamThrust,
			Divisors: []string{vehicle.StreamMass, vehicle.StreamSurfaceGravity},
			Tag:      protocol.TagTWR,
			Command:  cs.TWR,
			Format:   Tenths,
		},
	}
}

// Flag word and field names.
const (
	WordPrimary   = "primary"
	WordSecondary = "secondary"

	FlagSAS     = "sas"
	FlagRCS     = "rcs"
	FlagLights  = "lights"
	FlagBrakes  = "brakes"
	FlagContact = "contact"
	FlagGForce  = "g_force"
	FlagDocked  = "docked"
	FlagStaging = "staging"

	FlagSolarPanels = "solar_panels"
	FlagLegs        = "legs"
	FlagAntenna     = "antenna"
)

// DefaultRegister builds the primary and secondary indicator words.
func DefaultRegister(cs protocol.CommandSet) (*flags.Register, error) {
	primary, err := flags.NewWord(WordPrimary, 8, cs.FlagsPrimary, protocol.TagFlagsPrimary,
		flags.Field{Name: FlagSAS, Offset: 0, Bits: 1, Transform: flags.BoolT()},
		flags.Field{Name: FlagRCS, Offset: 1, Bits: 1, Transform: flags.BoolT()},
		flags.Field{Name: FlagLights, Offset: 2, Bits: 1, Transform: flags.BoolT()},
		flags.Field{Name: FlagBrakes, Offset: 3, Bits: 1, Transform: flags.BoolT()},
		flags.Field{Name: FlagContact, Offset: 4, Bits: 1, Transform: flags.OneOfT("landed", "splashed", "pre_launch")},
		flags.Field{Name: FlagGForce, Offset: 5, Bits: 1, Transform: flags.AboveT(0.05)},
		flags.Field{Name: FlagDocked, Offset: 6, Bits: 1, Transform: flags.AnyIsT("docked")},
		flags.Field{Name: FlagStaging, Offset: 7, Bits: 1, Transform: flags.BoolT()},
	)
	if err != nil {
		return nil, err
	}
	secondary, err := flags.NewWord(WordSecondary, 8, cs.FlagsSecondary, protocol.TagFlagsSecondary,
		flags.Field{Name: FlagSolarPanels, Offset: 0, Bits: 2, Transform: flags.ClassifyT()},
		flags.Field{Name: FlagLegs, Offset: 2, Bits: 2, Transform: flags.ClassifyT()},
		flags.Field{Name: FlagAntenna, Offset: 4, Bits: 2, Transform: flags.LevelT(3)},
	)
	if err != nil {
		return nil, err
	}
	return flags.NewRegister(primary, secondary), nil
}

// SourceStagingArmed feeds a flag from the session instead of the vessel.
const SourceStagingArmed = "session.staging_armed"

// FlagBinding routes a stream into a flag field. Every > 0 polls the stream
// at that period instead of subscribing to it.
type FlagBinding struct {
	Word   string
	Field  string
	Stream string
	Every  time.Duration
}

// DefaultFlagBindings wires DefaultRegister to the vessel.
func DefaultFlagBindings(antennaEvery time.Duration) []FlagBinding {
	return []FlagBinding{
		{Word: WordPrimary, Field: FlagSAS, Stream: vehicle.StreamSAS},
		{Word: WordPrimary, Field: FlagRCS, Stream: vehicle.StreamRCS},
		{Word: WordPrimary, Field: FlagLights, Stream: vehicle.StreamLights},
		{Word: WordPrimary, Field: FlagBrakes, Stream: vehicle.StreamBrakes},
		{Word: WordPrimary, Field: FlagContact, Stream: vehicle.StreamSituation},
		{Word: WordPrimary, Field: FlagGForce, Stream: vehicle.StreamGForce},
		{Word: WordPrimary, Field: FlagDocked, Stream: vehicle.StreamDockingPorts},
		{Word: WordPrimary, Field: FlagStaging, Stream: SourceStagingArmed},
		{Word: WordSecondary, Field: FlagSolarPanels, Stream: vehicle.StreamSolarPanels},
		{Word: WordSecondary, Field: FlagLegs, Stream: vehicle.StreamLegs},
		{Word: WordSecondary, Field: FlagAntenna, Stream: vehicle.StreamSignalStrength, Every: antennaEvery},
	}
}
