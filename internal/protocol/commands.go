package protocol

// Text profile tags.
const (
	TagSnapshot       byte = 0
	TagFlagsPrimary   byte = 'f'
	TagFlagsSecondary byte = 'g'
	TagApoapsis       byte = 'a'
	TagPeriapsis      byte = 'p'
	TagVerticalSpeed  byte = 'v'
	TagHorizSpeed     byte = 'h'
	TagAltitude       byte = 'A'
	TagPitch          byte = 'P'
	TagDynPressure    byte = 'Q'
	TagTWR            byte = 't'
	TagFuel           byte = 'u'
	TagLifeSupport    byte = 'l'
	TagPanelState     byte = 's'
)

// CommandSet names the binary identifiers this bridge uses under one version.
type CommandSet struct {
	Hello, Bye     Command
	FlagsPrimary   Command
	FlagsSecondary Command
	PanelState     Command // inbound: 4-byte switch snapshot
	Apoapsis       Command
	Periapsis      Command
	VerticalSpeed  Command
	HorizSpeed     Command
	Altitude       Command
	Pitch          Command
	DynPressure    Command
	TWR            Command // thrust-to-weight ×10
	Fuel           Command // five nibbles
	LifeSupport    Command // five nibbles
}

var commandSets = map[Version]CommandSet{
	Version1: {
		Hello: 0, Bye: 1,
		FlagsPrimary: 64, FlagsSecondary: 65,
		Periapsis: 192, Apoapsis: 193,
		PanelState:    194,
		VerticalSpeed: 195, HorizSpeed: 196, Altitude: 197,
		Pitch: 198, DynPressure: 199, TWR: 200,
		Fuel: 201, LifeSupport: 202,
	},
	Version2: {
		Hello: 0, Bye: 1,
		FlagsPrimary: 8, FlagsSecondary: 9,
		PanelState: 32,
		Apoapsis:   33, Periapsis: 34,
		VerticalSpeed: 35, HorizSpeed: 36, Altitude: 37,
		Pitch: 38, DynPressure: 39, TWR: 40,
		Fuel: 41, LifeSupport: 42,
	},
}

// CommandsFor returns the identifiers for v. Unknown versions get the current set.
func CommandsFor(v Version) CommandSet {
	if cs, ok := commandSets[v]; ok {
		return cs
	}
	return commandSets[Version2]
}
