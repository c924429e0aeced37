package flags

import (
	"testing"

	"github.com/shaunagostinho/panelbridge/internal/vehicle"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		in   []string
		want State
	}{
		{[]string{"retracting"}, Transitioning},
		{[]string{"deployed"}, Active},
		{[]string{"retracted"}, Off},
		{nil, Problem},
		{[]string{"broken"}, Problem},
		{[]string{"extended", "deployed"}, Active},
		{[]string{"extended", "extending"}, Transitioning},
		{[]string{"retracted", "extended"}, Problem},
		{[]string{"retracted", "retracted"}, Off},
		{[]string{"broken", "deploying"}, Transitioning},
	}
	for _, tt := range tests {
		if got := Classify(tt.in); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestTransform_Apply(t *testing.T) {
	tests := []struct {
		name string
		tr   Transform
		in   vehicle.Value
		bits uint
		want uint16
	}{
		{"bool on", BoolT(), vehicle.Bool(true), 1, 1},
		{"bool off", BoolT(), vehicle.Bool(false), 1, 0},
		{"above", AboveT(0.05), vehicle.Number(0.06), 1, 1},
		{"not above", AboveT(0.05), vehicle.Number(0.05), 1, 0},
		{"situation landed", OneOfT("landed", "splashed", "pre_launch"), vehicle.Text("landed"), 1, 1},
		{"situation orbiting", OneOfT("landed", "splashed", "pre_launch"), vehicle.Text("orbiting"), 1, 0},
		{"any docked", AnyIsT("docked"), vehicle.States("ready", "docked"), 1, 1},
		{"none docked", AnyIsT("docked"), vehicle.States("ready"), 1, 0},
		{"level zero", LevelT(3), vehicle.Number(0), 2, 0},
		{"level low", LevelT(3), vehicle.Number(0.2), 2, 1},
		{"level full", LevelT(3), vehicle.Number(1), 2, 3},
		{"level clamp", LevelT(3), vehicle.Number(1.7), 2, 3},
		{"raw clamp", Transform{}, vehicle.Number(9), 2, 3},
		{"raw negative", Transform{}, vehicle.Number(-4), 2, 0},
		{"classify", ClassifyT(), vehicle.States("deployed"), 2, 3},
	}
	for _, tt := range tests {
		if got := tt.tr.Apply(tt.in, tt.bits); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}
