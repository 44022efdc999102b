package tuning

import (
	"os"
	"path/filepath"
	"testing"

	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/pose"
)

func TestLoad_RepoConfigMatchesDefaults(t *testing.T) {
	got, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	if got != Defaults() {
		t.Fatalf("configs/tuning.yaml drifted from Defaults():\n got %+v\nwant %+v", got, Defaults())
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := "mining:\n  plot_size: 8\n  facing: West\ndefault_order: \"Sleep,2\"\nlegacy_paths: false\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Mining.PlotSize != 8 || got.Mining.Facing != pose.West || got.LegacyPaths {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if got.Mining.GridWidth != 6 || got.FuelThreshold != 500 || got.HomePosition != Defaults().HomePosition {
		t.Fatalf("defaults lost: %+v", got)
	}
	orders, err := got.DefaultOrders()
	if err != nil || len(orders) != 1 || orders[0] != protocol.NewCommand(protocol.Sleep, 2) {
		t.Fatalf("default orders: %v %v", orders, err)
	}
}

func TestLoad_HomeAlwaysFacesNorth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := "home_position: {x: 1, y: 70, z: 2}\nhome_facing: South\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := pose.Pose{Pos: pose.Position{X: 1, Y: 70, Z: 2}, Dir: pose.North}
	if got.Home() != want {
		t.Fatalf("Home() = %v, want %v", got.Home(), want)
	}
}

func TestValidate(t *testing.T) {
	bad := []func(*Tuning){
		func(t *Tuning) { t.Mining.PlotSize = 1 },
		func(t *Tuning) { t.Mining.GridWidth = 0 },
		func(t *Tuning) { t.Mining.PlotDepth = 0 },
		func(t *Tuning) { t.Mining.MinY = t.Mining.Origin.Y },
		func(t *Tuning) { t.FuelThreshold = -1 },
		func(t *Tuning) { t.DefaultOrder = "Forward,1" },
		func(t *Tuning) { t.DefaultOrder = "MinePlot,1\nSleep,2" },
		func(t *Tuning) { t.DefaultOrder = "" },
	}
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	for i, mutate := range bad {
		tu := Defaults()
		mutate(&tu)
		if err := tu.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
