package tuning

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/pose"
)

type Tuning struct {
	// Chest the turtles return to for refuelling and unloading. Turtles
	// always face North there.
	HomePosition pose.Position `yaml:"home_position"`

	Mining Mining `yaml:"mining"`

	FuelThreshold int `yaml:"fuel_threshold"`

	// Order left in the queue after every dispatch, "Name,argument".
	DefaultOrder string `yaml:"default_order"`

	LegacyPaths bool `yaml:"legacy_paths"`
}

type Mining struct {
	Origin    pose.Position  `yaml:"origin"`
	PlotSize  int            `yaml:"plot_size"`
	GridWidth int            `yaml:"grid_width"`
	PlotDepth int            `yaml:"plot_depth"`
	MinY      int            `yaml:"min_y"`
	Facing    pose.Direction `yaml:"facing"`
}

func Defaults() Tuning {
	return Tuning{
		HomePosition: pose.Position{X: -559, Y: 63, Z: -2767},
		Mining: Mining{
			Origin:    pose.Position{X: -559, Y: 48, Z: -2777},
			PlotSize:  6,
			GridWidth: 6,
			PlotDepth: 2,
			MinY:      -32,
			Facing:    pose.North,
		},
		FuelThreshold: 500,
		DefaultOrder:  "MinePlot,1",
		LegacyPaths:   true,
	}
}

// Load overlays the file on Defaults. An empty path yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	m := t.Mining
	if m.PlotSize < 2 {
		return fmt.Errorf("mining.plot_size must be >= 2")
	}
	if m.GridWidth < 1 {
		return fmt.Errorf("mining.grid_width must be >= 1")
	}
	if m.PlotDepth < 1 {
		return fmt.Errorf("mining.plot_depth must be >= 1")
	}
	if m.MinY >= m.Origin.Y {
		return fmt.Errorf("mining.min_y (%d) must be below mining.origin.y (%d)", m.MinY, m.Origin.Y)
	}
	if t.FuelThreshold < 0 {
		return fmt.Errorf("fuel_threshold must be >= 0")
	}
	if _, err := t.DefaultOrders(); err != nil {
		return err
	}
	return nil
}

func (t Tuning) Home() pose.Pose {
	return pose.Pose{Pos: t.HomePosition, Dir: pose.North}
}

// DefaultOrders parses DefaultOrder. Only MinePlot and Sleep make sense as a
// standing order.
func (t Tuning) DefaultOrders() ([]protocol.Command, error) {
	cmds, err := protocol.ParseOrders(t.DefaultOrder)
	if err != nil {
		return nil, fmt.Errorf("default_order: %w", err)
	}
	if len(cmds) != 1 {
		return nil, fmt.Errorf("default_order: want exactly one command, got %d", len(cmds))
	}
	if n := cmds[0].Name; n != protocol.MinePlot && n != protocol.Sleep {
		return nil, fmt.Errorf("default_order: %s is not allowed", n)
	}
	return cmds, nil
}
