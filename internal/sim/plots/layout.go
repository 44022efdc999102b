package plots

import (
	"turtlecraft.ai/internal/sim/pose"
	"turtlecraft.ai/internal/sim/tuning"
)

// Layout places plots on a GridWidth-wide grid anchored at Origin. Plot n
// sits n%GridWidth plots along X and n/GridWidth rows along Y.
type Layout struct {
	Origin    pose.Position
	PlotSize  int
	GridWidth int
	PlotDepth int
	MinY      int
	Facing    pose.Direction
}

func LayoutFromTuning(m tuning.Mining) Layout {
	return Layout{
		Origin:    m.Origin,
		PlotSize:  m.PlotSize,
		GridWidth: m.GridWidth,
		PlotDepth: m.PlotDepth,
		MinY:      m.MinY,
		Facing:    m.Facing,
	}
}

func (l Layout) Position(n int) pose.Position {
	off := pose.Position{
		X: (n % l.GridWidth) * l.PlotSize,
		Y: (n / l.GridWidth) * l.PlotSize,
	}
	return l.Origin.Add(off)
}

// MaxDepthSegment is the last segment a plot can be mined to before it is
// retired.
func (l Layout) MaxDepthSegment() int {
	return (l.Origin.Y - l.MinY) / l.PlotDepth
}

// LayerTarget is where a turtle starts the sweep of the plot's current segment.
func (l Layout) LayerTarget(p MiningPlot) pose.Pose {
	pos := p.Position
	pos.Y -= p.MinedDepthSegment * l.PlotDepth
	return pose.Pose{Pos: pos, Dir: l.Facing}
}
