package planner

import (
	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/pose"
)

// Planner turns pose-to-pose moves into primitive commands. Movement is a
// straight axis-by-axis traversal (X, then Z, then Y) with no obstacle
// handling.
//
// Legacy keeps the command stream deployed turtles were tuned against:
// raw-difference rotations and an axis rotation plus a zero-length Forward
// even when that axis needs no travel. Without it, zero axes are skipped and
// rotations take the short way round.
type Planner struct {
	Legacy bool
}

// GoTo plans from *from to to and leaves *from at to, so consecutive calls
// chain without re-reading persisted state. It returns nil when there is
// nothing to do.
func (p Planner) GoTo(from *pose.Pose, to pose.Pose) []protocol.Command {
	if *from == to {
		return nil
	}

	var out []protocol.Command
	dir := from.Dir
	turn := func(want pose.Direction) {
		if c, ok := p.Rotate(&dir, want); ok {
			out = append(out, c)
		}
	}

	d := from.Pos.Sub(to.Pos)

	if p.Legacy || d.X != 0 {
		if d.X > 0 {
			turn(pose.West)
		} else {
			turn(pose.East)
		}
		out = append(out, protocol.NewCommand(protocol.Forward, abs(d.X)))
	}

	if p.Legacy || d.Z != 0 {
		if d.Z > 0 {
			turn(pose.North)
		} else {
			turn(pose.South)
		}
		out = append(out, protocol.NewCommand(protocol.Forward, abs(d.Z)))
	}

	if p.Legacy || d.Y != 0 {
		if d.Y > 0 {
			out = append(out, protocol.NewCommand(protocol.Down, d.Y))
		} else {
			out = append(out, protocol.NewCommand(protocol.Up, -d.Y))
		}
	}

	turn(to.Dir)

	*from = to
	return out
}

// Rotate turns *cur to want using the planner's rotation rule.
func (p Planner) Rotate(cur *pose.Direction, want pose.Direction) (protocol.Command, bool) {
	if p.Legacy {
		return pose.RotateTo(cur, want)
	}
	return pose.RotateShortest(cur, want)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
