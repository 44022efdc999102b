package pose

import (
	"fmt"

	"turtlecraft.ai/internal/protocol"
)

type Position struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	Z int `json:"z" yaml:"z"`
}

func (p Position) Add(o Position) Position {
	return Position{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

func (p Position) Sub(o Position) Position {
	return Position{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p.X, p.Y, p.Z)
}

// Pose is the server's belief of where a turtle is and which way it faces.
type Pose struct {
	Pos Position  `json:"pos"`
	Dir Direction `json:"direction"`
}

func (p Pose) String() string {
	return p.Pos.String() + " " + p.Dir.String()
}

// Apply advances the pose by one primitive command, mirroring what the
// firmware does when it executes it. Macros never reach the robot, so they
// are rejected here like any other unknown name.
func (p *Pose) Apply(c protocol.Command) error {
	arg := c.Argument
	switch c.Name {
	case protocol.Up:
		p.Pos.Y += arg
	case protocol.Down:
		p.Pos.Y -= arg
	case protocol.Forward, protocol.ForwardDig:
		switch p.Dir {
		case North:
			p.Pos.Z -= arg
		case East:
			p.Pos.X += arg
		case South:
			p.Pos.Z += arg
		case West:
			p.Pos.X -= arg
		}
	case protocol.Right:
		p.Dir = p.Dir.Turn(arg)
	case protocol.Left:
		p.Dir = p.Dir.Turn(-arg)
	case protocol.Sleep, protocol.Reboot, protocol.RefuelCheck, protocol.DepositItem:
	default:
		return protocol.ContractViolation("apply command", fmt.Errorf("no interpretation for %s", c))
	}
	return nil
}

// ApplyAll stops at the first command that cannot be interpreted.
func (p *Pose) ApplyAll(cmds []protocol.Command) error {
	for _, c := range cmds {
		if err := p.Apply(c); err != nil {
			return err
		}
	}
	return nil
}
