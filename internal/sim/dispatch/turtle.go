package dispatch

import (
	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/pose"
	"turtlecraft.ai/internal/sim/tuning"
)

const CollectionName = "turtles"

// Blackboard topics the dispatcher reads.
const (
	TopicFuelLevel = "fuellevel"
	TopicIsFull    = "isFull"
)

// Turtle is the persisted record of one robot. Pos and Direction are the
// server's belief of the robot's physical state.
type Turtle struct {
	Name      string             `json:"name"`
	Pos       pose.Position      `json:"pos"`
	Direction pose.Direction     `json:"direction"`
	Orders    []protocol.Command `json:"orders"`
	Infos     map[string]string  `json:"infos"`
}

// NewTurtle is the record created on a robot's first poll: parked at home
// facing North with a single wait order.
func NewTurtle(name string, tu tuning.Tuning) Turtle {
	return Turtle{
		Name:      name,
		Pos:       tu.HomePosition,
		Direction: pose.North,
		Orders:    []protocol.Command{protocol.NewCommand(protocol.Sleep, 2)},
		Infos:     map[string]string{},
	}
}

func (t *Turtle) Pose() pose.Pose {
	return pose.Pose{Pos: t.Pos, Dir: t.Direction}
}

func (t *Turtle) SetPose(p pose.Pose) {
	t.Pos = p.Pos
	t.Direction = p.Dir
}
