package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/pose"
)

type Interrupt string

const (
	InterruptNone     Interrupt = ""
	InterruptLowFuel  Interrupt = "low_fuel"
	InterruptFullLoad Interrupt = "full_inventory"
)

// interrupt decides whether the blackboard overrides the pending queue. Low
// fuel wins over a full inventory. The returned queue contains primitives
// only and is planned from cur.
func (d *Dispatcher) interrupt(t *Turtle, cur pose.Pose) (Interrupt, []protocol.Command, error) {
	if raw, ok := t.Infos[TopicFuelLevel]; ok {
		fuel, err := ParseFuelLevel(raw)
		if err != nil {
			return InterruptNone, nil, err
		}
		if fuel < d.tuning.FuelThreshold {
			return InterruptLowFuel, d.goHome(&cur), nil
		}
	}
	if t.Infos[TopicIsFull] == "true" {
		out := d.goHome(&cur)
		dir := cur.Dir
		if c, ok := d.planner.Rotate(&dir, pose.West); ok {
			out = append(out, c)
		}
		out = append(out, protocol.NewCommand(protocol.DepositItem, 1))
		if c, ok := d.planner.Rotate(&dir, pose.East); ok {
			out = append(out, c)
		}
		out = append(out, protocol.NewCommand(protocol.DepositItem, 1))
		return InterruptFullLoad, out, nil
	}
	return InterruptNone, nil, nil
}

// goHome plans to the chest, or waits when already there.
func (d *Dispatcher) goHome(cur *pose.Pose) []protocol.Command {
	if cmds := d.planner.GoTo(cur, d.tuning.Home()); cmds != nil {
		return cmds
	}
	return []protocol.Command{protocol.NewCommand(protocol.Sleep, 2)}
}

// ParseFuelLevel reads the fuellevel topic as reported by the firmware.
func ParseFuelLevel(raw string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, protocol.MalformedInput("parse fuellevel", fmt.Errorf("%q is not an integer", raw))
	}
	return v, nil
}
