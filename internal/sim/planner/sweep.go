package planner

import "turtlecraft.ai/internal/protocol"

// MiningSweep digs one layer of a size x size plot as a serpentine: size-1
// lanes of ForwardDig(size-1), each followed by a U-turn that alternates
// Right, Left, Right... and a final lane. The turtle starts on one edge
// facing into the plot and finishes on the opposite edge.
func MiningSweep(size int) []protocol.Command {
	if size < 1 {
		return nil
	}
	out := make([]protocol.Command, 0, 4*(size-1)+1)
	for lane := 1; lane < size; lane++ {
		side := protocol.Right
		if lane%2 == 0 {
			side = protocol.Left
		}
		out = append(out,
			protocol.NewCommand(protocol.ForwardDig, size-1),
			protocol.NewCommand(side, 1),
			protocol.NewCommand(protocol.ForwardDig, 1),
			protocol.NewCommand(side, 1),
		)
	}
	return append(out, protocol.NewCommand(protocol.ForwardDig, size-1))
}
