package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/planner"
	"turtlecraft.ai/internal/sim/pose"
	"turtlecraft.ai/internal/sim/tuning"
)

// PlotSource expands MinePlot. from is advanced past the returned commands.
type PlotSource interface {
	ResumeOrCreate(ctx context.Context, turtle string, from *pose.Pose) ([]protocol.Command, error)
}

// Event describes one completed dispatch.
type Event struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Turtle    string    `json:"turtle"`
	Before    pose.Pose `json:"before"`
	After     pose.Pose `json:"after"`
	Interrupt Interrupt `json:"interrupt,omitempty"`
	Commands  string    `json:"commands"`
	Count     int       `json:"count"`
}

type Dispatcher struct {
	tuning   tuning.Tuning
	planner  planner.Planner
	plots    PlotSource
	defaults []protocol.Command

	now func() time.Time
}

func NewDispatcher(tu tuning.Tuning, plots PlotSource) (*Dispatcher, error) {
	defaults, err := tu.DefaultOrders()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		tuning:   tu,
		planner:  planner.Planner{Legacy: tu.LegacyPaths},
		plots:    plots,
		defaults: defaults,
		now:      time.Now,
	}, nil
}

// Process turns the turtle's queue into the command text for this poll. On
// success t carries the new pose and the default queue; on error t is left
// untouched, although plot bookkeeping done by MinePlot may already be
// persisted.
func (d *Dispatcher) Process(ctx context.Context, t *Turtle) (string, error) {
	ev, err := d.dispatch(ctx, t)
	if err != nil {
		return "", err
	}
	return ev.Commands, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, t *Turtle) (Event, error) {
	start := t.Pose()

	kind, queue, err := d.interrupt(t, start)
	if err != nil {
		return Event{}, fmt.Errorf("dispatch %s: %w", t.Name, err)
	}
	if kind == InterruptNone {
		queue = t.Orders
	}

	cmds, err := d.expand(ctx, t.Name, start, queue)
	if err != nil {
		return Event{}, fmt.Errorf("dispatch %s: %w", t.Name, err)
	}

	end := start
	for _, c := range cmds {
		if err := end.Apply(c); err != nil {
			return Event{}, fmt.Errorf("dispatch %s: %w", t.Name, err)
		}
	}

	t.SetPose(end)
	t.Orders = append([]protocol.Command(nil), d.defaults...)

	return Event{
		ID:        uuid.NewString(),
		Time:      d.now().UTC(),
		Turtle:    t.Name,
		Before:    start,
		After:     end,
		Interrupt: kind,
		Commands:  protocol.FormatCommands(cmds),
		Count:     len(cmds),
	}, nil
}

// expand resolves macros into a new flat slice. One working pose, seeded
// from the persisted pose, is carried through every item so each expansion
// plans from where the previous ones left the turtle.
func (d *Dispatcher) expand(ctx context.Context, name string, start pose.Pose, queue []protocol.Command) ([]protocol.Command, error) {
	cur := start
	out := make([]protocol.Command, 0, len(queue))
	for _, c := range queue {
		switch c.Name {
		case protocol.Home:
			out = append(out, d.planner.GoTo(&cur, d.tuning.Home())...)
		case protocol.MinePlot:
			cmds, err := d.plots.ResumeOrCreate(ctx, name, &cur)
			if err != nil {
				return nil, err
			}
			out = append(out, cmds...)
		default:
			if !c.Name.Valid() {
				return nil, protocol.ContractViolation("expand orders", fmt.Errorf("unknown command %s", c))
			}
			if err := cur.Apply(c); err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}
