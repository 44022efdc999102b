package plots

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"turtlecraft.ai/internal/persistence/docstore"
	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/planner"
	"turtlecraft.ai/internal/sim/pose"
)

const CollectionName = "mining_plots"

// MiningPlot is one grid cell. Retired plots keep their record with a nil
// CurrentTurtle so the grid index keeps counting up.
type MiningPlot struct {
	Position          pose.Position `json:"position"`
	MinedDepthSegment int           `json:"mined_depth_segment"`
	CurrentTurtle     *string       `json:"current_turtle"`
	GridIndex         int           `json:"grid_index"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Collection is the subset of the document store the allocator relies on.
type Collection interface {
	FindOne(ctx context.Context, f docstore.Filter, out any) (bool, error)
	Find(ctx context.Context, f docstore.Filter, fn func(raw json.RawMessage) error) error
	UpdateOne(ctx context.Context, f docstore.Filter, set docstore.Set) (int64, error)
	InsertOne(ctx context.Context, doc any) error
	Count(ctx context.Context, f docstore.Filter) (int64, error)
}

// EnsureIndexes installs the store-level guard against two plots sharing a
// grid index.
func EnsureIndexes(ctx context.Context, c *docstore.Collection) error {
	return c.EnsureUniqueIndex(ctx, "grid_index")
}

type Allocator struct {
	plots   Collection
	layout  Layout
	planner planner.Planner
	max     int
	logger  *log.Logger

	// Held across count-then-insert so concurrent claims get distinct grid
	// indexes.
	createMu sync.Mutex

	now func() time.Time
}

func NewAllocator(plots Collection, layout Layout, p planner.Planner, logger *log.Logger) *Allocator {
	return &Allocator{
		plots:   plots,
		layout:  layout,
		planner: p,
		max:     layout.MaxDepthSegment(),
		logger:  logger,
		now:     time.Now,
	}
}

func (a *Allocator) Layout() Layout { return a.layout }

// ResumeOrCreate returns the commands for the next layer the turtle should
// mine: the next segment of the plot it owns, or segment 0 of a fresh plot
// once the owned one is exhausted. from is advanced through the travel and
// the sweep.
func (a *Allocator) ResumeOrCreate(ctx context.Context, turtle string, from *pose.Pose) ([]protocol.Command, error) {
	var cur MiningPlot
	found, err := a.plots.FindOne(ctx, docstore.Filter{"current_turtle": turtle}, &cur)
	if err != nil {
		return nil, fmt.Errorf("find plot of %s: %w", turtle, err)
	}
	if found {
		if cur.MinedDepthSegment < a.max {
			cur.MinedDepthSegment++
			if _, err := a.plots.UpdateOne(ctx, docstore.Filter{"current_turtle": turtle}, docstore.Set{
				"mined_depth_segment": cur.MinedDepthSegment,
			}); err != nil {
				return nil, fmt.Errorf("advance plot %d of %s: %w", cur.GridIndex, turtle, err)
			}
			return a.mine(cur, from)
		}
		if _, err := a.plots.UpdateOne(ctx, docstore.Filter{"current_turtle": turtle}, docstore.Set{
			"current_turtle": nil,
		}); err != nil {
			return nil, fmt.Errorf("retire plot %d of %s: %w", cur.GridIndex, turtle, err)
		}
		a.printf("plot %d at %s retired by %s at segment %d", cur.GridIndex, cur.Position, turtle, cur.MinedDepthSegment)
	}

	p, err := a.create(ctx, turtle)
	if err != nil {
		return nil, err
	}
	return a.mine(p, from)
}

func (a *Allocator) create(ctx context.Context, turtle string) (MiningPlot, error) {
	a.createMu.Lock()
	defer a.createMu.Unlock()

	n, err := a.plots.Count(ctx, nil)
	if err != nil {
		return MiningPlot{}, fmt.Errorf("count plots: %w", err)
	}
	owner := turtle
	p := MiningPlot{
		Position:      a.layout.Position(int(n)),
		CurrentTurtle: &owner,
		GridIndex:     int(n),
		CreatedAt:     a.now().UTC(),
	}
	if err := a.plots.InsertOne(ctx, p); err != nil {
		return MiningPlot{}, fmt.Errorf("claim plot %d for %s: %w", n, turtle, err)
	}
	a.printf("plot %d at %s claimed by %s", p.GridIndex, p.Position, turtle)
	return p, nil
}

func (a *Allocator) mine(p MiningPlot, from *pose.Pose) ([]protocol.Command, error) {
	out := a.planner.GoTo(from, a.layout.LayerTarget(p))
	sweep := planner.MiningSweep(a.layout.PlotSize)
	if err := from.ApplyAll(sweep); err != nil {
		return nil, err
	}
	return append(out, sweep...), nil
}

// List returns every plot, retired ones included, in creation order.
func (a *Allocator) List(ctx context.Context) ([]MiningPlot, error) {
	var out []MiningPlot
	err := a.plots.Find(ctx, nil, func(raw json.RawMessage) error {
		var p MiningPlot
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list plots: %w", err)
	}
	return out, nil
}

func (a *Allocator) Count(ctx context.Context) (int64, error) {
	return a.plots.Count(ctx, nil)
}

func (a *Allocator) printf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}
