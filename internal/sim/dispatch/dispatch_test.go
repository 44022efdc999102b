package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"turtlecraft.ai/internal/persistence/docstore"
	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/planner"
	"turtlecraft.ai/internal/sim/plots"
	"turtlecraft.ai/internal/sim/pose"
	"turtlecraft.ai/internal/sim/tuning"
)

type harness struct {
	tu      tuning.Tuning
	store   *docstore.Store
	turtles *docstore.Collection
	plots   *docstore.Collection
	d       *Dispatcher
	svc     *Service
	events  *recorder
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := docstore.Open(filepath.Join(t.TempDir(), "store.sqlite"), docstore.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	tu := tuning.Defaults()
	h := &harness{
		tu:      tu,
		store:   s,
		turtles: s.Collection(CollectionName),
		plots:   s.Collection(plots.CollectionName),
		events:  &recorder{},
	}
	if err := plots.EnsureIndexes(context.Background(), h.plots); err != nil {
		t.Fatalf("indexes: %v", err)
	}
	alloc := plots.NewAllocator(h.plots, plots.LayoutFromTuning(tu.Mining), planner.Planner{Legacy: tu.LegacyPaths}, nil)
	h.d, err = NewDispatcher(tu, alloc)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	h.svc = NewService(h.turtles, h.d, h.events, nil)
	return h
}

func (h *harness) turtleAtHome(orders ...protocol.Command) Turtle {
	t := NewTurtle("t1", h.tu)
	t.Orders = orders
	return t
}

func cmd(n protocol.CommandName, arg int) protocol.Command { return protocol.NewCommand(n, arg) }

func TestProcess_ThreadsPoseThroughHomeMacro(t *testing.T) {
	h := newHarness(t)
	tur := h.turtleAtHome(cmd(protocol.Forward, 3), cmd(protocol.Home, 1))

	got, err := h.d.Process(context.Background(), &tur)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := strings.Join([]string{
		"Forward(3)",
		"Right(1)", "Forward(0)",
		"Right(1)", "Forward(3)",
		"Up(0)",
		"Left(2)",
	}, "\n")
	if got != want {
		t.Fatalf("commands:\n%s\nwant:\n%s", got, want)
	}
	if tur.Pose() != h.tu.Home() {
		t.Fatalf("pose = %s, want home", tur.Pose())
	}
	if len(tur.Orders) != 1 || tur.Orders[0] != cmd(protocol.MinePlot, 1) {
		t.Fatalf("orders = %v, want [MinePlot(1)]", tur.Orders)
	}
}

func TestProcess_MinePlotClaimsPlot(t *testing.T) {
	h := newHarness(t)
	tur := h.turtleAtHome(cmd(protocol.MinePlot, 1))
	start := tur.Pose()

	got, err := h.d.Process(context.Background(), &tur)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	lines := strings.Split(got, "\n")
	sweep := planner.MiningSweep(h.tu.Mining.PlotSize)
	if len(lines) <= len(sweep) {
		t.Fatalf("expected travel before sweep, got %d lines", len(lines))
	}
	if lines[len(lines)-1] != "ForwardDig(5)" {
		t.Fatalf("last command = %s", lines[len(lines)-1])
	}

	sim := start
	for _, line := range lines {
		c := parseToken(t, line)
		if err := sim.Apply(c); err != nil {
			t.Fatalf("apply %s: %v", line, err)
		}
	}
	if sim != tur.Pose() {
		t.Fatalf("persisted pose %s does not match simulated %s", tur.Pose(), sim)
	}
	if n, _ := h.plots.Count(context.Background(), docstore.Filter{"current_turtle": "t1"}); n != 1 {
		t.Fatalf("owned plots = %d, want 1", n)
	}
}

func TestProcess_LowFuelGoesHome(t *testing.T) {
	h := newHarness(t)
	tur := h.turtleAtHome(cmd(protocol.MinePlot, 1))
	tur.Pos = tur.Pos.Add(pose.Position{X: 2, Y: -10, Z: -4})
	tur.Direction = pose.South
	tur.Infos[TopicFuelLevel] = "499"

	got, err := h.d.Process(context.Background(), &tur)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// d = (2,-10,-4): West Right(1), Forward(2), South Left(1), Forward(4), Up(10), North Left(2).
	want := "Right(1)\nForward(2)\nLeft(1)\nForward(4)\nUp(10)\nLeft(2)"
	if got != want {
		t.Fatalf("commands:\n%s\nwant:\n%s", got, want)
	}
	if tur.Pose() != h.tu.Home() {
		t.Fatalf("pose = %s, want home", tur.Pose())
	}
	if n, _ := h.plots.Count(context.Background(), nil); n != 0 {
		t.Fatalf("queue should have been discarded, %d plots allocated", n)
	}
}

func TestProcess_LowFuelAtHomeSleeps(t *testing.T) {
	h := newHarness(t)
	tur := h.turtleAtHome(cmd(protocol.MinePlot, 1))
	tur.Infos[TopicFuelLevel] = "0"
	tur.Infos[TopicIsFull] = "true"

	got, err := h.d.Process(context.Background(), &tur)
	if err != nil || got != "Sleep(2)" {
		t.Fatalf("got %q err=%v, want Sleep(2)", got, err)
	}
}

func TestProcess_FullInventoryDeposits(t *testing.T) {
	h := newHarness(t)
	tur := h.turtleAtHome(cmd(protocol.MinePlot, 1))
	tur.Infos[TopicFuelLevel] = "900"
	tur.Infos[TopicIsFull] = "true"

	got, err := h.d.Process(context.Background(), &tur)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := "Sleep(2)\nRight(3)\nDepositItem(1)\nLeft(2)\nDepositItem(1)"
	if got != want {
		t.Fatalf("commands:\n%s\nwant:\n%s", got, want)
	}
	if tur.Pos != h.tu.HomePosition || tur.Direction != pose.East {
		t.Fatalf("pose = %s, want home facing East", tur.Pose())
	}
}

func TestProcess_FullInventoryRotatesFromArrivalPose(t *testing.T) {
	h := newHarness(t)
	tur := h.turtleAtHome()
	tur.Pos = tur.Pos.Add(pose.Position{Z: 3})
	tur.Direction = pose.West
	tur.Infos[TopicIsFull] = "true"

	got, err := h.d.Process(context.Background(), &tur)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Travel ends facing North, so West is Right(3) from there.
	want := "Left(2)\nForward(0)\nLeft(1)\nForward(3)\nUp(0)\nRight(3)\nDepositItem(1)\nLeft(2)\nDepositItem(1)"
	if got != want {
		t.Fatalf("commands:\n%s\nwant:\n%s", got, want)
	}
}

func TestProcess_MalformedFuelLevel(t *testing.T) {
	h := newHarness(t)
	tur := h.turtleAtHome(cmd(protocol.Forward, 1))
	tur.Infos[TopicFuelLevel] = "lots"
	before := tur.Pose()

	_, err := h.d.Process(context.Background(), &tur)
	if protocol.CodeOf(err) != protocol.ErrMalformedInput {
		t.Fatalf("want malformed input, got %v", err)
	}
	if tur.Pose() != before || tur.Orders[0] != cmd(protocol.Forward, 1) {
		t.Fatalf("turtle mutated on error: %+v", tur)
	}
}

func TestProcess_UnknownCommandIsContractViolation(t *testing.T) {
	h := newHarness(t)
	tur := h.turtleAtHome(cmd(protocol.CommandName(99), 1))
	_, err := h.d.Process(context.Background(), &tur)
	if protocol.CodeOf(err) != protocol.ErrContractViolation {
		t.Fatalf("want contract violation, got %v", err)
	}
}

func TestNewDispatcher_SleepDefaultOrder(t *testing.T) {
	tu := tuning.Defaults()
	tu.DefaultOrder = "Sleep,5"
	d, err := NewDispatcher(tu, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	tur := NewTurtle("t1", tu)
	if _, err := d.Process(context.Background(), &tur); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(tur.Orders) != 1 || tur.Orders[0] != cmd(protocol.Sleep, 5) {
		t.Fatalf("orders = %v", tur.Orders)
	}
}

func TestService_PollLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	got, err := h.svc.Poll(ctx, "t1")
	if err != nil || got != FirstPollReply {
		t.Fatalf("first poll: %q %v", got, err)
	}
	tur, found, err := h.svc.Turtle(ctx, "t1")
	if err != nil || !found {
		t.Fatalf("turtle not stored: %v", err)
	}
	if tur.Pose() != h.tu.Home() || len(tur.Orders) != 1 || tur.Orders[0] != cmd(protocol.Sleep, 2) {
		t.Fatalf("default turtle: %+v", tur)
	}

	got, err = h.svc.Poll(ctx, "t1")
	if err != nil || got != "Sleep(2)" {
		t.Fatalf("second poll: %q %v", got, err)
	}
	tur, _, _ = h.svc.Turtle(ctx, "t1")
	if len(tur.Orders) != 1 || tur.Orders[0] != cmd(protocol.MinePlot, 1) {
		t.Fatalf("orders after dispatch: %v", tur.Orders)
	}

	if _, err := h.svc.Poll(ctx, "t1"); err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if n, _ := h.plots.Count(ctx, nil); n != 1 {
		t.Fatalf("plots = %d, want 1", n)
	}

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.events) != 2 {
		t.Fatalf("events = %d, want 2", len(h.events.events))
	}
	for _, ev := range h.events.events {
		if _, err := uuid.Parse(ev.ID); err != nil || ev.Turtle != "t1" {
			t.Fatalf("bad event %+v", ev)
		}
	}
	if st := h.svc.Stats(); st.Polls != 3 || st.NewTurtles != 1 || st.Dispatches != 2 || st.DispatchErrors != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestService_OrdersAndInfos(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if ok, err := h.svc.SetOrders(ctx, "ghost", nil); err != nil || ok {
		t.Fatalf("SetOrders unknown: ok=%v err=%v", ok, err)
	}
	if ok, err := h.svc.SetInfo(ctx, "ghost", "isFull", "true"); err != nil || ok {
		t.Fatalf("SetInfo unknown: ok=%v err=%v", ok, err)
	}
	if _, found, err := h.svc.Info(ctx, "ghost", "isFull"); err != nil || found {
		t.Fatalf("Info unknown: found=%v err=%v", found, err)
	}

	_, _ = h.svc.Poll(ctx, "t1")
	orders := []protocol.Command{cmd(protocol.Up, 2), cmd(protocol.Down, 2)}
	if ok, err := h.svc.SetOrders(ctx, "t1", orders); err != nil || !ok {
		t.Fatalf("SetOrders: ok=%v err=%v", ok, err)
	}
	if ok, err := h.svc.SetInfo(ctx, "t1", "fuellevel", "1200"); err != nil || !ok {
		t.Fatalf("SetInfo fuellevel: ok=%v err=%v", ok, err)
	}
	if ok, err := h.svc.SetInfo(ctx, "t1", "note", "hi"); err != nil || !ok {
		t.Fatalf("SetInfo note: ok=%v err=%v", ok, err)
	}
	if v, found, _ := h.svc.Info(ctx, "t1", "fuellevel"); !found || v != "1200" {
		t.Fatalf("fuellevel = %q", v)
	}
	if v, _, _ := h.svc.Info(ctx, "t1", "note"); v != "hi" {
		t.Fatalf("note = %q, other topics must survive", v)
	}
	if v, _, _ := h.svc.Info(ctx, "t1", "missing"); v != "N/A" {
		t.Fatalf("missing topic = %q, want N/A", v)
	}

	if _, err := h.svc.SetInfo(ctx, "t1", "fuellevel", "full"); protocol.CodeOf(err) != protocol.ErrMalformedInput {
		t.Fatalf("bad fuellevel accepted: %v", err)
	}
	for _, bad := range []string{`a"b`, `a\b`, ""} {
		if _, err := h.svc.SetInfo(ctx, "t1", bad, "x"); protocol.CodeOf(err) != protocol.ErrMalformedInput {
			t.Fatalf("topic %q accepted: %v", bad, err)
		}
	}

	got, err := h.svc.Poll(ctx, "t1")
	if err != nil || got != "Up(2)\nDown(2)" {
		t.Fatalf("poll with custom orders: %q %v", got, err)
	}
}

func TestService_FreeFormInfoTopics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, _ = h.svc.Poll(ctx, "t1")

	topics := map[string]string{
		"slot 1":    "cobblestone",
		"inv.count": "12",
		"1stslot":   "coal",
		"état":      "ok",
	}
	for topic, v := range topics {
		if ok, err := h.svc.SetInfo(ctx, "t1", topic, v); err != nil || !ok {
			t.Fatalf("SetInfo(%q): ok=%v err=%v", topic, ok, err)
		}
	}
	for topic, want := range topics {
		if got, _, err := h.svc.Info(ctx, "t1", topic); err != nil || got != want {
			t.Fatalf("Info(%q) = %q, %v; want %q", topic, got, err, want)
		}
	}

	// A dotted topic is one key, not a nested object.
	tur, _, _ := h.svc.Turtle(ctx, "t1")
	if _, ok := tur.Infos["inv"]; ok {
		t.Fatalf("inv.count was split into a nested path: %v", tur.Infos)
	}
	if len(tur.Infos) != len(topics) {
		t.Fatalf("infos = %v", tur.Infos)
	}
}

func TestService_ConcurrentPolls(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	const turtles = 6
	for i := 0; i < turtles; i++ {
		name := fmt.Sprintf("t%d", i)
		_, _ = h.svc.Poll(ctx, name)
		_, _ = h.svc.Poll(ctx, name)
	}

	var wg sync.WaitGroup
	errs := make(chan error, turtles*2)
	for i := 0; i < turtles; i++ {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				if _, err := h.svc.Poll(ctx, name); err != nil {
					errs <- err
				}
			}(fmt.Sprintf("t%d", i))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("poll: %v", err)
	}
	if n, _ := h.plots.Count(ctx, nil); n != turtles {
		t.Fatalf("plots = %d, want one per turtle", n)
	}
	if sz := h.svc.locks.size(); sz != 0 {
		t.Fatalf("lock table leaked %d entries", sz)
	}
}

func parseToken(t *testing.T, tok string) protocol.Command {
	t.Helper()
	name, rest, ok := strings.Cut(tok, "(")
	if !ok || !strings.HasSuffix(rest, ")") {
		t.Fatalf("bad token %q", tok)
	}
	cmds, err := protocol.ParseOrders(name + "," + strings.TrimSuffix(rest, ")"))
	if err != nil || len(cmds) != 1 {
		t.Fatalf("parse %q: %v", tok, err)
	}
	return cmds[0]
}
