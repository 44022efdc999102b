package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "turtlecraft.ai/internal/persistence/log"
	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/dispatch"
	"turtlecraft.ai/internal/sim/pose"
)

func main() {
	var (
		journalDir = flag.String("journal", "./data/journal", "directory containing dispatch-*.jsonl.zst")
		turtle     = flag.String("turtle", "", "only verify this turtle (optional)")
		maxReport  = flag.Int("max_report", 20, "stop printing mismatches after this many")
	)
	flag.Parse()

	files, err := listJournalFiles(*journalDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files in", *journalDir)
		os.Exit(2)
	}

	v := newVerifier(*turtle)
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line json.RawMessage) error {
			var ev dispatch.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			v.check(ev)
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}

	v.report(os.Stdout, *maxReport)
	if len(v.mismatches) > 0 {
		os.Exit(1)
	}
}

type mismatch struct {
	EventID string
	Turtle  string
	Reason  string
}

// verifier re-applies every journaled batch to its recorded starting pose
// and checks it lands on the recorded end pose. It also flags a turtle
// whose next dispatch starts somewhere other than where the previous one
// ended.
type verifier struct {
	only string

	events     int
	turtles    map[string]pose.Pose
	mismatches []mismatch
}

func newVerifier(only string) *verifier {
	return &verifier{only: only, turtles: map[string]pose.Pose{}}
}

func (v *verifier) check(ev dispatch.Event) {
	if v.only != "" && ev.Turtle != v.only {
		return
	}
	v.events++

	if last, ok := v.turtles[ev.Turtle]; ok && last != ev.Before {
		v.fail(ev, fmt.Sprintf("starts at %s, previous dispatch ended at %s", ev.Before, last))
	}
	v.turtles[ev.Turtle] = ev.After

	cmds, err := protocol.ParseCommands(ev.Commands)
	if err != nil {
		v.fail(ev, err.Error())
		return
	}
	if ev.Count != len(cmds) {
		v.fail(ev, fmt.Sprintf("count %d but %d commands", ev.Count, len(cmds)))
	}
	sim := ev.Before
	if err := sim.ApplyAll(cmds); err != nil {
		v.fail(ev, err.Error())
		return
	}
	if sim != ev.After {
		v.fail(ev, fmt.Sprintf("replayed to %s, journal says %s", sim, ev.After))
	}
}

func (v *verifier) fail(ev dispatch.Event, reason string) {
	v.mismatches = append(v.mismatches, mismatch{EventID: ev.ID, Turtle: ev.Turtle, Reason: reason})
}

func (v *verifier) report(w io.Writer, limit int) {
	for i, m := range v.mismatches {
		if i == limit {
			fmt.Fprintf(w, "... %d more\n", len(v.mismatches)-limit)
			break
		}
		fmt.Fprintf(w, "MISMATCH event=%s turtle=%s: %s\n", m.EventID, m.Turtle, m.Reason)
	}
	names := make([]string, 0, len(v.turtles))
	for n := range v.turtles {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "turtle %s last pose %s\n", n, v.turtles[n])
	}
	status := "ok"
	if len(v.mismatches) > 0 {
		status = "FAILED"
	}
	fmt.Fprintf(w, "replay %s: events=%d turtles=%d mismatches=%d\n", status, v.events, len(v.turtles), len(v.mismatches))
}

func listJournalFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "dispatch-") && strings.HasSuffix(name, ".jsonl.zst") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}
