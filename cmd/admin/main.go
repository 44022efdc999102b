package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	persistlog "turtlecraft.ai/internal/persistence/log"
	"turtlecraft.ai/internal/persistence/snapshot"
	"turtlecraft.ai/internal/sim/dispatch"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "turtles":
		err = turtlesCmd(os.Args[2:], os.Stdout)
	case "plots":
		err = plotsCmd(os.Args[2:], os.Stdout)
	case "export":
		err = exportCmd(os.Args[2:], os.Stdout)
	case "import":
		err = importCmd(os.Args[2:], os.Stdout)
	case "journal":
		err = journalCmd(os.Args[2:], os.Stdout)
	case "stats":
		err = statsCmd(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: admin <command> [flags]

store commands (run against the sqlite file; stop the server first for import):
  turtles [-db path] [name]     list turtles or print one as JSON
  plots   [-db path]            list mining plots
  export  [-db path] -out file  write a .snap.zst of the store
  import  [-db path] -in file   load a .snap.zst into an empty store
  journal [-dir path] [-turtle name] [-limit n]
                                print dispatch journal entries

server commands:
  stats   [-url base]           GET /admin/v1/stats from a running server`)
}

func journalCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dir := fs.String("dir", "./data/journal", "dispatch journal directory")
	turtle := fs.String("turtle", "", "only this turtle")
	interrupts := fs.Bool("interrupts", false, "only interrupt dispatches")
	limit := fs.Int("limit", 0, "print at most the last n entries (0 = all)")
	_ = fs.Parse(args)

	files, err := journalFiles(*dir)
	if err != nil {
		return err
	}
	var evs []dispatch.Event
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line json.RawMessage) error {
			var ev dispatch.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			if *turtle != "" && ev.Turtle != *turtle {
				return nil
			}
			if *interrupts && ev.Interrupt == dispatch.InterruptNone {
				return nil
			}
			evs = append(evs, ev)
			return nil
		})
		if err != nil {
			return err
		}
	}
	if *limit > 0 && len(evs) > *limit {
		evs = evs[len(evs)-*limit:]
	}
	for _, ev := range evs {
		kind := string(ev.Interrupt)
		if kind == "" {
			kind = "-"
		}
		fmt.Fprintf(out, "%s %s %s -> %s interrupt=%s cmds=%q\n",
			ev.Time.UTC().Format(time.RFC3339), ev.Turtle, ev.Before, ev.After, kind, ev.Commands)
	}
	return nil
}

func journalFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "dispatch-") || !strings.HasSuffix(name, ".jsonl.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	// Hour-stamped names sort chronologically.
	sort.Strings(out)
	return out, nil
}

func exportCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbPath := dbFlag(fs)
	outPath := fs.String("out", "", "snapshot file to write (.snap.zst)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*outPath) == "" {
		return fmt.Errorf("missing -out")
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	snap, err := snapshot.Export(ctx, store, time.Now())
	if err != nil {
		return err
	}
	if err := snapshot.WriteSnapshot(*outPath, snap); err != nil {
		return err
	}
	fmt.Fprintf(out, "export ok: turtles=%d plots=%d out=%s\n", len(snap.Turtles), len(snap.MiningPlots), *outPath)
	return nil
}

func importCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dbPath := dbFlag(fs)
	inPath := fs.String("in", "", "snapshot file to load (.snap.zst)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*inPath) == "" {
		return fmt.Errorf("missing -in")
	}

	snap, err := snapshot.ReadSnapshot(*inPath)
	if err != nil {
		return err
	}
	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := snapshot.Import(ctx, store, snap); err != nil {
		return err
	}
	fmt.Fprintf(out, "import ok: turtles=%d plots=%d created_at=%s\n",
		len(snap.Turtles), len(snap.MiningPlots), snap.Header.CreatedAt.UTC().Format(time.RFC3339))
	return nil
}
