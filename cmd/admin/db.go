package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"turtlecraft.ai/internal/persistence/docstore"
	"turtlecraft.ai/internal/sim/dispatch"
	"turtlecraft.ai/internal/sim/plots"
)

func dbFlag(fs *flag.FlagSet) *string {
	return fs.String("db", "./data/turtlecraft.sqlite", "document store path")
}

func openStore(path string) (*docstore.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("missing -db")
	}
	return docstore.Open(path, docstore.Options{})
}

func turtlesCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("turtles", flag.ExitOnError)
	dbPath := dbFlag(fs)
	_ = fs.Parse(args)

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	coll := store.Collection(dispatch.CollectionName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if fs.NArg() > 0 {
		name := fs.Arg(0)
		var t dispatch.Turtle
		found, err := coll.FindOne(ctx, docstore.Filter{"name": name}, &t)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no turtle named %q", name)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPOS\tFACING\tORDERS\tFUEL\tFULL")
	err = coll.Find(ctx, nil, func(raw json.RawMessage) error {
		var t dispatch.Turtle
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", t.Name, t.Pos, t.Direction, len(t.Orders),
			infoOr(t.Infos, dispatch.TopicFuelLevel), infoOr(t.Infos, dispatch.TopicIsFull))
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Flush()
}

func plotsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("plots", flag.ExitOnError)
	dbPath := dbFlag(fs)
	_ = fs.Parse(args)

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GRID\tPOSITION\tSEGMENT\tTURTLE\tCREATED")
	err = store.Collection(plots.CollectionName).Find(ctx, nil, func(raw json.RawMessage) error {
		var p plots.MiningPlot
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		owner := "-"
		if p.CurrentTurtle != nil {
			owner = *p.CurrentTurtle
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", p.GridIndex, p.Position, p.MinedDepthSegment, owner,
			p.CreatedAt.UTC().Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Flush()
}

func infoOr(infos map[string]string, topic string) string {
	if v, ok := infos[topic]; ok {
		return v
	}
	return "N/A"
}
