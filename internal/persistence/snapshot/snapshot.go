package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"turtlecraft.ai/internal/persistence/docstore"
	"turtlecraft.ai/internal/sim/dispatch"
	"turtlecraft.ai/internal/sim/plots"
)

const Version = 1

// Collections in the order they are exported and restored.
var Collections = []string{dispatch.CollectionName, plots.CollectionName}

type Header struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotV1 holds raw store documents so a snapshot round-trips fields the
// current binary does not know about.
type SnapshotV1 struct {
	Header      Header            `json:"header"`
	Turtles     []json.RawMessage `json:"turtles"`
	MiningPlots []json.RawMessage `json:"mining_plots"`
}

func (s *SnapshotV1) docs(collection string) *[]json.RawMessage {
	switch collection {
	case dispatch.CollectionName:
		return &s.Turtles
	case plots.CollectionName:
		return &s.MiningPlots
	}
	return nil
}

// WriteSnapshot writes a header line followed by the full snapshot as one
// JSON document, zstd compressed.
func WriteSnapshot(path string, snap SnapshotV1) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := json.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is repeated inside the body.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := json.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("json decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// Export copies every document of the known collections.
func Export(ctx context.Context, store *docstore.Store, now time.Time) (SnapshotV1, error) {
	snap := SnapshotV1{
		Header:      Header{Version: Version, CreatedAt: now.UTC()},
		Turtles:     []json.RawMessage{},
		MiningPlots: []json.RawMessage{},
	}
	for _, name := range Collections {
		dst := snap.docs(name)
		err := store.Collection(name).Find(ctx, nil, func(raw json.RawMessage) error {
			*dst = append(*dst, append(json.RawMessage(nil), raw...))
			return nil
		})
		if err != nil {
			return snap, fmt.Errorf("export %s: %w", name, err)
		}
	}
	return snap, nil
}

// Import restores a snapshot into a store whose collections are all empty.
// Document order, and with it plot creation order, is preserved.
func Import(ctx context.Context, store *docstore.Store, snap SnapshotV1) error {
	for _, name := range Collections {
		n, err := store.Collection(name).Count(ctx, nil)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		if n != 0 {
			return fmt.Errorf("import: collection %s already holds %d documents", name, n)
		}
	}
	for _, name := range Collections {
		c := store.Collection(name)
		for i, doc := range *snap.docs(name) {
			if err := c.InsertOne(ctx, doc); err != nil {
				return fmt.Errorf("import %s[%d]: %w", name, i, err)
			}
		}
	}
	return nil
}
