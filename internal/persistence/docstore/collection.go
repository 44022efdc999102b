package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"turtlecraft.ai/internal/protocol"
)

// Filter matches documents whose fields equal the given values. Keys are
// dotted field paths ("infos.fuellevel"). A nil value matches null or
// missing fields. Values must be strings, integers or bools.
type Filter map[string]any

// Set assigns fields, like a "$set" update. Values are stored as their JSON
// encoding, so nested slices, maps and structs are fine.
type Set map[string]any

var fieldRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Path builds a Filter or Set key from literal segments, for names that may
// hold dots or spaces ("infos", "slot 1"). Segments must be non-empty and
// free of `"` and `\`.
func Path(segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("empty field path")
	}
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range segments {
		if seg == "" || strings.ContainsAny(seg, `"\`) {
			return "", fmt.Errorf("bad field segment %q", seg)
		}
		b.WriteString(`."`)
		b.WriteString(seg)
		b.WriteString(`"`)
	}
	return b.String(), nil
}

type Collection struct {
	s    *Store
	name string
}

func (c *Collection) Name() string { return c.name }

// FindOne decodes the oldest matching document into out.
func (c *Collection) FindOne(ctx context.Context, f Filter, out any) (bool, error) {
	where, args, err := c.where(f)
	if err != nil {
		return false, err
	}
	q := `SELECT body FROM documents WHERE ` + where + ` ORDER BY id LIMIT 1`
	var body string
	var found bool
	err = c.s.retry(ctx, c.op("find_one"), func() error {
		err := c.s.db.QueryRowContext(ctx, q, args...).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return false, protocol.StoreFailure(c.op("find_one"), fmt.Errorf("decode: %w", err))
	}
	return true, nil
}

// Find streams every matching document, oldest first, as raw JSON.
func (c *Collection) Find(ctx context.Context, f Filter, fn func(raw json.RawMessage) error) error {
	where, args, err := c.where(f)
	if err != nil {
		return err
	}
	var bodies []string
	err = c.s.retry(ctx, c.op("find"), func() error {
		bodies = bodies[:0]
		rows, err := c.s.db.QueryContext(ctx, `SELECT body FROM documents WHERE `+where+` ORDER BY id`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var b string
			if err := rows.Scan(&b); err != nil {
				return err
			}
			bodies = append(bodies, b)
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}
	for _, b := range bodies {
		if err := fn(json.RawMessage(b)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) InsertOne(ctx context.Context, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return protocol.StoreFailure(c.op("insert_one"), fmt.Errorf("encode: %w", err))
	}
	return c.s.retry(ctx, c.op("insert_one"), func() error {
		_, err := c.s.db.ExecContext(ctx, `INSERT INTO documents(collection, body) VALUES(?, ?)`, c.name, string(b))
		return err
	})
}

// UpdateOne applies set to the oldest matching document and reports how many
// documents matched (0 or 1).
func (c *Collection) UpdateOne(ctx context.Context, f Filter, set Set) (int64, error) {
	if len(set) == 0 {
		return 0, fmt.Errorf("%s: empty set", c.op("update_one"))
	}
	where, whereArgs, err := c.where(f)
	if err != nil {
		return 0, err
	}
	keys := sortedKeys(set)
	var (
		expr strings.Builder
		args []any
	)
	expr.WriteString("json_set(body")
	for _, k := range keys {
		path, err := jsonPath(k)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", c.op("update_one"), err)
		}
		v, err := json.Marshal(set[k])
		if err != nil {
			return 0, protocol.StoreFailure(c.op("update_one"), fmt.Errorf("encode %s: %w", k, err))
		}
		expr.WriteString(", ?, json(?)")
		args = append(args, path, string(v))
	}
	expr.WriteString(")")
	args = append(args, whereArgs...)

	q := `UPDATE documents SET body = ` + expr.String() +
		` WHERE id = (SELECT id FROM documents WHERE ` + where + ` ORDER BY id LIMIT 1)`
	return c.exec(ctx, "update_one", q, args)
}

// ReplaceOne swaps the whole body of the oldest matching document.
func (c *Collection) ReplaceOne(ctx context.Context, f Filter, doc any) (int64, error) {
	where, whereArgs, err := c.where(f)
	if err != nil {
		return 0, err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return 0, protocol.StoreFailure(c.op("replace_one"), fmt.Errorf("encode: %w", err))
	}
	args := append([]any{string(b)}, whereArgs...)
	q := `UPDATE documents SET body = ? WHERE id = (SELECT id FROM documents WHERE ` + where + ` ORDER BY id LIMIT 1)`
	return c.exec(ctx, "replace_one", q, args)
}

func (c *Collection) Count(ctx context.Context, f Filter) (int64, error) {
	where, args, err := c.where(f)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.s.retry(ctx, c.op("count"), func() error {
		return c.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&n)
	})
	return n, err
}

// EnsureUniqueIndex rejects inserts or updates that would give two documents
// in the collection the same non-null value at field.
func (c *Collection) EnsureUniqueIndex(ctx context.Context, field string) error {
	path, err := jsonPath(field)
	if err != nil {
		return err
	}
	if strings.ContainsRune(path, '\'') {
		return fmt.Errorf("bad index field %q", field)
	}
	if !fieldRe.MatchString(c.name) {
		return fmt.Errorf("bad collection name %q", c.name)
	}
	idx := "uq_" + c.name + "_" + strings.ReplaceAll(strings.ReplaceAll(field, ".", "_"), "-", "_")
	// Index expressions cannot be bound parameters.
	q := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON documents(json_extract(body, '%s')) WHERE collection = '%s'`, idx, path, c.name)
	return c.s.retry(ctx, c.op("ensure_index"), func() error {
		_, err := c.s.db.ExecContext(ctx, q)
		return err
	})
}

func (c *Collection) exec(ctx context.Context, op, q string, args []any) (int64, error) {
	var n int64
	err := c.s.retry(ctx, c.op(op), func() error {
		res, err := c.s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (c *Collection) op(name string) string {
	return "docstore " + c.name + " " + name
}

func (c *Collection) where(f Filter) (string, []any, error) {
	var b strings.Builder
	args := []any{c.name}
	b.WriteString("collection = ?")
	for _, k := range sortedKeys(f) {
		path, err := jsonPath(k)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", c.op("filter"), err)
		}
		v := f[k]
		if v == nil {
			b.WriteString(" AND json_extract(body, ?) IS NULL")
			args = append(args, path)
			continue
		}
		switch x := v.(type) {
		case string, int, int32, int64:
		case bool:
			if x {
				v = 1
			} else {
				v = 0
			}
		default:
			return "", nil, fmt.Errorf("%s: unsupported filter value %T for %s", c.op("filter"), v, k)
		}
		b.WriteString(" AND json_extract(body, ?) = ?")
		args = append(args, path, v)
	}
	return b.String(), args, nil
}

// jsonPath turns "infos.fuellevel" into `$."infos"."fuellevel"`. Keys built
// by Path are already JSON paths and pass through.
func jsonPath(field string) (string, error) {
	if strings.HasPrefix(field, "$.") {
		return field, nil
	}
	parts := strings.Split(field, ".")
	var b strings.Builder
	b.WriteString("$")
	for _, p := range parts {
		if !fieldRe.MatchString(p) {
			return "", fmt.Errorf("bad field path %q", field)
		}
		b.WriteString(`."`)
		b.WriteString(p)
		b.WriteString(`"`)
	}
	return b.String(), nil
}

func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
