package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/codec"
	"github.com/roach88/datastore/internal/schema"
	"github.com/roach88/datastore/internal/sqlparse"
)

// TableSpec is a table to create, with the rows it starts with.
type TableSpec struct {
	schema.Table
	Seedlings []schema.Record
}

// ColumnType returns the SQLite column type for a field type. Booleans and
// dates are declared INTEGER so the driver returns their stored integers
// rather than converting them.
func ColumnType(t schema.TypeName) string {
	switch t {
	case schema.TypeNumber:
		return "NUMERIC"
	case schema.TypeBoolean, schema.TypeDate:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// ColumnDefs renders a column definition list for CREATE TABLE. Columns
// without a type name are declared without a type, so SQLite stores their
// values unconverted.
func ColumnDefs(cols []schema.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = sqlparse.QuoteIdent(c.Name)
		if c.TypeName != "" {
			defs[i] += " " + ColumnType(c.TypeName)
		}
	}
	return strings.Join(defs, ", ")
}

// CreateTables creates every table that does not exist yet, records its
// schema in the catalog and inserts its seedlings. Seedlings are only
// inserted into tables this call created.
func (h *Handle) CreateTables(ctx context.Context, specs []TableSpec) error {
	created := make(map[string]schema.Table, len(specs))
	err := h.Tx(ctx, func(tx *sqlx.Tx) error {
		for _, spec := range specs {
			if len(spec.Columns) == 0 {
				return fmt.Errorf("table %s has no columns", spec.Name)
			}
			var exists int
			err := tx.GetContext(ctx, &exists,
				`SELECT count(*) FROM main._table_schemas WHERE name = ?`, spec.Name)
			if err != nil {
				return fmt.Errorf("check table %s: %w", spec.Name, err)
			}
			if exists > 0 {
				continue
			}

			ddl := fmt.Sprintf("CREATE TABLE main.%s (%s)",
				sqlparse.QuoteIdent(spec.Name), ColumnDefs(spec.Columns))
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("create table %s: %w", spec.Name, err)
			}

			data, err := json.Marshal(spec.Table)
			if err != nil {
				return fmt.Errorf("encode schema %s: %w", spec.Name, err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO main._table_schemas (name, schema_json, is_public) VALUES (?, ?, ?)`,
				spec.Name, string(data), spec.IsPublic)
			if err != nil {
				return fmt.Errorf("record schema %s: %w", spec.Name, err)
			}

			for _, rec := range spec.Seedlings {
				if err := insertRecord(ctx, tx, spec.Table, rec); err != nil {
					return err
				}
			}
			created[spec.Name] = spec.Table
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	for name, t := range created {
		h.tables[name] = t
	}
	h.mu.Unlock()
	for name := range created {
		h.logger.Info("table created", "table", name)
	}
	return nil
}

func insertRecord(ctx context.Context, tx *sqlx.Tx, t schema.Table, rec schema.Record) error {
	if err := schema.Validate(t.Name+" seedling", t.Fields(), rec, schema.CollectAll); err != nil {
		return err
	}
	enc, err := codec.ToStorageRecord(rec, t.Fields())
	if err != nil {
		return fmt.Errorf("encode seedling for %s: %w", t.Name, err)
	}
	cols := make([]string, 0, len(enc))
	for k := range enc {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = sqlparse.QuoteIdent(c)
		marks[i] = "?"
		args[i] = enc[c]
	}
	q := fmt.Sprintf("INSERT INTO main.%s (%s) VALUES (%s)",
		sqlparse.QuoteIdent(t.Name), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert seedling into %s: %w", t.Name, err)
	}
	return nil
}

// TableSchema returns the catalogued schema of a persisted table.
func (h *Handle) TableSchema(ctx context.Context, name string) (schema.Table, error) {
	h.mu.RLock()
	t, ok := h.tables[name]
	h.mu.RUnlock()
	if ok {
		return t, nil
	}

	var raw string
	err := h.ReadTx(ctx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &raw,
			`SELECT schema_json FROM main._table_schemas WHERE name = ?`, name)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Table{}, apierr.NewDatastoreNotFound("table " + name)
	}
	if err != nil {
		return schema.Table{}, fmt.Errorf("load schema %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return schema.Table{}, fmt.Errorf("decode schema %s: %w", name, err)
	}

	h.mu.Lock()
	h.tables[name] = t
	h.mu.Unlock()
	return t, nil
}

// TableSchemas returns every catalogued table keyed by name.
func (h *Handle) TableSchemas(ctx context.Context) (map[string]schema.Table, error) {
	var raws []string
	err := h.ReadTx(ctx, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &raws, `SELECT schema_json FROM main._table_schemas ORDER BY name`)
	})
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	out := make(map[string]schema.Table, len(raws))
	for _, raw := range raws {
		var t schema.Table
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode schema: %w", err)
		}
		out[t.Name] = t
	}
	return out, nil
}
