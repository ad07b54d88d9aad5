package storage

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/schema"
)

func createTestHandle(t *testing.T) *Handle {
	t.Helper()
	h, err := Open(filepath.Join(t.TempDir(), "storage.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func tasksTable() TableSpec {
	return TableSpec{
		Table: schema.Table{
			Name:     "tasks",
			IsPublic: true,
			Columns: []schema.Column{
				{Name: "id", Field: schema.Field{TypeName: schema.TypeNumber}},
				{Name: "title", Field: schema.Field{TypeName: schema.TypeString}},
				{Name: "done", Field: schema.Field{TypeName: schema.TypeBoolean, Optional: true}},
			},
		},
		Seedlings: []schema.Record{
			{"id": int64(1), "title": "write parser", "done": true},
			{"id": int64(2), "title": "write executor"},
		},
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	h := createTestHandle(t)
	var mode string
	require.NoError(t, h.db.Get(&mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, h.db.Get(&fk, "PRAGMA foreign_keys"))
	assert.Equal(t, 1, fk)
}

func TestCreateTablesInsertsSeedlings(t *testing.T) {
	h := createTestHandle(t)
	ctx := context.Background()
	require.NoError(t, h.CreateTables(ctx, []TableSpec{tasksTable()}))

	rows, err := h.Select(ctx, `SELECT id, title, done FROM main."tasks" ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, "write parser", rows[0]["title"])
	assert.Equal(t, int64(1), rows[0]["done"])
	assert.Nil(t, rows[1]["done"])
}

func TestCreateTablesIsIdempotent(t *testing.T) {
	h := createTestHandle(t)
	ctx := context.Background()
	require.NoError(t, h.CreateTables(ctx, []TableSpec{tasksTable()}))
	require.NoError(t, h.CreateTables(ctx, []TableSpec{tasksTable()}))

	rows, err := h.Select(ctx, `SELECT count(*) AS n FROM main."tasks"`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows[0]["n"])
}

func TestCreateTablesRejectsInvalidSeedling(t *testing.T) {
	h := createTestHandle(t)
	spec := tasksTable()
	spec.Seedlings = []schema.Record{{"id": "one"}}

	err := h.CreateTables(context.Background(), []TableSpec{spec})
	require.Error(t, err)
	assert.True(t, apierr.IsSchemaValidation(err), "got %v", err)

	_, err = h.TableSchema(context.Background(), "tasks")
	assert.True(t, apierr.IsDatastoreNotFound(err), "failed creation must not be catalogued")
}

func TestTableSchemaReadsCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.db")
	h, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, h.CreateTables(context.Background(), []TableSpec{tasksTable()}))
	require.NoError(t, h.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.TableSchema(context.Background(), "tasks")
	require.NoError(t, err)
	assert.Equal(t, tasksTable().Table, got)

	all, err := reopened.TableSchemas(context.Background())
	require.NoError(t, err)
	assert.Contains(t, all, "tasks")
}

func TestHandleSerializesAccess(t *testing.T) {
	h := createTestHandle(t)
	ctx := context.Background()

	err := h.ReadTx(ctx, func(tx *sqlx.Tx) error {
		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		inner := h.ReadTx(waitCtx, func(*sqlx.Tx) error { return nil })
		assert.ErrorIs(t, inner, context.DeadlineExceeded)
		assert.Contains(t, inner.Error(), "wait for storage")
		return nil
	})
	require.NoError(t, err)

	// The slot is free again once the outer transaction ends.
	rows, err := h.Select(ctx, "SELECT 1 AS one")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestHandleQueuesConcurrentCallers(t *testing.T) {
	h := createTestHandle(t)
	ctx := context.Background()

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.ReadTx(ctx, func(*sqlx.Tx) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestTxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	h := NewHandle(db)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	err = h.Tx(context.Background(), func(*sqlx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxReportsCommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	h := NewHandle(db)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))
	err = h.Tx(context.Background(), func(*sqlx.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSchemaNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	h := NewHandle(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT schema_json FROM main._table_schemas WHERE name = ?`)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"schema_json"}))
	mock.ExpectRollback()

	_, err = h.TableSchema(context.Background(), "ghost")
	assert.True(t, apierr.IsDatastoreNotFound(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestColumnType(t *testing.T) {
	assert.Equal(t, "NUMERIC", ColumnType(schema.TypeNumber))
	assert.Equal(t, "INTEGER", ColumnType(schema.TypeBoolean))
	assert.Equal(t, "INTEGER", ColumnType(schema.TypeDate))
	assert.Equal(t, "TEXT", ColumnType(schema.TypeBigint))
	assert.Equal(t, "TEXT", ColumnType(schema.TypeObject))
}
