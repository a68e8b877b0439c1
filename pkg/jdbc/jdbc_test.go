package jdbc

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Conduit/pkg/field"
	"github.com/wehubfusion/Conduit/pkg/record"
	"github.com/wehubfusion/Conduit/pkg/stage"
	"github.com/wehubfusion/Conduit/pkg/stage/registry"
)

// openTestDB returns an in-memory database with a TEST schema attached. The
// pool is limited to one connection so every query sees the same database.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(SQLite, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("ATTACH DATABASE ':memory:' AS TEST")
	require.NoError(t, err)
	return db
}

func TestListTables_Exclusion(t *testing.T) {
	db := openTestDB(t)
	for _, name := range []string{
		"TABLEA", "TABLEB", "TABLEC", "TABLED", "TABLEE",
		"TABLE1", "TABLE2", "TABLE3", "TABLE4", "TABLE5",
	} {
		_, err := db.Exec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS TEST.%s (p_id INT NOT NULL PRIMARY KEY)", name))
		require.NoError(t, err)
	}

	tests := []struct {
		name      string
		pattern   string
		exclusion string
		want      int
	}{
		{"no exclusion", "%", "", 10},
		{"exclude everything", "%", ".*", 0},
		{"exclude ending with numbers", "TABLE%", "TABLE[0-9]+", 5},
		{"exclude single table", "TABLE%", "TABLE1", 9},
		{"exclude alternation", "TABLE%", "TABLE1|TABLE2", 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables, err := ListTables(context.Background(), db, SQLite, TableConfig{
				Schema:                "TEST",
				TablePattern:          tt.pattern,
				TableExclusionPattern: tt.exclusion,
			})
			require.NoError(t, err)
			assert.Len(t, tables, tt.want)
			for _, tbl := range tables {
				assert.Equal(t, "TEST", tbl.Schema)
				assert.Equal(t, []string{"p_id"}, tbl.OffsetColumns)
			}
		})
	}
}

func TestListTables_ExclusionMatchesWholeName(t *testing.T) {
	db := openTestDB(t)
	for _, name := range []string{"orders", "orders_archive"} {
		_, err := db.Exec(fmt.Sprintf("CREATE TABLE TEST.%s (id INTEGER PRIMARY KEY)", name))
		require.NoError(t, err)
	}
	tables, err := ListTables(context.Background(), db, SQLite, TableConfig{
		Schema:                "TEST",
		TableExclusionPattern: "orders",
	})
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "orders_archive", tables[0].Name)
}

func TestListTables_CompositeKeyAndOverride(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec("CREATE TABLE TEST.lines (b INT, a INT, qty INT, PRIMARY KEY (a, b))")
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE TEST.nokey (n INT)")
	require.NoError(t, err)

	tables, err := ListTables(context.Background(), db, SQLite, TableConfig{Schema: "TEST", TablePattern: "lines"})
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, []string{"a", "b"}, tables[0].OffsetColumns)

	_, err = ListTables(context.Background(), db, SQLite, TableConfig{Schema: "TEST", TablePattern: "nokey"})
	assert.ErrorIs(t, err, ErrNoOffsetColumns)

	tables, err = ListTables(context.Background(), db, SQLite, TableConfig{
		Schema:        "TEST",
		TablePattern:  "nokey",
		OffsetColumns: []string{"n"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, tables[0].OffsetColumns)
}

func TestListTables_InvalidExclusion(t *testing.T) {
	db := openTestDB(t)
	_, err := ListTables(context.Background(), db, SQLite, TableConfig{TableExclusionPattern: "("})
	assert.Error(t, err)
}

func seedPeople(t *testing.T, db *sql.DB, rows int) {
	t.Helper()
	_, err := db.Exec("CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT, score DOUBLE)")
	require.NoError(t, err)
	for i := 1; i <= rows; i++ {
		var name any = fmt.Sprintf("person%d", i)
		if i == 2 {
			name = nil
		}
		_, err := db.Exec("INSERT INTO people (id, name, score) VALUES (?, ?, ?)", i, name, float64(i)/2)
		require.NoError(t, err)
	}
}

func newSourceRuntime(t *testing.T, src *TableSource) *stage.Runtime {
	t.Helper()
	rt, err := stage.NewRuntime(stage.Info{ID: "jdbc1", Type: StageType}, src, stage.DefaultRuntimeConfig())
	require.NoError(t, err)
	t.Cleanup(rt.Destroy)
	require.NoError(t, rt.Init(context.Background()))
	return rt
}

func TestTableSource_ReadsInBatches(t *testing.T) {
	db := openTestDB(t)
	seedPeople(t, db, 5)

	src := NewTableSource(SourceConfig{
		Dialect: SQLite,
		Tables:  []TableConfig{{TablePattern: "people"}},
	}, WithDB(db))
	rt := newSourceRuntime(t, src)
	require.Len(t, src.Tables(), 1)

	var (
		all    []*record.Record
		events []*record.Record
		offset string
	)
	for range 10 {
		out, next, err := rt.Produce(context.Background(), offset, 2)
		if out != nil {
			all = append(all, out.Records()...)
			events = append(events, out.Events...)
		}
		offset = next
		if err != nil {
			require.ErrorIs(t, err, stage.ErrEndOfData)
			break
		}
	}
	require.Len(t, all, 5)

	for i, rec := range all {
		root := rec.Root()
		require.Equal(t, field.ListMap, root.Type())
		lm, err := root.ValueAsListMap()
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name", "score"}, lm.Keys())

		id, err := rec.Get("/id")
		require.NoError(t, err)
		assert.Equal(t, field.Integer, id.Type())
		assert.Equal(t, int32(i+1), id.Value())

		v, _ := rec.Header().Attribute(AttrTable)
		assert.Equal(t, "people", v)
		v, _ = rec.Header().Attribute(AttrSchema)
		assert.Equal(t, "main", v)
	}

	name, err := all[1].Get("/name")
	require.NoError(t, err)
	assert.True(t, name.IsNull())
	assert.Equal(t, field.String, name.Type())

	score, err := all[3].Get("/score")
	require.NoError(t, err)
	assert.Equal(t, field.Double, score.Type())
	assert.Equal(t, 2.0, score.Value())

	require.Len(t, events, 1)
	typ, _ := events[0].Header().Attribute(record.EventTypeAttr)
	assert.Equal(t, NoMoreDataEvent, typ)
	count, err := events[0].Get("/record-count")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count.Value())
}

func TestTableSource_ResumesFromOffset(t *testing.T) {
	db := openTestDB(t)
	seedPeople(t, db, 4)
	cfg := SourceConfig{Dialect: SQLite, Tables: []TableConfig{{TablePattern: "people"}}}

	rt := newSourceRuntime(t, NewTableSource(cfg, WithDB(db)))
	_, offset, err := rt.Produce(context.Background(), "", 3)
	require.NoError(t, err)
	assert.Contains(t, offset, `"key":["3"]`)

	// A fresh source picks up after the committed offset.
	rt2 := newSourceRuntime(t, NewTableSource(cfg, WithDB(db)))
	out, _, err := rt2.Produce(context.Background(), offset, 3)
	require.NoError(t, err)
	require.Len(t, out.Records(), 1)
	id, err := out.Records()[0].Get("/id")
	require.NoError(t, err)
	assert.Equal(t, int32(4), id.Value())
}

func TestTableSource_Validation(t *testing.T) {
	rt, err := stage.NewRuntime(stage.Info{ID: "jdbc1"}, NewTableSource(SourceConfig{}), stage.DefaultRuntimeConfig())
	require.NoError(t, err)
	t.Cleanup(rt.Destroy)

	err = rt.Init(context.Background())
	require.Error(t, err)
	for _, code := range []string{CodeNoDialect, CodeNoConnection, CodeNoTables} {
		assert.Contains(t, err.Error(), code)
	}
}

func TestSourceConfigFromStage(t *testing.T) {
	cfg := SourceConfigFromStage(registry.Config{
		"dialect": "SQLite",
		"dsn":     "file:test.db",
		"tables": []any{
			map[string]any{"schema": "TEST", "table_pattern": "T%", "offset_columns": []any{"id"}},
		},
	})
	assert.Equal(t, SQLite, cfg.Dialect)
	require.Len(t, cfg.Tables, 1)
	assert.Equal(t, "T%", cfg.Tables[0].TablePattern)
	assert.Equal(t, []string{"id"}, cfg.Tables[0].OffsetColumns)

	cfg = SourceConfigFromStage(registry.Config{"dialect": "postgres", "table_pattern": "%"})
	require.Len(t, cfg.Tables, 1)
	assert.Equal(t, "%", cfg.Tables[0].TablePattern)
}

func TestFieldType(t *testing.T) {
	tests := []struct {
		dialect Dialect
		dbType  string
		want    field.Type
	}{
		{SQLite, "INTEGER", field.Integer},
		{SQLite, "REAL", field.Double},
		{Postgres, "REAL", field.Float},
		{MySQL, "VARCHAR(20)", field.String},
		{MySQL, "BIGINT UNSIGNED", field.Long},
		{Postgres, "NUMERIC", field.Decimal},
		{Postgres, "TIMESTAMPTZ", field.Datetime},
		{Postgres, "BYTEA", field.ByteArray},
	}
	for _, tt := range tests {
		t.Run(string(tt.dialect)+"/"+tt.dbType, func(t *testing.T) {
			got, known := fieldType(tt.dialect, tt.dbType)
			assert.True(t, known)
			assert.Equal(t, tt.want, got)
		})
	}
}
