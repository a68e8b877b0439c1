// Package jdbc discovers database tables and reads them as records.
//
// Tables are selected per TableConfig by a schema, a SQL LIKE pattern and an
// optional exclusion regular expression. Each selected table is read in
// primary key order, resuming after the last key seen.
package jdbc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour used for discovery and reads.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ErrNoOffsetColumns is returned for a table without a primary key when no
// offset columns are configured.
var ErrNoOffsetColumns = errors.New("table has no primary key and no offset columns configured")

// ParseDialect parses a dialect name, case-insensitively.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case SQLite, Postgres, MySQL:
		return d, nil
	case "postgresql":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported dialect: %s", s)
}

// Open opens a connection pool for dialect.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	if _, err := ParseDialect(string(dialect)); err != nil {
		return nil, err
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)
	return db, nil
}

// TableConfig selects tables.
type TableConfig struct {
	// Schema defaults to main (SQLite), public (PostgreSQL) or the current
	// database (MySQL).
	Schema string `yaml:"schema" json:"schema"`
	// TablePattern is a SQL LIKE pattern. Empty means %.
	TablePattern string `yaml:"table_pattern" json:"table_pattern"`
	// TableExclusionPattern is a regular expression; tables whose whole
	// name matches it are skipped.
	TableExclusionPattern string `yaml:"table_exclusion_pattern,omitempty" json:"table_exclusion_pattern,omitempty"`
	// OffsetColumns overrides the primary key as the read order.
	OffsetColumns []string `yaml:"offset_columns,omitempty" json:"offset_columns,omitempty"`
}

// Table is a discovered table.
type Table struct {
	Schema        string
	Name          string
	OffsetColumns []string
}

// QualifiedName returns schema.name quoted for dialect.
func (t Table) QualifiedName(d Dialect) string {
	if t.Schema == "" {
		return quoteIdent(d, t.Name)
	}
	return quoteIdent(d, t.Schema) + "." + quoteIdent(d, t.Name)
}

func (t Table) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

func quoteIdent(d Dialect, name string) string {
	if d == MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func placeholder(d Dialect, i int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// exclusionMatcher compiles pattern so that it has to match a whole table name.
func exclusionMatcher(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid table exclusion pattern %q: %w", pattern, err)
	}
	return re, nil
}

// ListTables returns the tables selected by cfg, ordered by name.
func ListTables(ctx context.Context, db *sql.DB, dialect Dialect, cfg TableConfig) ([]Table, error) {
	exclude, err := exclusionMatcher(cfg.TableExclusionPattern)
	if err != nil {
		return nil, err
	}
	pattern := cfg.TablePattern
	if pattern == "" {
		pattern = "%"
	}

	schema, names, err := tableNames(ctx, db, dialect, cfg.Schema, pattern)
	if err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		if exclude != nil && exclude.MatchString(name) {
			continue
		}
		t := Table{Schema: schema, Name: name, OffsetColumns: cfg.OffsetColumns}
		if len(t.OffsetColumns) == 0 {
			if t.OffsetColumns, err = primaryKeys(ctx, db, dialect, schema, name); err != nil {
				return nil, err
			}
		}
		if len(t.OffsetColumns) == 0 {
			return nil, fmt.Errorf("%s: %w", t, ErrNoOffsetColumns)
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// tableNames collects the matching names before any key lookups run so a
// single-connection pool is never asked for a second connection.
func tableNames(ctx context.Context, db *sql.DB, dialect Dialect, schema, pattern string) (string, []string, error) {
	var (
		query string
		args  []any
	)
	switch dialect {
	case SQLite:
		if schema == "" {
			schema = "main"
		}
		query = "SELECT name FROM " + quoteIdent(dialect, schema) + ".sqlite_master " +
			"WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name LIKE ? ORDER BY name"
		args = []any{pattern}
	case Postgres:
		if schema == "" {
			schema = "public"
		}
		query = "SELECT table_name FROM information_schema.tables " +
			"WHERE table_schema = $1 AND table_name LIKE $2 AND table_type = 'BASE TABLE' ORDER BY table_name"
		args = []any{schema, pattern}
	case MySQL:
		if schema == "" {
			if err := db.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&schema); err != nil {
				return "", nil, fmt.Errorf("current database: %w", err)
			}
		}
		query = "SELECT table_name FROM information_schema.tables " +
			"WHERE table_schema = ? AND table_name LIKE ? AND table_type = 'BASE TABLE' ORDER BY table_name"
		args = []any{schema, pattern}
	default:
		return "", nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("iterate tables: %w", err)
	}
	return schema, names, nil
}

// primaryKeys returns the primary key columns of a table in key order.
func primaryKeys(ctx context.Context, db *sql.DB, dialect Dialect, schema, table string) ([]string, error) {
	if dialect == SQLite {
		return sqlitePrimaryKeys(ctx, db, schema, table)
	}

	query := "SELECT kcu.column_name FROM information_schema.table_constraints tc " +
		"JOIN information_schema.key_column_usage kcu " +
		"ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema AND tc.table_name = kcu.table_name " +
		"WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = " + placeholder(dialect, 1) +
		" AND tc.table_name = " + placeholder(dialect, 2) + " ORDER BY kcu.ordinal_position"
	rows, err := db.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, fmt.Errorf("primary keys of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan key column: %w", err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func sqlitePrimaryKeys(ctx context.Context, db *sql.DB, schema, table string) ([]string, error) {
	query := "PRAGMA " + quoteIdent(SQLite, schema) + ".table_info(" + quoteIdent(SQLite, table) + ")"
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("primary keys of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	// pk is the 1-based position of the column in the key, 0 for other columns
	byPosition := make(map[int64]string)
	for rows.Next() {
		var (
			cid       int64
			name      string
			typ       sql.NullString
			notNull   int64
			dfltValue any
			pk        int64
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		if pk > 0 {
			byPosition[pk] = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	cols := make([]string, 0, len(byPosition))
	for i := int64(1); i <= int64(len(byPosition)); i++ {
		cols = append(cols, byPosition[i])
	}
	return cols, nil
}
