package jdbc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/field"
	"github.com/wehubfusion/Conduit/pkg/record"
	"github.com/wehubfusion/Conduit/pkg/stage"
	"github.com/wehubfusion/Conduit/pkg/stage/registry"
)

// StageType is the registry name of the table origin.
const StageType = "jdbc_table"

// Header attributes set on every record read from a table.
const (
	AttrTable  = "jdbc.table"
	AttrSchema = "jdbc.schema"
)

// NoMoreDataEvent is the type of the event emitted once every table is read.
const NoMoreDataEvent = "no-more-data"

// Issue and error codes.
const (
	CodeNoDialect    = "JDBC_01"
	CodeNoConnection = "JDBC_02"
	CodeNoTables     = "JDBC_03"
	CodeConnect      = "JDBC_04"
	CodeListTables   = "JDBC_05"
	CodeConversion   = "JDBC_06"
	CodeBadOffset    = "JDBC_07"
)

// SourceConfig configures a TableSource.
type SourceConfig struct {
	Dialect Dialect       `yaml:"dialect" json:"dialect"`
	DSN     string        `yaml:"dsn" json:"dsn"`
	Tables  []TableConfig `yaml:"tables" json:"tables"`
	// QueryTimeout bounds each read. Zero means no limit.
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`
}

// SourceConfigFromStage reads a SourceConfig from stage settings. Table
// selection comes from a "tables" list or, when absent, from top-level
// schema, table_pattern and table_exclusion_pattern keys.
func SourceConfigFromStage(c registry.Config) SourceConfig {
	cfg := SourceConfig{
		Dialect:      Dialect(strings.ToLower(c.String("dialect"))),
		DSN:          c.String("dsn"),
		QueryTimeout: c.Duration("query_timeout", 0),
	}
	tableConfig := func(m registry.Config) TableConfig {
		return TableConfig{
			Schema:                m.String("schema"),
			TablePattern:          m.String("table_pattern"),
			TableExclusionPattern: m.String("table_exclusion_pattern"),
			OffsetColumns:         m.Strings("offset_columns"),
		}
	}
	if list, ok := c.Get("tables").([]any); ok {
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				cfg.Tables = append(cfg.Tables, tableConfig(registry.Config(m)))
			}
		}
	} else if c.Has("table_pattern") || c.Has("schema") {
		cfg.Tables = []TableConfig{tableConfig(c)}
	}
	return cfg
}

// TableSource is an origin stage that reads every selected table in offset
// column order, one LIST_MAP record per row. It remembers the last offset
// of each table and moves to the next table once one is exhausted.
type TableSource struct {
	cfg    SourceConfig
	db     *sql.DB
	ownsDB bool
	logger *zap.Logger

	tables  []Table
	offsets map[string][]any
	current int
	offset  string
	read    int64
	done    bool
}

// Option customizes a TableSource.
type Option func(*TableSource)

// WithDB makes the source use db instead of opening cfg.DSN. The source
// does not close it.
func WithDB(db *sql.DB) Option {
	return func(s *TableSource) { s.db = db }
}

// NewTableSource creates a table origin.
func NewTableSource(cfg SourceConfig, opts ...Option) *TableSource {
	s := &TableSource{cfg: cfg, logger: zap.NewNop(), offsets: make(map[string][]any)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the table origin to a stage registry.
func Register(r *registry.Registry) {
	r.Register(StageType, func(sc registry.StageConfig) (stage.Stage, error) {
		return NewTableSource(SourceConfigFromStage(sc.Config)), nil
	})
}

// Tables returns the tables selected during Init.
func (s *TableSource) Tables() []Table {
	return s.tables
}

// Init connects and discovers the tables to read.
func (s *TableSource) Init(ctx stage.Context) []sdkerrors.ValidationIssue {
	s.logger = ctx.Logger()
	issue := func(key, code, msg string) []sdkerrors.ValidationIssue {
		return []sdkerrors.ValidationIssue{{Stage: ctx.StageID(), Config: key, Code: code, Message: msg}}
	}

	var issues []sdkerrors.ValidationIssue
	if _, err := ParseDialect(string(s.cfg.Dialect)); err != nil {
		issues = append(issues, issue("dialect", CodeNoDialect, err.Error())...)
	}
	if s.db == nil && s.cfg.DSN == "" {
		issues = append(issues, issue("dsn", CodeNoConnection, "a connection string is required")...)
	}
	if len(s.cfg.Tables) == 0 {
		issues = append(issues, issue("tables", CodeNoTables, "at least one table configuration is required")...)
	}
	if len(issues) > 0 {
		return issues
	}

	if s.db == nil {
		db, err := Open(s.cfg.Dialect, s.cfg.DSN)
		if err != nil {
			return issue("dsn", CodeConnect, err.Error())
		}
		s.db, s.ownsDB = db, true
	}
	if err := s.db.PingContext(ctx.Context()); err != nil {
		return issue("dsn", CodeConnect, fmt.Sprintf("failed to connect: %v", err))
	}

	seen := make(map[string]bool)
	for i, tc := range s.cfg.Tables {
		tables, err := ListTables(ctx.Context(), s.db, s.cfg.Dialect, tc)
		if err != nil {
			return issue(fmt.Sprintf("tables[%d]", i), CodeListTables, err.Error())
		}
		for _, t := range tables {
			if !seen[t.String()] {
				seen[t.String()] = true
				s.tables = append(s.tables, t)
			}
		}
	}
	if len(s.tables) == 0 {
		s.logger.Warn("No tables match the table configuration", zap.String("stage", ctx.StageID()))
	}
	s.logger.Info("Table source initialized",
		zap.String("stage", ctx.StageID()),
		zap.String("dialect", string(s.cfg.Dialect)),
		zap.Int("tables", len(s.tables)))
	return nil
}

// Destroy closes the connection pool if the source opened it.
func (s *TableSource) Destroy() {
	if s.ownsDB && s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
	s.db = nil
}

// Produce reads up to maxBatchSize rows from the current table.
func (s *TableSource) Produce(ctx stage.Context, lastOffset string, maxBatchSize int) (string, error) {
	if lastOffset != s.offset {
		if err := s.restore(lastOffset); err != nil {
			return lastOffset, stage.NewRecordError(CodeBadOffset, "cannot resume from offset", err)
		}
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 1000
	}

	for s.current < len(s.tables) {
		n, err := s.readTable(ctx, s.tables[s.current], maxBatchSize)
		if err != nil {
			return s.offset, err
		}
		if n < maxBatchSize {
			s.current++
		}
		if n > 0 {
			s.offset = s.encode()
			return s.offset, nil
		}
	}

	s.offset = s.encode()
	if !s.done {
		s.done = true
		ev := ctx.CreateEventRecord(NoMoreDataEvent, 1)
		if err := ev.Set("/record-count", field.NewLong(s.read)); err != nil {
			return s.offset, err
		}
		if err := ctx.EmitEvent(ev); err != nil {
			return s.offset, err
		}
	}
	return s.offset, stage.ErrEndOfData
}

// readTable emits the next rows of t and returns how many it read.
func (s *TableSource) readTable(ctx stage.Context, t Table, limit int) (int, error) {
	qctx := ctx.Context()
	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(qctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	last := s.offsets[t.String()]
	query, args := s.selectQuery(t, last, limit)
	rows, err := s.db.QueryContext(qctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", t, err)
	}
	defer rows.Close()

	cols, err := resultColumns(s.cfg.Dialect, rows)
	if err != nil {
		return 0, err
	}
	keyIdx, err := offsetIndexes(cols, t.OffsetColumns)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", t, err)
	}

	n := 0
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		clear(values)
		if err := rows.Scan(ptrs...); err != nil {
			return n, fmt.Errorf("scan %s: %w", t, err)
		}
		n++
		key := make([]any, len(keyIdx))
		for i, idx := range keyIdx {
			key[i] = values[idx]
		}
		s.offsets[t.String()] = key
		s.read++

		rec, convErr := s.toRecord(ctx, t, cols, values, key)
		if convErr != nil {
			if err := ctx.OnRecordError(rec, stage.NewRecordError(CodeConversion, "cannot convert row", convErr)); err != nil {
				return n, err
			}
			continue
		}
		if err := ctx.Emit(rec); err != nil {
			return n, err
		}
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterate %s: %w", t, err)
	}
	return n, nil
}

// toRecord builds the record for one row. On a conversion error the record
// holds the columns converted so far.
func (s *TableSource) toRecord(ctx stage.Context, t Table, cols []column, values, key []any) (*record.Record, error) {
	rec := ctx.CreateRecord(fmt.Sprintf("%s::%s", t, joinKey(key)))
	rec.Header().SetAttribute(AttrTable, t.Name)
	rec.Header().SetAttribute(AttrSchema, t.Schema)

	lm := field.NewOrderedMap()
	var convErr error
	for i, c := range cols {
		f, err := c.toField(values[i])
		if err != nil {
			convErr = errors.Join(convErr, err)
			continue
		}
		lm.Put(c.name, f)
	}
	if err := rec.Set("", field.NewListMap(lm)); err != nil {
		return rec, err
	}
	return rec, convErr
}

func (s *TableSource) selectQuery(t Table, last []any, limit int) (string, []any) {
	d := s.cfg.Dialect
	quoted := make([]string, len(t.OffsetColumns))
	for i, c := range t.OffsetColumns {
		quoted[i] = quoteIdent(d, c)
	}
	keys := strings.Join(quoted, ", ")

	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(t.QualifiedName(d))
	var args []any
	if len(last) == len(t.OffsetColumns) {
		params := make([]string, len(last))
		for i := range last {
			params[i] = placeholder(d, i+1)
		}
		fmt.Fprintf(&b, " WHERE (%s) > (%s)", keys, strings.Join(params, ", "))
		args = last
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT %d", keys, limit)
	return b.String(), args
}

func offsetIndexes(cols []column, offsetCols []string) ([]int, error) {
	idx := make([]int, len(offsetCols))
	for i, name := range offsetCols {
		idx[i] = -1
		for j, c := range cols {
			if strings.EqualFold(c.name, name) {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			return nil, fmt.Errorf("offset column %s not in result", name)
		}
	}
	return idx, nil
}

func formatKey(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return fmt.Sprint(v)
}

func joinKey(key []any) string {
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = formatKey(v)
	}
	return strings.Join(parts, ",")
}

// encode renders the position as
// {"current":N,"tables":[{"table":"schema.name","key":["..."]}]}.
func (s *TableSource) encode() string {
	doc := `{"tables":[]}`
	doc, _ = sjson.Set(doc, "current", s.current)
	for _, t := range s.tables {
		key, ok := s.offsets[t.String()]
		if !ok {
			continue
		}
		entry, _ := sjson.Set("", "table", t.String())
		for _, v := range key {
			entry, _ = sjson.Set(entry, "key.-1", formatKey(v))
		}
		doc, _ = sjson.SetRaw(doc, "tables.-1", entry)
	}
	return doc
}

// restore resumes from an offset produced by encode. Key values come back
// as strings and are compared by the database after conversion.
func (s *TableSource) restore(offset string) error {
	clear(s.offsets)
	s.current, s.done = 0, false
	if offset == "" {
		s.offset = ""
		return nil
	}
	if !gjson.Valid(offset) {
		return fmt.Errorf("offset is not valid JSON: %q", offset)
	}
	doc := gjson.Parse(offset)
	s.current = int(doc.Get("current").Int())
	for _, entry := range doc.Get("tables").Array() {
		var key []any
		for _, v := range entry.Get("key").Array() {
			key = append(key, v.String())
		}
		s.offsets[entry.Get("table").String()] = key
	}
	s.offset = offset
	return nil
}

var _ stage.Source = (*TableSource)(nil)
