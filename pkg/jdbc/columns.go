package jdbc

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/wehubfusion/Conduit/pkg/field"
)

// column is a result column with the Field type its values map to. known is
// false when the database reported no usable type; values are then typed
// by their Go representation.
type column struct {
	name  string
	typ   field.Type
	known bool
}

func resultColumns(d Dialect, rows *sql.Rows) ([]column, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("column types: %w", err)
	}
	cols := make([]column, len(types))
	for i, ct := range types {
		typ, known := fieldType(d, ct.DatabaseTypeName())
		cols[i] = column{name: ct.Name(), typ: typ, known: known}
	}
	return cols, nil
}

// fieldType maps a database type name to a Field type.
func fieldType(d Dialect, dbType string) (field.Type, bool) {
	name := strings.ToUpper(strings.TrimSpace(dbType))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	name = strings.TrimPrefix(name, "UNSIGNED ")
	name = strings.TrimSuffix(name, " UNSIGNED")

	switch name {
	case "BOOLEAN", "BOOL", "BIT":
		return field.Boolean, true
	case "TINYINT":
		return field.Byte, true
	case "SMALLINT", "INT2", "SMALLSERIAL":
		return field.Short, true
	case "INT", "INTEGER", "INT4", "MEDIUMINT", "SERIAL":
		return field.Integer, true
	case "BIGINT", "INT8", "BIGSERIAL":
		return field.Long, true
	case "REAL", "FLOAT4":
		// SQLite stores REAL as an 8-byte float
		if d == SQLite {
			return field.Double, true
		}
		return field.Float, true
	case "DOUBLE", "DOUBLE PRECISION", "FLOAT", "FLOAT8":
		return field.Double, true
	case "NUMERIC", "DECIMAL", "MONEY":
		return field.Decimal, true
	case "DATE":
		return field.Date, true
	case "TIME", "TIMETZ", "TIME WITH TIME ZONE", "TIME WITHOUT TIME ZONE":
		return field.Time, true
	case "DATETIME", "TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE", "TIMESTAMP WITHOUT TIME ZONE":
		return field.Datetime, true
	case "BLOB", "BYTEA", "BINARY", "VARBINARY", "LONGBLOB", "MEDIUMBLOB", "TINYBLOB":
		return field.ByteArray, true
	case "CHAR", "CHARACTER", "BPCHAR", "NCHAR", "VARCHAR", "CHARACTER VARYING", "NVARCHAR",
		"TEXT", "CLOB", "TINYTEXT", "MEDIUMTEXT", "LONGTEXT", "UUID", "JSON", "JSONB", "ENUM":
		return field.String, true
	}
	return field.String, false
}

// toField converts a scanned value to a field of the column's type. NULL
// keeps the column type.
func (c column) toField(v any) (*field.Field, error) {
	if v == nil {
		return field.Null(c.typ), nil
	}
	var src *field.Field
	switch x := v.(type) {
	case bool:
		src = field.NewBool(x)
	case int64:
		src = field.NewLong(x)
	case float64:
		src = field.NewDouble(x)
	case time.Time:
		src = field.NewDatetime(x)
	case string:
		src = field.NewString(x)
	case []byte:
		if c.typ == field.ByteArray {
			return field.NewByteArray(x), nil
		}
		src = field.NewString(string(x))
	default:
		src = field.NewString(fmt.Sprint(x))
	}
	if !c.known || src.Type() == c.typ {
		return src, nil
	}
	out, err := src.Coerce(c.typ)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", c.name, err)
	}
	return out, nil
}
