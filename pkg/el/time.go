package el

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wehubfusion/Conduit/pkg/field"
)

func timeFunctions() []Function {
	return []Function{
		{
			Namespace:   "time",
			Name:        "now",
			Description: "Returns the datetime pinned for the current batch, or the current time.",
			Returns:     field.Datetime,
			Impl: func(scope *Scope, _ []*field.Field) (*field.Field, error) {
				return field.NewDatetime(Now(scope)), nil
			},
		},
		{
			Namespace:   "time",
			Name:        "trimDate",
			Description: "Sets the date portion of a datetime to January 1, 1970.",
			Params:      []field.Type{field.Datetime},
			Returns:     field.Datetime,
			Impl: func(_ *Scope, args []*field.Field) (*field.Field, error) {
				if args[0].IsNull() {
					return field.Null(field.Datetime), nil
				}
				in, _ := args[0].ValueAsDatetime()
				return field.NewDatetime(TrimDate(in)), nil
			},
		},
		{
			Namespace:   "time",
			Name:        "trimTime",
			Description: "Sets the time portion of a datetime to 00:00:00.",
			Params:      []field.Type{field.Datetime},
			Returns:     field.Datetime,
			Impl: func(_ *Scope, args []*field.Field) (*field.Field, error) {
				if args[0].IsNull() {
					return field.Null(field.Datetime), nil
				}
				in, _ := args[0].ValueAsDatetime()
				return field.NewDatetime(TrimTime(in)), nil
			},
		},
		{
			Namespace:   "time",
			Name:        "millisecondsToDateTime",
			Description: "Converts epoch milliseconds to a datetime.",
			Params:      []field.Type{field.Long},
			Returns:     field.Datetime,
			Impl: func(_ *Scope, args []*field.Field) (*field.Field, error) {
				ms, _ := args[0].ValueAsLong()
				return field.NewDatetime(time.UnixMilli(ms)), nil
			},
		},
		{
			Namespace:   "time",
			Name:        "dateTimeToMilliseconds",
			Description: "Converts a datetime to epoch milliseconds. Null converts to 0.",
			Params:      []field.Type{field.Datetime},
			Returns:     field.Long,
			Impl: func(_ *Scope, args []*field.Field) (*field.Field, error) {
				if args[0].IsNull() {
					return field.NewLong(0), nil
				}
				in, _ := args[0].ValueAsDatetime()
				return field.NewLong(in.UnixMilli()), nil
			},
		},
		{
			Namespace:   "time",
			Name:        "extractStringFromDate",
			Description: "Formats a datetime with a date pattern such as yyyy-MM-dd.",
			Params:      []field.Type{field.Datetime, field.String},
			Returns:     field.String,
			Impl: func(_ *Scope, args []*field.Field) (*field.Field, error) {
				pattern, _ := args[1].ValueAsString()
				if args[0].IsNull() || pattern == "" {
					return field.NewString(""), nil
				}
				in, _ := args[0].ValueAsDatetime()
				s, err := FormatDatePattern(in, pattern)
				if err != nil {
					return nil, err
				}
				return field.NewString(s), nil
			},
		},
		{
			Namespace:   "time",
			Name:        "extractLongFromDate",
			Description: "Formats a datetime with a date pattern and reads the digits as a long.",
			Params:      []field.Type{field.Datetime, field.String},
			Returns:     field.Long,
			Impl: func(_ *Scope, args []*field.Field) (*field.Field, error) {
				pattern, _ := args[1].ValueAsString()
				if args[0].IsNull() || pattern == "" {
					return field.NewLong(0), nil
				}
				in, _ := args[0].ValueAsDatetime()
				n, err := ExtractLongFromDate(in, pattern)
				if err != nil {
					return nil, err
				}
				return field.NewLong(n), nil
			},
		},
	}
}

// TrimDate returns t moved to January 1, 1970 in t's location, keeping the time of day.
func TrimDate(t time.Time) time.Time {
	return time.Date(1970, time.January, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// TrimTime zeroes the hours, minutes and seconds of t in t's location.
// Milliseconds are kept; anything finer is dropped.
func TrimTime(t time.Time) time.Time {
	ms := t.Nanosecond() / int(time.Millisecond) * int(time.Millisecond)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, ms, t.Location())
}

// ExtractLongFromDate formats t with pattern, drops every non-digit and
// parses the rest as a long.
func ExtractLongFromDate(t time.Time, pattern string) (int64, error) {
	s, err := FormatDatePattern(t, pattern)
	if err != nil {
		return 0, err
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pattern %q yields no number: %w", pattern, err)
	}
	return n, nil
}
