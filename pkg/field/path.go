package field

import (
	"strconv"
	"strings"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// Segment is one step of a field path: a name (/name) or an index ([n]).
type Segment struct {
	Name    string
	Index   int
	IsIndex bool
}

func (s Segment) String() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return "/" + EscapeName(s.Name)
}

// ParsePath splits a field path into segments. "" and "/" denote the root
// and yield no segments. Names containing reserved characters are written
// in single or double quotes with backslash escapes, for example /'a/b'.
func ParsePath(path string) ([]Segment, error) {
	if path == "" || path == "/" {
		return nil, nil
	}
	var segs []Segment
	i := 0
	for i < len(path) {
		switch path[i] {
		case '/':
			i++
			if i < len(path) && (path[i] == '\'' || path[i] == '"') {
				name, next, err := parseQuoted(path, i)
				if err != nil {
					return nil, err
				}
				segs = append(segs, Segment{Name: name})
				i = next
				continue
			}
			start := i
			for i < len(path) && path[i] != '/' && path[i] != '[' {
				if path[i] == ']' || path[i] == '\'' || path[i] == '"' {
					return nil, sdkerrors.NewInvalidPath(path, "unexpected "+strconv.QuoteRune(rune(path[i]))+" in unquoted name at offset "+strconv.Itoa(i))
				}
				i++
			}
			if i == start {
				return nil, sdkerrors.NewInvalidPath(path, "empty name at offset "+strconv.Itoa(start))
			}
			segs = append(segs, Segment{Name: path[start:i]})
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, sdkerrors.NewInvalidPath(path, "unterminated index at offset "+strconv.Itoa(i))
			}
			digits := path[i+1 : i+end]
			n, err := strconv.Atoi(digits)
			if err != nil || n < 0 || digits == "" || digits[0] == '+' || digits[0] == '-' {
				return nil, sdkerrors.NewInvalidPath(path, "invalid index "+strconv.Quote(digits))
			}
			segs = append(segs, Segment{Index: n, IsIndex: true})
			i += end + 1
		default:
			return nil, sdkerrors.NewInvalidPath(path, "expected '/' or '[' at offset "+strconv.Itoa(i))
		}
	}
	return segs, nil
}

func parseQuoted(path string, open int) (string, int, error) {
	quote := path[open]
	var b strings.Builder
	for i := open + 1; i < len(path); i++ {
		c := path[i]
		switch {
		case c == '\\':
			if i+1 >= len(path) {
				return "", 0, sdkerrors.NewInvalidPath(path, "dangling escape")
			}
			i++
			b.WriteByte(path[i])
		case c == quote:
			next := i + 1
			if next < len(path) && path[next] != '/' && path[next] != '[' {
				return "", 0, sdkerrors.NewInvalidPath(path, "unexpected character after quoted name at offset "+strconv.Itoa(next))
			}
			return b.String(), next, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, sdkerrors.NewInvalidPath(path, "unterminated quoted name")
}

// EscapeName returns name as a path segment body, quoting it when it
// contains characters reserved by the path grammar.
func EscapeName(name string) string {
	if name != "" && !strings.ContainsAny(name, "/[]'\"\\ \t\n") {
		return name
	}
	var b strings.Builder
	b.Grow(len(name) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(name); i++ {
		if name[i] == '\'' || name[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(name[i])
	}
	b.WriteByte('\'')
	return b.String()
}

// JoinName appends a name segment to a path.
func JoinName(parent, name string) string {
	return parent + "/" + EscapeName(name)
}

// JoinIndex appends an index segment to a path.
func JoinIndex(parent string, i int) string {
	return parent + "[" + strconv.Itoa(i) + "]"
}

// FormatPath renders segments back into a path string.
func FormatPath(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteString(s.String())
	}
	return b.String()
}
