package el

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatDatePattern formats t using a yyyy-MM-dd HH:mm:ss style pattern.
// Letters repeat to select width; text in single quotes is literal and ''
// is a quote. Each token is rendered on its own so literal text is never
// reinterpreted as a layout element.
func FormatDatePattern(t time.Time, pattern string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch {
		case c == '\'':
			if i+1 < len(pattern) && pattern[i+1] == '\'' {
				b.WriteByte('\'')
				i += 2
				continue
			}
			end := strings.IndexByte(pattern[i+1:], '\'')
			if end < 0 {
				return "", fmt.Errorf("unterminated quote in date pattern %q", pattern)
			}
			b.WriteString(pattern[i+1 : i+1+end])
			i += end + 2
		case isPatternLetter(c):
			n := 1
			for i+n < len(pattern) && pattern[i+n] == c {
				n++
			}
			s, err := formatToken(t, c, n)
			if err != nil {
				return "", fmt.Errorf("date pattern %q: %w", pattern, err)
			}
			b.WriteString(s)
			i += n
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

func isPatternLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func pad(v, width int) string {
	s := strconv.Itoa(v)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func formatToken(t time.Time, c byte, n int) (string, error) {
	switch c {
	case 'G':
		if t.Year() <= 0 {
			return "BC", nil
		}
		return "AD", nil
	case 'y', 'Y':
		if n == 2 {
			return pad(t.Year()%100, 2), nil
		}
		return pad(t.Year(), n), nil
	case 'M', 'L':
		switch {
		case n >= 4:
			return t.Month().String(), nil
		case n == 3:
			return t.Month().String()[:3], nil
		}
		return pad(int(t.Month()), n), nil
	case 'd':
		return pad(t.Day(), n), nil
	case 'D':
		return pad(t.YearDay(), n), nil
	case 'E':
		if n >= 4 {
			return t.Weekday().String(), nil
		}
		return t.Weekday().String()[:3], nil
	case 'u':
		wd := int(t.Weekday())
		if wd == 0 {
			wd = 7
		}
		return pad(wd, n), nil
	case 'a':
		if t.Hour() < 12 {
			return "AM", nil
		}
		return "PM", nil
	case 'H':
		return pad(t.Hour(), n), nil
	case 'k':
		h := t.Hour()
		if h == 0 {
			h = 24
		}
		return pad(h, n), nil
	case 'K':
		return pad(t.Hour()%12, n), nil
	case 'h':
		h := t.Hour() % 12
		if h == 0 {
			h = 12
		}
		return pad(h, n), nil
	case 'm':
		return pad(t.Minute(), n), nil
	case 's':
		return pad(t.Second(), n), nil
	case 'S':
		return pad(t.Nanosecond()/int(time.Millisecond), n), nil
	case 'z':
		return t.Format("MST"), nil
	case 'Z':
		return t.Format("-0700"), nil
	case 'X':
		switch n {
		case 1:
			return t.Format("Z07"), nil
		case 2:
			return t.Format("Z0700"), nil
		}
		return t.Format("Z07:00"), nil
	}
	return "", fmt.Errorf("unsupported pattern letter %q", c)
}
