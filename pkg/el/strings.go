package el

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wehubfusion/Conduit/pkg/field"
)

func stringFunctions() []Function {
	unary := func(name, desc string, fn func(string) string) Function {
		return Function{
			Namespace:   "str",
			Name:        name,
			Description: desc,
			Params:      []field.Type{field.String},
			Returns:     field.String,
			Impl: func(_ *Scope, args []*field.Field) (*field.Field, error) {
				if args[0].IsNull() {
					return field.Null(field.String), nil
				}
				s, _ := args[0].ValueAsString()
				return field.NewString(fn(s)), nil
			},
		}
	}

	return []Function{
		unary("toUpper", "Converts a string to upper case.", func(s string) string {
			return cases.Upper(language.Und).String(s)
		}),
		unary("toLower", "Converts a string to lower case.", func(s string) string {
			return cases.Lower(language.Und).String(s)
		}),
		unary("capitalize", "Title-cases every word of a string.", func(s string) string {
			return cases.Title(language.Und).String(s)
		}),
		unary("trim", "Removes leading and trailing white space.", strings.TrimSpace),
		{
			Namespace:   "str",
			Name:        "length",
			Description: "Returns the number of characters in a string.",
			Params:      []field.Type{field.String},
			Returns:     field.Integer,
			Impl: func(_ *Scope, args []*field.Field) (*field.Field, error) {
				s, _ := args[0].ValueAsString()
				return field.NewInteger(int32(utf8.RuneCountInString(s))), nil
			},
		},
	}
}
