package evaluator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// bracket encloses variables between the two substitution passes.
// Control characters never occur in variable values.
const (
	openMark  = "\x02"
	closeMark = "\x03"
)

var (
	variableToken = regexp.MustCompile(`\$[a-zA-Z0-9_]+`)
	bracketed     = regexp.MustCompile(openMark + `(\$[a-zA-Z0-9_]+)` + closeMark + `(\{[^{}]*\})?`)
)

// Formatter renders `{spec}` modifiers that follow a variable
type Formatter struct {
	printer    *message.Printer
	dateLayout string
	timeLayout string
	location   *time.Location
	// plain prints numbers without locale grouping
	plain bool
}

// NewFormatter creates a formatter for tag with the `#d` and `#t` layouts
func NewFormatter(tag language.Tag, dateLayout, timeLayout string, loc *time.Location) *Formatter {
	if loc == nil {
		loc = time.UTC
	}
	return &Formatter{
		printer:    message.NewPrinter(tag),
		dateLayout: dateLayout,
		timeLayout: timeLayout,
		location:   loc,
	}
}

// Plain returns a copy that formats numbers without locale separators,
// keeping formatted values parseable inside arithmetic terms
func (f *Formatter) Plain() *Formatter {
	p := *f
	p.plain = true
	return &p
}

func (f *Formatter) sprintf(spec string, arg any) string {
	if f.plain {
		return fmt.Sprintf(spec, arg)
	}
	return f.printer.Sprintf(spec, arg)
}

// Substitution replaces variables in a term
type Substitution struct {
	// Fallback replaces unknown variables; when nil they stay literal
	Fallback *string
	// Wrap is applied to every resolved value, e.g. to parenthesise numbers
	Wrap func(string) string
	// Format applies `{spec}` modifiers; when nil modifiers are dropped
	Format *Formatter
}

// Substitute replaces every `$name` of text with its value in vars.
// Values are inserted in a single pass so a value containing `$` is never expanded again.
func Substitute(text string, vars map[string]string, sub Substitution) string {
	if !strings.Contains(text, "$") {
		return text
	}

	marked := variableToken.ReplaceAllStringFunc(text, func(name string) string {
		return openMark + name + closeMark
	})

	return bracketed.ReplaceAllStringFunc(marked, func(token string) string {
		parts := bracketed.FindStringSubmatch(token)
		name, spec := parts[1], parts[2]

		value, ok := vars[name]
		if !ok {
			if sub.Fallback == nil {
				return name + spec
			}
			value = *sub.Fallback
		}
		if spec != "" && sub.Format != nil {
			value = sub.Format.apply(value, strings.Trim(spec, "{}"))
		}
		if sub.Wrap != nil {
			value = sub.Wrap(value)
		}
		return value
	})
}

func (f *Formatter) apply(value, spec string) string {
	switch spec {
	case "#d", "#t":
		t, err := parseDate(value, f.location)
		if err != nil {
			return value
		}
		if spec == "#d" {
			return t.Format(f.dateLayout)
		}
		return t.Format(f.timeLayout)
	}

	if !strings.HasPrefix(spec, "%") {
		return value
	}
	verb := spec[len(spec)-1:]
	if strings.ContainsAny(verb, "sqv") {
		return f.sprintf(spec, value)
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return value
	}
	if strings.ContainsAny(verb, "dxXob") {
		return f.sprintf(spec, int64(n))
	}
	return f.sprintf(spec, n)
}
