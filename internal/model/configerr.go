package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// enumPaths are reported together with the values the schema allows
var enumPaths = map[string]bool{
	"service.log":          true,
	"service.store.driver": true,
}

type CueErrorDetail struct {
	Path    string // channels.0.input.url
	Code    string // unknown_field | missing_required | conflicting_values | validation_error
	Message string
	File    string
	Line    int
	Column  int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.File),
		slog.Int("line", c.Line),
		slog.Int("column", c.Column),
	)
}

var classes = []struct {
	re     *regexp.Regexp
	code   string
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "field %s is required"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "field %s has an invalid value"},
}

// CueErrDetails explains a LoadConfig error, one detail per source
// position. Errors not coming from CUE yield no details.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	type key struct {
		file      string
		line, col int
	}
	seen := make(map[key]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		d, ok := detail(e)
		if !ok {
			continue
		}
		k := key{d.File, d.Line, d.Column}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	return out
}

func detail(e cueerrors.Error) (CueErrorDetail, bool) {
	var d CueErrorDetail
	for _, p := range cueerrors.Positions(e) {
		if p.Filename() != "" {
			d.File, d.Line, d.Column = p.Filename(), p.Line(), p.Column()
			break
		}
	}
	if d.File == "" {
		return d, false
	}

	path := e.Path()
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	d.Path = strings.Join(path, ".")

	format, args := e.Msg()
	raw := fmt.Sprintf(format, args...)
	d.Code, d.Message = "validation_error", raw
	for _, c := range classes {
		if c.re.MatchString(raw) {
			d.Code, d.Message = c.code, fmt.Sprintf(c.format, d.Path)
			break
		}
	}

	if enumPaths[d.Path] {
		values, dflt := enumValues(schema.LookupPath(cue.ParsePath(d.Path)))
		d.Message += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
		if dflt != "" {
			d.Message += fmt.Sprintf(" (default %s)", dflt)
		}
	}
	return d, true
}

// enumValues lists the strings of a disjunction and its default.
func enumValues(v cue.Value) (values []string, dflt string) {
	if d, ok := v.Default(); ok {
		dflt, _ = d.String()
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		if s, err := v.String(); err == nil {
			values = append(values, s)
		}
		return values, dflt
	}
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values, dflt
}
