// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package naming turns a path_template into object keys.
//
// Placeholders are written in braces: {stream}, {date_time},
// {date_time:<strftime format>}, {uuid}, {part} and {part:<width>}. A
// doubled brace is a literal brace.
package naming

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-strftime"
)

const (
	DefaultPathTemplate   = "{stream}-{date_time}.json"
	DefaultDateTimeFormat = "%Y%m%dT%H%M%S"
	DefaultDateFormat     = "%Y%m%d"
)

// Values fills the placeholders of one rendered key.
type Values struct {
	Stream string
	Time   time.Time
	Part   int
}

type segmentKind int

const (
	literal segmentKind = iota
	streamField
	dateTimeField
	uuidField
	partField
)

type segment struct {
	kind  segmentKind
	text  string
	width int
}

type Template struct {
	raw      string
	segments []segment
}

// Parse validates tmpl. Unknown placeholders and unbalanced braces are
// configuration errors.
func Parse(tmpl string) (*Template, error) {
	t := &Template{raw: tmpl}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{kind: literal, text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '}':
			return nil, fmt.Errorf("path template %q: unmatched '}' at offset %d", tmpl, i)
		case c == '{':
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("path template %q: unclosed '{' at offset %d", tmpl, i)
			}
			seg, err := parseField(tmpl[i+1 : i+end])
			if err != nil {
				return nil, fmt.Errorf("path template %q: %w", tmpl, err)
			}
			flush()
			t.segments = append(t.segments, seg)
			i += end
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return t, nil
}

func parseField(field string) (segment, error) {
	name, spec, hasSpec := strings.Cut(field, ":")
	switch name {
	case "stream":
		return segment{kind: streamField}, nil
	case "uuid":
		return segment{kind: uuidField}, nil
	case "date_time":
		if !hasSpec || spec == "" {
			spec = DefaultDateTimeFormat
		}
		return segment{kind: dateTimeField, text: spec}, nil
	case "part":
		if !hasSpec {
			return segment{kind: partField}, nil
		}
		digits := strings.TrimLeft(spec, "0>")
		if digits == "" {
			digits = "0"
		}
		width, err := strconv.Atoi(digits)
		if err != nil || width < 0 {
			return segment{}, fmt.Errorf("invalid part width %q", spec)
		}
		return segment{kind: partField, width: width}, nil
	default:
		return segment{}, fmt.Errorf("unknown placeholder {%s}", field)
	}
}

// MustParse is Parse for templates known to be valid.
func MustParse(tmpl string) *Template {
	t, err := Parse(tmpl)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) String() string { return t.raw }

// VariesByPart reports whether two renders for the same stream and time can
// differ, i.e. the template has a {part} or {uuid} placeholder.
func (t *Template) VariesByPart() bool {
	for _, seg := range t.segments {
		if seg.kind == partField || seg.kind == uuidField {
			return true
		}
	}
	return false
}

// WithSuffix returns a template that renders the same keys followed by
// suffix, e.g. the compression extension.
func (t *Template) WithSuffix(suffix string) *Template {
	if suffix == "" {
		return t
	}
	return &Template{
		raw:      t.raw + suffix,
		segments: append(append([]segment(nil), t.segments...), segment{kind: literal, text: suffix}),
	}
}

// Render produces the key for v.
func (t *Template) Render(v Values) string {
	var b strings.Builder
	for _, seg := range t.segments {
		switch seg.kind {
		case literal:
			b.WriteString(seg.text)
		case streamField:
			b.WriteString(v.Stream)
		case dateTimeField:
			b.WriteString(strftime.Format(seg.text, v.Time))
		case uuidField:
			b.WriteString(uuid.NewString())
		case partField:
			fmt.Fprintf(&b, "%0*d", seg.width, v.Part)
		}
	}
	return b.String()
}

// MigrateNamingConvention rewrites a deprecated naming_convention value
// into the path_template syntax.
func MigrateNamingConvention(s string) string {
	return strings.NewReplacer(
		"{timestamp:", "{date_time:",
		"{date:", "{date_time:",
		"{timestamp}", "{date_time:"+DefaultDateTimeFormat+"}",
		"{date}", "{date_time:"+DefaultDateFormat+"}",
	).Replace(s)
}
