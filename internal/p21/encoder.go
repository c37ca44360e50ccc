package p21

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"stepcore/internal/core"
	"stepcore/pkg/sdai"
)

// DefaultImplementationLevel is written when the header leaves it empty.
const DefaultImplementationLevel = "2;1"

// Encoder writes models as one exchange structure.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes the header and one DATA section per model. Instances are
// written in name order; instance names must be unique across models and
// references must stay within them.
func (e *Encoder) Encode(h Header, models ...*core.SdaiModel) error {
	included := make(map[uuid.UUID]bool, len(models))
	owner := make(map[int64]string)
	for _, m := range models {
		included[m.ID()] = true
		for _, ce := range m.Contents().AllComplexEntities() {
			if prev, dup := owner[ce.Name()]; dup {
				return fmt.Errorf("encode: #%d appears in models %s and %s", ce.Name(), prev, m.Name())
			}
			owner[ce.Name()] = m.Name()
		}
	}
	if len(h.Schemas) == 0 {
		seen := make(map[string]bool)
		for _, m := range models {
			if name := m.Schema().Name; !seen[name] {
				seen[name] = true
				h.Schemas = append(h.Schemas, name)
			}
		}
	}
	if h.ImplementationLevel == "" {
		h.ImplementationLevel = DefaultImplementationLevel
	}

	var b strings.Builder
	b.WriteString("ISO-10303-21;\nHEADER;\n")
	if err := e.headerRecords(&b, h); err != nil {
		return err
	}
	b.WriteString("ENDSEC;\n")
	named := len(models) > 1 || len(h.Schemas) != 1
	for _, m := range models {
		if named {
			name, err := encodeString(m.Name())
			if err != nil {
				return err
			}
			schema, _ := encodeString(m.Schema().Name)
			fmt.Fprintf(&b, "DATA(%s,(%s));\n", name, schema)
		} else {
			b.WriteString("DATA;\n")
		}
		for _, ce := range m.Contents().SortedComplexEntities() {
			if err := writeInstance(&b, ce, included); err != nil {
				return fmt.Errorf("encode %s: %w", ce, err)
			}
		}
		b.WriteString("ENDSEC;\n")
	}
	b.WriteString("END-ISO-10303-21;\n")
	if _, err := e.w.WriteString(b.String()); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) headerRecords(b *strings.Builder, h Header) error {
	records := []SimpleRecord{
		{Keyword: "FILE_DESCRIPTION", Params: []Parameter{stringList(h.Description), StringParam(h.ImplementationLevel)}},
		{Keyword: "FILE_NAME", Params: []Parameter{
			StringParam(h.Name), StringParam(h.TimeStamp), stringList(h.Author), stringList(h.Organization),
			StringParam(h.PreprocessorVersion), StringParam(h.OriginatingSystem), StringParam(h.Authorization),
		}},
		{Keyword: "FILE_SCHEMA", Params: []Parameter{stringList(h.Schemas)}},
	}
	records = append(records, h.Extra...)
	for _, rec := range records {
		if err := writeRecord(b, rec); err != nil {
			return fmt.Errorf("encode header %s: %w", rec.Keyword, err)
		}
		b.WriteString(";\n")
	}
	return nil
}

func stringList(items []string) ListParam {
	out := make(ListParam, len(items))
	for i, s := range items {
		out[i] = StringParam(s)
	}
	return out
}

func writeRecord(b *strings.Builder, rec SimpleRecord) error {
	if rec.UserDefined {
		b.WriteByte('!')
	}
	b.WriteString(rec.Keyword)
	b.WriteByte('(')
	for i, p := range rec.Params {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := writeParam(b, p); err != nil {
			return err
		}
	}
	b.WriteByte(')')
	return nil
}

func writeParam(b *strings.Builder, p Parameter) error {
	switch t := p.(type) {
	case IntegerParam:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case RealParam:
		b.WriteString(formatReal(float64(t)))
	case StringParam:
		s, err := encodeString(string(t))
		if err != nil {
			return err
		}
		b.WriteString(s)
	case BinaryParam:
		b.WriteString(`"` + string(t) + `"`)
	case EnumParam:
		b.WriteString("." + string(t) + ".")
	case ListParam:
		b.WriteByte('(')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeParam(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(')')
	case TypedParam:
		b.WriteString(t.Keyword + "(")
		if err := writeParam(b, t.Param); err != nil {
			return err
		}
		b.WriteByte(')')
	case RefParam:
		b.WriteString(InstanceName(t).String())
	case ResourceParam:
		b.WriteString("<" + string(t) + ">")
	case NullParam:
		b.WriteByte('$')
	case OmittedParam:
		b.WriteByte('*')
	default:
		return fmt.Errorf("unsupported parameter %T", p)
	}
	return nil
}

// formatReal writes the shortest representation that keeps the decimal
// point the grammar requires: 1., 1.5, 1.E-05.
func formatReal(f float64) string {
	s := strconv.FormatFloat(f, 'G', -1, 64)
	if strings.Contains(s, ".") {
		return s
	}
	if i := strings.IndexByte(s, 'E'); i >= 0 {
		return s[:i] + "." + s[i:]
	}
	return s + "."
}

// writeInstance writes ce as a simple record when its partials are exactly
// the lineage of one leaf type, and as a subsuper record otherwise.
func writeInstance(b *strings.Builder, ce *core.ComplexEntity, included map[uuid.UUID]bool) error {
	fmt.Fprintf(b, "#%d=", ce.Name())
	partials := ce.Partials()
	if leaves := ce.LeafReferences(); len(leaves) == 1 {
		lineage := leaves[0].Definition().Lineage()
		if len(lineage) == len(partials) {
			var values []core.Value
			complete := true
			for _, def := range lineage {
				p, ok := ce.Partial(def.Name)
				if !ok {
					complete = false
					break
				}
				values = append(values, p.Values()...)
			}
			if complete {
				if err := writeEntityRecord(b, leaves[0].Definition().Name, values, included); err != nil {
					return err
				}
				b.WriteString(";\n")
				return nil
			}
		}
	}
	b.WriteByte('(')
	for _, p := range partials {
		if err := writeEntityRecord(b, p.Definition.Name, p.Values(), included); err != nil {
			return err
		}
	}
	b.WriteString(");\n")
	return nil
}

func writeEntityRecord(b *strings.Builder, keyword string, values []core.Value, included map[uuid.UUID]bool) error {
	b.WriteString(keyword)
	b.WriteByte('(')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := writeValue(b, v, included); err != nil {
			return err
		}
	}
	b.WriteByte(')')
	return nil
}

func writeValue(b *strings.Builder, v core.Value, included map[uuid.UUID]bool) error {
	switch t := v.(type) {
	case nil:
		b.WriteByte('$')
	case core.Integer:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case core.Real:
		b.WriteString(formatReal(float64(t)))
	case core.String:
		s, err := encodeString(string(t))
		if err != nil {
			return err
		}
		b.WriteString(s)
	case core.Binary:
		b.WriteString(`"` + string(t) + `"`)
	case core.Boolean:
		if t {
			b.WriteString(".T.")
		} else {
			b.WriteString(".F.")
		}
	case core.LogicalValue:
		switch sdai.Logical(t) {
		case sdai.True:
			b.WriteString(".T.")
		case sdai.False:
			b.WriteString(".F.")
		default:
			b.WriteString(".U.")
		}
	case core.Enumeration:
		b.WriteString("." + string(t) + ".")
	case core.Aggregate:
		b.WriteByte('(')
		for i, el := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeValue(b, el, included); err != nil {
				return err
			}
		}
		b.WriteByte(')')
	case core.Typed:
		b.WriteString(t.Type + "(")
		if err := writeValue(b, t.Value, included); err != nil {
			return err
		}
		b.WriteByte(')')
	case core.EntityValue:
		if t.Ref.IsTemporary() {
			return fmt.Errorf("reference to temporary #%d", t.Ref.Name)
		}
		if !included[t.Ref.ModelID] {
			return fmt.Errorf("#%d lies outside the encoded models", t.Ref.Name)
		}
		fmt.Fprintf(b, "#%d", t.Ref.Name)
	default:
		return fmt.Errorf("unsupported value %T", v)
	}
	return nil
}
