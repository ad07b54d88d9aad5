package definition

import (
	"fmt"
	"strings"

	"github.com/roach88/datastore/internal/schema"
)

// SchemaInterface renders the public shape of the datastore as CUE-style
// text: runners, crawlers and public tables, each sorted by name. Groups
// without members are omitted.
func (d *Definition) SchemaInterface() string {
	var b strings.Builder
	b.WriteString("{\n")
	writeFunctions(&b, "runners", d.Runners)
	writeFunctions(&b, "crawlers", d.Crawlers)

	var public []Table
	for _, t := range d.Tables {
		if t.IsPublic {
			public = append(public, t)
		}
	}
	if len(public) > 0 {
		b.WriteString("\ttables: {\n")
		for _, t := range public {
			fmt.Fprintf(&b, "\t\t%s: {\n", t.Name)
			for _, c := range t.Columns {
				writeField(&b, 3, c.Name, c.Field)
			}
			b.WriteString("\t\t}\n")
		}
		b.WriteString("\t}\n")
	}
	b.WriteString("}\n")
	return b.String()
}

func writeFunctions(b *strings.Builder, group string, fns map[string]Function) {
	if len(fns) == 0 {
		return
	}
	fmt.Fprintf(b, "\t%s: {\n", group)
	for _, name := range sortedNames(fns) {
		fn := fns[name]
		fmt.Fprintf(b, "\t\t%s: {\n", name)
		writeObject(b, 3, "input", fn.Schema.Input)
		writeObject(b, 3, "output", fn.Schema.Output)
		b.WriteString("\t\t}\n")
	}
	b.WriteString("\t}\n")
}

func writeObject(b *strings.Builder, depth int, label string, o schema.Object) {
	if len(o) == 0 {
		return
	}
	indent := strings.Repeat("\t", depth)
	fmt.Fprintf(b, "%s%s: {\n", indent, label)
	for _, name := range o.Names() {
		writeField(b, depth+1, name, o[name])
	}
	fmt.Fprintf(b, "%s}\n", indent)
}

func writeField(b *strings.Builder, depth int, name string, f schema.Field) {
	label := name
	if f.Optional {
		label += "?"
	}
	if f.TypeName == schema.TypeObject && len(f.Fields) > 0 {
		writeObject(b, depth, label, f.Fields)
		return
	}
	fmt.Fprintf(b, "%s%s: %s\n", strings.Repeat("\t", depth), label, typeExpr(f))
}

func typeExpr(f schema.Field) string {
	switch f.TypeName {
	case schema.TypeArray:
		if f.Element != nil {
			return "[..." + typeExpr(*f.Element) + "]"
		}
		return "[...]"
	case schema.TypeObject:
		return "{...}"
	case schema.TypeString:
		if len(f.Enum) > 0 {
			quoted := make([]string, len(f.Enum))
			for i, e := range f.Enum {
				quoted[i] = fmt.Sprintf("%q", e)
			}
			return strings.Join(quoted, " | ")
		}
	}
	return string(f.TypeName)
}
