package ir

import (
	"fmt"
	"strings"

	"github.com/tracelet/tracelet/api"
)

// Format returns the textual listing of a trace, one operation per line.
func Format(t *Trace) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s header=%d inputs=[%s]\n", t.Kind, t.Header, joinVars(t.Inputs))
	for _, op := range t.Ops {
		sb.WriteString(formatOp(op))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func formatOp(o *Operation) string {
	var sb strings.Builder
	if o.Result != nil {
		sb.WriteString(o.Result.String())
		sb.WriteString(" = ")
	}
	sb.WriteString(o.Opcode.String())
	sb.WriteByte('(')
	first := true
	sep := func() {
		if !first {
			sb.WriteString(", ")
		}
		first = false
	}
	for _, a := range o.Args {
		sep()
		sb.WriteString(a.String())
	}
	if o.Opcode == api.OpLabel {
		sep()
		fmt.Fprintf(&sb, "params=[%s]", joinVars(o.Params))
	}
	if o.Descr != nil {
		sep()
		sb.WriteString("descr=")
		sb.WriteString(o.Descr.String())
	}
	sb.WriteByte(')')
	if s := o.Snapshot; s != nil {
		fmt.Fprintf(&sb, " [pc=%d", s.PC)
		for i, v := range s.Slots {
			if i == 0 {
				sb.WriteString(": ")
			} else {
				sb.WriteString(", ")
			}
			sb.WriteString(v.String())
		}
		for i, r := range s.Virtuals {
			fmt.Fprintf(&sb, "; virtual#%d=%s{", i, r.Layout.Name)
			for j, f := range r.Fields {
				if j > 0 {
					sb.WriteString(", ")
				}
				if f == nil {
					sb.WriteString("0")
				} else {
					sb.WriteString(f.String())
				}
			}
			sb.WriteByte('}')
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

func joinVars(vs []*Var) string {
	strs := make([]string, len(vs))
	for i, v := range vs {
		strs[i] = v.String()
	}
	return strings.Join(strs, ", ")
}
