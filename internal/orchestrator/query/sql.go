package query

import (
	"fmt"
	"strings"
)

type sqlBuilder struct {
	column string
	sb     strings.Builder
	args   []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// SQL renders e as a boolean SQL condition over a JSONB column holding the
// search attributes. Attribute names and values are always bound as
// arguments, numbered after the first argOffset placeholders.
func SQL(e Expr, column string, argOffset int) (string, []any) {
	if e == nil {
		return "TRUE", nil
	}
	b := &sqlBuilder{column: column, args: make([]any, argOffset)}
	e.render(b)
	return b.sb.String(), b.args[argOffset:]
}

func (c Compare) render(b *sqlBuilder) {
	attr := b.arg(c.Attr)
	val := b.arg(c.Value)
	op := "="
	if c.Op == OpNeq {
		op = "<>"
	}
	fmt.Fprintf(&b.sb, "COALESCE(%s->>(%s::text), '') %s %s::text", b.column, attr, op, val)
}

func (a And) render(b *sqlBuilder) {
	b.sb.WriteString("(")
	a.Left.render(b)
	b.sb.WriteString(" AND ")
	a.Right.render(b)
	b.sb.WriteString(")")
}

func (o Or) render(b *sqlBuilder) {
	b.sb.WriteString("(")
	o.Left.render(b)
	b.sb.WriteString(" OR ")
	o.Right.render(b)
	b.sb.WriteString(")")
}
