package media

import (
	"fmt"
	"strings"
)

// assignment sets one key of a slot sub-document to a SQL expression yielding text or NULL.
type assignment struct {
	key  string
	expr string
	args []any
}

func setValue(key string, v *string) assignment {
	var arg any
	if v != nil {
		arg = *v
	}
	return assignment{key: key, expr: "?", args: []any{arg}}
}

func setString(key, v string) assignment {
	return assignment{key: key, expr: "?", args: []any{v}}
}

func setNull(key string) assignment {
	return setValue(key, nil)
}

// jsonDialect renders sub-document reads and merges for one SQL engine.
// Column, slot and key names are embedded in SQL; callers pass only validated identifiers.
type jsonDialect interface {
	name() string
	merge(column, slot string, sets []assignment) (string, []any)
	text(column, slot, key string) string
	slot(column, slot string) string
}

func dialectFor(name string) (jsonDialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "pgx":
		return postgresDialect{}, nil
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", name)
	}
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) merge(column, slot string, sets []assignment) (string, []any) {
	pairs := make([]string, 0, len(sets))
	args := make([]any, 0, len(sets))
	for _, a := range sets {
		pairs = append(pairs, fmt.Sprintf("'%s', CAST(%s AS text)", a.key, a.expr))
		args = append(args, a.args...)
	}
	current := fmt.Sprintf(
		"CASE WHEN jsonb_typeof(%[1]s->'%[2]s') = 'object' THEN %[1]s->'%[2]s' ELSE '{}'::jsonb END",
		column, slot,
	)
	expr := fmt.Sprintf(
		"jsonb_set(COALESCE(%s, '{}'::jsonb), '{%s}', (%s) || jsonb_build_object(%s), true)",
		column, slot, current, strings.Join(pairs, ", "),
	)
	return expr, args
}

func (postgresDialect) text(column, slot, key string) string {
	return fmt.Sprintf("(%s->'%s'->>'%s')", column, slot, key)
}

func (postgresDialect) slot(column, slot string) string {
	return fmt.Sprintf("(%s->'%s')::text", column, slot)
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) merge(column, slot string, sets []assignment) (string, []any) {
	current := fmt.Sprintf(
		"json(CASE WHEN json_type(%[1]s, '$.%[2]s') = 'object' THEN json_extract(%[1]s, '$.%[2]s') ELSE '{}' END)",
		column, slot,
	)
	base := fmt.Sprintf("json_set(COALESCE(%s, '{}'), '$.%s', %s)", column, slot, current)

	pairs := make([]string, 0, len(sets))
	args := make([]any, 0, len(sets))
	for _, a := range sets {
		pairs = append(pairs, fmt.Sprintf("'$.%s.%s', %s", slot, a.key, a.expr))
		args = append(args, a.args...)
	}
	return fmt.Sprintf("json_set(%s, %s)", base, strings.Join(pairs, ", ")), args
}

func (sqliteDialect) text(column, slot, key string) string {
	return fmt.Sprintf("json_extract(%s, '$.%s.%s')", column, slot, key)
}

func (sqliteDialect) slot(column, slot string) string {
	return fmt.Sprintf("json_extract(%s, '$.%s')", column, slot)
}
