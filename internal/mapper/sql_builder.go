package mapper

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Dialect selects placeholder, quoting and upsert syntax
type Dialect int

const (
	Postgres Dialect = iota
	MySQL
	Firebird
)

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case Firebird:
		return "firebird"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// identifiers come from opaque JSON payloads, so only plain names are let through
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// SQLBuilder translates column/value maps into dialect specific SQL
type SQLBuilder struct {
	dialect Dialect
}

func NewSQLBuilder(d Dialect) *SQLBuilder {
	return &SQLBuilder{dialect: d}
}

func (b *SQLBuilder) Dialect() Dialect { return b.dialect }

// BuildInsert generates a plain INSERT with deterministic column order
func (b *SQLBuilder) BuildInsert(tableName string, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for insert on table %s", tableName)
	}
	table, err := b.ident(tableName)
	if err != nil {
		return "", nil, err
	}

	columns, args, err := b.columns(data)
	if err != nil {
		return "", nil, err
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(columns, ", "),
		strings.Join(b.placeholders(1, len(args)), ", "),
	)
	return query, args, nil
}

// BuildUpsert generates an insert-or-update keyed by conflictKey, which must be present in data
func (b *SQLBuilder) BuildUpsert(tableName, conflictKey string, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for upsert on table %s", tableName)
	}
	if v, ok := data[conflictKey]; !ok || v == nil {
		return "", nil, fmt.Errorf("conflict key %s missing in payload for table %s", conflictKey, tableName)
	}

	table, err := b.ident(tableName)
	if err != nil {
		return "", nil, err
	}
	key, err := b.ident(conflictKey)
	if err != nil {
		return "", nil, err
	}

	columns, args, err := b.columns(data)
	if err != nil {
		return "", nil, err
	}
	placeholders := strings.Join(b.placeholders(1, len(args)), ", ")
	cols := strings.Join(columns, ", ")

	var updates []string
	for _, c := range columns {
		if c == key {
			continue
		}
		switch b.dialect {
		case Postgres:
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		case MySQL:
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
	}

	switch b.dialect {
	case Postgres:
		if len(updates) == 0 {
			return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
				table, cols, placeholders, key), args, nil
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			table, cols, placeholders, key, strings.Join(updates, ", ")), args, nil
	case MySQL:
		if len(updates) == 0 {
			updates = append(updates, fmt.Sprintf("%s = %s", key, key))
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			table, cols, placeholders, strings.Join(updates, ", ")), args, nil
	case Firebird:
		return fmt.Sprintf("UPDATE OR INSERT INTO %s (%s) VALUES (%s) MATCHING (%s)",
			table, cols, placeholders, key), args, nil
	default:
		return "", nil, fmt.Errorf("unsupported dialect %s", b.dialect)
	}
}

func (b *SQLBuilder) columns(data map[string]any) ([]string, []any, error) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	columns := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		col, err := b.ident(k)
		if err != nil {
			return nil, nil, err
		}
		v, err := b.formatValue(data[k])
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", k, err)
		}
		columns = append(columns, col)
		args = append(args, v)
	}
	return columns, args, nil
}

func (b *SQLBuilder) ident(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	switch b.dialect {
	case Postgres:
		return `"` + strings.ToLower(name) + `"`, nil
	case MySQL:
		return "`" + strings.ToLower(name) + "`", nil
	default:
		// Standardizing to uppercase to prevent case-sensitivity issues in Firebird
		return strings.ToUpper(name), nil
	}
}

func (b *SQLBuilder) placeholders(from, n int) []string {
	out := make([]string, n)
	for i := range out {
		if b.dialect == Postgres {
			out[i] = fmt.Sprintf("$%d", from+i)
		} else {
			out[i] = "?"
		}
	}
	return out
}

// formatValue flattens nested JSON into text and adapts scalars to the dialect
func (b *SQLBuilder) formatValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case bool:
		if b.dialect == Firebird {
			if val {
				return 1, nil
			}
			return 0, nil
		}
		return val, nil
	case string:
		if b.dialect != Firebird {
			return val, nil
		}
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t.Format("2006-01-02 15:04:05"), nil
		}
		return val, nil
	default:
		return val, nil
	}
}
