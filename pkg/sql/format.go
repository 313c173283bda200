package sql

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/apperrors"
)

// Dialect selects the quoting rules a template is rendered with.
type Dialect int

const (
	// Postgres quotes the way pg-format does.
	Postgres Dialect = iota
	// SQLServer quotes for T-SQL: bracketed identifiers, N'' string literals,
	// 0x binary literals and 1/0 booleans.
	SQLServer
)

func (d Dialect) String() string {
	if d == SQLServer {
		return "sqlserver"
	}
	return "postgres"
}

// Format renders a SQL template the way pg-format does.
//
// Supported verbs:
//
//	%s   raw value, spliced as text (strings are checked with libinjection)
//	%I   identifier, always double-quoted
//	%L   literal, single-quoted with quotes and backslashes escaped
//	%%   a literal percent sign
//	%N$s, %N$I, %N$L   positional form, N starts at 1
//
// After a positional verb the next plain verb continues with argument N+1.
// Any other % sequence is copied unchanged. Pointers are dereferenced (nil is
// NULL) and driver.Valuer arguments such as sql.NullString render their Value.
//
//	Format("SELECT * FROM %I WHERE name = %L", "users", "O'Brien")
//	// SELECT * FROM "users" WHERE name = 'O''Brien'
func Format(template string, params ...any) (string, error) {
	return Postgres.Format(template, params...)
}

// FormatSQLServer renders template with T-SQL quoting.
//
//	FormatSQLServer("SELECT * FROM %I WHERE name = %L", "users", "O'Brien")
//	// SELECT * FROM [users] WHERE name = N'O''Brien'
func FormatSQLServer(template string, params ...any) (string, error) {
	return SQLServer.Format(template, params...)
}

// Format renders template with params using d's quoting rules.
func (d Dialect) Format(template string, params ...any) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	next := 0
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' || i+1 >= len(template) {
			b.WriteByte(c)
			continue
		}

		if template[i+1] == '%' {
			b.WriteByte('%')
			i++
			continue
		}

		position, verb, width, ok := parseVerb(template[i+1:])
		if !ok {
			b.WriteByte(c)
			continue
		}
		if position < 0 {
			position = next
		} else if position == 0 {
			return "", fmt.Errorf("specified argument 0 but arguments start at 1")
		} else {
			position--
		}
		if position >= len(params) {
			return "", fmt.Errorf("too few arguments: verb %%%s needs argument %d, got %d", template[i+1:i+1+width], position+1, len(params))
		}
		next = position + 1

		arg, err := resolve(params[position])
		if err != nil {
			return "", fmt.Errorf("argument %d: %w", position+1, err)
		}

		var out string
		switch verb {
		case 's':
			if err = checkRaw(position+1, arg); err == nil {
				out, err = d.quoteString(arg)
			}
		case 'I':
			out, err = d.quoteIdent(arg)
		case 'L':
			out, err = d.quoteLiteral(arg)
		}
		if err != nil {
			return "", err
		}
		b.WriteString(out)
		i += width
	}

	return b.String(), nil
}

// resolve unwraps driver.Valuer arguments and dereferences pointers. Nil
// pointers resolve to nil.
func resolve(v any) (any, error) {
	for {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, nil
		}
		if valuer, ok := v.(driver.Valuer); ok {
			val, err := valuer.Value()
			if err != nil {
				return nil, fmt.Errorf("failed to read %T value: %w", v, err)
			}
			v = val
			continue
		}
		if rv.Kind() == reflect.Pointer {
			v = rv.Elem().Interface()
			continue
		}
		return v, nil
	}
}

// parseVerb reads "s", "I", "L" or "N$s|I|L" at the start of s.
// position is -1 for the sequential form, otherwise the written N.
func parseVerb(s string) (position int, verb byte, width int, ok bool) {
	digits := 0
	for digits < len(s) && s[digits] >= '0' && s[digits] <= '9' {
		digits++
	}

	if digits == 0 {
		if isVerb(s[0]) {
			return -1, s[0], 1, true
		}
		return 0, 0, 0, false
	}

	if digits+1 >= len(s) || s[digits] != '$' || !isVerb(s[digits+1]) {
		return 0, 0, 0, false
	}
	n, err := strconv.Atoi(s[:digits])
	if err != nil {
		return 0, 0, 0, false
	}
	return n, s[digits+1], digits + 2, true
}

func isVerb(c byte) bool {
	return c == 's' || c == 'I' || c == 'L'
}

func checkRaw(position int, value any) error {
	values := []any{value}
	if rv := reflect.ValueOf(value); isList(rv) {
		values = flatten(rv)
	}
	for _, v := range values {
		if res := CheckRawValue(position, v); res != nil {
			return fmt.Errorf("%w: argument %d matches injection fingerprint %q", apperrors.ErrUnsafeParameter, res.Position, res.Fingerprint)
		}
	}
	return nil
}

func flatten(rv reflect.Value) []any {
	for rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	var out []any
	for i := 0; i < rv.Len(); i++ {
		el, err := resolve(rv.Index(i).Interface())
		if err != nil {
			continue
		}
		if elv := reflect.ValueOf(el); isList(elv) {
			out = append(out, flatten(elv)...)
			continue
		}
		out = append(out, el)
	}
	return out
}

// isList reports whether rv is a slice or array other than []byte.
func isList(rv reflect.Value) bool {
	for rv.Kind() == reflect.Interface && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Type().Elem().Kind() != reflect.Uint8
	}
	return false
}

func listItems(rv reflect.Value) []reflect.Value {
	for rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	items := make([]reflect.Value, rv.Len())
	for i := range items {
		items[i] = rv.Index(i)
	}
	return items
}

// joinList renders a list, wrapping nested lists in parentheses.
func joinList(rv reflect.Value, quote func(any) (string, error)) (string, error) {
	items := listItems(rv)
	parts := make([]string, 0, len(items))
	for _, item := range items {
		v, err := resolve(item.Interface())
		if err != nil {
			return "", err
		}
		var s string
		if rv := reflect.ValueOf(v); isList(rv) {
			s, err = joinList(rv, quote)
			s = "(" + s + ")"
		} else {
			s, err = quote(v)
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ","), nil
}

func (d Dialect) formatTime(t time.Time) string {
	if d == SQLServer {
		return t.UTC().Format("2006-01-02 15:04:05.000") + " +00:00"
	}
	return t.UTC().Format("2006-01-02 15:04:05.000") + "+00"
}

// isObject reports whether v should be rendered as JSON.
func isObject(v any) bool {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		return true
	case reflect.Struct:
		_, isTime := rv.Interface().(time.Time)
		return !isTime
	}
	return false
}

func (d Dialect) quoteString(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case bool:
		if d == SQLServer {
			return sqlServerBool(val), nil
		}
		return strconv.FormatBool(val), nil
	case time.Time:
		return d.formatTime(val), nil
	case []byte:
		if d == SQLServer {
			return "0x" + hex.EncodeToString(val), nil
		}
		return `\x` + hex.EncodeToString(val), nil
	}

	if rv := reflect.ValueOf(v); isList(rv) {
		return joinList(rv, d.quoteString)
	}
	if isObject(v) {
		if raw, err := json.Marshal(v); err == nil {
			return string(raw), nil
		}
	}
	return fmt.Sprint(v), nil
}

func (d Dialect) identifier(name string) string {
	if d == SQLServer {
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	}
	return pgx.Identifier{name}.Sanitize()
}

func (d Dialect) quoteIdent(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", fmt.Errorf("SQL identifier cannot be null")
	case string:
		if val == "" {
			return "", fmt.Errorf("SQL identifier cannot be empty")
		}
		return d.identifier(val), nil
	case bool:
		if d == SQLServer {
			return d.identifier(sqlServerBool(val)), nil
		}
		if val {
			return `"t"`, nil
		}
		return `"f"`, nil
	case time.Time:
		return d.identifier(d.formatTime(val)), nil
	case []byte:
		return "", fmt.Errorf("SQL identifier cannot be a byte slice")
	}

	if rv := reflect.ValueOf(v); isList(rv) {
		return joinList(rv, d.quoteIdent)
	}
	if isObject(v) {
		return "", fmt.Errorf("SQL identifier cannot be an object")
	}
	return d.identifier(fmt.Sprint(v)), nil
}

func (d Dialect) quoteLiteral(v any) (string, error) {
	var (
		literal string
		cast    string
	)

	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if d == SQLServer {
			return sqlServerBool(val), nil
		}
		if val {
			return "'t'", nil
		}
		return "'f'", nil
	case time.Time:
		return "'" + d.formatTime(val) + "'", nil
	case []byte:
		if d == SQLServer {
			return "0x" + hex.EncodeToString(val), nil
		}
		return `E'\\x` + hex.EncodeToString(val) + "'", nil
	case string:
		literal = val
	case float64:
		literal = strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		literal = strconv.FormatFloat(float64(val), 'f', -1, 32)
	default:
		if rv := reflect.ValueOf(v); isList(rv) {
			return joinList(rv, d.quoteLiteral)
		}
		if isObject(v) {
			raw, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("failed to encode literal as JSON: %w", err)
			}
			literal = string(raw)
			cast = "jsonb"
		} else {
			literal = fmt.Sprint(v)
		}
	}

	if d == SQLServer {
		// T-SQL has no backslash escapes and no jsonb; JSON travels as nvarchar.
		return "N'" + strings.ReplaceAll(literal, "'", "''") + "'", nil
	}

	hasBackslash := false
	var b strings.Builder
	b.Grow(len(literal) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(literal); i++ {
		c := literal[i]
		switch c {
		case '\'':
			b.WriteString("''")
		case '\\':
			b.WriteString(`\\`)
			hasBackslash = true
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')

	quoted := b.String()
	if hasBackslash {
		quoted = "E" + quoted
	}
	if cast != "" {
		quoted += "::" + cast
	}
	return quoted, nil
}

func sqlServerBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
