package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/recordio/internal/schema"
)

// TableName maps a model name to its table: dots become underscores.
func TableName(model string) string {
	return pgx.Identifier{strings.ReplaceAll(model, ".", "_")}.Sanitize()
}

func quote(col string) string {
	return pgx.Identifier{col}.Sanitize()
}

// columnType returns the PostgreSQL column type for a field.
// Relations are stored as JSONB primary key objects (or arrays of them).
func columnType(f schema.Field) string {
	switch f.Type {
	case schema.FieldBoolean:
		return "BOOLEAN"
	case schema.FieldInteger, schema.FieldBigInteger:
		if f.AutoIncrement {
			return "BIGINT GENERATED BY DEFAULT AS IDENTITY"
		}
		return "BIGINT"
	case schema.FieldFloat:
		return "DOUBLE PRECISION"
	case schema.FieldDecimal:
		return "NUMERIC"
	case schema.FieldDate:
		return "DATE"
	case schema.FieldDateTime:
		return "TIMESTAMPTZ"
	case schema.FieldTime:
		return "TIME"
	case schema.FieldInterval:
		return "INTERVAL"
	case schema.FieldJSON, schema.FieldMany2One, schema.FieldOne2One, schema.FieldMany2Many, schema.FieldOne2Many:
		return "JSONB"
	case schema.FieldLargeBinary:
		return "BYTEA"
	default:
		return "TEXT"
	}
}

func createTableSQL(m *schema.Model) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", TableName(m.Name))
	for _, f := range m.Fields {
		b.WriteString("\t")
		b.WriteString(quote(f.Name))
		b.WriteString(" ")
		b.WriteString(columnType(f))
		if f.PrimaryKey || f.Required {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	pk := make([]string, 0)
	for _, name := range m.PrimaryKeyFields() {
		pk = append(pk, quote(name))
	}
	fmt.Fprintf(&b, "\tPRIMARY KEY (%s)\n)", strings.Join(pk, ", "))
	return b.String()
}

func columnList(m *schema.Model) string {
	cols := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = quote(f.Name)
	}
	return strings.Join(cols, ", ")
}

// whereClause renders "a = $n AND b = $n+1" starting at placeholder start.
func whereClause(cols []string, start int) string {
	if len(cols) == 0 {
		return ""
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = $%d", quote(c), start+i)
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

func orderByKey(m *schema.Model) string {
	pk := m.PrimaryKeyFields()
	cols := make([]string, len(pk))
	for i, c := range pk {
		cols[i] = quote(c)
	}
	return " ORDER BY " + strings.Join(cols, ", ")
}

func insertSQL(m *schema.Model, cols []string) string {
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", TableName(m.Name), columnList(m))
	}
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quote(c)
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		TableName(m.Name), strings.Join(names, ", "), strings.Join(params, ", "), columnList(m))
}

func selectSQL(m *schema.Model, where []string) string {
	return fmt.Sprintf("SELECT %s FROM %s%s%s", columnList(m), TableName(m.Name), whereClause(where, 1), orderByKey(m))
}

func updateSQL(m *schema.Model, set []string, where []string) string {
	parts := make([]string, len(set))
	for i, c := range set {
		parts[i] = fmt.Sprintf("%s = $%d", quote(c), i+1)
	}
	return fmt.Sprintf("UPDATE %s SET %s%s", TableName(m.Name), strings.Join(parts, ", "), whereClause(where, len(set)+1))
}

func deleteSQL(m *schema.Model, where []string) string {
	return fmt.Sprintf("DELETE FROM %s%s", TableName(m.Name), whereClause(where, 1))
}
