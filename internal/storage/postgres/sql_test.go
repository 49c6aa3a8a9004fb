package postgres

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

var customerModel = &schema.Model{
	Name: "crm.customer",
	Fields: []schema.Field{
		{Name: "id", Type: schema.FieldInteger, PrimaryKey: true, AutoIncrement: true},
		{Name: "name", Type: schema.FieldString, Required: true},
		{Name: "country", Type: schema.FieldMany2One, Target: "country"},
	},
}

func TestTableName(t *testing.T) {
	if got := TableName("io.mapping"); got != `"io_mapping"` {
		t.Errorf("TableName(io.mapping) = %s, want %s", got, `"io_mapping"`)
	}
}

func TestCreateTableSQL(t *testing.T) {
	want := "CREATE TABLE IF NOT EXISTS \"crm_customer\" (\n" +
		"\t\"id\" BIGINT GENERATED BY DEFAULT AS IDENTITY NOT NULL,\n" +
		"\t\"name\" TEXT NOT NULL,\n" +
		"\t\"country\" JSONB,\n" +
		"\tPRIMARY KEY (\"id\")\n)"
	if got := createTableSQL(customerModel); got != want {
		t.Errorf("createTableSQL() =\n%s\nwant\n%s", got, want)
	}
}

func TestStatementBuilders(t *testing.T) {
	cols := `"id", "name", "country"`
	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			name: "insert",
			got:  insertSQL(customerModel, []string{"country", "name"}),
			want: `INSERT INTO "crm_customer" ("country", "name") VALUES ($1, $2) RETURNING ` + cols,
		},
		{
			name: "insert defaults",
			got:  insertSQL(customerModel, nil),
			want: `INSERT INTO "crm_customer" DEFAULT VALUES RETURNING ` + cols,
		},
		{
			name: "select all",
			got:  selectSQL(customerModel, nil),
			want: `SELECT ` + cols + ` FROM "crm_customer" ORDER BY "id"`,
		},
		{
			name: "select filtered",
			got:  selectSQL(customerModel, []string{"name"}),
			want: `SELECT ` + cols + ` FROM "crm_customer" WHERE "name" = $1 ORDER BY "id"`,
		},
		{
			name: "update",
			got:  updateSQL(customerModel, []string{"country", "name"}, []string{"id"}),
			want: `UPDATE "crm_customer" SET "country" = $1, "name" = $2 WHERE "id" = $3`,
		},
		{
			name: "delete",
			got:  deleteSQL(customerModel, []string{"id"}),
			want: `DELETE FROM "crm_customer" WHERE "id" = $1`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got  %s\nwant %s", tt.got, tt.want)
			}
		})
	}
}

func TestColumnArgs(t *testing.T) {
	cat := schema.NewCatalog()

	at := time.Date(0, 1, 1, 8, 30, 15, 0, time.UTC)
	got, err := toArg(cat, schema.Field{Name: "t", Type: schema.FieldTime}, at)
	if err != nil {
		t.Fatalf("toArg(time) error = %v", err)
	}
	tm := got.(pgtype.Time)
	if tm.Microseconds != (8*3600+30*60+15)*1e6 {
		t.Errorf("Time.Microseconds = %d", tm.Microseconds)
	}

	back, err := fromColumn(cat, schema.Field{Name: "t", Type: schema.FieldTime}, tm)
	if err != nil {
		t.Fatalf("fromColumn(time) error = %v", err)
	}
	if !back.(time.Time).Equal(at) {
		t.Errorf("fromColumn(time) = %v, want %v", back, at)
	}

	iv, err := toArg(cat, schema.Field{Name: "i", Type: schema.FieldInterval}, 90*time.Second)
	if err != nil {
		t.Fatalf("toArg(interval) error = %v", err)
	}
	d, err := fromColumn(cat, schema.Field{Name: "i", Type: schema.FieldInterval}, iv)
	if err != nil {
		t.Fatalf("fromColumn(interval) error = %v", err)
	}
	if d != 90*time.Second {
		t.Errorf("fromColumn(interval) = %v, want 90s", d)
	}

	pk, err := toArg(cat, schema.Field{Name: "m", Type: schema.FieldJSON}, map[string]any{"id": int64(3)})
	if err != nil {
		t.Fatalf("toArg(json) error = %v", err)
	}
	if pk != `{"id":3}` {
		t.Errorf("toArg(json) = %v, want %s", pk, `{"id":3}`)
	}

	blob, err := fromColumn(cat, schema.Field{Name: "b", Type: schema.FieldLargeBinary}, []byte("raw"))
	if err != nil {
		t.Fatalf("fromColumn(bytea) error = %v", err)
	}
	if string(blob.([]byte)) != "raw" {
		t.Errorf("fromColumn(bytea) = %q", blob)
	}

	null, err := fromColumn(cat, schema.Field{Name: "r", Type: schema.FieldMany2Many, Target: schema.MappingModel}, nil)
	if err != nil {
		t.Fatalf("fromColumn(nil) error = %v", err)
	}
	if refs := null.([]storage.PrimaryKey); len(refs) != 0 {
		t.Errorf("fromColumn(nil many2many) = %v, want empty", refs)
	}
}
