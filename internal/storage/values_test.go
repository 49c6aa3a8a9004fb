package storage

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/recordio/internal/schema"
)

func valuesCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	cat := schema.NewCatalog()
	cat.Register(schema.Model{
		Name: "price",
		Fields: []schema.Field{
			{Name: "sku", Type: schema.FieldString, PrimaryKey: true},
			{Name: "day", Type: schema.FieldDate, PrimaryKey: true},
			{Name: "amount", Type: schema.FieldDecimal},
			{Name: "ttl", Type: schema.FieldInterval},
			{Name: "blob", Type: schema.FieldLargeBinary},
			{Name: "opens", Type: schema.FieldTime},
		},
	})
	cat.Register(schema.Model{
		Name: "order",
		Fields: []schema.Field{
			{Name: "id", Type: schema.FieldInteger, PrimaryKey: true},
			{Name: "price", Type: schema.FieldMany2One, Target: "price"},
			{Name: "history", Type: schema.FieldOne2Many, Target: "price"},
		},
	})
	return cat
}

func TestNumericString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.5", "1.5"},
		{"1.50", "1.5"},
		{"1", "1"},
		{"1.000", "1"},
		{"-0.25", "-0.25"},
		{"100", "100"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			n, err := ParseNumeric(tt.in)
			if err != nil {
				t.Fatalf("ParseNumeric(%q) error = %v", tt.in, err)
			}
			if got := NumericString(n); got != tt.want {
				t.Errorf("NumericString(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	d, err := ParseTime("2024-03-01", schema.FieldDate)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), d)

	dt, err := ParseTime("2024-03-01 10:20:30", schema.FieldDateTime)
	require.NoError(t, err)
	assert.Equal(t, 10, dt.Hour())

	tm, err := ParseTime("08:30:00", schema.FieldTime)
	require.NoError(t, err)
	assert.Equal(t, 8, tm.Hour())
	assert.Equal(t, 30, tm.Minute())

	_, err = ParseTime("01/03/2024", schema.FieldDate)
	assert.ErrorContains(t, err, "expected format 2006-01-02")
}

func TestPrimaryKeyEqualIgnoresOrderAndNumericForm(t *testing.T) {
	a := PrimaryKey{"a": int64(1), "b": "x"}
	b := PrimaryKey{"b": "x", "a": float64(1)}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(PrimaryKey{"a": int64(2), "b": "x"}))
	assert.False(t, a.Equal(PrimaryKey{"a": int64(1)}))
}

func TestConvertPrimaryKey(t *testing.T) {
	cat := valuesCatalog(t)

	pk, err := ConvertPrimaryKey(cat, "price", PrimaryKey{"sku": "A", "day": "2024-01-02"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), pk["day"])

	_, err = ConvertPrimaryKey(cat, "price", PrimaryKey{"sku": "A"})
	assert.ErrorIs(t, err, ErrMissingPrimaryKey)

	_, err = ConvertPrimaryKey(cat, "price", PrimaryKey{"sku": "A", "other": "x"})
	assert.ErrorIs(t, err, ErrMissingPrimaryKey)

	_, err = ConvertPrimaryKey(cat, "nope", PrimaryKey{"id": 1})
	assert.ErrorIs(t, err, schema.ErrUnknownModel)
}

func TestMarshalRecordRoundTrip(t *testing.T) {
	cat := valuesCatalog(t)
	amount, err := ParseNumeric("12.30")
	require.NoError(t, err)
	opens, err := ParseTime("09:15:00", schema.FieldTime)
	require.NoError(t, err)

	pricePK := PrimaryKey{"sku": "A", "day": time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
	price := &Record{
		Model: "price",
		Key:   pricePK,
		Values: map[string]any{
			"sku":    "A",
			"day":    pricePK["day"],
			"amount": amount,
			"ttl":    90 * time.Second,
			"blob":   []byte{0, 1, 2},
			"opens":  opens,
		},
	}

	data, err := MarshalRecord(cat, price)
	require.NoError(t, err)
	got, err := UnmarshalRecord(cat, "price", data)
	require.NoError(t, err)

	assert.True(t, got.Same(price))
	assert.Equal(t, "12.3", NumericString(got.Get("amount").(pgtype.Numeric)))
	assert.Equal(t, 90*time.Second, got.Get("ttl"))
	assert.Equal(t, []byte{0, 1, 2}, got.Get("blob"))
	assert.Equal(t, 9, got.Get("opens").(time.Time).Hour())

	order := &Record{
		Model: "order",
		Key:   PrimaryKey{"id": int64(1)},
		Values: map[string]any{
			"id":      int64(1),
			"price":   pricePK,
			"history": []PrimaryKey{pricePK},
		},
	}
	data, err = MarshalRecord(cat, order)
	require.NoError(t, err)
	gotOrder, err := UnmarshalRecord(cat, "order", data)
	require.NoError(t, err)
	assert.True(t, gotOrder.Get("price").(PrimaryKey).Equal(pricePK))
	require.Len(t, gotOrder.Get("history"), 1)
}

func TestCompileFilter(t *testing.T) {
	cat := valuesCatalog(t)
	amount, err := ParseNumeric("1.50")
	require.NoError(t, err)
	rec := &Record{Model: "price", Values: map[string]any{"sku": "A", "amount": amount}}

	match, err := CompileFilter(cat, "price", Filter{"amount": "1.5"})
	require.NoError(t, err)
	assert.True(t, match(rec))

	match, err = CompileFilter(cat, "price", Filter{"sku": "B"})
	require.NoError(t, err)
	assert.False(t, match(rec))

	_, err = CompileFilter(cat, "price", Filter{"colour": "red"})
	assert.ErrorIs(t, err, schema.ErrUnknownField)
}
