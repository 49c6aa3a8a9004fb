package core

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

func TestCoerceScalars(t *testing.T) {
	f := newFixture(t)
	c := NewCoercer(f.store, f.cat, f.registry)

	tests := []struct {
		name    string
		raw     string
		ft      schema.FieldType
		want    any
		wantErr bool
	}{
		// Strings pass through untouched
		{name: "string", raw: " Acme ", ft: schema.FieldString, want: " Acme "},
		{name: "empty string stays empty", raw: "", ft: schema.FieldText, want: ""},
		{name: "selection", raw: "draft", ft: schema.FieldSelection, want: "draft"},

		// Boolean accepts exactly six spellings
		{name: "bool 1", raw: "1", ft: schema.FieldBoolean, want: true},
		{name: "bool True", raw: "True", ft: schema.FieldBoolean, want: true},
		{name: "bool false", raw: "false", ft: schema.FieldBoolean, want: false},
		{name: "bool 0", raw: "0", ft: schema.FieldBoolean, want: false},
		{name: "bool yes rejected", raw: "yes", ft: schema.FieldBoolean, wantErr: true},
		{name: "bool TRUE rejected", raw: "TRUE", ft: schema.FieldBoolean, wantErr: true},
		{name: "bool empty", raw: "", ft: schema.FieldBoolean, want: nil},

		// Numbers
		{name: "integer", raw: "42", ft: schema.FieldInteger, want: int64(42)},
		{name: "negative big integer", raw: "-9000000000", ft: schema.FieldBigInteger, want: int64(-9000000000)},
		{name: "integer garbage", raw: "4x", ft: schema.FieldInteger, wantErr: true},
		{name: "integer decimal rejected", raw: "4.5", ft: schema.FieldInteger, wantErr: true},
		{name: "integer blank", raw: "  ", ft: schema.FieldInteger, want: nil},
		{name: "float", raw: "1.25", ft: schema.FieldFloat, want: 1.25},
		{name: "float garbage", raw: "one", ft: schema.FieldFloat, wantErr: true},

		// Temporal
		{name: "date", raw: "2024-01-15", ft: schema.FieldDate, want: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{name: "datetime", raw: "2024-01-15 10:30:00", ft: schema.FieldDateTime, want: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{name: "bad date", raw: "15/01/2024", ft: schema.FieldDate, wantErr: true},
		{name: "interval seconds", raw: "90", ft: schema.FieldInterval, want: 90 * time.Second},
		{name: "interval text rejected", raw: "1m30s", ft: schema.FieldInterval, wantErr: true},
		{name: "interval max", raw: "9223372036", ft: schema.FieldInterval, want: 9223372036 * time.Second},
		{name: "interval overflow", raw: "10000000000", ft: schema.FieldInterval, wantErr: true},
		{name: "interval negative overflow", raw: "-10000000000", ft: schema.FieldInterval, wantErr: true},

		// Binary and JSON
		{name: "binary", raw: "abc", ft: schema.FieldLargeBinary, want: []byte("abc")},
		{name: "binary empty", raw: "", ft: schema.FieldLargeBinary, want: nil},
		{name: "json object", raw: `{"a": 1}`, ft: schema.FieldJSON, want: map[string]any{"a": json.Number("1")}},
		{name: "json trailing data", raw: `{} {}`, ft: schema.FieldJSON, wantErr: true},
		{name: "json invalid", raw: `{`, ft: schema.FieldJSON, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Coerce(context.Background(), tt.raw, tt.ft, CoerceContext{})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Coerce(%q) = %v, want error", tt.raw, got)
				}
				if !errors.Is(err, ErrInvalidValue) {
					t.Errorf("Coerce(%q) error = %v, want ErrInvalidValue", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Coerce(%q) error = %v", tt.raw, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Coerce(%q) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCoerceDecimal(t *testing.T) {
	f := newFixture(t)
	c := NewCoercer(f.store, f.cat, f.registry)

	got, err := c.Coerce(context.Background(), "12.50", schema.FieldDecimal, CoerceContext{})
	if err != nil {
		t.Fatalf("Coerce error = %v", err)
	}
	n, ok := got.(pgtype.Numeric)
	if !ok {
		t.Fatalf("Coerce returned %T, want pgtype.Numeric", got)
	}
	if s := storage.NumericString(n); s != "12.5" {
		t.Errorf("NumericString = %q, want 12.5", s)
	}

	if _, err := c.Coerce(context.Background(), "12,50", schema.FieldDecimal, CoerceContext{}); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("comma decimal error = %v, want ErrInvalidValue", err)
	}
}

func TestCoerceRelations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := NewCoercer(f.store, f.cat, f.registry)

	fr := f.insert(t, "country", map[string]any{"code": "FR", "name": "France"})
	red := f.insert(t, "tag", map[string]any{"name": "red"})
	blue := f.insert(t, "tag", map[string]any{"name": "blue"})
	f.mapKey(t, "country_fr", fr)
	f.mapKey(t, "tag_red", red)
	f.mapKey(t, "tag_blue", blue)

	country := CoerceContext{TargetModel: "country"}
	tags := CoerceContext{TargetModel: "tag"}

	t.Run("bare key", func(t *testing.T) {
		got, err := c.Coerce(ctx, "FR", schema.FieldMany2One, country)
		if err != nil {
			t.Fatal(err)
		}
		if rec, _ := got.(*storage.Record); !rec.Same(fr) {
			t.Errorf("got %v, want FR", got)
		}
	})

	t.Run("json key object", func(t *testing.T) {
		got, err := c.Coerce(ctx, `{"code": "FR"}`, schema.FieldOne2One, country)
		if err != nil {
			t.Fatal(err)
		}
		if rec, _ := got.(*storage.Record); !rec.Same(fr) {
			t.Errorf("got %v, want FR", got)
		}
	})

	t.Run("external key", func(t *testing.T) {
		got, err := c.Coerce(ctx, "country_fr", schema.FieldMany2One, CoerceContext{TargetModel: "country", ExternalID: true})
		if err != nil {
			t.Fatal(err)
		}
		if rec, _ := got.(*storage.Record); !rec.Same(fr) {
			t.Errorf("got %v, want FR", got)
		}
	})

	t.Run("empty is nil", func(t *testing.T) {
		got, err := c.Coerce(ctx, "", schema.FieldMany2One, country)
		if err != nil || got != nil {
			t.Errorf("got %v, %v; want nil, nil", got, err)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := c.Coerce(ctx, "DE", schema.FieldMany2One, country)
		if !errors.Is(err, ErrUnresolvedReference) {
			t.Errorf("error = %v, want ErrUnresolvedReference", err)
		}
		_, err = c.Coerce(ctx, "country_de", schema.FieldMany2One, CoerceContext{TargetModel: "country", ExternalID: true})
		if !errors.Is(err, ErrUnresolvedReference) {
			t.Errorf("external error = %v, want ErrUnresolvedReference", err)
		}
	})

	t.Run("missing target", func(t *testing.T) {
		_, err := c.Coerce(ctx, "FR", schema.FieldMany2One, CoerceContext{})
		if !errors.Is(err, ErrMissingTarget) {
			t.Errorf("error = %v, want ErrMissingTarget", err)
		}
	})

	t.Run("many empty is empty slice", func(t *testing.T) {
		for _, raw := range []string{"", "[]", "null"} {
			got, err := c.Coerce(ctx, raw, schema.FieldMany2Many, tags)
			if err != nil {
				t.Fatal(err)
			}
			recs, ok := got.([]*storage.Record)
			if !ok || recs == nil || len(recs) != 0 {
				t.Errorf("Coerce(%q) = %#v, want empty non-nil slice", raw, got)
			}
		}
	})

	t.Run("many by primary key", func(t *testing.T) {
		got, err := c.Coerce(ctx, "[2, 1]", schema.FieldMany2Many, tags)
		if err != nil {
			t.Fatal(err)
		}
		recs := got.([]*storage.Record)
		if len(recs) != 2 || !recs[0].Same(blue) || !recs[1].Same(red) {
			t.Errorf("got %v, want [blue red]", recs)
		}
	})

	t.Run("many by external key", func(t *testing.T) {
		got, err := c.Coerce(ctx, `["tag_red","tag_blue"]`, schema.FieldOne2Many, CoerceContext{TargetModel: "tag", ExternalID: true})
		if err != nil {
			t.Fatal(err)
		}
		recs := got.([]*storage.Record)
		if len(recs) != 2 || !recs[0].Same(red) || !recs[1].Same(blue) {
			t.Errorf("got %v, want [red blue]", recs)
		}

		single, err := c.Coerce(ctx, "tag_blue", schema.FieldMany2Many, CoerceContext{TargetModel: "tag", ExternalID: true})
		if err != nil {
			t.Fatal(err)
		}
		if recs := single.([]*storage.Record); len(recs) != 1 || !recs[0].Same(blue) {
			t.Errorf("got %v, want [blue]", recs)
		}
	})

	t.Run("composite key needs object", func(t *testing.T) {
		_, err := c.Coerce(ctx, "7", schema.FieldMany2One, CoerceContext{TargetModel: "line"})
		if !errors.Is(err, ErrInvalidValue) {
			t.Errorf("error = %v, want ErrInvalidValue", err)
		}
	})
}
