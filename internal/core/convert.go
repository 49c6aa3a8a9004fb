package core

// convert.go is the type coercion table: raw payload text to the canonical
// Go value of a field type.
//
//	Boolean                 1/true/True, 0/false/False
//	Integer, BigInteger     base-10 int64
//	Float                   float64
//	Decimal                 pgtype.Numeric, exact
//	Date, DateTime, Time    time.Time (see storage.ParseTime for layouts)
//	Interval                integer seconds as time.Duration, within its range
//	Json                    decoded JSON
//	LargeBinary             []byte
//	String, Text, Selection string
//	Many2One, One2One       *storage.Record or nil
//	Many2Many, One2Many     []*storage.Record, never nil
//
// Relation text is a JSON primary key object ({"id": 3}), a bare key value
// for single-key models, or an external key when CoerceContext.ExternalID
// is set. Multi relations take a JSON array of those.
//
// Blank text is nil for every scalar type except the string kinds, which keep
// it as is.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/recordio/internal/mapping"
	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

// maxIntervalSeconds is the largest whole-second interval time.Duration holds.
const maxIntervalSeconds = math.MaxInt64 / int64(time.Second)

// CoerceContext carries what relation coercion needs besides the text.
type CoerceContext struct {
	// ExternalID marks the text as external keys rather than primary keys.
	ExternalID bool

	// TargetModel is the model a relation points at.
	TargetModel string
}

// Coercer converts payload text to field values.
type Coercer struct {
	store    storage.Store
	catalog  schema.Lookup
	registry *mapping.Registry
}

// NewCoercer creates a coercer resolving references through store and registry.
func NewCoercer(store storage.Store, catalog schema.Lookup, registry *mapping.Registry) *Coercer {
	return &Coercer{store: store, catalog: catalog, registry: registry}
}

// Coerce converts raw to the Go value of ft. Empty text yields nil, except
// for string types (kept as "") and multi relations (empty slice).
func (c *Coercer) Coerce(ctx context.Context, raw string, ft schema.FieldType, cc CoerceContext) (any, error) {
	switch ft {
	case schema.FieldString, schema.FieldText, schema.FieldSelection:
		return raw, nil
	case schema.FieldLargeBinary:
		if raw == "" {
			return nil, nil
		}
		return []byte(raw), nil
	case schema.FieldMany2One, schema.FieldOne2One:
		return c.coerceOne(ctx, raw, cc)
	case schema.FieldMany2Many, schema.FieldOne2Many:
		return c.coerceMany(ctx, raw, cc)
	}

	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}

	switch ft {
	case schema.FieldBoolean:
		switch s {
		case "1", "true", "True":
			return true, nil
		case "0", "false", "False":
			return false, nil
		}
	case schema.FieldInteger, schema.FieldBigInteger:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
	case schema.FieldFloat:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
	case schema.FieldDecimal:
		if n, err := storage.ParseNumeric(s); err == nil {
			return n, nil
		}
	case schema.FieldDate, schema.FieldDateTime, schema.FieldTime:
		t, err := storage.ParseTime(s, ft)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return t, nil
	case schema.FieldInterval:
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			if secs > maxIntervalSeconds || secs < -maxIntervalSeconds {
				return nil, fmt.Errorf("%w: interval %d seconds out of range", ErrInvalidValue, secs)
			}
			return time.Duration(secs) * time.Second, nil
		}
	case schema.FieldJSON:
		v, err := decodeJSON(s)
		if err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrInvalidValue, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownFieldType, ft)
	}
	return nil, fmt.Errorf("%w: %q is not a valid %s", ErrInvalidValue, s, ft)
}

func (c *Coercer) coerceOne(ctx context.Context, raw string, cc CoerceContext) (any, error) {
	if cc.TargetModel == "" {
		return nil, ErrMissingTarget
	}
	s := strings.TrimSpace(raw)
	if s == "" || s == "null" {
		return nil, nil
	}

	var (
		rec *storage.Record
		err error
	)
	if cc.ExternalID {
		rec, err = c.byExternalID(ctx, cc.TargetModel, s)
	} else {
		var v any
		if v, err = decodeJSON(s); err != nil {
			// Bare text: only meaningful for single-key models.
			v = s
		}
		rec, err = c.byPrimaryKey(ctx, cc.TargetModel, v)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Coercer) coerceMany(ctx context.Context, raw string, cc CoerceContext) (any, error) {
	if cc.TargetModel == "" {
		return nil, ErrMissingTarget
	}
	out := []*storage.Record{}

	s := strings.TrimSpace(raw)
	if s == "" || s == "null" || s == "[]" {
		return out, nil
	}

	var items []any
	switch {
	case strings.HasPrefix(s, "["):
		if err := decodeJSONInto(s, &items); err != nil {
			return nil, fmt.Errorf("%w: json array: %v", ErrInvalidValue, err)
		}
	case cc.ExternalID:
		items = []any{s}
	default:
		v, err := decodeJSON(s)
		if err != nil {
			v = s
		}
		items = []any{v}
	}

	for _, item := range items {
		var (
			rec *storage.Record
			err error
		)
		if cc.ExternalID {
			key, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: external key must be a string, got %v", ErrInvalidValue, item)
			}
			rec, err = c.byExternalID(ctx, cc.TargetModel, key)
		} else {
			rec, err = c.byPrimaryKey(ctx, cc.TargetModel, item)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Coercer) byExternalID(ctx context.Context, model, key string) (*storage.Record, error) {
	rec, err := c.registry.Get(ctx, model, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no %s record with external key %q", ErrUnresolvedReference, model, key)
	}
	return rec, nil
}

func (c *Coercer) byPrimaryKey(ctx context.Context, model string, v any) (*storage.Record, error) {
	var pk storage.PrimaryKey
	switch x := v.(type) {
	case map[string]any:
		pk = storage.PrimaryKey(x)
	default:
		names, err := c.catalog.PrimaryKeyFields(model)
		if err != nil {
			return nil, err
		}
		if len(names) != 1 {
			return nil, fmt.Errorf("%w: %s needs a primary key object, got %v", ErrInvalidValue, model, v)
		}
		pk = storage.PrimaryKey{names[0]: v}
	}

	typed, err := storage.ConvertPrimaryKey(c.catalog, model, pk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	rec, err := c.store.Find(ctx, model, typed)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no %s record with key %s", ErrUnresolvedReference, model, typed)
	}
	return rec, nil
}

func decodeJSON(s string) (any, error) {
	var v any
	if err := decodeJSONInto(s, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeJSONInto(s string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}
