package storage

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/recordio/internal/schema"
)

// Layouts used to persist temporal values.
const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = time.RFC3339Nano
	TimeLayout     = "15:04:05.999999999"
)

var timeLayouts = map[schema.FieldType][]string{
	schema.FieldDate:     {DateLayout, time.RFC3339},
	schema.FieldDateTime: {"2006-01-02 15:04:05", time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05.999999999", DateLayout},
	schema.FieldTime:     {"15:04:05", TimeLayout, "15:04", time.RFC3339Nano},
}

// ParseTime parses text for a Date, DateTime or Time field.
// The first layout listed for the type is the one reported on mismatch.
func ParseTime(s string, ft schema.FieldType) (time.Time, error) {
	layouts, ok := timeLayouts[ft]
	if !ok {
		return time.Time{}, fmt.Errorf("%s is not a temporal type", ft)
	}
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			if ft == schema.FieldDate {
				t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid %s %q: expected format %s", ft, s, layouts[0])
}

// ParseNumeric parses an exact decimal.
func ParseNumeric(s string) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if err := n.Scan(strings.TrimSpace(s)); err != nil {
		return pgtype.Numeric{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if !n.Valid {
		return pgtype.Numeric{}, fmt.Errorf("invalid decimal %q", s)
	}
	return n, nil
}

// NumericString renders a decimal without insignificant trailing zeros,
// so 1.50 and 1.5 share one representation.
func NumericString(n pgtype.Numeric) string {
	if !n.Valid {
		return ""
	}
	v, err := n.Value()
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	if strings.Contains(s, ".") && !strings.ContainsAny(s, "eE") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// canonicalScalar reduces a value to a JSON-friendly form for PrimaryKey.String.
func canonicalScalar(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		return x.String()
	case time.Time:
		return x.UTC().Format(DateTimeLayout)
	case time.Duration:
		return int64(x)
	case pgtype.Numeric:
		return NumericString(x)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case PrimaryKey:
		return x.String()
	case map[string]any:
		return PrimaryKey(x).String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func lookupModel(cat schema.Lookup, model string) (*schema.Model, error) {
	m, ok := cat.Model(model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownModel, model)
	}
	return m, nil
}

// ConvertPrimaryKey converts pk values to the declared types of model's key
// fields. The field names must match the declared key exactly.
func ConvertPrimaryKey(cat schema.Lookup, model string, pk PrimaryKey) (PrimaryKey, error) {
	m, err := lookupModel(cat, model)
	if err != nil {
		return nil, err
	}
	names := m.PrimaryKeyFields()
	if len(pk) != len(names) {
		return nil, fmt.Errorf("%w: %s expects %v, got %d values", ErrMissingPrimaryKey, model, names, len(pk))
	}

	out := make(PrimaryKey, len(names))
	for _, name := range names {
		raw, ok := pk[name]
		if !ok || raw == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingPrimaryKey, model, name)
		}
		f, _ := m.Field(name)
		v, err := ConvertValue(cat, f, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", model, name, err)
		}
		out[name] = v
	}
	return out, nil
}

// KeyOf extracts the primary key from a full set of converted values.
func KeyOf(cat schema.Lookup, model string, values map[string]any) (PrimaryKey, error) {
	m, err := lookupModel(cat, model)
	if err != nil {
		return nil, err
	}
	pk := make(PrimaryKey)
	for _, name := range m.PrimaryKeyFields() {
		v, ok := values[name]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingPrimaryKey, model, name)
		}
		pk[name] = v
	}
	return pk, nil
}

// ConvertValues converts every value to the declared type of its field.
func ConvertValues(cat schema.Lookup, model string, values map[string]any) (map[string]any, error) {
	m, err := lookupModel(cat, model)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(values))
	for name, raw := range values {
		f, ok := m.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", schema.ErrUnknownField, model, name)
		}
		v, err := ConvertValue(cat, f, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", model, name, err)
		}
		out[name] = v
	}
	return out, nil
}

// ConvertValue converts a Go value to the canonical representation of a field:
// int64, float64, pgtype.Numeric, time.Time, time.Duration, []byte, string,
// bool, PrimaryKey or []PrimaryKey.
func ConvertValue(cat schema.Lookup, f schema.Field, v any) (any, error) {
	if v == nil {
		if f.Type.IsMulti() {
			return []PrimaryKey{}, nil
		}
		return nil, nil
	}

	switch f.Type {
	case schema.FieldString, schema.FieldText, schema.FieldSelection:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case schema.FieldBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case schema.FieldInteger, schema.FieldBigInteger:
		return toInt64(v)
	case schema.FieldFloat:
		return toFloat64(v)
	case schema.FieldDecimal:
		return toNumeric(v)
	case schema.FieldDate, schema.FieldDateTime, schema.FieldTime:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			return ParseTime(x, f.Type)
		}
	case schema.FieldInterval:
		return toDuration(v)
	case schema.FieldJSON:
		return v, nil
	case schema.FieldLargeBinary:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
	case schema.FieldMany2One, schema.FieldOne2One:
		return toPrimaryKey(cat, f.Target, v)
	case schema.FieldMany2Many, schema.FieldOne2Many:
		return toPrimaryKeys(cat, f.Target, v)
	}
	return nil, fmt.Errorf("cannot store %T in %s field", v, f.Type)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return uintToInt64(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt64(x)
	case float32:
		return floatToInt64(float64(x))
	case float64:
		return floatToInt64(x)
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}

func uintToInt64(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("integer %d overflows int64", u)
	}
	return int64(u), nil
}

func floatToInt64(f float64) (int64, error) {
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	return int64(f), nil
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	if i, err := toInt64(v); err == nil {
		return float64(i), nil
	}
	return 0, fmt.Errorf("cannot convert %T to float", v)
}

func toNumeric(v any) (pgtype.Numeric, error) {
	switch x := v.(type) {
	case pgtype.Numeric:
		return x, nil
	case *pgtype.Numeric:
		if x != nil {
			return *x, nil
		}
	case string:
		return ParseNumeric(x)
	case json.Number:
		return ParseNumeric(x.String())
	case float64:
		return ParseNumeric(strconv.FormatFloat(x, 'f', -1, 64))
	case float32:
		return ParseNumeric(strconv.FormatFloat(float64(x), 'f', -1, 32))
	default:
		if i, err := toInt64(v); err == nil {
			return pgtype.Numeric{Int: big.NewInt(i), Valid: true}, nil
		}
	}
	return pgtype.Numeric{}, fmt.Errorf("cannot convert %T to decimal", v)
}

func toDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case time.Duration:
		return x, nil
	case string:
		return time.ParseDuration(strings.TrimSpace(x))
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %T to interval", v)
	}
	return time.Duration(n), nil
}

func toPrimaryKey(cat schema.Lookup, target string, v any) (any, error) {
	switch x := v.(type) {
	case *Record:
		if x == nil {
			return nil, nil
		}
		if x.Model != target {
			return nil, fmt.Errorf("record of %s cannot reference %s", x.Model, target)
		}
		return x.Key, nil
	case PrimaryKey:
		return ConvertPrimaryKey(cat, target, x)
	case map[string]any:
		return ConvertPrimaryKey(cat, target, PrimaryKey(x))
	}
	return nil, fmt.Errorf("cannot convert %T to a reference to %s", v, target)
}

func toPrimaryKeys(cat schema.Lookup, target string, v any) ([]PrimaryKey, error) {
	var items []any
	switch x := v.(type) {
	case []PrimaryKey:
		for _, pk := range x {
			items = append(items, pk)
		}
	case []*Record:
		for _, r := range x {
			items = append(items, r)
		}
	case []map[string]any:
		for _, m := range x {
			items = append(items, m)
		}
	case []any:
		items = x
	default:
		return nil, fmt.Errorf("cannot convert %T to references to %s", v, target)
	}

	out := make([]PrimaryKey, 0, len(items))
	for _, item := range items {
		pk, err := toPrimaryKey(cat, target, item)
		if err != nil {
			return nil, err
		}
		if pk != nil {
			out = append(out, pk.(PrimaryKey))
		}
	}
	return out, nil
}

// EncodeValue converts a canonical value into a JSON-safe form.
func EncodeValue(cat schema.Lookup, f schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case schema.FieldDecimal:
		n, err := toNumeric(v)
		if err != nil {
			return nil, err
		}
		return NumericString(n), nil
	case schema.FieldDate, schema.FieldDateTime, schema.FieldTime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("cannot encode %T as %s", v, f.Type)
		}
		switch f.Type {
		case schema.FieldDate:
			return t.Format(DateLayout), nil
		case schema.FieldTime:
			return t.Format(TimeLayout), nil
		}
		return t.Format(DateTimeLayout), nil
	case schema.FieldInterval:
		d, err := toDuration(v)
		if err != nil {
			return nil, err
		}
		return int64(d), nil
	case schema.FieldLargeBinary:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("cannot encode %T as %s", v, f.Type)
		}
		return base64.StdEncoding.EncodeToString(b), nil
	case schema.FieldMany2One, schema.FieldOne2One:
		pk, ok := v.(PrimaryKey)
		if !ok {
			return nil, fmt.Errorf("cannot encode %T as %s", v, f.Type)
		}
		return encodePrimaryKey(cat, f.Target, pk)
	case schema.FieldMany2Many, schema.FieldOne2Many:
		pks, ok := v.([]PrimaryKey)
		if !ok {
			return nil, fmt.Errorf("cannot encode %T as %s", v, f.Type)
		}
		out := make([]any, 0, len(pks))
		for _, pk := range pks {
			enc, err := encodePrimaryKey(cat, f.Target, pk)
			if err != nil {
				return nil, err
			}
			out = append(out, enc)
		}
		return out, nil
	}
	return v, nil
}

func encodePrimaryKey(cat schema.Lookup, model string, pk PrimaryKey) (map[string]any, error) {
	m, err := lookupModel(cat, model)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(pk))
	for name, v := range pk {
		f, ok := m.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", schema.ErrUnknownField, model, name)
		}
		enc, err := EncodeValue(cat, f, v)
		if err != nil {
			return nil, err
		}
		out[name] = enc
	}
	return out, nil
}

// DecodeValue reverses EncodeValue for a value read back from JSON that was
// decoded with UseNumber.
func DecodeValue(cat schema.Lookup, f schema.Field, raw any) (any, error) {
	if raw == nil {
		return ConvertValue(cat, f, nil)
	}
	switch f.Type {
	case schema.FieldLargeBinary:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("cannot decode %T as %s", raw, f.Type)
		}
		return base64.StdEncoding.DecodeString(s)
	case schema.FieldJSON:
		return raw, nil
	}
	return ConvertValue(cat, f, raw)
}

// EncodeRecord renders every field of a record into a JSON-safe map.
func EncodeRecord(cat schema.Lookup, rec *Record) (map[string]any, error) {
	m, err := lookupModel(cat, rec.Model)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(rec.Values))
	for name, v := range rec.Values {
		f, ok := m.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", schema.ErrUnknownField, rec.Model, name)
		}
		enc, err := EncodeValue(cat, f, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", rec.Model, name, err)
		}
		out[name] = enc
	}
	return out, nil
}

// DecodeRecord builds a record from a map produced by EncodeRecord.
func DecodeRecord(cat schema.Lookup, model string, raw map[string]any) (*Record, error) {
	m, err := lookupModel(cat, model)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, len(raw))
	for name, rv := range raw {
		f, ok := m.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", schema.ErrUnknownField, model, name)
		}
		v, err := DecodeValue(cat, f, rv)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", model, name, err)
		}
		values[name] = v
	}
	key, err := KeyOf(cat, model, values)
	if err != nil {
		return nil, err
	}
	return &Record{Model: model, Key: key, Values: values}, nil
}

// UnmarshalRecord decodes a JSON payload written by MarshalRecord.
func UnmarshalRecord(cat schema.Lookup, model string, payload []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", model, err)
	}
	return DecodeRecord(cat, model, raw)
}

// MarshalRecord encodes a record as JSON.
func MarshalRecord(cat schema.Lookup, rec *Record) ([]byte, error) {
	enc, err := EncodeRecord(cat, rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}

// Matcher reports whether a record satisfies a compiled filter.
type Matcher func(rec *Record) bool

// CompileFilter validates filter against model and returns a matcher that
// compares values in their encoded form.
func CompileFilter(cat schema.Lookup, model string, filter Filter) (Matcher, error) {
	m, err := lookupModel(cat, model)
	if err != nil {
		return nil, err
	}

	type cond struct {
		field schema.Field
		want  []byte
	}
	conds := make([]cond, 0, len(filter))
	for name, raw := range filter {
		f, ok := m.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", schema.ErrUnknownField, model, name)
		}
		want, err := encodedBytes(cat, f, raw)
		if err != nil {
			return nil, fmt.Errorf("filter %s.%s: %w", model, name, err)
		}
		conds = append(conds, cond{field: f, want: want})
	}

	return func(rec *Record) bool {
		for _, c := range conds {
			got, err := encodedBytes(cat, c.field, rec.Values[c.field.Name])
			if err != nil || !bytes.Equal(got, c.want) {
				return false
			}
		}
		return true
	}, nil
}

func encodedBytes(cat schema.Lookup, f schema.Field, raw any) ([]byte, error) {
	v, err := ConvertValue(cat, f, raw)
	if err != nil {
		return nil, err
	}
	enc, err := EncodeValue(cat, f, v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}
