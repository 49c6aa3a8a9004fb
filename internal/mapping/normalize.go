package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

// ErrUnsupportedKeyValue is returned for primary key values outside the
// normalizable kinds.
var ErrUnsupportedKeyValue = errors.New("unsupported primary key value")

// Identifier is implemented by value objects that can stand in a primary key.
type Identifier interface {
	CanonicalKey() string
}

// NormalizeValue converts a primary key value to its canonical stored form.
//
//	string, bool            unchanged
//	integers                int64
//	floats                  int64 when integral, otherwise float64
//	json.Number             as integer or float above
//	time.Time               "2006-01-02" at UTC midnight, otherwise RFC 3339 in UTC
//	time.Duration           Duration.String form, e.g. "1m30s"
//	pgtype.Numeric          decimal string without trailing zeros
//	uuid.UUID, pgtype.UUID  hyphenated lower-case string
//	Identifier              CanonicalKey()
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string, bool:
		return x, nil
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
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		return normalizeUint(uint64(x))
	case uint64:
		return normalizeUint(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyValue, x.String())
		}
		return normalizeFloat(f)
	case time.Time:
		u := x.UTC()
		if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
			return u.Format(storage.DateLayout), nil
		}
		return u.Format(time.RFC3339Nano), nil
	case time.Duration:
		return x.String(), nil
	case pgtype.Numeric:
		if !x.Valid || x.NaN || x.InfinityModifier != pgtype.Finite {
			return nil, fmt.Errorf("%w: non-finite decimal", ErrUnsupportedKeyValue)
		}
		return storage.NumericString(x), nil
	case *pgtype.Numeric:
		if x == nil {
			return nil, fmt.Errorf("%w: nil decimal", ErrUnsupportedKeyValue)
		}
		return NormalizeValue(*x)
	case uuid.UUID:
		return x.String(), nil
	case pgtype.UUID:
		if !x.Valid {
			return nil, fmt.Errorf("%w: null uuid", ErrUnsupportedKeyValue)
		}
		return uuid.UUID(x.Bytes).String(), nil
	case storage.PrimaryKey:
		// Composite keys that embed a relation keep the nested key normalized.
		return NormalizePrimaryKey(x)
	case map[string]any:
		return NormalizePrimaryKey(storage.PrimaryKey(x))
	case Identifier:
		return x.CanonicalKey(), nil
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedKeyValue)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyValue, v)
}

func normalizeUint(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedKeyValue, u)
	}
	return int64(u), nil
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKeyValue, f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return f, nil
}

// NormalizePrimaryKey normalizes every value of pk.
func NormalizePrimaryKey(pk storage.PrimaryKey) (storage.PrimaryKey, error) {
	out := make(storage.PrimaryKey, len(pk))
	for name, v := range pk {
		n, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}

// NormalizeFieldValue normalizes v for a field of type ft. Temporal values
// take the layout of their declared type, so a Time at midnight stays a
// time of day and a DateTime keeps its clock.
func NormalizeFieldValue(ft schema.FieldType, v any) (any, error) {
	if t, ok := v.(time.Time); ok {
		switch ft {
		case schema.FieldDate:
			return t.Format(storage.DateLayout), nil
		case schema.FieldTime:
			return t.Format(storage.TimeLayout), nil
		case schema.FieldDateTime:
			return t.UTC().Format(storage.DateTimeLayout), nil
		}
	}
	return NormalizeValue(v)
}

// NormalizeModelKey normalizes pk using the declared types of model's key
// fields.
func NormalizeModelKey(cat schema.Lookup, model string, pk storage.PrimaryKey) (storage.PrimaryKey, error) {
	out := make(storage.PrimaryKey, len(pk))
	for name, v := range pk {
		ft, err := cat.FieldType(model, name)
		if err != nil {
			return nil, err
		}
		n, err := NormalizeFieldValue(ft, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}
