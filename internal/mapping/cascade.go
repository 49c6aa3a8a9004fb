package mapping

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

type cascade struct {
	r *Registry
}

// Cascade returns the delete hook that removes the entries of deleted rows.
// NewRegistry installs it; stores built later can install it themselves.
func (r *Registry) Cascade() storage.DeleteHook {
	return cascade{r: r}
}

// BeforeDelete collects the entries pointing at rows while their keys still
// resolve. The entries are removed once the rows are gone.
func (c cascade) BeforeDelete(ctx context.Context, model string, rows []*storage.Record) (storage.AfterDeleteFunc, error) {
	if model == schema.MappingModel {
		return nil, nil
	}

	mapped, err := c.r.store.Query(ctx, schema.MappingModel, storage.Filter{"model": model})
	if err != nil {
		return nil, fmt.Errorf("list mappings of %s: %w", model, err)
	}
	if len(mapped) == 0 {
		return nil, nil
	}

	byKey := make(map[string][]*storage.Record, len(mapped))
	for _, row := range mapped {
		e, err := decodeEntry(row)
		if err != nil {
			return nil, err
		}
		id := e.PrimaryKey.String()
		byKey[id] = append(byKey[id], row)
	}

	var doomed []*storage.Record
	for _, row := range rows {
		pk, err := NormalizeModelKey(c.r.catalog, model, row.Key)
		if err != nil {
			return nil, fmt.Errorf("%s %v: %w", model, row.Key, err)
		}
		doomed = append(doomed, byKey[pk.String()]...)
	}
	if len(doomed) == 0 {
		return nil, nil
	}

	return func(ctx context.Context) error {
		for _, row := range doomed {
			if err := c.r.removeRow(ctx, row); err != nil {
				return err
			}
		}
		return nil
	}, nil
}
