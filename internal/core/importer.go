package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/recordio/internal/format"
	"github.com/JonMunkholm/recordio/internal/logging"
	"github.com/JonMunkholm/recordio/internal/mapping"
	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

// IfExist is the policy for a record that already exists.
type IfExist string

const (
	IfExistContinue IfExist = "continue"
	IfExistCreate   IfExist = "create"
	IfExistUpdate   IfExist = "update"
	IfExistRaise    IfExist = "raise"
	IfExistPass     IfExist = "pass"
)

// IfDoesNotExist is the policy for a record that does not exist yet.
type IfDoesNotExist string

const (
	IfDoesNotExistCreate IfDoesNotExist = "create"
	IfDoesNotExistPass   IfDoesNotExist = "pass"
	IfDoesNotExistRaise  IfDoesNotExist = "raise"
)

// OnError decides whether the first error aborts the import.
type OnError string

const (
	OnErrorIgnore OnError = "ignore"
	OnErrorRaise  OnError = "raise"
)

// ParseIfExist validates a policy name. "" means update.
func ParseIfExist(s string) (IfExist, error) {
	switch p := IfExist(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return IfExistUpdate, nil
	case IfExistContinue, IfExistCreate, IfExistUpdate, IfExistRaise, IfExistPass:
		return p, nil
	}
	return "", fmt.Errorf("%w: if_exist=%q", ErrInvalidPolicy, s)
}

// ParseIfDoesNotExist validates a policy name. "" means create.
func ParseIfDoesNotExist(s string) (IfDoesNotExist, error) {
	switch p := IfDoesNotExist(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return IfDoesNotExistCreate, nil
	case IfDoesNotExistCreate, IfDoesNotExistPass, IfDoesNotExistRaise:
		return p, nil
	}
	return "", fmt.Errorf("%w: if_does_not_exist=%q", ErrInvalidPolicy, s)
}

// ParseOnError validates a policy name. "" means ignore.
func ParseOnError(s string) (OnError, error) {
	switch p := OnError(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OnErrorIgnore, nil
	case OnErrorIgnore, OnErrorRaise:
		return p, nil
	}
	return "", fmt.Errorf("%w: on_error=%q", ErrInvalidPolicy, s)
}

// Options configures an Importer.
type Options struct {
	OnError        OnError
	IfExist        IfExist
	IfDoesNotExist IfDoesNotExist

	// CheckOnly runs the import without committing anything.
	CheckOnly bool

	// CommitPerGroup commits storage at every group boundary.
	CommitPerGroup bool

	// Module owns the mapping entries the import creates.
	Module string
}

// EntryOptions describes one record being imported.
type EntryOptions struct {
	Model          string
	ExternalID     string
	Param          string
	IfExist        IfExist
	IfDoesNotExist IfDoesNotExist
}

// Result summarizes a run.
type Result struct {
	Created []*storage.Record
	Updated []*storage.Record
	Errors  []string
}

type paramKey struct {
	model string
	name  string
}

// Importer applies parsed payloads to the store. An Importer is a single
// session and is not safe for concurrent use.
type Importer struct {
	store    storage.Store
	catalog  schema.Lookup
	registry *mapping.Registry
	coercer  *Coercer
	opts     Options

	params  map[paramKey]any
	created []*storage.Record
	updated []*storage.Record
	errs    []string
	cause   error
}

// NewImporter creates a session over store. Zero policies take their defaults.
func NewImporter(store storage.Store, catalog schema.Lookup, registry *mapping.Registry, opts Options) *Importer {
	if opts.OnError == "" {
		opts.OnError = OnErrorIgnore
	}
	if opts.IfExist == "" {
		opts.IfExist = IfExistUpdate
	}
	if opts.IfDoesNotExist == "" {
		opts.IfDoesNotExist = IfDoesNotExistCreate
	}
	return &Importer{
		store:    store,
		catalog:  catalog,
		registry: registry,
		coercer:  NewCoercer(store, catalog, registry),
		opts:     opts,
		params:   make(map[paramKey]any),
	}
}

// Errors returns the messages recorded so far.
func (im *Importer) Errors() []string { return im.errs }

// Result returns the session counters.
func (im *Importer) Result() *Result {
	return &Result{Created: im.created, Updated: im.updated, Errors: im.errs}
}

// Param returns a session alias.
func (im *Importer) Param(model, name string) (any, bool) {
	v, ok := im.params[paramKey{model, name}]
	return v, ok
}

// SetParam defines a session alias.
func (im *Importer) SetParam(model, name string, v any) {
	im.params[paramKey{model, name}] = v
}

// report records err. Under the raise policy it returns the *ImportError
// that aborts the run.
func (im *Importer) report(ctx context.Context, err error) error {
	im.errs = append(im.errs, err.Error())
	if im.cause == nil {
		im.cause = err
	}
	logging.FromContext(ctx).Debug("import error", "error", err)

	if im.opts.OnError == OnErrorRaise {
		return im.abort()
	}
	return nil
}

func (im *Importer) abort() error {
	return &ImportError{Messages: append([]string(nil), im.errs...), cause: im.cause}
}

// CheckEntryBeforeImport applies the policies to a looked-up entry. skip
// reports that the record must not be written; the returned entry is the
// one to update, nil to insert.
func (im *Importer) CheckEntryBeforeImport(ctx context.Context, model string, entry *storage.Record, ifExist IfExist, ifDoesNotExist IfDoesNotExist) (bool, *storage.Record, error) {
	if entry != nil {
		switch ifExist {
		case IfExistPass:
			return true, entry, nil
		case IfExistRaise:
			err := im.report(ctx, fmt.Errorf("%w: %s %s already exists", ErrPolicyViolation, model, entry.Key))
			return true, nil, err
		}
		return false, entry, nil
	}

	switch ifDoesNotExist {
	case IfDoesNotExistPass:
		return true, nil, nil
	case IfDoesNotExistRaise:
		err := im.report(ctx, fmt.Errorf("%w: %s record does not exist", ErrPolicyViolation, model))
		return true, nil, err
	}
	return false, nil, nil
}

// ImportEntry writes values to entry (or a new record) under the policies,
// then registers the external key and the session alias.
func (im *Importer) ImportEntry(ctx context.Context, entry *storage.Record, values map[string]any, o EntryOptions) (*storage.Record, error) {
	ifExist := o.IfExist
	if ifExist == "" {
		ifExist = im.opts.IfExist
	}
	ifDoesNotExist := o.IfDoesNotExist
	if ifDoesNotExist == "" {
		ifDoesNotExist = im.opts.IfDoesNotExist
	}
	model := o.Model
	if model == "" && entry != nil {
		model = entry.Model
	}

	switch {
	case entry != nil && ifExist == IfExistContinue:
		// Kept as is.
	case ifExist == IfExistCreate:
		rec, err := im.insert(ctx, model, values)
		if rec == nil {
			return nil, err
		}
		entry = rec
	default:
		skip, e, err := im.CheckEntryBeforeImport(ctx, model, entry, ifExist, ifDoesNotExist)
		if err != nil {
			return nil, err
		}
		entry = e
		if !skip {
			if entry != nil {
				if ok, err := im.update(ctx, entry, values); !ok {
					return nil, err
				}
			} else {
				rec, err := im.insert(ctx, model, values)
				if rec == nil {
					return nil, err
				}
				entry = rec
			}
		}
	}

	if entry == nil {
		return nil, nil
	}

	if o.ExternalID != "" {
		opts := []mapping.SetOption{mapping.WithOverwrite()}
		if im.opts.Module != "" {
			opts = append(opts, mapping.WithModule(im.opts.Module))
		}
		if _, err := im.registry.Set(ctx, o.ExternalID, entry, opts...); err != nil {
			if err := im.report(ctx, fmt.Errorf("map %s %q: %w", entry.Model, o.ExternalID, err)); err != nil {
				return nil, err
			}
		}
	}

	if o.Param != "" {
		key := paramKey{model: entry.Model, name: o.Param}
		if prev, ok := im.params[key]; ok {
			if r, isRec := prev.(*storage.Record); !isRec || !r.Same(entry) {
				err := im.report(ctx, fmt.Errorf("%w: param %q of %s already names another value", ErrMappingConflict, o.Param, entry.Model))
				if err != nil {
					return nil, err
				}
			}
		} else {
			im.params[key] = entry
		}
	}
	return entry, nil
}

// insert returns nil and the abort error (if any) when the write failed.
func (im *Importer) insert(ctx context.Context, model string, values map[string]any) (*storage.Record, error) {
	if values == nil {
		values = map[string]any{}
	}
	rec, err := im.store.Insert(ctx, model, values)
	if err != nil {
		return nil, im.report(ctx, err)
	}
	im.created = append(im.created, rec)
	return rec, nil
}

func (im *Importer) update(ctx context.Context, rec *storage.Record, values map[string]any) (bool, error) {
	if len(values) > 0 {
		if err := im.store.Update(ctx, rec, values); err != nil {
			return false, im.report(ctx, err)
		}
	}
	im.updated = append(im.updated, rec)
	return true, nil
}

// FindEntry resolves the record a node refers to: the session alias first,
// then the external key, then primary key values present in values.
func (im *Importer) FindEntry(ctx context.Context, model, externalID, param string, values map[string]any) (*storage.Record, error) {
	if model == "" {
		return nil, nil
	}
	if param != "" {
		if rec, ok := im.params[paramKey{model, param}].(*storage.Record); ok {
			return rec, nil
		}
	}
	if externalID != "" {
		rec, err := im.registry.Get(ctx, model, externalID)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	if len(values) == 0 {
		return nil, nil
	}

	names, err := im.catalog.PrimaryKeyFields(model)
	if err != nil {
		return nil, err
	}
	pk := make(storage.PrimaryKey, len(names))
	for _, name := range names {
		v, ok := values[name]
		if !ok || v == nil {
			return nil, nil
		}
		pk[name] = v
	}
	rec, err := im.store.Find(ctx, model, pk)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ImportField converts one field node. Reference attributes need a model,
// taken from the node or from the relation target.
func (im *Importer) ImportField(ctx context.Context, node format.Field, field schema.Field) (any, error) {
	model := node.Model
	if model == "" {
		model = field.Target
	}

	if node.Param != "" {
		if model == "" {
			return nil, im.report(ctx, fmt.Errorf("%w: param %q on field %s", ErrMissingTarget, node.Param, field.Name))
		}
		key := paramKey{model: model, name: node.Param}
		if node.Value == nil && len(node.Records) == 0 && node.ExternalID == "" {
			v, ok := im.params[key]
			if !ok {
				return nil, im.report(ctx, fmt.Errorf("%w: unknown param %q of %s", ErrUnresolvedReference, node.Param, model))
			}
			return im.adaptReference(ctx, field, v)
		}

		before := len(im.errs)
		v, err := im.importFieldValue(ctx, node, field, model)
		if err != nil || len(im.errs) > before {
			return nil, err
		}
		im.params[key] = v
		return v, nil
	}

	return im.importFieldValue(ctx, node, field, model)
}

func (im *Importer) importFieldValue(ctx context.Context, node format.Field, field schema.Field, model string) (any, error) {
	switch {
	case node.ExternalID != "":
		if model == "" {
			return nil, im.report(ctx, fmt.Errorf("%w: external_id %q on field %s", ErrMissingTarget, node.ExternalID, field.Name))
		}
		ft := field.Type
		if !ft.IsRelation() {
			ft = schema.FieldMany2One
		}
		v, err := im.coercer.Coerce(ctx, node.ExternalID, ft, CoerceContext{ExternalID: true, TargetModel: model})
		if err != nil {
			return nil, im.report(ctx, fmt.Errorf("%s: %w", field.Name, err))
		}
		return im.adaptReference(ctx, field, v)

	case len(node.Records) > 0:
		if field.Type.IsMulti() {
			return im.ImportMultiValues(ctx, node.Records, model)
		}
		if len(node.Records) > 1 {
			return nil, im.report(ctx, fmt.Errorf("%w: field %s takes one record, got %d", ErrInvalidValue, field.Name, len(node.Records)))
		}
		return im.ImportValue(ctx, node.Records[0], field.Type, model)

	case node.Value == nil:
		if field.Type.IsMulti() {
			return []*storage.Record{}, nil
		}
		return nil, nil
	}

	v, err := im.coercer.Coerce(ctx, *node.Value, field.Type, CoerceContext{TargetModel: model})
	if err != nil {
		return nil, im.report(ctx, fmt.Errorf("%s: %w", field.Name, err))
	}
	return v, nil
}

// adaptReference shapes a resolved reference for the field: scalar fields
// receive the record's single primary key value.
func (im *Importer) adaptReference(ctx context.Context, field schema.Field, v any) (any, error) {
	rec, ok := v.(*storage.Record)
	if !ok {
		return v, nil
	}
	switch {
	case field.Type.IsMulti():
		return []*storage.Record{rec}, nil
	case field.Type.IsRelation():
		return rec, nil
	}
	return im.keyValue(ctx, field.Name, rec)
}

func (im *Importer) keyValue(ctx context.Context, name string, rec *storage.Record) (any, error) {
	if len(rec.Key) != 1 {
		return nil, im.report(ctx, fmt.Errorf("%w: %s has a composite key and cannot fill scalar field %s", ErrInvalidValue, rec.Model, name))
	}
	for _, v := range rec.Key {
		return v, nil
	}
	return nil, nil
}

// ImportValue imports a nested record node. Relation types receive the
// record, scalar types its single primary key value.
func (im *Importer) ImportValue(ctx context.Context, node format.Record, ft schema.FieldType, model string) (any, error) {
	if node.Model == "" {
		node.Model = model
	}
	rec, err := im.ImportRecord(ctx, node)
	if err != nil || rec == nil {
		return nil, err
	}
	if ft.IsMulti() {
		return []*storage.Record{rec}, nil
	}
	if ft.IsRelation() {
		return rec, nil
	}
	return im.keyValue(ctx, "", rec)
}

// ImportMultiValues imports nested record nodes. The result is never nil.
func (im *Importer) ImportMultiValues(ctx context.Context, nodes []format.Record, model string) ([]*storage.Record, error) {
	out := make([]*storage.Record, 0, len(nodes))
	for _, node := range nodes {
		if node.Model == "" {
			node.Model = model
		}
		rec, err := im.ImportRecord(ctx, node)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ImportRecord imports one record node and returns its entry, or nil when
// the node was rejected or skipped.
func (im *Importer) ImportRecord(ctx context.Context, node format.Record) (*storage.Record, error) {
	if node.Problem != "" {
		return nil, im.report(ctx, fmt.Errorf("%w: %s", ErrMalformedInput, node.Problem))
	}
	if node.Model == "" {
		return nil, im.report(ctx, fmt.Errorf("%w: record without model", ErrMalformedInput))
	}
	m, ok := im.catalog.Model(node.Model)
	if !ok {
		return nil, im.report(ctx, fmt.Errorf("%w: %s", ErrUnknownModel, node.Model))
	}

	var (
		ifExist        IfExist
		ifDoesNotExist IfDoesNotExist
		err            error
	)
	if node.IfExist != "" {
		if ifExist, err = ParseIfExist(node.IfExist); err != nil {
			return nil, im.report(ctx, err)
		}
	}
	if node.IfDoesNotExist != "" {
		if ifDoesNotExist, err = ParseIfDoesNotExist(node.IfDoesNotExist); err != nil {
			return nil, im.report(ctx, err)
		}
	}

	values := make(map[string]any, len(node.Fields))
	for _, f := range node.Fields {
		if f.Problem != "" {
			if err := im.report(ctx, fmt.Errorf("%w: %s: %s", ErrMalformedInput, node.Model, f.Problem)); err != nil {
				return nil, err
			}
			continue
		}
		field, ok := m.Field(f.Name)
		if !ok {
			if err := im.report(ctx, fmt.Errorf("%w: %s.%s", ErrUnknownField, node.Model, f.Name)); err != nil {
				return nil, err
			}
			continue
		}

		// An external key on the model's own key field names the record.
		if f.ExternalID != "" && f.Model == "" && field.PrimaryKey && !field.Type.IsRelation() {
			if node.ExternalID == "" {
				node.ExternalID = f.ExternalID
			}
			continue
		}

		before := len(im.errs)
		v, err := im.ImportField(ctx, f, field)
		if err != nil {
			return nil, err
		}
		if len(im.errs) > before {
			continue
		}
		values[f.Name] = v
	}

	entry, err := im.FindEntry(ctx, node.Model, node.ExternalID, node.Param, values)
	if err != nil {
		return nil, im.report(ctx, err)
	}
	return im.ImportEntry(ctx, entry, values, EntryOptions{
		Model:          node.Model,
		ExternalID:     node.ExternalID,
		Param:          node.Param,
		IfExist:        ifExist,
		IfDoesNotExist: ifDoesNotExist,
	})
}

// Commit commits storage at a group boundary. It refuses (false) in check
// mode, when group commits are disabled, or once errors were recorded.
func (im *Importer) Commit(ctx context.Context) (bool, error) {
	if im.opts.CheckOnly || !im.opts.CommitPerGroup || len(im.errs) > 0 {
		return false, nil
	}
	if err := im.store.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	logging.FromContext(ctx).Debug("group committed", "created", len(im.created), "updated", len(im.updated))
	return true, nil
}

// Run imports a parsed payload. A payload on_error directive overrides the
// session policy. Under raise the first error returns an *ImportError;
// groups committed before it stay committed.
func (im *Importer) Run(ctx context.Context, p *format.Payload) (*Result, error) {
	if p.OnError != "" {
		policy, err := ParseOnError(p.OnError)
		if err != nil {
			if err := im.report(ctx, err); err != nil {
				return im.Result(), err
			}
		} else {
			im.opts.OnError = policy
		}
	}

	if p.Problem != "" {
		err := im.report(ctx, fmt.Errorf("%w: %s", ErrMalformedInput, p.Problem))
		return im.Result(), err
	}

	for _, g := range p.Groups {
		for _, node := range g.Records {
			if _, err := im.ImportRecord(ctx, node); err != nil {
				return im.Result(), err
			}
		}
		if g.Commit {
			if _, err := im.Commit(ctx); err != nil {
				return im.Result(), err
			}
		}
	}
	return im.Result(), nil
}

// IsAbort reports whether err is an import abort.
func IsAbort(err error) bool {
	var ie *ImportError
	return errors.As(err, &ie)
}
