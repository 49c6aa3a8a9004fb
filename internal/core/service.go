package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/recordio/internal/archive"
	"github.com/JonMunkholm/recordio/internal/format"
	"github.com/JonMunkholm/recordio/internal/logging"
	"github.com/JonMunkholm/recordio/internal/mapping"
	"github.com/JonMunkholm/recordio/internal/metrics"
	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
)

// DefaultMaxPayloadSize bounds ImportFromBytes when no limit is configured.
const DefaultMaxPayloadSize = 64 << 20

// Payload modes.
const (
	ModeCSV = "csv"
	ModeXML = "xml"
)

// Service wires the engines to a store, the mapping registry and the
// optional archive and metrics collaborators.
type Service struct {
	store    storage.Store
	catalog  schema.Lookup
	registry *mapping.Registry
	archive  archive.Sink
	metrics  *metrics.Metrics
	gate     *SessionGate

	maxPayloadSize int64
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithArchive stores payloads and reports of failed sessions in sink.
func WithArchive(sink archive.Sink) ServiceOption {
	return func(s *Service) { s.archive = sink }
}

// WithMetrics records import and mapping metrics.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithMaxPayloadSize rejects payloads larger than n bytes.
func WithMaxPayloadSize(n int64) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxPayloadSize = n
		}
	}
}

// WithSessionWait sets how long a session waits for the store.
func WithSessionWait(d time.Duration) ServiceOption {
	return func(s *Service) { s.gate = NewSessionGate(d) }
}

// NewService creates a Service. The mapping registry is attached to store,
// so deletes through store cascade to the mapping table.
func NewService(store storage.Store, catalog schema.Lookup, opts ...ServiceOption) *Service {
	s := &Service{
		store:          store,
		catalog:        catalog,
		registry:       mapping.NewRegistry(store, catalog),
		archive:        archive.Nop{},
		gate:           NewSessionGate(DefaultSessionWait),
		maxPayloadSize: DefaultMaxPayloadSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the mapping registry.
func (s *Service) Registry() *mapping.Registry { return s.registry }

// Store returns the record store.
func (s *Service) Store() storage.Store { return s.store }

// ImportOptions configures one ImportFromBytes call. Empty policies take
// their defaults.
type ImportOptions struct {
	Mode           string
	CheckOnly      bool
	CommitPerGroup bool
	OnError        string
	IfExist        string
	IfDoesNotExist string
	Module         string
	CSV            format.CSVOptions
}

// ImportResult is the outcome of ImportFromBytes.
type ImportResult struct {
	SessionID string
	Created   []*storage.Record
	Updated   []*storage.Record
	Errors    []string
	Aborted   bool
	Duration  time.Duration
}

// ErrorFound reports whether any error was recorded.
func (r *ImportResult) ErrorFound() bool { return len(r.Errors) > 0 }

// ImportFromBytes imports a CSV or XML payload for model.
//
// The session row is committed first so a crashed run leaves a trace. The
// records are committed (at each group and at the end) unless the run is
// check-only or aborted, in which case pending work is rolled back. A
// session without errors removes its row; one with errors is archived.
func (s *Service) ImportFromBytes(ctx context.Context, model string, payload []byte, opts ImportOptions) (*ImportResult, error) {
	start := time.Now()

	if int64(len(payload)) > s.maxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(payload), s.maxPayloadSize)
	}
	if _, ok := s.catalog.Model(model); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	if opts.Mode == "" {
		opts.Mode = ModeCSV
	}
	if opts.Mode != ModeCSV && opts.Mode != ModeXML {
		return nil, fmt.Errorf("%w: mode %q", ErrInvalidValue, opts.Mode)
	}
	iopts, err := importerOptions(opts)
	if err != nil {
		return nil, err
	}

	if err := s.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.gate.Release()

	sessionID := uuid.New().String()
	ctx = logging.WithSessionID(ctx, sessionID)
	log := logging.WithFields(ctx, "model", model, "mode", opts.Mode)

	session, err := s.store.Insert(ctx, schema.ImporterModel, map[string]any{
		"session_id":       sessionID,
		"model":            model,
		"mode":             opts.Mode,
		"payload":          payload,
		"check_import":     opts.CheckOnly,
		"commit_per_group": opts.CommitPerGroup,
		"module":           opts.Module,
		"created_at":       start.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("record session: %w", err)
	}
	if err := s.store.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}

	parsed, err := parsePayload(bytes.NewReader(payload), model, opts)
	if err != nil {
		return nil, err
	}

	log.Info("import started",
		"records", parsed.RecordCount(),
		"check_only", opts.CheckOnly,
	)

	im := NewImporter(s.store, s.catalog, s.registry, iopts)
	res, runErr := im.Run(ctx, parsed)
	if runErr != nil && !IsAbort(runErr) {
		_ = s.store.Rollback(ctx)
		return nil, runErr
	}

	result := &ImportResult{
		SessionID: sessionID,
		Created:   res.Created,
		Updated:   res.Updated,
		Errors:    res.Errors,
		Aborted:   runErr != nil,
	}

	if result.Aborted || opts.CheckOnly {
		if err := s.store.Rollback(ctx); err != nil {
			return nil, fmt.Errorf("rollback: %w", err)
		}
	} else if err := s.store.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if !result.ErrorFound() {
		if err := s.store.Delete(ctx, session); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("remove session: %w", err)
		}
		if err := s.store.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
	} else {
		report := archive.Report{
			SessionID: sessionID,
			Model:     model,
			Mode:      opts.Mode,
			Created:   len(result.Created),
			Updated:   len(result.Updated),
			Errors:    result.Errors,
			Aborted:   result.Aborted,
			At:        start.UTC(),
		}
		if err := archive.WriteSession(ctx, s.archive, report, payload); err != nil {
			log.Error("archive failed", "error", err)
		}
	}

	result.Duration = time.Since(start)
	s.recordImport(model, opts, result)

	log.Info("import finished",
		"created", len(result.Created),
		"updated", len(result.Updated),
		"errors", len(result.Errors),
		"aborted", result.Aborted,
		"duration_ms", result.Duration.Milliseconds(),
	)

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func importerOptions(opts ImportOptions) (Options, error) {
	onError, err := ParseOnError(opts.OnError)
	if err != nil {
		return Options{}, err
	}
	ifExist, err := ParseIfExist(opts.IfExist)
	if err != nil {
		return Options{}, err
	}
	ifDoesNotExist, err := ParseIfDoesNotExist(opts.IfDoesNotExist)
	if err != nil {
		return Options{}, err
	}
	return Options{
		OnError:        onError,
		IfExist:        ifExist,
		IfDoesNotExist: ifDoesNotExist,
		CheckOnly:      opts.CheckOnly,
		CommitPerGroup: opts.CommitPerGroup,
		Module:         opts.Module,
	}, nil
}

func parsePayload(r io.Reader, model string, opts ImportOptions) (*format.Payload, error) {
	if opts.Mode == ModeXML {
		return format.ParseXML(r)
	}
	return format.ParseCSV(r, model, opts.CSV)
}

func (s *Service) recordImport(model string, opts ImportOptions, r *ImportResult) {
	if s.metrics == nil {
		return
	}
	outcome := metrics.OutcomeSuccess
	switch {
	case r.Aborted:
		outcome = metrics.OutcomeAborted
	case r.ErrorFound():
		outcome = metrics.OutcomeErrors
	case opts.CheckOnly:
		outcome = metrics.OutcomeChecked
	}
	s.metrics.ImportFinished(outcome, r.Duration)
	if opts.CheckOnly || r.Aborted {
		return
	}
	for m, n := range countByModel(r.Created) {
		s.metrics.RecordsCreated(m, n)
	}
	for m, n := range countByModel(r.Updated) {
		s.metrics.RecordsUpdated(m, n)
	}
	s.metrics.ImportErrors(model, len(r.Errors))
}

func countByModel(recs []*storage.Record) map[string]int {
	out := make(map[string]int)
	for _, r := range recs {
		out[r.Model]++
	}
	return out
}

// ExportToStream renders records of model. A nil records slice exports
// every row of the model. Keys minted along the way are committed.
func (s *Service) ExportToStream(ctx context.Context, model string, descs []Descriptor, records []*storage.Record, opts ...ExporterOption) (*ExportTable, error) {
	if err := s.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.gate.Release()

	exp, err := NewExporter(s.store, s.catalog, s.registry, model, descs, opts...)
	if err != nil {
		return nil, err
	}
	if records == nil {
		if records, err = s.store.Query(ctx, model, nil); err != nil {
			return nil, fmt.Errorf("load %s: %w", model, err)
		}
	}

	table, err := exp.Export(ctx, records)
	if err != nil {
		_ = s.store.Rollback(ctx)
		return nil, err
	}

	minted := 0
	for m, n := range exp.Minted() {
		minted += n
		for i := 0; i < n; i++ {
			s.metrics.MappingMinted(m)
		}
	}
	if minted > 0 {
		if err := s.store.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit minted keys: %w", err)
		}
	}

	logging.FromContext(ctx).Info("export finished",
		"model", model,
		"rows", len(table.Rows),
		"minted", minted,
	)
	return table, nil
}

// ExportCSV writes an export as CSV.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, model string, descs []Descriptor, delimiter rune, opts ...ExporterOption) error {
	table, err := s.ExportToStream(ctx, model, descs, nil, opts...)
	if err != nil {
		return err
	}
	return format.WriteCSV(w, table.Header, table.Rows, delimiter)
}

// ExportXML writes an export in the XML import dialect.
func (s *Service) ExportXML(ctx context.Context, w io.Writer, model string, descs []Descriptor, opts ...ExporterOption) error {
	table, err := s.ExportToStream(ctx, model, descs, nil, opts...)
	if err != nil {
		return err
	}
	return format.WriteXML(w, model, table.Header, table.Rows, table.Identity)
}

// Clean removes orphaned mapping entries and commits.
func (s *Service) Clean(ctx context.Context, filter mapping.CleanFilter) (int, error) {
	if err := s.gate.Acquire(ctx); err != nil {
		return 0, err
	}
	defer s.gate.Release()
	return s.clean(ctx, filter)
}

func (s *Service) clean(ctx context.Context, filter mapping.CleanFilter) (int, error) {
	n, err := s.registry.Clean(ctx, filter)
	if err != nil {
		_ = s.store.Rollback(ctx)
		return 0, err
	}
	if err := s.store.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.metrics.MappingsCleaned(n)
	return n, nil
}

// DeleteForModule removes the records mapped by module and their entries.
func (s *Service) DeleteForModule(ctx context.Context, module string, models []string) (int, error) {
	if err := s.gate.Acquire(ctx); err != nil {
		return 0, err
	}
	defer s.gate.Release()

	n, err := s.registry.DeleteForModule(ctx, module, models)
	if err != nil {
		_ = s.store.Rollback(ctx)
		return 0, err
	}
	if err := s.store.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// DeleteKeys removes the mapping entries for keys of model, and the records
// they point at when withRecord is set.
func (s *Service) DeleteKeys(ctx context.Context, model string, keys []string, withRecord bool) (int, error) {
	if err := s.gate.Acquire(ctx); err != nil {
		return 0, err
	}
	defer s.gate.Release()

	var opts []mapping.DeleteOption
	if withRecord {
		opts = append(opts, mapping.WithRecord())
	}
	n, err := s.registry.MultiDelete(ctx, model, keys, opts...)
	if err != nil {
		_ = s.store.Rollback(ctx)
		return 0, err
	}
	if err := s.store.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// Sessions returns the import sessions still recorded: running ones and
// those that finished with errors.
func (s *Service) Sessions(ctx context.Context) ([]*storage.Record, error) {
	return s.store.Query(ctx, schema.ImporterModel, nil)
}
