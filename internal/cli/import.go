package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/recordio/internal/config"
	"github.com/JonMunkholm/recordio/internal/core"
	"github.com/JonMunkholm/recordio/internal/format"
)

// ImportOptions holds flags for the import command. Empty values fall back
// to the configured import defaults.
type ImportOptions struct {
	*RootOptions
	Model          string
	Mode           string
	CheckOnly      bool
	CommitPerGroup bool
	OnError        string
	IfExist        string
	IfDoesNotExist string
	Module         string
	Delimiter      string
	Charset        string
	GroupSize      int
}

// ImportSummary is the JSON payload of a finished import.
type ImportSummary struct {
	SessionID  string   `json:"session_id"`
	Created    int      `json:"created"`
	Updated    int      `json:"updated"`
	Errors     []string `json:"errors,omitempty"`
	Aborted    bool     `json:"aborted,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return newImportCommand(&ImportOptions{RootOptions: rootOpts})
}

func newImportCommand(opts *ImportOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a CSV or XML payload",
		Long: `Import records from a CSV or XML file ("-" reads stdin).

The mode is taken from the file extension unless --mode is given. Records
are matched to existing ones through their external IDs; the if-exist and
if-does-not-exist policies decide what happens to each.

Example:
  recordio import --model partner partners.csv
  recordio import --model partner --on-error raise --commit-per-group data.xml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Model, "model", "m", "", "model the payload imports into (required)")
	_ = cmd.MarkFlagRequired("model")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "payload syntax (csv|xml)")
	cmd.Flags().BoolVar(&opts.CheckOnly, "check-only", false, "run the import and roll everything back")
	cmd.Flags().BoolVar(&opts.CommitPerGroup, "commit-per-group", false, "commit after every group")
	cmd.Flags().StringVar(&opts.OnError, "on-error", "", "ignore|raise")
	cmd.Flags().StringVar(&opts.IfExist, "if-exist", "", "continue|create|update|raise|pass")
	cmd.Flags().StringVar(&opts.IfDoesNotExist, "if-does-not-exist", "", "create|pass|raise")
	cmd.Flags().StringVar(&opts.Module, "module", "", "module owning the created mapping entries")
	cmd.Flags().StringVar(&opts.Delimiter, "delimiter", "", "CSV delimiter, a single character or \"tab\"")
	cmd.Flags().StringVar(&opts.Charset, "charset", "", "CSV charset, e.g. windows-1252")
	cmd.Flags().IntVar(&opts.GroupSize, "group-size", -1, "CSV rows per commit group (0 for one group)")

	return cmd
}

func runImport(opts *ImportOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	payload, err := readPayload(path, cmd.InOrStdin())
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	formatter.VerboseLog("Read %d bytes from %s", len(payload), path)

	app, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return formatter.Fail(GetExitCode(err), err, nil)
	}
	defer app.Close()

	importOpts, err := opts.resolve(app.Config.Import, path, cmd)
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}

	res, err := app.Service.ImportFromBytes(ctx, opts.Model, payload, importOpts)
	if err != nil && res == nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}

	summary := ImportSummary{
		SessionID:  res.SessionID,
		Created:    len(res.Created),
		Updated:    len(res.Updated),
		Errors:     res.Errors,
		Aborted:    res.Aborted,
		DurationMS: res.Duration.Milliseconds(),
	}
	if err != nil {
		return formatter.Fail(ExitFailure, err, summary)
	}
	if err := formatter.Success(summary.text(importOpts.CheckOnly), summary); err != nil {
		return err
	}
	if res.ErrorFound() {
		return NewExitError(ExitFailure, fmt.Sprintf("import finished with %d error(s)", len(res.Errors)))
	}
	return nil
}

// resolve merges flags over the configured defaults.
func (o *ImportOptions) resolve(defaults config.ImportConfig, path string, cmd *cobra.Command) (core.ImportOptions, error) {
	out := core.ImportOptions{
		Mode:           o.Mode,
		CheckOnly:      o.CheckOnly,
		CommitPerGroup: defaults.CommitPerGroup,
		OnError:        firstNonEmpty(o.OnError, defaults.OnError),
		IfExist:        firstNonEmpty(o.IfExist, defaults.IfExist),
		IfDoesNotExist: firstNonEmpty(o.IfDoesNotExist, defaults.IfDoesNotExist),
		Module:         firstNonEmpty(o.Module, defaults.Module),
		CSV: format.CSVOptions{
			Delimiter: defaults.Comma(),
			Charset:   firstNonEmpty(o.Charset, defaults.CSVCharset),
			GroupSize: defaults.GroupSize,
		},
	}
	if cmd.Flags().Changed("commit-per-group") {
		out.CommitPerGroup = o.CommitPerGroup
	}
	if o.GroupSize >= 0 {
		out.CSV.GroupSize = o.GroupSize
	}
	if o.Delimiter != "" {
		d := config.ParseDelimiter(o.Delimiter)
		if d == 0 {
			return out, fmt.Errorf("%w: delimiter %q must be a single character", core.ErrInvalidValue, o.Delimiter)
		}
		out.CSV.Delimiter = d
	}
	if out.Mode == "" {
		out.Mode = modeFromPath(path)
	}
	return out, nil
}

func modeFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		return core.ModeXML
	}
	return core.ModeCSV
}

func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func (s ImportSummary) text(checkOnly bool) string {
	var b strings.Builder
	verb := "imported"
	if checkOnly {
		verb = "checked"
	}
	fmt.Fprintf(&b, "Session %s %s: %d created, %d updated, %d error(s)",
		s.SessionID, verb, s.Created, s.Updated, len(s.Errors))
	for _, e := range s.Errors {
		fmt.Fprintf(&b, "\n  - %s", e)
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
