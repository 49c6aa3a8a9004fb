package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/recordio/internal/config"
	"github.com/JonMunkholm/recordio/internal/core"
	"github.com/JonMunkholm/recordio/internal/format"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Columns     []string
	Descriptors string
	As          string
	Output      string
	Delimiter   string
	Module      string
}

// ExportSummary is the JSON payload of an export written to a file.
type ExportSummary struct {
	Model  string `json:"model"`
	Rows   int    `json:"rows"`
	Output string `json:"output"`
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <model>",
		Short: "Export records as CSV or XML",
		Long: `Export every record of a model.

Columns are field paths with at most one relation hop. A "/EXTERNAL_ID"
suffix exports external IDs instead of values; records without one get a
generated ID that later imports will recognise.

Example:
  recordio export partner --columns id/EXTERNAL_ID,name,country.code
  recordio export partner --descriptors columns.yaml --as xml -o partners.xml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Columns, "columns", "c", nil, "comma-separated column paths")
	cmd.Flags().StringVar(&opts.Descriptors, "descriptors", "", "YAML file listing {path, mode} columns")
	cmd.Flags().StringVar(&opts.As, "as", core.ModeCSV, "output syntax (csv|xml)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().StringVar(&opts.Delimiter, "delimiter", "", "CSV delimiter, a single character or \"tab\"")
	cmd.Flags().StringVar(&opts.Module, "module", "", "module owning generated external IDs")

	return cmd
}

func runExport(opts *ExportOptions, model string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	descs, err := opts.descriptors()
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	if opts.As != core.ModeCSV && opts.As != core.ModeXML {
		return formatter.Fail(ExitCommandError, fmt.Errorf("%w: output %q must be csv or xml", core.ErrInvalidValue, opts.As), nil)
	}

	app, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return formatter.Fail(GetExitCode(err), err, nil)
	}
	defer app.Close()

	delimiter := app.Config.Export.Comma()
	if opts.Delimiter != "" {
		if delimiter = config.ParseDelimiter(opts.Delimiter); delimiter == 0 {
			return formatter.Fail(ExitCommandError, fmt.Errorf("%w: delimiter %q must be a single character", core.ErrInvalidValue, opts.Delimiter), nil)
		}
	}

	table, err := app.Service.ExportToStream(ctx, model, descs, nil,
		core.WithKeyModule(firstNonEmpty(opts.Module, app.Config.Export.Module)))
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}
	formatter.VerboseLog("Exporting %d row(s) of %s", len(table.Rows), model)

	var buf bytes.Buffer
	if opts.As == core.ModeXML {
		err = format.WriteXML(&buf, model, table.Header, table.Rows, table.Identity)
	} else {
		err = format.WriteCSV(&buf, table.Header, table.Rows, delimiter)
	}
	if err != nil {
		return formatter.Fail(ExitCommandError, err, nil)
	}

	if opts.Output == "" {
		_, err := io.Copy(cmd.OutOrStdout(), &buf)
		return err
	}
	if err := os.WriteFile(opts.Output, buf.Bytes(), 0o644); err != nil {
		return formatter.Fail(ExitCommandError, fmt.Errorf("write export: %w", err), nil)
	}
	summary := ExportSummary{Model: model, Rows: len(table.Rows), Output: opts.Output}
	return formatter.Success(fmt.Sprintf("Exported %d row(s) of %s to %s", summary.Rows, model, opts.Output), summary)
}

// descriptors reads --descriptors when given, --columns otherwise.
func (o *ExportOptions) descriptors() ([]core.Descriptor, error) {
	if o.Descriptors == "" {
		return core.ParseDescriptors(o.Columns), nil
	}
	if len(o.Columns) > 0 {
		return nil, fmt.Errorf("%w: --columns and --descriptors are exclusive", core.ErrInvalidValue)
	}
	data, err := os.ReadFile(o.Descriptors)
	if err != nil {
		return nil, fmt.Errorf("read descriptors: %w", err)
	}
	var descs []core.Descriptor
	if err := yaml.Unmarshal(data, &descs); err != nil {
		return nil, fmt.Errorf("%w: descriptors %s: %v", core.ErrMalformedInput, o.Descriptors, err)
	}
	for i := range descs {
		if descs[i].Mode == "" {
			descs[i].Mode = core.ModeValue
		}
	}
	return descs, nil
}
