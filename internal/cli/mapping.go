package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/recordio/internal/core"
	"github.com/JonMunkholm/recordio/internal/mapping"
)

// EntryView is the JSON form of a mapping entry.
type EntryView struct {
	Model      string         `json:"model"`
	Key        string         `json:"key"`
	PrimaryKey map[string]any `json:"primary_key"`
	Module     string         `json:"module,omitempty"`
}

func viewOf(e *mapping.Entry) EntryView {
	return EntryView{Model: e.Model, Key: e.Key, PrimaryKey: e.PrimaryKey, Module: e.Module}
}

// NewMappingCommand creates the mapping command group.
func NewMappingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Inspect and maintain the external ID registry",
	}

	cmd.AddCommand(newMappingListCommand(rootOpts))
	cmd.AddCommand(newMappingGetCommand(rootOpts))
	cmd.AddCommand(newMappingDeleteCommand(rootOpts))
	cmd.AddCommand(newMappingCleanCommand(rootOpts))
	cmd.AddCommand(newMappingPurgeCommand(rootOpts))

	return cmd
}

func newMappingListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list <model>",
		Short:         "List the entries of a model",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			app, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return formatter.Fail(GetExitCode(err), err, nil)
			}
			defer app.Close()

			entries, err := app.Service.Registry().Entries(cmd.Context(), args[0])
			if err != nil {
				return formatter.Fail(ExitCommandError, err, nil)
			}
			views := make([]EntryView, 0, len(entries))
			lines := make([]string, 0, len(entries))
			for _, e := range entries {
				views = append(views, viewOf(e))
				lines = append(lines, fmt.Sprintf("%s\t%s", e.Key, e.PrimaryKey))
			}
			if len(lines) == 0 {
				lines = append(lines, fmt.Sprintf("No entries for %s", args[0]))
			}
			return formatter.Success(strings.Join(lines, "\n"), views)
		},
	}
}

func newMappingGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <model> <key>",
		Short:         "Show the record an external ID points at",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			ctx := cmd.Context()
			app, err := openApp(ctx, rootOpts)
			if err != nil {
				return formatter.Fail(GetExitCode(err), err, nil)
			}
			defer app.Close()

			model, key := args[0], args[1]
			rec, err := app.Service.Registry().Get(ctx, model, key)
			if err != nil {
				return formatter.Fail(ExitCommandError, err, nil)
			}
			if rec == nil {
				return formatter.Fail(ExitFailure, fmt.Errorf("%s/%s: %w", model, key, core.ErrUnresolvedReference), nil)
			}
			return formatter.Success(fmt.Sprintf("%s/%s -> %s %v", model, key, rec.Key, rec.Values), map[string]any{
				"model":       model,
				"key":         key,
				"primary_key": rec.Key,
				"values":      rec.Values,
			})
		},
	}
}

func newMappingDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	var withRecord bool

	cmd := &cobra.Command{
		Use:           "delete <model> <key>...",
		Short:         "Remove entries, optionally with their records",
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			app, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return formatter.Fail(GetExitCode(err), err, nil)
			}
			defer app.Close()

			n, err := app.Service.DeleteKeys(cmd.Context(), args[0], args[1:], withRecord)
			if err != nil {
				return formatter.Fail(ExitCommandError, err, nil)
			}
			return formatter.Success(fmt.Sprintf("Removed %d mapping entries", n), map[string]int{"removed": n})
		},
	}

	cmd.Flags().BoolVar(&withRecord, "with-record", false, "also delete the mapped records")
	return cmd
}

func newMappingCleanCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		filter   mapping.CleanFilter
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove entries whose record is gone",
		Long: `Remove mapping entries pointing at records that no longer exist.

With --watch the repair runs immediately and then every interval until
interrupted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			app, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return formatter.Fail(GetExitCode(err), err, nil)
			}
			defer app.Close()

			if len(filter.Models) == 0 {
				filter.Models = app.Config.Clean.Models
			}

			if watch {
				if interval <= 0 {
					interval = app.Config.Clean.Interval
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				app.Service.StartCleanScheduler(ctx, interval, filter)
				return nil
			}

			n, err := app.Service.Clean(cmd.Context(), filter)
			if err != nil {
				return formatter.Fail(ExitCommandError, err, nil)
			}
			return formatter.Success(fmt.Sprintf("Removed %d orphaned mapping entries", n), map[string]int{"removed": n})
		},
	}

	cmd.Flags().StringSliceVar(&filter.Models, "model", nil, "limit to these models")
	cmd.Flags().StringSliceVar(&filter.Modules, "module", nil, "limit to entries owned by these modules")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running on an interval")
	cmd.Flags().DurationVar(&interval, "interval", 0, "repair interval with --watch (default: CLEAN_INTERVAL)")
	return cmd
}

func newMappingPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var models []string

	cmd := &cobra.Command{
		Use:           "purge <module>",
		Short:         "Delete the records mapped by a module, and their entries",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			app, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return formatter.Fail(GetExitCode(err), err, nil)
			}
			defer app.Close()

			n, err := app.Service.DeleteForModule(cmd.Context(), args[0], models)
			if err != nil {
				return formatter.Fail(ExitCommandError, err, nil)
			}
			return formatter.Success(fmt.Sprintf("Purged %d record(s) of module %s", n, args[0]),
				map[string]any{"module": args[0], "removed": n})
		},
	}

	cmd.Flags().StringSliceVar(&models, "model", nil, "limit to these models")
	return cmd
}
