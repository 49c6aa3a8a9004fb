package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// SessionView is the JSON form of a recorded import session.
type SessionView struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Mode      string `json:"mode"`
	CheckOnly bool   `json:"check_only"`
	Module    string `json:"module,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List import sessions that are running or failed",
		Long: `List the import sessions still recorded in the store.

A session that finished without errors removes its record, so anything
listed here is either running or ended with errors.`,
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

			rows, err := app.Service.Sessions(cmd.Context())
			if err != nil {
				return formatter.Fail(ExitCommandError, err, nil)
			}

			views := make([]SessionView, 0, len(rows))
			lines := make([]string, 0, len(rows))
			for _, r := range rows {
				v := SessionView{
					SessionID: str(r.Get("session_id")),
					Model:     str(r.Get("model")),
					Mode:      str(r.Get("mode")),
					Module:    str(r.Get("module")),
					CreatedAt: str(r.Get("created_at")),
				}
				v.CheckOnly, _ = r.Get("check_import").(bool)
				views = append(views, v)
				lines = append(lines, fmt.Sprintf("%s\t%s\t%s\t%s", v.SessionID, v.Model, v.Mode, v.CreatedAt))
			}
			if len(lines) == 0 {
				lines = append(lines, "No sessions recorded")
			}
			return formatter.Success(strings.Join(lines, "\n"), views)
		},
	}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
