package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/coach-workflow/registry"
)

func newDefinitionsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definitions",
		Aliases: []string{"defs"},
		Short:   "Inspect the workflow catalog",
	}
	cmd.AddCommand(newDefinitionsListCommand(app))
	cmd.AddCommand(newDefinitionsValidateCommand(app))
	return cmd
}

func newDefinitionsListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded workflow definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tCHAT MODE\tSTEPS\tSELF-MANAGED")
			for _, def := range app.Registry.Definitions() {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%t\n", def.ID, def.Version, def.ChatMode, len(def.Steps), def.SelfManagedLifecycle)
			}
			return w.Flush()
		},
	}
}

func newDefinitionsValidateCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a definitions file without running it",
		Long: `Load a YAML definitions file and report the first configuration error.

Example:
  coachctl definitions validate workflows.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.LoadFile(args[0])
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", args[0], err)
				return NewExitError(1)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d definitions ok\n", args[0], reg.Len())
			return nil
		},
	}
}
