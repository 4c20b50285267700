package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/gpuq/internal/settings"
)

func buildSettingsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change users' registered environments",
	}
	cmd.AddCommand(buildSettingsShowCommand(a), buildSettingsUpdateCommand(a))
	return cmd
}

func buildSettingsShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show [USER]",
		Short: "Print the settings store, or one user's part of it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.settingsStore().Load(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				envs, ok := st[args[0]]
				if !ok {
					return errors.Errorf("no settings for user %q", args[0])
				}
				st = settings.Settings{args[0]: envs}
			}
			raw, err := settings.Marshal(st)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(raw))
			return nil
		},
	}
}

func buildSettingsUpdateCommand(a *app) *cobra.Command {
	var (
		env        string
		workingDir string
	)
	cmd := &cobra.Command{
		Use:   "update USER",
		Short: "Register a user's environments or change one's working directory",
		Long: `Discover USER's conda environments if the store does not know them yet.
With --env, set that environment's working directory (the user's home when
--working-dir is empty). Users may update only themselves; admins anyone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			caller, err := a.whoami()
			if err != nil {
				return err
			}
			tbl, err := a.table()
			if err != nil {
				return err
			}
			if caller != target && !tbl.IsAdmin(caller) {
				return errors.Errorf("user %s not allowed to change settings of %s", caller, target)
			}

			st, err := a.settingsStore().Update(cmd.Context(), target, env, workingDir)
			if err != nil {
				return err
			}
			raw, err := settings.Marshal(settings.Settings{target: st[target]})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated settings:\n%s", raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "working directory for jobs in the environment")
	return cmd
}
