package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/mjgate/internal/config"
	"github.com/zulandar/mjgate/internal/db"
	"github.com/zulandar/mjgate/internal/store"
)

func newAccountsCmd() *cobra.Command {
	var (
		configPath  string
		enabledOnly bool
	)

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List accounts and their stored state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccounts(cmd, configPath, enabledOnly)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to mjgate config file")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only list enabled accounts")
	return cmd
}

func runAccounts(cmd *cobra.Command, configPath string, enabledOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	accounts, err := store.NewAccounts(gormDB)
	if err != nil {
		return err
	}
	list, err := accounts.ListAccounts(cmd.Context(), enabledOnly)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tLOCKED\tMODE\tREASON")
	for _, a := range list {
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%s\n",
			a.ID, orDash(a.Name), a.Enabled, a.Locked, orDash(a.Mode), orDash(a.DisabledReason))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
