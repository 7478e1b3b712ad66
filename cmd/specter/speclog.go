package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chazu/specter/speclog"
)

var speclogCmd = &cobra.Command{
	Use:   "speclog",
	Short: "Inspect speculation logs",
}

var speclogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed speculations recorded in a speculation log database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		if path == "" {
			path = cfg.SpeculationLogPath()
		}
		if path == "" {
			return errors.New("no speculation log database: pass --db or set [speculation-log] path")
		}

		store, err := speclog.OpenStore(path)
		if err != nil {
			return err
		}
		defer store.Close()

		failures, err := store.LoadFailures()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(failures) == 0 {
			fmt.Fprintln(out, "no failed speculations")
			return nil
		}
		fmt.Fprintf(out, "%-28s %-28s %6s  %-36s  %s\n", "GROUP", "CONTEXT", "COUNT", "LAST SPECULATION", "FAILED AT")
		for _, f := range failures {
			fmt.Fprintf(out, "%-28s %-28s %6d  %-36s  %s\n",
				f.Reason.Group, f.Reason.Context, f.Count, f.LastID, f.FailedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	speclogListCmd.Flags().String("db", "", "speculation log database (defaults to [speculation-log] path)")
	speclogCmd.AddCommand(speclogListCmd)
}
