// Specter CLI - inspect deoptimization codes, run the runtime demo, and
// read persisted speculation logs.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/specter/manifest"
)

var (
	configDir string
	cfg       *manifest.Config
)

var rootCmd = &cobra.Command{
	Use:   "specter",
	Short: "Speculative dispatch and deoptimization runtime tools",
	Long: `specter packs and unpacks deoptimization codes, runs a demonstration of
call-site specialization and deoptimization, and lists failed speculations
recorded in a speculation log database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := manifest.FindAndLoad(configDir)
		if err != nil {
			return err
		}
		if c == nil {
			c = manifest.Default()
		}
		cfg = c
		commonlog.Configure(cfg.Log.Verbosity, cfg.LogFilePath())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "C", ".", "directory to search upwards for "+manifest.FileName)

	rootCmd.AddCommand(encodeCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(speclogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
