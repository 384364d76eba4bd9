package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-converter/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "lead-converter",
	Short: "Send lead exports to the Meta Conversions API",
	Long: "Reads a CSV or XLSX lead export, maps its columns, hashes identity fields and submits one " +
		"Lead event per row. Rows that fail are written to a re-submittable failed_rows file.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
