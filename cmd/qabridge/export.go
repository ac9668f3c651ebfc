package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Deduplicate approved answers and write the training file",
	Long: `Run the precise duplicate pass over active training examples, append the
survivors to the JSONL training file and move their interactions to exported.
The previous file is backed up first.

Examples:
  qabridge export              # export with the configured paths
  qabridge export --reindex    # rebuild the answer index before exporting`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reindex, _ := cmd.Flags().GetBool("reindex")
		ctx := context.Background()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()

		if reindex {
			n, err := a.lm.Reindex(ctx)
			if err != nil {
				return fmt.Errorf("failed to rebuild answer index: %w", err)
			}
			fmt.Printf("%s Indexed %d answers\n", green("✓"), n)
		}

		report, err := a.lm.Export(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("\n%s\n\n", cyan("=== Export ==="))
		fmt.Printf("  File:            %s\n", report.Path)
		if report.BackupPath != "" {
			fmt.Printf("  Backup:          %s\n", report.BackupPath)
		}
		fmt.Printf("  Written:         %s\n", green(report.Written))
		fmt.Printf("  Already present: %d\n", report.AlreadyPresent)
		fmt.Printf("  Skipped:         %d\n", report.Skipped)
		fmt.Printf("  Deactivated:     %s\n", yellow(report.Deactivated))
		fmt.Printf("  Promoted:        %d\n", report.Promoted)

		if len(report.Clusters) > 0 {
			fmt.Printf("\n%s\n", yellow("Answer duplicates:"))
			for kept, dropped := range report.Clusters {
				fmt.Printf("  #%d kept, deactivated %v\n", kept, dropped)
			}
		}
		fmt.Println()
		return nil
	},
}

func init() {
	exportCmd.Flags().Bool("reindex", false, "Rebuild the answer index before exporting")
	rootCmd.AddCommand(exportCmd)
}
