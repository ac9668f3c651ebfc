package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Inspect and repair question duplicate clusters",
}

var duplicatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List duplicate clusters by canonical question",
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		groups, err := a.lm.DuplicateGroups(ctx)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println(color.New(color.FgHiBlack).Sprint("No duplicate clusters"))
			return nil
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		for _, g := range groups {
			fmt.Printf("%s %s\n", cyan(fmt.Sprintf("#%d", g.Canonical.ID)), g.Canonical.Question)
			for _, d := range g.Duplicates {
				fmt.Printf("   %s %s %s\n", gray(fmt.Sprintf("#%d", d.ID)), d.Question, gray(fmt.Sprintf("(%.2f)", d.Similarity)))
			}
		}
		return nil
	}),
}

var duplicatesRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Point every duplicate at the oldest member of its cluster",
	Long: `Rewrite duplicate references so each cluster has a single canonical
question: chains collapse to one hop, cycles and self references are broken
and flags without a reference are cleared.`,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		report, err := a.lm.RepairDuplicates(ctx)
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Scanned %d, re-rooted %d, cleared %d\n",
			green("✓"), report.Scanned, report.Rerooted, report.Cleared)
		return nil
	}),
}

func init() {
	duplicatesCmd.AddCommand(duplicatesListCmd)
	duplicatesCmd.AddCommand(duplicatesRepairCmd)
	rootCmd.AddCommand(duplicatesCmd)
}
