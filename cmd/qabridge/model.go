package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/qabridge/backend/internal/storage/models"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect and switch trained model versions",
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List model versions under the models root",
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		versions, err := a.versions.List()
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Printf("  %s\n", color.New(color.FgHiBlack).Sprint("No model versions found in "+a.cfg.Models.Root))
			return nil
		}
		for i := range versions {
			printVersion(&versions[i])
		}
		return nil
	}),
}

var modelCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the active model version",
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		v, err := a.versions.Current()
		if err != nil {
			return err
		}
		if v == nil {
			fmt.Println(color.YellowString("No active model version"))
			return nil
		}
		printVersion(v)
		return nil
	}),
}

var modelActivateCmd = &cobra.Command{
	Use:   "activate <version>",
	Short: "Point inference at a model version",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		v, err := a.versions.Activate(n)
		if err != nil {
			return err
		}
		fmt.Printf("%s Activated %s\n", color.GreenString("✓"), v.Name)
		return nil
	}),
}

var modelNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Activate the version after the current one",
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		v, err := a.versions.Next()
		if err != nil {
			return err
		}
		fmt.Printf("%s Activated %s\n", color.GreenString("✓"), v.Name)
		return nil
	}),
}

var modelRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Activate the version before the current one",
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		v, err := a.versions.Rollback()
		if err != nil {
			return err
		}
		fmt.Printf("%s Rolled back to %s\n", color.GreenString("✓"), v.Name)
		return nil
	}),
}

var modelTrainedCmd = &cobra.Command{
	Use:   "trained <version-name>",
	Short: "Record that exported interactions were used to train a version",
	Long: `Move every interaction exported up to now (or --before) to trained and
record the version it went into.

Examples:
  qabridge model trained final-best-model-v4
  qabridge model trained final-best-model-v4 --before 2024-05-01T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		beforeFlag, _ := cmd.Flags().GetString("before")
		before := time.Now()
		if beforeFlag != "" {
			t, err := time.Parse(time.RFC3339, beforeFlag)
			if err != nil {
				return fmt.Errorf("invalid --before: %w", err)
			}
			before = t
		}

		return withApp(func(ctx context.Context, a *app, args []string) error {
			n, err := a.lm.MarkTrained(ctx, args[0], before)
			if err != nil {
				return err
			}
			fmt.Printf("%s %d interactions marked trained in %s\n", color.GreenString("✓"), n, args[0])
			return nil
		})(cmd, args)
	},
}

func printVersion(v *models.ModelVersion) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	icon, name := gray("○"), v.Name
	if v.Active {
		icon, name = green("●"), green(v.Name)
	}
	fmt.Printf("  %s v%-3d %s\n", icon, v.Ordinal, name)
	if !v.Complete() {
		fmt.Printf("        %s %v\n", red("missing:"), v.Missing)
		return
	}
	fmt.Printf("        loss %.4f, %d steps, %d examples, %s\n",
		v.Metrics.FinalLoss, v.Metrics.TotalSteps, v.Metrics.DatasetSize,
		v.CreatedAt.Format("2006-01-02 15:04"))
}

// withApp adapts a function that needs the loaded app into a cobra RunE.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, args)
	}
}

func init() {
	modelTrainedCmd.Flags().String("before", "", "Only interactions exported at or before this RFC3339 time")

	modelCmd.AddCommand(modelListCmd)
	modelCmd.AddCommand(modelCurrentCmd)
	modelCmd.AddCommand(modelActivateCmd)
	modelCmd.AddCommand(modelNextCmd)
	modelCmd.AddCommand(modelRollbackCmd)
	modelCmd.AddCommand(modelTrainedCmd)
	rootCmd.AddCommand(modelCmd)
}
