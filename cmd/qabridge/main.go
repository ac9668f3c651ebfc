package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "qabridge",
	Short: "Question answering bridge with a curated training pipeline",
	Long: `qabridge accepts questions from chat, websocket and HTTP clients, answers
them with the active fine-tuned model and keeps every exchange for review.

Approved answers are deduplicated and exported as training data; the model
commands switch which trained version serves inference.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
