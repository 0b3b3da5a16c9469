package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "galley",
	Short: "galley generates recipes from ingredient lists",
	Long: `galley is a recipe-generation service. Submissions with the same
ingredients (ignoring case, order, and whitespace) share one generated
recipe; clients poll their own request handle for the result and can be
notified through a webhook when generation finishes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the galley version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("galley version %s\n", version)
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(recipeCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
