package cmd

import (
	"fmt"
	"os"

	"github.com/jainsau/coals/cmd/bench"
	"github.com/jainsau/coals/cmd/demo"
	"github.com/spf13/cobra"
)

const (
	Version = "0.2.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "coals",
		Short: "shared-memory object store",
		Long: fmt.Sprintf(`coals (v%s)

A single-machine, multi-process shared-memory object store.
One process writes a payload once and seals it; any number of
processes then map the same bytes read-only without copying.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of coals",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coals v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(demo.DemoCmd)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
