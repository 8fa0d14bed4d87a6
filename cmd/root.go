package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rkvlib/rkv/cmd/bench"
	"github.com/rkvlib/rkv/cmd/demo"
	"github.com/rkvlib/rkv/cmd/util"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "rkv",
		Short: "reactive keyed collections",
		Long: fmt.Sprintf(`rkv (v%s)

A push-based reactive collection library written in Go: keyed stores
publishing atomic change sets through composable operators (sort, group,
filter, transform, merge).`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rkv",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rkv v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(demo.DemoCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "verbosity"
	RootCmd.PersistentFlags().Int(key, 0, util.WrapString("log verbosity (0 = info, higher values enable debug output)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	util.InitConfig()
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
