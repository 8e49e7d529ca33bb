package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/rntbd/cmd/perf"
	"github.com/ValentinKolb/rntbd/cmd/probe"
	"github.com/ValentinKolb/rntbd/cmd/serve"
	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/spf13/cobra"
)

const (
	Version = "1.0.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "rntbd",
		Short: "RNTBD direct-connectivity transport",
		Long: fmt.Sprintf(`rntbd (v%s)

A client transport for the RNTBD binary protocol spoken by document database
replicas, with a replica emulator and tools to probe and load test replicas.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rntbd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rntbd v%s (protocol version %d, client version %s)\n",
				Version, common.DefaultProtocolVersion, common.DefaultClientVersion)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(probe.ProbeCmd)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
