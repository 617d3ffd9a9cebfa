// Command ozhost serves the hosts defined in a JSON config file.
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
	"github.com/spf13/cobra"

	"github.com/One-com/ozhost"
)

var (
	VERSION   = "Not set"
	BUILDTIME = "In the past"
	REVISION  = "Unknown"
)

var (
	configFile      string
	controlSocket   string
	shutdownTimeout time.Duration
	dryrun          bool
	logLevel        int
	maxprocs        int
)

var rootCmd = &cobra.Command{
	Use:           "ozhost",
	Short:         "Serve web applications on local ports",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		runtime.GOMAXPROCS(maxprocs)

		log.SetLevel(syslog.Priority(logLevel))
		log.SetFlags(log.Llevel | log.Lname)
		log.AutoColoring()

		return ozhost.Main(configFile,
			ozhost.DumpConfig(dryrun),
			ozhost.ControlSocket(controlSocket),
			ozhost.ShutdownTimeout(shutdownTimeout))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Version:     \t%s\n", VERSION)
		fmt.Fprintf(w, "Revision:    \t%s\n", REVISION)
		fmt.Fprintf(w, "Build date:  \t%s\n", BUILDTIME)
		fmt.Fprintf(w, "Go Compiler: \t%s\n", runtime.Version())
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "ozhost.json", "Configuration file")
	flags.IntVarP(&maxprocs, "procs", "j", runtime.NumCPU(), "Set GOMAXPROCS")
	flags.IntVarP(&logLevel, "loglevel", "d", int(syslog.LOG_NOTICE), "Server syslog loglevel [0..7]")
	flags.BoolVarP(&dryrun, "dryrun", "n", false, "Dryrun - Dump full config")
	flags.StringVarP(&controlSocket, "control", "s", "./ozhost-control.sock", "Path to control socket, \"\" to disable")
	flags.DurationVarP(&shutdownTimeout, "grace", "g", 0, "Default timeout to do graceful shutdown")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
