package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	verbose    bool
	resources  resourceFlags
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cogd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "cogd",
		Short:         "Cognitive multi-agent orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", getEnv("COG_CONFIG", ""), "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	f.resources.bind(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(f),
		newStatusCmd(f),
		newWorkflowCmd(f, "heal", "Run the self-healing workflow once", (*app).heal),
		newWorkflowCmd(f, "maintain", "Run the maintenance workflow once", (*app).maintain),
		newWorkflowCmd(f, "improve", "Run the improvement workflow once", (*app).improve),
		newIntrospectCmd(f),
		newEvolveCmd(f),
		&cobra.Command{
			Use:   "version",
			Short: "Print version and exit",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "cogd %s (commit=%s, date=%s)\n", version, commit, date)
			},
		},
	)
	return root
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
