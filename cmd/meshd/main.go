package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-mesh/internal/policy"
	"go.uber.org/zap"
)

// version подставляется при сборке: -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "meshd",
		Short: "mesh routing, registry and policy-enforcement core",
		Long: `meshd keeps the live directory of agents and knowledge bases, enforces
access and masking policy on every cross-entity call, routes requests over
the message bus and writes the audit trail.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the core: bus handlers, health monitor and ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	policyCmd := &cobra.Command{
		Use:   "check-policy [file]",
		Short: "validate a policy rules file and print its hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := policy.LoadStaticEngine(args[0], zap.NewNop())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rules, default %s, %s\n", len(e.Rules()), e.DefaultEffect(), e.Hash())
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd, policyCmd)
	return rootCmd
}
