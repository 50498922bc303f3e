package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/irctrakz/passivetap/pkg/config"
	"github.com/irctrakz/passivetap/pkg/logging"
	"github.com/irctrakz/passivetap/pkg/passive"
)

func newRootCmd() *cobra.Command {
	var (
		builder    ifaceBuilder
		configPath string
		verbose    int
		exactTail  bool
		apiAddr    string
	)

	cmd := &cobra.Command{
		Use:   "passive [options]",
		Short: "Observe TCP sessions on an interface without taking part in them",
		Long: `passive creates passive listeners on one or more interfaces. Every TCP
session matching a listener is observed in both directions and the payload
is printed as it is seen. Options apply to the most recent -i or -l:

  passive -i eth0 -t pcap -l 10.0.0.1 -p 80 -l 0.0.0.0 -p 443 -v`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				if err := config.LoadFromFile(configPath, cfg); err != nil {
					return err
				}
			}
			config.LoadFromEnv(cfg)

			cfg.Interfaces = append(cfg.Interfaces, builder.interfaces...)
			flags := cmd.Flags()
			if flags.Changed("verbose") {
				cfg.Verbose = verbose
			}
			if flags.Changed("exact-tail") {
				cfg.Render.ExactTail = exactTail
			}
			if flags.Changed("api-addr") {
				cfg.API.Address = apiAddr
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			cfg.Normalize()
			cmd.SilenceUsage = true

			if err := cfg.ApplyLogging(); err != nil {
				return err
			}
			if logging.GetLevel() != logging.DebugLevel {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := passive.NewDumper(cmd.OutOrStdout(), cfg.Render, !color.NoColor)
			return run(ctx, cfg, out)
		},
	}

	flags := cmd.Flags()
	flags.SortFlags = false
	builder.register(flags)
	flags.CountVarP(&verbose, "verbose", "v", "be verbose (repeat for TCP state)")
	flags.StringVar(&configPath, "config", "", "configuration file (.yaml, .yml or .json)")
	flags.BoolVar(&exactTail, "exact-tail", false, "always print the trailing printable run of a payload")
	flags.StringVar(&apiAddr, "api-addr", "", "status API listen address, empty disables it")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
