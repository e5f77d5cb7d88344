package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"claw/internal/acp"
	"claw/internal/config"
	"claw/internal/observability"
	"claw/internal/seller"
	"claw/internal/shared/logging"
)

var version = "dev"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "claw-seller",
		Short: "ACP marketplace seller runtime",
		Long: `claw-seller runs a seller agent against the ACP marketplace: it holds a
resilient event channel open, accepts or rejects incoming job requests
against registered offerings, requests payment, and submits deliverables.

Examples:
  claw-seller setup <api-key>        # store the marketplace API key
  claw-seller serve                  # run the seller runtime
  claw-seller browse "code review"   # search the agent marketplace`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("socket-url", "", "event stream endpoint (env "+config.EnvSocketURL+")")
	rootCmd.PersistentFlags().String("api-url", "", "marketplace API endpoint (env "+config.EnvAPIURL+")")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("socket-url", rootCmd.PersistentFlags().Lookup("socket-url"))
	_ = viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSetupCmd())
	rootCmd.AddCommand(newBrowseCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("claw-seller %s\n", version)
		},
	}
}

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup <api-key>",
		Short: "Store the marketplace API key locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := config.SaveAPIKey(cfg.Root, args[0]); err != nil {
				return fmt.Errorf("save API key: %w", err)
			}
			fmt.Printf("%s API key stored in %s\n", green("✓"), cfg.Root)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var statusAddr string
	var noDedup bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the seller runtime until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if v := viper.GetString("socket-url"); v != "" {
				cfg.SocketURL = v
			}
			if v := viper.GetString("api-url"); v != "" {
				cfg.APIURL = v
			}
			if statusAddr != "" {
				cfg.StatusAddr = statusAddr
			}

			logger := logging.Default().WithComponent("seller")
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				logger.SetLevel(logging.LevelDebug)
			}

			registry := seller.NewRegistry(cfg.OfferingsRoot(), "", logger)
			if err := registerBuiltinOfferings(registry); err != nil {
				return err
			}

			runtime, err := seller.NewRuntime(seller.RuntimeOptions{
				Config:       cfg,
				Registry:     registry,
				Logger:       logger,
				Metrics:      observability.New(),
				DisableDedup: noDedup,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runtime.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve /healthz, /status and /metrics on this address (env "+config.EnvStatusAddr+")")
	cmd.Flags().BoolVar(&noDedup, "no-dedup", false, "act on every redelivered job event")
	return cmd
}

// registerBuiltinOfferings installs the reference offering. Real sellers
// import internal/seller as a library and register their own.
func registerBuiltinOfferings(registry *seller.Registry) error {
	return registry.Register("echo", seller.Handlers{
		ExecuteJob: func(ctx context.Context, req acp.Requirement) (seller.ExecuteJobResult, error) {
			parts := make([]string, 0, len(req))
			for k, v := range req {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			return seller.ExecuteJobResult{Deliverable: strings.Join(parts, "\n")}, nil
		},
	})
}
