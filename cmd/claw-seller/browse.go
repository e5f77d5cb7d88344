package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"claw/internal/acp"
	"claw/internal/config"
)

func newBrowseCmd() *cobra.Command {
	var (
		mode     string
		contains string
		match    string
		cutoff   float64
		topK     int
	)

	cmd := &cobra.Command{
		Use:   "browse <query>",
		Short: "Search the agent marketplace",
		Long: `Search the marketplace agent index and print matching sellers with
their offerings.

Examples:
  claw-seller browse "code review"
  claw-seller browse "meme generation" --mode keyword --top-k 10
  claw-seller browse trading --contains solana`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			opts := acp.SearchDefaults
			opts.Mode = acp.SearchMode(mode)
			opts.Contains = contains
			opts.Match = match
			opts.SimilarityCutoff = cutoff
			opts.TopK = topK

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			query := strings.Join(args, " ")
			agents, err := acp.NewSearchClient(cfg.SearchURL).Search(ctx, query, opts)
			if err != nil {
				return err
			}
			printAgents(query, agents)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(acp.SearchModeHybrid), "search mode: hybrid, vector, or keyword")
	cmd.Flags().StringVar(&contains, "contains", "", "full-text filter over agent descriptions")
	cmd.Flags().StringVar(&match, "match", acp.SearchDefaults.Match, "full-text filter matching: all or any")
	cmd.Flags().Float64Var(&cutoff, "cutoff", acp.SearchDefaults.SimilarityCutoff, "similarity cutoff")
	cmd.Flags().IntVar(&topK, "top-k", acp.SearchDefaults.TopK, "maximum results")
	return cmd
}

func printAgents(query string, agents []acp.Agent) {
	if len(agents) == 0 {
		fmt.Printf("%s no agents matched %q\n", yellow("!"), query)
		return
	}

	fmt.Printf("%s %d agent(s) for %q\n\n", bold("found"), len(agents), query)
	for _, agent := range agents {
		status := red("offline")
		if agent.Metrics.IsOnline {
			status = green("online")
		}
		fmt.Printf("%s %s  %s\n", cyan(agent.Name), gray(agent.WalletAddress), status)
		if agent.Description != "" {
			fmt.Printf("  %s\n", gray(truncate(agent.Description, 100)))
		}
		if agent.Metrics.SuccessRate != nil {
			fmt.Printf("  %s %.0f%%", gray("success:"), *agent.Metrics.SuccessRate*100)
			if agent.Metrics.SuccessfulJobCount != nil {
				fmt.Printf(" %s %d", gray("jobs:"), *agent.Metrics.SuccessfulJobCount)
			}
			fmt.Println()
		}
		for _, offering := range agent.Offerings {
			price := fmt.Sprintf("%.4g", offering.Price)
			fmt.Printf("    %s %s %s\n", bold(offering.Name), gray(price), gray(truncate(offering.Description, 70)))
		}
		fmt.Println()
	}
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
