package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/uemlabs/metamind/internal/storage"
	"github.com/uemlabs/metamind/internal/types"
)

var (
	reportRunID string
	reportLimit int
	pruneOlder  time.Duration
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Read stored episodes, events, and patterns back out",
	RunE:  runReportCmd,
}

func init() {
	reportCmd.Flags().StringVar(&reportRunID, "run", "", "restrict to one run ID")
	reportCmd.Flags().IntVar(&reportLimit, "limit", 20, "max rows per section")
	reportCmd.Flags().DurationVar(&pruneOlder, "prune", 0, "delete episodes older than this before reporting")
	rootCmd.AddCommand(reportCmd)
}

func runReportCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openStorage(cmd, cfg.Storage)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := cmd.Context()

	if pruneOlder > 0 {
		n, err := repo.PruneBefore(ctx, time.Now().UTC().Add(-pruneOlder))
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		fmt.Printf("pruned %d episodes older than %s\n\n", n, pruneOlder)
	}

	episodes, err := repo.ListEpisodes(ctx, reportRunID, reportLimit)
	if err != nil {
		return err
	}
	color.New(color.Bold).Println("Episodes")
	for _, ep := range episodes {
		state := "open"
		if !ep.Open() {
			state = fmt.Sprintf("closed (%s, %d cycles)", ep.BoundaryReason, ep.CycleCount)
		}
		fmt.Printf("  %-24s %s\n", ep.ID, state)
	}
	if len(episodes) == 0 {
		fmt.Println("  none")
	}

	events, err := repo.ListEvents(ctx, storage.EventFilter{RunID: reportRunID, Limit: reportLimit})
	if err != nil {
		return err
	}
	color.New(color.Bold).Println("\nEvents")
	for _, ev := range events {
		sevColor(ev.Severity).Printf("  [%s] ", ev.Severity)
		fmt.Printf("cycle %-6d %s: %s\n", ev.CycleID, ev.Type, ev.Message)
	}
	if len(events) == 0 {
		fmt.Println("  none")
	}

	patterns, err := repo.ListPatterns(ctx, storage.PatternFilter{RunID: reportRunID, Limit: reportLimit})
	if err != nil {
		return err
	}
	color.New(color.Bold).Println("\nPatterns")
	for _, p := range patterns {
		fmt.Printf("  %-18s %-28s freq=%-4d conf=%.2f\n", p.Type, p.Key, p.Frequency, p.Confidence)
	}
	if len(patterns) == 0 {
		fmt.Println("  none")
	}
	return nil
}

func sevColor(sev types.Severity) *color.Color {
	switch sev {
	case types.SeverityCritical:
		return color.New(color.FgRed)
	case types.SeverityWarning:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}
