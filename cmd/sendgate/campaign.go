package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sendgate/sendgate/internal/campaign"
	"github.com/sendgate/sendgate/internal/store"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Manage campaigns",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns by status",
	RunE:  runCampaignList,
}

var campaignProgressCmd = &cobra.Command{
	Use:   "progress <campaign-id>",
	Short: "Show campaign progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignProgress,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign-id>",
	Short: "Pause an active campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionCmd("pause", func(c *campaign.Campaign, now time.Time) error { return c.Pause(now) }),
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign-id>",
	Short: "Resume a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionCmd("resume", func(c *campaign.Campaign, now time.Time) error { return c.Resume(now) }),
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign-id>",
	Short: "Cancel a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionCmd("cancel", func(c *campaign.Campaign, now time.Time) error { return c.Cancel(now) }),
}

var campaignStatus string

func init() {
	campaignListCmd.Flags().StringVar(&campaignStatus, "status", "active", "campaign status to list")
	campaignCmd.AddCommand(campaignListCmd, campaignProgressCmd,
		campaignPauseCmd, campaignResumeCmd, campaignCancelCmd)
}

func openCampaigns() (*store.DB, *store.CampaignRepository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return db, store.NewCampaignRepository(db), nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	db, repo, err := openCampaigns()
	if err != nil {
		return err
	}
	defer db.Close()

	ids, err := repo.ListByStatus(context.Background(), campaign.Status(campaignStatus))
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(ids) == 0 {
		fmt.Printf("No campaigns with status %q\n", campaignStatus)
		return nil
	}
	for _, id := range ids {
		c, err := repo.Get(context.Background(), id)
		if err != nil || c == nil {
			continue
		}
		fmt.Printf("%-36s  %-30s  %5.1f%%  %d/%d\n",
			c.ID, c.Name, c.Progress.Percentage(), c.Progress.Processed, c.Progress.Total)
	}
	return nil
}

func runCampaignProgress(cmd *cobra.Command, args []string) error {
	db, repo, err := openCampaigns()
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := repo.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}
	if c == nil {
		return fmt.Errorf("campaign %s not found", args[0])
	}

	fmt.Printf("Campaign: %s (%s)\n", c.Name, c.ID)
	fmt.Printf("  Status:       %s\n", c.Status)
	if c.FailureReason != "" {
		fmt.Printf("  Failure:      %s\n", c.FailureReason)
	}
	fmt.Printf("  Progress:     %d/%d (%.1f%%)\n",
		c.Progress.Processed, c.Progress.Total, c.Progress.Percentage())
	fmt.Printf("  Sent:         %d\n", c.Progress.Sent)
	fmt.Printf("  Failed:       %d\n", c.Progress.Failed)
	fmt.Printf("  Bounced:      %d\n", c.Progress.Bounced)
	fmt.Printf("  Unsubscribed: %d\n", c.Progress.Unsubscribed)
	if c.Experiment != nil && c.Experiment.Enabled {
		fmt.Printf("  Experiment:   %d variants, criterion %s", len(c.Experiment.Variants), c.Experiment.Criterion)
		if c.Experiment.Decided() {
			fmt.Printf(", winner %s", c.Experiment.WinnerID)
		}
		fmt.Println()
	}
	return nil
}

func transitionCmd(event string, fn func(*campaign.Campaign, time.Time) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, repo, err := openCampaigns()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		c, err := repo.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get campaign: %w", err)
		}
		if c == nil {
			return fmt.Errorf("campaign %s not found", args[0])
		}

		if err := fn(c, time.Now().UTC()); err != nil {
			return err
		}
		if err := repo.Update(ctx, c); err != nil {
			return fmt.Errorf("failed to persist campaign: %w", err)
		}

		fmt.Printf("Campaign %s: %s -> %s\n", c.ID, event, c.Status)
		return nil
	}
}
