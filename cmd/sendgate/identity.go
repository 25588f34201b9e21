package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sendgate/sendgate/internal/identity"
	"github.com/sendgate/sendgate/internal/store"
	"github.com/sendgate/sendgate/internal/warmup"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage sending identities",
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List identities of an organization",
	RunE:  runIdentityList,
}

var identityAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a sending identity",
	RunE:  runIdentityAdd,
}

var identitySuspendCmd = &cobra.Command{
	Use:   "suspend <identity-id>",
	Short: "Suspend a sending identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentitySuspend,
}

var identityAdvanceCmd = &cobra.Command{
	Use:   "advance-warmup",
	Short: "Run one warmup advance over all warming identities",
	RunE:  runIdentityAdvance,
}

var (
	identityOrg       string
	identityAddress   string
	identityDomain    string
	identityPerMinute int
	identityPerHour   int
	identityPerDay    int
	identityWarmCap   int
	identityWarmIncr  int
	identityWarmStart int
)

func init() {
	identityListCmd.Flags().StringVar(&identityOrg, "org", "", "organization id")
	identityListCmd.MarkFlagRequired("org")

	f := identityAddCmd.Flags()
	f.StringVar(&identityOrg, "org", "", "organization id")
	f.StringVar(&identityAddress, "address", "", "sender address")
	f.StringVar(&identityDomain, "domain", "", "sending domain")
	f.IntVar(&identityPerMinute, "per-minute", 0, "per-minute ceiling (0 = unlimited)")
	f.IntVar(&identityPerHour, "per-hour", 0, "per-hour ceiling (0 = unlimited)")
	f.IntVar(&identityPerDay, "per-day", 0, "per-day ceiling (0 = unlimited)")
	f.IntVar(&identityWarmCap, "warmup-cap", 0, "warmup target daily rate (0 = no warmup)")
	f.IntVar(&identityWarmIncr, "warmup-increment", 0, "warmup daily increment")
	f.IntVar(&identityWarmStart, "warmup-start", 0, "warmup starting daily rate")
	identityAddCmd.MarkFlagRequired("org")
	identityAddCmd.MarkFlagRequired("address")
	identityAddCmd.MarkFlagRequired("domain")

	identityCmd.AddCommand(identityListCmd, identityAddCmd, identitySuspendCmd, identityAdvanceCmd)
}

func openIdentities() (*store.DB, *store.IdentityRepository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return db, store.NewIdentityRepository(db), nil
}

func runIdentityList(cmd *cobra.Command, args []string) error {
	db, repo, err := openIdentities()
	if err != nil {
		return err
	}
	defer db.Close()

	ids, err := repo.List(context.Background(), identityOrg)
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}

	if len(ids) == 0 {
		fmt.Println("No identities found")
		return nil
	}
	fmt.Printf("%-36s  %-30s  %-10s  %8s  %8s  %8s\n",
		"ID", "ADDRESS", "STATUS", "PER-MIN", "PER-HOUR", "PER-DAY")
	for _, id := range ids {
		day := id.EffectiveDailyCeiling()
		fmt.Printf("%-36s  %-30s  %-10s  %8s  %8s  %8s\n",
			id.ID, id.Address, id.Status,
			formatCeiling(id.Limits.PerMinute),
			formatCeiling(id.Limits.PerHour),
			formatCeiling(day))
	}
	return nil
}

func runIdentityAdd(cmd *cobra.Command, args []string) error {
	db, repo, err := openIdentities()
	if err != nil {
		return err
	}
	defer db.Close()

	id := &identity.Identity{
		OrgID:   identityOrg,
		Address: identityAddress,
		Domain:  identityDomain,
		Status:  identity.StatusActive,
		Limits: identity.Limits{
			PerMinute: identityPerMinute,
			PerHour:   identityPerHour,
			PerDay:    identityPerDay,
		},
	}
	if identityWarmCap > 0 {
		id.Status = identity.StatusWarmingUp
		id.Warmup = identity.Warmup{
			CurrentRate: identityWarmStart,
			Increment:   identityWarmIncr,
			Cap:         identityWarmCap,
		}
	}

	if err := repo.Create(context.Background(), id); err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}

	fmt.Printf("Identity created: %s (%s, %s)\n", id.ID, id.Address, id.Status)
	return nil
}

func runIdentitySuspend(cmd *cobra.Command, args []string) error {
	db, repo, err := openIdentities()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repo.Suspend(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to suspend identity: %w", err)
	}
	fmt.Printf("Identity suspended: %s\n", args[0])
	return nil
}

func runIdentityAdvance(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	advancer := warmup.New(store.NewIdentityRepository(db), cfg.Warmup.GraduationRatio, nil, nil, logger)
	if err := advancer.RunOnce(context.Background()); err != nil {
		return fmt.Errorf("warmup advance failed: %w", err)
	}

	fmt.Println("Warmup advance complete")
	return nil
}

func formatCeiling(n int) string {
	if n <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}
