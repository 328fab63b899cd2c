package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"wxbridge/internal/config"
	"wxbridge/internal/domain"
	"wxbridge/internal/security"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage the pairing code and the allow-list",
		Long: `Unknown senders are ignored until they send the pairing code. The
allow-list is append-only: entries can be approved but not revoked.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "code",
		Short: "Show the current pairing code",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Pairing.Enabled {
				fmt.Println("Pairing is disabled; every sender reaches the agent.")
				return nil
			}
			if cfg.Pairing.Code == "" {
				fmt.Println("No pairing code set. Run 'wxbridge pairing regenerate'.")
				return nil
			}
			fmt.Println(cfg.Pairing.Code)
			return nil
		},
	})

	var length int
	regen := &cobra.Command{
		Use:   "regenerate",
		Short: "Generate and save a new pairing code",
		Long:  "Writes a new pairing code to the config file. A running bridge keeps the old code until it is restarted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Pairing.Code = security.GenerateCode(length)
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("New pairing code: %s\n", cfg.Pairing.Code)
			return nil
		},
	}
	regen.Flags().IntVar(&length, "length", security.DefaultCodeLength, "code length")
	cmd.AddCommand(regen)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List paired users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *security.Store) error {
				recs, err := store.List(ctx)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No paired users.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USER\tNAME\tAPPROVED\tBY")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.UserID, r.DisplayName, humanize.Time(r.ApprovedAt), r.ApprovedBy)
				}
				return tw.Flush()
			})
		},
	})

	var name string
	approve := &cobra.Command{
		Use:   "approve [user-id]",
		Short: "Add a user to the allow-list without a pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *security.Store) error {
				added, err := store.Allow(ctx, domain.PairingRecord{
					UserID:      args[0],
					DisplayName: name,
					ApprovedAt:  time.Now(),
					ApprovedBy:  security.ApprovedByCLI,
				})
				if err != nil {
					return err
				}
				if !added {
					fmt.Printf("%s is already paired.\n", args[0])
					return nil
				}
				fmt.Printf("Approved %s.\n", args[0])
				return nil
			})
		},
	}
	approve.Flags().StringVar(&name, "name", "", "display name to record")
	cmd.AddCommand(approve)

	return cmd
}

func withStore(fn func(ctx context.Context, store *security.Store) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := security.OpenStore(cfg.Pairing.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, store)
}

// lastApproval describes the newest entry of recs, which List returns
// oldest first.
func lastApproval(recs []domain.PairingRecord) string {
	if len(recs) == 0 {
		return ""
	}
	last := recs[len(recs)-1]
	return fmt.Sprintf(", last approved %s", humanize.Time(last.ApprovedAt))
}
