package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sosmesh/relay-node/internal/config"
	"sosmesh/relay-node/internal/model"
	"sosmesh/relay-node/internal/store"
)

// openStore resolves the database path from --db, --config or the environment.
func (o *globalOptions) openStore(ctx context.Context) (*store.Store, config.Config, error) {
	path := o.cfgFile
	if path == "" {
		path = os.Getenv("MESHRELAY_CONFIG")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if o.dbPath != "" {
		cfg.DatabasePath = o.dbPath
	}

	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		return nil, cfg, fmt.Errorf("database %s: %w", cfg.DatabasePath, err)
	}

	db, err := store.Open(cfg.DatabasePath, store.WithMaxAge(cfg.MaxAge))
	if err != nil {
		return nil, cfg, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, cfg, err
	}
	return db, cfg, nil
}

func pendingCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List packets waiting for upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			db, _, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			recs, err := db.PendingForUpload(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().Int("limit", 0, "maximum rows (0 for all)")
	return cmd
}

func recentCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List stored packets, most recently received first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			all, _ := cmd.Flags().GetBool("all")

			db, _, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			recs, err := db.Recent(cmd.Context(), store.RecentQuery{
				Limit:          limit,
				IncludeSynced:  true,
				IncludeExpired: all,
			})
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().Int("limit", 20, "maximum rows (0 for all)")
	cmd.Flags().Bool("all", false, "include expired packets")
	return cmd
}

func cleanupCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired packets",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxAge, _ := cmd.Flags().GetDuration("max-age")

			db, cfg, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if maxAge <= 0 {
				maxAge = cfg.MaxAge
			}
			n, err := db.CleanupExpired(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired packets (max age %s)\n", n, maxAge)
			return nil
		},
	}
	cmd.Flags().Duration("max-age", 0, "override the configured maximum packet age")
	return cmd
}

func wipeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every stored packet and ingestion error",
		Long:  `wipe is the kill switch. Node identity and the local sequence counter are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("refusing to wipe without --yes")
			}

			db, cfg, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.ClearAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wiped %s\n", cfg.DatabasePath)
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "confirm the wipe")
	return cmd
}

func nodeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Show node identity and packet counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := db.NodeID(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := db.Count(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "node_id  %08x\n", id)
			fmt.Fprintf(out, "total    %d\n", counts.Total)
			fmt.Fprintf(out, "pending  %d\n", counts.Pending)
			fmt.Fprintf(out, "synced   %d\n", counts.Synced)
			fmt.Fprintf(out, "expired  %d\n", counts.Expired)
			return nil
		},
	}
	return cmd
}

func printRecords(w io.Writer, recs []model.StoredRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tLAT\tLON\tCREATED\tTARGET\tHOPS\tRSSI\tSYNC")
	for _, r := range recs {
		target := "-"
		if !r.Broadcast() {
			target = fmt.Sprintf("%08x", r.TargetID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.Key,
			r.Status,
			strconv.FormatFloat(r.Latitude, 'f', 5, 64),
			strconv.FormatFloat(r.Longitude, 'f', 5, 64),
			r.CreatedAt().Format(time.RFC3339),
			target,
			r.HopCount,
			r.RSSI,
			r.SyncStatus,
		)
	}
	return tw.Flush()
}
