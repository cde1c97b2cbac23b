package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func reportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Manage stored batch reports",
	}
	cmd.AddCommand(reportsListCmd())
	cmd.AddCommand(reportsShowCmd())
	cmd.AddCommand(reportsPruneCmd())
	return cmd
}

func reportsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				fatal(err)
				return err
			}
			storeDB, store, err := openStore(cfg)
			if err != nil {
				fatal(err)
				return err
			}
			defer func() { _ = storeDB.Close() }()

			rows, err := store.ListBatches(cmd.Context(), limit)
			if err != nil {
				fatal(err)
				return err
			}
			for _, row := range rows {
				fmt.Printf("%-36s %-28s %3d/%-3d %.2f %s\n",
					row.BatchID, row.AgentURL, row.Correct, row.Total, row.Accuracy,
					row.StartedAt.Format(time.RFC3339))
			}
			fmt.Printf("%d batch(es)\n", len(rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum batches to list")
	return cmd
}

func reportsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Print one batch report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				fatal(err)
				return err
			}
			storeDB, store, err := openStore(cfg)
			if err != nil {
				fatal(err)
				return err
			}
			defer func() { _ = storeDB.Close() }()

			batch, err := store.GetBatch(cmd.Context(), args[0])
			if err != nil {
				fatal(err)
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(batch)
		},
	}
}

func reportsPruneCmd() *cobra.Command {
	var keepDays int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete batches older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				fatal(err)
				return err
			}
			if keepDays <= 0 {
				keepDays = cfg.Retention.KeepDays
			}
			if keepDays <= 0 {
				return fmt.Errorf("set --keep-days or configure retention.keep_days")
			}
			storeDB, store, err := openStore(cfg)
			if err != nil {
				fatal(err)
				return err
			}
			defer func() { _ = storeDB.Close() }()

			cutoff := time.Now().AddDate(0, 0, -keepDays)
			n, err := store.Prune(cmd.Context(), cutoff)
			if err != nil {
				fatal(err)
				return err
			}
			log.Info().Msgf("deleted %d batch(es) older than %d days", n, keepDays)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep batches newer than N days")
	return cmd
}
