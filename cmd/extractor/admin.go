package main

import (
	"fmt"

	"github.com/project-tktt/graph-extractor/internal/bootstrap"
	"github.com/project-tktt/graph-extractor/internal/common/dedup"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"github.com/project-tktt/graph-extractor/internal/queue"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var forgetCmd = &cobra.Command{
	Use:   "forget <kind> <source-id>...",
	Short: "Drop dedup state so the next run stores every record again",
	Long: `Removes the cross-run dedup fingerprints of the given sources.

Kinds: comments, group_members, group_posts, page_recipients, listing`,
	Example: "  extractor forget comments 123_456",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := domain.ParseKind(args[0])
		if err != nil {
			return err
		}

		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		rdb, err := bootstrap.Redis(cmd.Context(), cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()

		d := dedup.NewDeduplicator(rdb, cfg.Redis.DedupPrefix, cfg.Redis.DedupTTL)
		for _, src := range args[1:] {
			n, err := d.Forget(cmd.Context(), kind, src)
			if err != nil {
				return err
			}
			log.Info("Dedup state dropped", zap.String("source_id", src), zap.Int("keys", n))
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show how many records wait for the worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		rdb, err := bootstrap.Redis(cmd.Context(), cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()

		n, err := queue.NewPublisher(rdb, cfg.Redis.RecordQueue).QueueLength(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d\n", cfg.Redis.RecordQueue, n)
		return nil
	},
}
