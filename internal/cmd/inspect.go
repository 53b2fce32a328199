package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mimicmq/mimicmq/internal/registry"
	pebblestore "github.com/mimicmq/mimicmq/internal/storage/pebble"
	"github.com/mimicmq/mimicmq/pkg/clock"
	logpkg "github.com/mimicmq/mimicmq/pkg/log"
)

// withRegistry opens the store at --data-dir, builds a registry without
// background reaping, runs fn, and tears everything down.
func withRegistry(cmd *cobra.Command, logger logpkg.Logger, fn func(ctx context.Context, reg *registry.Registry) error) error {
	dataDir, err := storePath(cmd)
	if err != nil {
		return err
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: dataDir,
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	reg, err := registry.Open(db, clock.Real{}, logger, registry.Options{})
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()
	return fn(cmd.Context(), reg)
}

func newQueuesCommand(logger logpkg.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List registered queues and their configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, logger, func(ctx context.Context, reg *registry.Registry) error {
				names := reg.List()
				if len(names) == 0 {
					fmt.Println("no queues registered")
					return nil
				}
				for _, name := range names {
					q, err := reg.Resolve(name)
					if err != nil {
						return err
					}
					cfg := q.Config()
					fmt.Printf("%s\tlease=%s\tmaxDelivery=%d\n", name, cfg.LeaseDuration, cfg.MaxDeliveryCount)
				}
				return nil
			})
		},
	}
}

func newStatsCommand(logger logpkg.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <queue>",
		Short: "Show message-state tallies for a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, logger, func(ctx context.Context, reg *registry.Registry) error {
				q, err := reg.Resolve(args[0])
				if err != nil {
					return err
				}
				st, err := q.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("active=%d locked=%d deadLettered=%d\n", st.Active, st.Locked, st.DeadLettered)
				return nil
			})
		},
	}
}

func newDLQCommand(logger logpkg.Logger) *cobra.Command {
	c := &cobra.Command{
		Use:   "dlq <queue>",
		Short: "Peek dead-lettered messages without locking them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			max, _ := cmd.Flags().GetInt("max")
			return withRegistry(cmd, logger, func(ctx context.Context, reg *registry.Registry) error {
				q, err := reg.Resolve(args[0])
				if err != nil {
					return err
				}
				msgs, err := q.PeekDeadLetters(ctx, max)
				if err != nil {
					return err
				}
				if len(msgs) == 0 {
					fmt.Println("dead-letter queue is empty")
					return nil
				}
				for _, m := range msgs {
					fmt.Printf("%s\tdeliveries=%d\treason=%s\t%s\n", m.ID, m.DeliveryCount, m.DeadLetterReason, m.DeadLetterDescription)
				}
				return nil
			})
		},
	}
	c.Flags().Int("max", 100, "Maximum number of messages to show")
	return c
}
