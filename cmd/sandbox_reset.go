package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/curaious/forge/internal/config"
	"github.com/curaious/forge/pkg/sandbox"
)

var resetSlot string

var sandboxResetCmd = &cobra.Command{
	Use:   "sandbox-reset",
	Short: "Destroy the cached sandbox for a slot so the next run provisions fresh",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.ReadConfig()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.REDIS_ADDR,
			Password: conf.REDIS_PASSWORD,
			DB:       conf.REDIS_DB,
		})
		store := sandbox.NewRecordStore(rdb, 0)

		current, err := store.Load(ctx, resetSlot)
		if err != nil {
			slog.ErrorContext(ctx, "unable to load sandbox record", slog.Any("error", err))
			os.Exit(1)
		}
		if current == nil {
			slog.InfoContext(ctx, "no sandbox cached for slot", slog.String("slot", resetSlot))
			return
		}

		api := sandbox.NewClient(conf.FORGE_BASE_URL, conf.FORGE_API_KEY)
		lifecycle := sandbox.NewLifecycle(api, nil)

		lifecycle.Reset(ctx, current)
		if err := store.Delete(ctx, resetSlot); err != nil {
			slog.WarnContext(ctx, "unable to clear sandbox record cache", slog.Any("error", err))
		}

		slog.InfoContext(ctx, "sandbox reset",
			slog.String("slot", resetSlot),
			slog.String("sandbox_id", current.SandboxID))
	},
}

func init() {
	sandboxResetCmd.Flags().StringVar(&resetSlot, "slot", "default", "logical sandbox slot")

	rootCmd.AddCommand(sandboxResetCmd)
}
