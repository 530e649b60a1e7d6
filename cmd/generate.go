package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/curaious/forge/internal/config"
	"github.com/curaious/forge/internal/telemetry"
	"github.com/curaious/forge/pkg/sandbox"
	"github.com/curaious/forge/pkg/stream"
)

var (
	generatePrompt string
	generateModel  string
	generateSlot   string
)

// generationEvent is the payload shape of generation stream frames.
type generationEvent struct {
	Type       string `json:"type"`
	Stage      string `json:"stage"`
	Message    string `json:"message"`
	Text       string `json:"text"`
	Path       string `json:"path"`
	Content    string `json:"content"`
	SandboxID  string `json:"sandboxId"`
	SandboxURL string `json:"sandboxUrl"`
	Provider   string `json:"provider"`
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run a prototype generation session against an ensured sandbox",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.ReadConfig()

		os.Setenv("OTEL_SERVICE_NAME", "forge-client")

		shutdownTelemetry := telemetry.NewProvider(conf.OTEL_EXPORTER_OTLP_ENDPOINT)
		defer shutdownTelemetry()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.REDIS_ADDR,
			Password: conf.REDIS_PASSWORD,
			DB:       conf.REDIS_DB,
		})
		store := sandbox.NewRecordStore(rdb, 0)

		api := sandbox.NewClient(conf.FORGE_BASE_URL, conf.FORGE_API_KEY)
		lifecycle := sandbox.NewLifecycle(api, nil)

		current, err := store.Load(ctx, generateSlot)
		if err != nil {
			slog.WarnContext(ctx, "sandbox record cache unavailable", slog.Any("error", err))
		}

		maxAge := time.Duration(conf.SANDBOX_MAX_AGE_MS) * time.Millisecond
		decision, err := lifecycle.EnsureAvailable(ctx, current, time.Now(), maxAge)
		if err != nil {
			slog.ErrorContext(ctx, "unable to ensure sandbox", slog.Any("error", err))
			os.Exit(1)
		}
		slog.InfoContext(ctx, "sandbox ready",
			slog.String("sandbox_id", decision.Record.SandboxID),
			slog.String("action", decision.Action.String()),
			slog.String("reason", decision.Reason.String()),
			slog.String("preview_url", decision.Record.URL))

		if err := store.Save(ctx, generateSlot, decision.Record); err != nil {
			slog.WarnContext(ctx, "unable to cache sandbox record", slog.Any("error", err))
		}

		queue := sandbox.NewSyncQueue(api, decision.Record.SandboxID, &sandbox.SyncQueueOptions{
			BatchSize: conf.SYNC_BATCH_SIZE,
			OnDrained: func(r sandbox.SyncResult) {
				slog.InfoContext(ctx, "file sync drained",
					slog.Int("synced", len(r.SyncedPaths)),
					slog.Int("failed", len(r.FailedPaths)))
			},
		})

		run := &generationRun{
			queue: queue,
			store: store,
			slot:  generateSlot,
			rec:   decision.Record,
		}

		client := stream.NewClient(&stream.ClientOptions{
			BaseURL:     conf.FORGE_BASE_URL,
			MaxRetries:  conf.STREAM_MAX_RETRIES,
			IdleTimeout: time.Duration(conf.STREAM_IDLE_TIMEOUT_MS) * time.Millisecond,
			RetryDelay:  time.Duration(conf.STREAM_RETRY_DELAY_MS) * time.Millisecond,
		})

		done := make(chan error, 1)
		session, err := client.Start(ctx, &stream.Request{
			Path: "/api/generate-ai-code-stream",
			Body: map[string]any{
				"prompt": generatePrompt,
				"model":  generateModel,
				"isEdit": false,
				"context": map[string]any{
					"sandboxId": decision.Record.SandboxID,
				},
			},
		}, stream.Callbacks{
			OnFrame: func(f stream.Frame) {
				for _, segment := range stream.PayloadSegments(ctx, f) {
					var ev generationEvent
					if err := sonic.UnmarshalString(segment, &ev); err != nil {
						continue
					}
					run.handleEvent(ctx, ev)
				}
			},
			OnComplete: func(stream.Frame) {
				done <- nil
			},
			OnError: func(err error) {
				done <- err
			},
		})
		if err != nil {
			slog.ErrorContext(ctx, "unable to start generation stream", slog.Any("error", err))
			os.Exit(1)
		}

		select {
		case <-ctx.Done():
			session.Cancel()
			slog.InfoContext(context.Background(), "generation cancelled")
			return
		case err := <-done:
			if err != nil {
				slog.ErrorContext(ctx, "generation failed", slog.Any("error", err))
				os.Exit(1)
			}
		}

		// Files enqueued just before the terminal frame may still be in
		// flight; exiting now would drop them.
		flushCtx, cancelFlush := context.WithTimeout(ctx, 30*time.Second)
		defer cancelFlush()
		if err := queue.Wait(flushCtx); err != nil {
			slog.WarnContext(ctx, "file sync did not finish before exit", slog.Any("error", err))
		}

		slog.InfoContext(ctx, "generation complete",
			slog.String("preview_url", run.rec.URL))
	},
}

// generationRun carries the per-session state the stream callbacks need.
type generationRun struct {
	queue *sandbox.SyncQueue
	store *sandbox.RecordStore
	slot  string
	rec   sandbox.Record
}

func (g *generationRun) handleEvent(ctx context.Context, ev generationEvent) {
	switch ev.Type {
	case "progress":
		slog.InfoContext(ctx, "generation progress",
			slog.String("stage", ev.Stage),
			slog.String("message", ev.Message))
	case "file":
		g.queue.Enqueue(ctx, sandbox.SyncFile{
			Path:    ev.Path,
			Content: ev.Content,
			Kind:    sandbox.KindSource,
		})
	case "sandbox":
		slog.InfoContext(ctx, "sandbox announced on stream",
			slog.String("sandbox_id", ev.SandboxID),
			slog.String("preview_url", ev.SandboxURL),
			slog.String("provider", ev.Provider))
		rec, changed := sandbox.ApplyAnnouncement(g.rec, ev.SandboxID, ev.SandboxURL, ev.Provider, time.Now())
		if !changed {
			return
		}
		g.rec = rec
		if err := g.store.Save(ctx, g.slot, rec); err != nil {
			slog.WarnContext(ctx, "unable to cache announced sandbox", slog.Any("error", err))
		}
	case "stream", "conversation":
		// Incremental model text; nothing to sync.
	default:
		slog.DebugContext(ctx, "unhandled generation event", slog.String("type", ev.Type))
	}
}

func init() {
	generateCmd.Flags().StringVarP(&generatePrompt, "prompt", "p", "", "generation prompt")
	generateCmd.Flags().StringVarP(&generateModel, "model", "m", "gemini-3-pro-preview", "model to generate with")
	generateCmd.Flags().StringVar(&generateSlot, "slot", "default", "logical sandbox slot")
	_ = generateCmd.MarkFlagRequired("prompt")

	rootCmd.AddCommand(generateCmd)
}
