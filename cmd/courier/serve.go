package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/broadcast"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/convo"
	"github.com/zulandar/courier/internal/db"
	"github.com/zulandar/courier/internal/imagejob"
	"github.com/zulandar/courier/internal/ingress"
	"github.com/zulandar/courier/internal/presence"
	"github.com/zulandar/courier/internal/ratelimit"
	"github.com/zulandar/courier/internal/transport"
	"github.com/zulandar/courier/internal/transport/discord"
	"github.com/zulandar/courier/internal/transport/slack"
	"github.com/zulandar/courier/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Courier daemon",
		Long: `Runs the full delivery backbone: the webhook server (image callbacks,
inbound relay, campaign stats), the broadcast scheduler with its retry
pass, and the orphaned-conversation sweeper. Stops cleanly on SIGINT or
SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

func newAdapter(cfg config.TransportConfig) (transport.Adapter, error) {
	switch cfg.Platform {
	case "slack":
		return slack.New(slack.AdapterOpts{Token: cfg.Token})
	default:
		return discord.New(discord.AdapterOpts{BotToken: cfg.Token})
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database.User, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Database.Database, err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to MySQL at %s:%d\n", cfg.Database.Host, cfg.Database.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	limiter := ratelimit.New(rdb, cfg.Limiter.FailOpen)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := newAdapter(cfg.Transport)
	if err != nil {
		return err
	}
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s adapter: %w", cfg.Transport.Platform, err)
	}
	defer adapter.Close()
	fmt.Fprintf(out, "Connected %s adapter\n", cfg.Transport.Platform)

	registry := presence.NewRegistry(adapter, cfg.Presence.Interval())
	defer registry.StopAll()

	jobs := &imagejob.Service{
		DB:       gormDB,
		Worker:   imagejob.NewHTTPWorker(cfg.Worker.URL, cfg.Worker.CallbackURL, cfg.Webhook.Secret, cfg.Worker.Timeout()),
		Adapter:  adapter,
		Presence: registry,
		Slots:    limiter,
		SlotMax:  cfg.Worker.MaxConcurrent,
		SlotTTL:  cfg.Worker.SlotTTL(),
	}
	if cfg.Worker.ObscureBelowCredits > 0 {
		jobs.Obscure = imagejob.CreditDecision(gormDB, cfg.Worker.ObscureBelowCredits)
		jobs.Obscurer = imagejob.QueryObscurer{Param: cfg.Worker.ObscureParam}
	}

	responder := ingress.NewHTTPResponder(cfg.Responder.URL, cfg.Responder.Timeout())
	process := func(ctx context.Context, batch *convo.Batch) error {
		text, err := responder.Respond(ctx, batch)
		if err != nil {
			return err
		}
		_, err = adapter.Send(ctx, transport.Message{
			ChannelID: batch.Conversation.ChannelID,
			Text:      text,
		})
		return err
	}

	pipeline := &ingress.Pipeline{
		DB:      gormDB,
		Limiter: limiter,
		Limits:  cfg.Limiter,
		Ceiling: cfg.Convo.StaleLockCeiling(),
		Process: process,
	}

	engine := broadcast.NewEngine(gormDB, adapter, cfg.Broadcast)
	go engine.RunScheduler(ctx)
	go convo.RunSweeper(ctx, gormDB, cfg.Convo.SweepInterval(), cfg.Convo.StaleLockCeiling(), process)

	log.Printf("courier: serving on :%d", cfg.Webhook.Port)
	err = webhook.Start(ctx, webhook.StartOpts{
		DB:      gormDB,
		Jobs:    jobs,
		Ingress: pipeline,
		Secret:  cfg.Webhook.Secret,
		Port:    cfg.Webhook.Port,
		Out:     out,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Courier stopped.")
	return nil
}
