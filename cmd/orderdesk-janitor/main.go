package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/orderdesk/pkg/config"
	"github.com/platinummonkey/orderdesk/pkg/database"
	"github.com/platinummonkey/orderdesk/pkg/notify"
	"github.com/platinummonkey/orderdesk/pkg/observability"
)

var (
	runOnce  = flag.Bool("run-once", false, "Purge once and exit")
	schedule = flag.String("schedule", "", "Cron schedule for the purge (defaults to ORDERDESK_JANITOR_SCHEDULE)")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "orderdesk-janitor: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "orderdesk-janitor")

	conns, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer conns.Close()

	notifications := notify.NewService(conns.Primary(), nil, notify.Options{}, logger, nil)
	retention := time.Duration(cfg.Notifications.RetentionDays) * 24 * time.Hour

	if *runOnce {
		return purge(ctx, notifications, retention, logger)
	}

	sched := *schedule
	if sched == "" {
		sched = cfg.Notifications.JanitorSchedule
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(sched, func() {
		if err := purge(ctx, notifications, retention, logger); err != nil {
			logger.WithError(err).Error("Notification purge failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", sched, err)
	}

	c.Start()
	logger.WithFields(map[string]interface{}{
		"schedule":       sched,
		"retention_days": cfg.Notifications.RetentionDays,
	}).Info("Janitor started")

	<-ctx.Done()
	logger.Info("Shutting down janitor")
	<-c.Stop().Done()
	return nil
}

func purge(ctx context.Context, notifications *notify.Service, retention time.Duration, logger *observability.Logger) error {
	cutoff := time.Now().Add(-retention)
	n, err := notifications.PurgeRead(ctx, cutoff)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"purged": n,
		"cutoff": cutoff.UTC().Format(time.RFC3339),
	}).Info("Purged read notifications")
	return nil
}
