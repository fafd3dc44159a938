package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/resrv-payments/internal/config"
	"github.com/noah-isme/resrv-payments/internal/events"
	"github.com/noah-isme/resrv-payments/internal/notify"
	"github.com/noah-isme/resrv-payments/internal/obs"
)

func main() {
	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}

	toggles := make(map[string]bool)
	for _, topic := range events.DefaultTopics() {
		toggles[topic] = true
	}
	handler := notify.TaskHandler{
		Logger: logger,
		Notifiers: []events.Notifier{
			notify.EmailNotifier{
				Mail:         notify.LogEmailSender{Logger: logger},
				From:         cfg.EmailFrom,
				To:           cfg.EmailNotifyTo,
				TopicToggles: toggles,
			},
		},
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      map[string]int{cfg.AsynqQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task_type", task.Type()).Msg("reservation_task_failed")
		}),
	})
	if err := srv.Start(notify.NewServeMux(handler)); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Str("queue", cfg.AsynqQueue).Msg("worker starting")

	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}
