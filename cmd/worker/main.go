package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/config"
	"github.com/suPer8Hu/gopherchat/internal/db"
	"github.com/suPer8Hu/gopherchat/internal/logging"
	"github.com/suPer8Hu/gopherchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/gopherchat/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logrus.NewEntry(logging.New(cfg.LogLevel, cfg.LogFormat)).WithField("service", "gopherchat-worker")

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN, log.WithField("component", "db"))
	if err != nil {
		log.WithError(err).Fatal("db connect")
	}

	// the worker never streams, the registry only satisfies the service
	svc := chat.NewService(chat.NewRepo(gdb), ai.NewRegistry(), chat.Options{}, chat.WithLogger(log))

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.WithError(err).Fatal("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.WithError(err).Fatal("rabbit channel")
	}
	defer ch.Close()

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.WithError(err).Fatal("rabbit publisher")
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"queue":       cfg.RabbitQueue,
		"concurrency": cfg.WorkerConcurrency,
	}).Info("worker started")

	p := &worker.Processor{
		Backfill:    svc,
		Retry:       pub,
		MaxAttempts: 3,
		RetryDelay:  2 * time.Second,
		Log:         log,
	}
	if err := worker.Run(ctx, ch, cfg.RabbitQueue, cfg.WorkerConcurrency, p); err != nil {
		log.WithError(err).Fatal("worker stopped")
	}
}
