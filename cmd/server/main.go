package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/config"
	"github.com/suPer8Hu/gopherchat/internal/db"
	"github.com/suPer8Hu/gopherchat/internal/httpapi"
	"github.com/suPer8Hu/gopherchat/internal/logging"
	"github.com/suPer8Hu/gopherchat/internal/store/modelcache"
	"github.com/suPer8Hu/gopherchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/gopherchat/internal/store/redisstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logrus.NewEntry(logger).WithField("service", "gopherchat-server")
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN, log.WithField("component", "db"))
	if err != nil {
		log.WithError(err).Fatal("db connect")
	}
	if err := chat.AutoMigrate(gdb); err != nil {
		log.WithError(err).Fatal("db migrate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo := chat.NewRepo(gdb)
	reg := ai.NewDefaultRegistry(ai.Settings{
		OllamaBaseURL: cfg.OllamaBaseURL,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
	})

	models, err := modelcache.New(repo, cfg.ModelCacheTTL, 1024)
	if err != nil {
		log.WithError(err).Fatal("model cache")
	}
	defer models.Close()

	opts := []chat.Option{
		chat.WithModelSource(models),
		chat.WithLogger(log),
	}

	// Redis lock when reachable, otherwise a process-local one.
	rdb := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	if err := rdb.Ping(pingCtx); err != nil {
		log.WithError(err).Warn("redis unavailable, stream locks are local to this process")
		_ = rdb.Close()
	} else {
		defer rdb.Close()
		opts = append(opts, chat.WithLocker(rdb))
	}
	cancelPing()

	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.WithError(err).Warn("rabbitmq unavailable, exchange events disabled")
	} else {
		defer pub.Close()
		opts = append(opts, chat.WithEventPublisher(pub))
	}

	svc := chat.NewService(repo, reg, chat.Options{
		ContextWindowSize: cfg.ChatContextWindowSize,
		StallTimeout:      cfg.StreamStallTimeout,
		LockTTL:           cfg.StreamLockTTL,
	}, opts...)

	if err := svc.SyncModels(ctx, seedModels(cfg.Models)); err != nil {
		log.WithError(err).Fatal("sync models")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg, svc, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":      cfg.HTTPAddr,
			"providers": reg.Names(),
		}).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown")
	}
}

func seedModels(seeds []config.ModelSeed) []chat.Model {
	out := make([]chat.Model, 0, len(seeds))
	for _, s := range seeds {
		active := true
		if s.Active != nil {
			active = *s.Active
		}
		out = append(out, chat.Model{
			Name:      s.Name,
			Provider:  s.Provider,
			MaxTokens: s.MaxTokens,
			IsActive:  active,
			SortOrder: s.SortOrder,
		})
	}
	return out
}
