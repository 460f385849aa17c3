package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"

	"github.com/riverrun/replicator/pkg/api"
	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/replicator"
	"github.com/riverrun/replicator/pkg/source"
)

func main() {
	cfg, err := config.LoadConfiguration()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	config.ApplyLogLevel(cfg)

	logger := logrus.New()
	if cfg.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	// The standalone binary runs against an in-process store; embedders
	// wire their own source.Store implementation instead.
	store := source.NewMemoryStore(1024)

	svc, err := replicator.NewService(replicator.ServiceOptions{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		LogClient: store,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build service")
	}

	notifications := svc.Bus().Subscribe("main", 256)
	go func() {
		for n := range notifications {
			log.Debug().Str("kind", n.Kind).Fields(n.Fields).Msg("notification")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	err = svc.Start(ctx)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("failed to start replication")
		os.Exit(1)
	}

	config.NotifyChange(func(file string) {
		go svc.HandleConfigChange(context.Background(), file)
	})

	admin := api.NewServer(":8080", svc)
	admin.Start()

	handler := replicator.NewShutdownHandler(replicator.ShutdownHandlerOptions{
		Service: svc,
		Logger:  logger,
		Timeout: cfg.Timeout() + 10*time.Second,
	})
	handler.AddHook(replicator.ShutdownHook{
		Name:     "admin-server",
		Priority: 5,
		Fn:       admin.Stop,
	})
	handler.AddHook(replicator.ShutdownHook{
		Name:     "close-source",
		Priority: 10,
		Fn: func(ctx context.Context) error {
			store.Close()
			return nil
		},
	})
	handler.Wait()
}
