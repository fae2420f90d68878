package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/coordinator"
	"github.com/nilemarkets/sahm/internal/fetch"
	"github.com/nilemarkets/sahm/internal/ingest"
	"github.com/nilemarkets/sahm/internal/normalize"
	"github.com/nilemarkets/sahm/internal/notify"
	"github.com/nilemarkets/sahm/internal/scheduler"
	"github.com/nilemarkets/sahm/internal/server"
	"github.com/nilemarkets/sahm/internal/session"
	"github.com/nilemarkets/sahm/internal/sink"
)

func main() {
	configPath := os.Getenv("SAHM_CONFIG")

	config, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewFileLogger(config.Logging)
	logger.Info().
		Str("version", common.GetVersion()).
		Str("environment", config.Environment).
		Msg("sahm starting")

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer bootCancel()

	pg, err := sink.New(bootCtx, config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}

	if err := pg.InitSchema(bootCtx); err != nil {
		logger.Fatal().Err(err).Msg("schema init failed")
	}

	// A crashed process leaves audit rows stuck in "running".
	if reset, err := pg.Audit().ResetRunning(bootCtx); err != nil {
		logger.Warn().Err(err).Msg("audit reset failed")
	} else if reset > 0 {
		logger.Warn().Int("entries", reset).Msg("reset stale running audit entries")
	}

	index := normalize.NewIndex()
	aliases, err := pg.Aliases().LoadAll(bootCtx)
	if err != nil {
		logger.Fatal().Err(err).Msg("alias load failed")
	}
	index.Load(aliases)
	logger.Info().Int("aliases", len(aliases)).Msg("alias index loaded")

	client := fetch.NewClient(config, logger)
	browser := fetch.NewBrowser(config, logger)
	broker := session.NewBroker(config, client, logger)
	norm := normalize.NewNormalizer(index, logger, config.Location())
	hook := notify.NewWebhook(config, logger)

	coord := coordinator.New(config, logger, pg, hook)

	coord.Register(ingest.New(&ingest.Deps{
		Config:   config,
		Logger:   logger,
		Client:   client,
		Browser:  browser,
		Broker:   broker,
		Sink:     pg,
		Norm:     norm,
		Index:    index,
		Executor: coord,
	})...)

	sched := scheduler.New(config, logger, coord, pg.Universe(), hook)
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler start failed")
	}

	srv := server.New(config, logger, coord, broker, pg)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("admin server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin server shutdown failed")
	}
	coord.Close()
	browser.Close()
	pg.Close()

	logger.Info().Msg("sahm stopped")
}
