package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mlindgren/lagesbild/internal/bgsync"
	"github.com/mlindgren/lagesbild/internal/cacheproxy"
	"github.com/mlindgren/lagesbild/internal/config"
	"github.com/mlindgren/lagesbild/internal/engine"
	"github.com/mlindgren/lagesbild/internal/fetch"
	"github.com/mlindgren/lagesbild/internal/logging"
	"github.com/mlindgren/lagesbild/internal/model"
	"github.com/mlindgren/lagesbild/internal/notify"
	"github.com/mlindgren/lagesbild/internal/process"
	sigmon "github.com/mlindgren/lagesbild/internal/signal"
	"github.com/mlindgren/lagesbild/internal/store"
)

// healthLogInterval paces periodic health snapshots in the log.
const healthLogInterval = 5 * time.Minute

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgPath, err := config.DefaultPath()
	if err != nil {
		log.Fatalf("Failed to resolve config path: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = config.Default()
	}

	if err := logging.Init(cfg.LogDir); err != nil {
		log.Fatalf("Failed to init logging: %v", err)
	}
	defer logging.Close()

	dbPath := cfg.Database
	if dbPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get home directory: %v", err)
		}
		dataDir := filepath.Join(homeDir, ".lagesbild")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		dbPath = filepath.Join(dataDir, "lagesbild.db")
	}

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	monitor := sigmon.NewMonitor()
	bus := notify.NewBus()

	// Every outbound retrieval flows through the response-cache router, so
	// reads degrade to cached data when the network cannot serve.
	router := cacheproxy.New(nil, st, monitor, cfg.Cache.APITTL, cfg.Cache.StaticTTL, nil)
	fetcher := fetch.NewFetcher(router)
	proc := process.New(cfg.RecordCap, nil)

	sources := map[model.EntityType]engine.Source{
		model.EntityEvents:   fetch.NewCollectionSource(fetcher, proc, cfg.Entities[model.EntityEvents].Endpoint, "events"),
		model.EntityStations: fetch.NewCollectionSource(fetcher, proc, cfg.Entities[model.EntityStations].Endpoint, "stations"),
		model.EntityFeed:     fetch.NewFeedSource(fetcher, proc, cfg.Entities[model.EntityFeed].Endpoints),
	}

	sched := engine.New(cfg, st, sources, monitor, bus, nil)
	coord := bgsync.New(sched, st, monitor, bus)
	sched.UseDeferred(coord)

	sched.Start(ctx)
	coord.Run(ctx)

	// Initial full sync so consumers have data without waiting for a tick.
	go sched.SyncAll(ctx, engine.SyncOptions{Priority: model.PriorityHigh, Force: true})

	// Drain the bus so slow-subscriber drops never hit the engine, logging
	// noteworthy events along the way.
	go func() {
		for e := range bus.Subscribe() {
			switch ev := e.(type) {
			case notify.DataReady:
				logging.Info("initial data ready")
			case notify.Degraded:
				logging.Warn("degraded", "reason", ev.Reason)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(healthLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h := sched.Health()
				logging.Info("health",
					"online", h.Online,
					"mode", h.Mode,
					"timers", h.ActiveTimerCount,
					"events", h.LastSync[model.EntityEvents],
					"stations", h.LastSync[model.EntityStations],
					"feed", h.LastSync[model.EntityFeed],
				)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("shutting down")
	cancel()
	sched.Wait()
	coord.Wait()
}
