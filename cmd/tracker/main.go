package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bus-tracker/internal/api"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/routing"
	"bus-tracker/internal/seed"
	"bus-tracker/internal/sim"
	"bus-tracker/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PublishInterval, cfg.JitterInterval, cfg.RefreshInterval)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// NATS carries positions and change notifications between processes.
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
	}

	var repo store.Repository
	var feed store.ChangeFeed
	switch cfg.Store {
	case config.StorePostgres:
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer sqlDB.Close()
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		if err := db.EnsureSchema(ctx, sqlDB); err != nil {
			log.Fatalf("db schema error: %v", err)
		}
		repo = db.NewRepository(sqlDB)
		if pub != nil {
			feed = pub
		}
	default:
		mem := store.NewMemory()
		repo, feed = mem, mem
		log.Printf("using in-memory store")
	}

	cache := store.NewCache(repo, feed, cfg.RefreshInterval, wrapCacheMetrics(mcol))
	if err := cache.Start(ctx); err != nil {
		log.Fatalf("cache start error: %v", err)
	}
	defer cache.Stop()

	if cfg.SeedFile != "" {
		fleet, err := seed.Load(cfg.SeedFile)
		if err != nil {
			log.Fatalf("seed file error: %v", err)
		}
		n, err := seed.Apply(ctx, cache, fleet)
		if err != nil {
			log.Fatalf("seed error: %v", err)
		}
		log.Printf("seeded %d of %d buses from %s", n, len(fleet.Buses), cfg.SeedFile)
	}

	var provider routing.Provider
	if cfg.RoutingURL != "" {
		provider = routing.NewOSRM(cfg.RoutingURL, cfg.RoutingTimeout)
	}
	routes := routing.WithFallback(provider, wrapRoutingMetrics(mcol))

	mgr := sim.NewManager(cache, positionPublisher(pub), routes, mcol, sim.Options{
		PublishInterval: cfg.PublishInterval,
		JitterInterval:  cfg.JitterInterval,
		RefreshInterval: cfg.RefreshInterval,
		Schedule:        cfg.Schedule,
		Location:        cfg.Location,
	})
	mgr.Start(ctx)

	srv := api.New(cache, mgr)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(cfg.HTTPAddr) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}
	// Allow graceful shutdown
	mgr.Stop()
	log.Println("shutdown complete")
}

// positionPublisher keeps a nil *NATSPublisher from becoming a non-nil interface.
func positionPublisher(p *publisher.NATSPublisher) sim.PositionPublisher {
	if p == nil {
		return nil
	}
	return p
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

func wrapCacheMetrics(c *metrics.Collector) store.CacheMetrics {
	if c == nil {
		return nil
	}
	return c
}

func wrapRoutingMetrics(c *metrics.Collector) routing.Metrics {
	if c == nil {
		return nil
	}
	return c
}
