package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"priceguard/internal/analyzer"
	"priceguard/internal/config"
	"priceguard/internal/core"
	"priceguard/internal/dispatch"
	"priceguard/internal/extract"
	"priceguard/internal/logger"
	"priceguard/internal/message"
	"priceguard/internal/rules"
	"priceguard/internal/scheduler"
	"priceguard/internal/stats"
	"priceguard/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger with date-based file rotation and optional Elasticsearch
	esConfig := logger.ESConfig{
		Enabled:   cfg.ESEnabled,
		Addresses: cfg.ESAddresses,
		Index:     cfg.ESLogIndex,
	}
	if err := logger.InitLogger(cfg.LogDir, esConfig); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	if cfg.MySQLDSN == "" {
		log.Fatal("MYSQL_DSN is required in .env file")
	}

	db, err := store.OpenMySQL(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("Failed to connect to MySQL: %v", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	counters := store.NewRedisCounters(redisClient)

	var indexer *store.ESIndexer
	if cfg.ESEnabled {
		indexer, err = store.NewESIndexer(cfg.ESAddresses, cfg.ESObservationIndex, cfg.ESAlertIndex)
		if err != nil {
			log.Printf("⚠️ Elasticsearch indexing disabled: %v", err)
		} else {
			defer indexer.Close()
		}
	}

	clock := core.RealClock{}

	registry := extract.NewRegistry()
	registry.SetDefault(extract.NewBridgeExtractor("bridge", cfg.BridgeAPIURL, cfg.BridgeAPIKey, 0))

	publisher := message.NewKafkaPublisher(cfg.KafkaBrokers)
	defer publisher.Close()

	az := analyzer.New(db, clock)
	engine := rules.NewEngine(db, &indexingNotifier{publisher: publisher, indexer: indexer}, clock)
	collector := stats.NewCollector(db, clock)

	ceilings := dispatch.DefaultCeilings()
	for name, limit := range cfg.RetailerCeilings {
		ceilings.PerRetailer[name] = limit
	}
	if cfg.DefaultCeiling > 0 {
		ceilings.Default = cfg.DefaultCeiling
	}

	dispatcher := dispatch.NewDispatcher(db, counters, ceilings, clock, cfg.MaxTasksPerCycle)

	sched := scheduler.New(db, clock, cfg.ScorerWeights)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	recorder := &indexingRecorder{collector: collector, indexer: indexer}
	pools := []struct {
		lane    dispatch.Lane
		workers int
	}{
		{dispatch.LaneHigh, cfg.HighLaneWorkers},
		{dispatch.LaneNormal, cfg.NormalLaneWorkers},
		{dispatch.LaneLow, cfg.LowLaneWorkers},
	}
	for _, p := range pools {
		pool := dispatch.NewPool(p.lane, p.workers, db, counters, registry, az, engine, recorder, clock)
		go pool.Run(ctx, dispatcher.LaneQueue(p.lane))
	}

	go runEvery(ctx, cfg.ScheduleInterval, func() {
		if n, err := sched.ScheduleDueProducts(ctx); err != nil {
			log.Printf("❌ Scheduling pass failed: %v", err)
		} else if n > 0 {
			log.Printf("🔍 Scheduled %d products for checking", n)
		}
	})
	go runEvery(ctx, cfg.DispatchInterval, func() {
		// Sweep tasks stranded by a dead worker before admitting new work;
		// the first pass at startup recovers anything a crash left behind.
		if _, err := dispatcher.ReapStaleTasks(ctx); err != nil {
			log.Printf("❌ Stale task sweep failed: %v", err)
		}
		if n, err := dispatcher.Cycle(ctx); err != nil {
			log.Printf("❌ Dispatch cycle failed: %v", err)
		} else if n > 0 {
			log.Printf("🔄 Dispatched %d tasks to worker lanes", n)
		}
	})
	go runEvery(ctx, cfg.PriorityInterval, func() {
		if n, err := sched.UpdatePriorities(ctx); err != nil {
			log.Printf("❌ Priority update failed: %v", err)
		} else {
			log.Printf("📌 Updated priority for %d products", n)
		}
	})
	go runEvery(ctx, cfg.RebalanceInterval, func() {
		if n, err := sched.DistributeLoad(ctx, cfg.MaxChecksPerHour); err != nil {
			log.Printf("❌ Load distribution failed: %v", err)
		} else if n > 0 {
			log.Printf("⏳ Moved %d checks to quieter hours", n)
		}
		if n, err := sched.RebalancePriorities(ctx); err != nil {
			log.Printf("❌ Lane rebalancing failed: %v", err)
		} else if n > 0 {
			log.Printf("🔄 Demoted %d products out of the high lane", n)
		}
		cutoff := clock.Now().AddDate(0, 0, -cfg.RetentionDays)
		if n, err := db.PurgeOldData(ctx, cutoff); err != nil {
			log.Printf("❌ Retention purge failed: %v", err)
		} else if n > 0 {
			log.Printf("🗑️ Purged %d expired rows", n)
		}
	})
	go runEvery(ctx, cfg.StatsInterval, func() {
		if err := collector.Flush(ctx); err != nil {
			log.Printf("❌ Stats flush failed: %v", err)
		}
	})

	log.Println("🚀 Price monitoring service started")
	log.Printf("⏱️  Schedule interval: %v, dispatch interval: %v", cfg.ScheduleInterval, cfg.DispatchInterval)
	log.Println("Press Ctrl+C to stop...")

	<-sigChan
	log.Println("🛑 Shutting down...")
	cancel()
	if err := collector.Flush(context.Background()); err != nil {
		log.Printf("⚠️ Final stats flush failed: %v", err)
	}
	time.Sleep(1 * time.Second)
	log.Println("✅ Shutdown complete")
}

// runEvery runs fn immediately and then on every tick until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// indexingNotifier publishes alerts to Kafka and mirrors them into
// Elasticsearch when indexing is enabled.
type indexingNotifier struct {
	publisher *message.KafkaPublisher
	indexer   *store.ESIndexer
}

func (n *indexingNotifier) NotifyAlert(ctx context.Context, alert *core.Alert) error {
	n.indexer.IndexAlert(alert)
	return n.publisher.NotifyAlert(ctx, alert)
}

// indexingRecorder feeds the stats collector and mirrors observations into
// Elasticsearch when indexing is enabled.
type indexingRecorder struct {
	collector *stats.Collector
	indexer   *store.ESIndexer
}

func (r *indexingRecorder) RecordCheck(retailer string, priority int, duration time.Duration, obs *core.ObservationResult, err error) {
	if obs != nil {
		r.indexer.IndexObservation(obs)
	}
	r.collector.RecordCheck(retailer, priority, duration, obs, err)
}
