package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	kafka "github.com/segmentio/kafka-go"

	"priceguard/internal/config"
	"priceguard/internal/core"
	"priceguard/internal/logger"
	"priceguard/internal/message"
	"priceguard/internal/notify"
	"priceguard/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

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
	if cfg.ResendAPIKey == "" {
		log.Fatal("RESEND_API_KEY is required")
	}
	if cfg.ResendFromEmail == "" {
		log.Fatal("RESEND_FROM_EMAIL is required")
	}

	db, err := store.OpenMySQL(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("Failed to connect to MySQL: %v", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	throttle := store.NewRedisThrottle(redisClient, cfg.HourlySendLimit)
	for name, limit := range cfg.ChannelSendLimits {
		throttle.SetChannelLimit(core.Channel(name), limit)
	}

	clock := core.RealClock{}

	adapters := []notify.Adapter{
		notify.NewEmailAdapter(cfg.ResendAPIKey, cfg.ResendFromEmail),
		notify.NewInAppAdapter(db, clock),
	}
	if cfg.PushGatewayURL != "" {
		adapters = append(adapters, notify.NewPushAdapter(cfg.PushGatewayURL, cfg.PushGatewayKey))
		log.Println("📨 Push notifications enabled")
	} else {
		log.Println("ℹ️  PUSH_GATEWAY_URL not set — push notifications disabled")
	}

	pipeline := notify.NewPipeline(db, throttle, clock, adapters...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Block until the Kafka group coordinator is truly ready.
	// kafka.NewReader with a GroupID spawns a background goroutine that immediately
	// calls JoinGroup. Creating readers before the coordinator is ready floods the
	// logs with "Group Coordinator Not Available" errors from that goroutine.
	waitForGroupCoordinator(ctx, cfg.KafkaBrokers)

	// For any consumer group with no committed offset, start from the earliest
	// available message. Groups with a committed offset are left untouched, so
	// normal restarts never double-send.
	initConsumerGroupOffsets(ctx, cfg.KafkaBrokers, []consumerSpec{
		{"notification-service-alerts", message.TopicAlerts},
		{"notification-service-engagement", message.TopicEngagement},
	})

	go consumeAlerts(ctx, cfg.KafkaBrokers, pipeline)
	go consumeEngagement(ctx, cfg.KafkaBrokers, pipeline)
	go sweepLoop(ctx, pipeline)

	log.Printf("🔔 Notification service started. Listening on brokers: %v", cfg.KafkaBrokers)
	log.Println("Press Ctrl+C to stop...")

	<-sigChan
	log.Println("🛑 Shutting down notification service...")
	cancel()
	time.Sleep(1 * time.Second)
	log.Println("✅ Shutdown complete")
}

// consumeAlerts reads from alerts.triggered and routes alerts into the
// delivery pipeline.
func consumeAlerts(ctx context.Context, brokers []string, pipeline *notify.Pipeline) {
	consumeWithBackoff(ctx, brokers, message.TopicAlerts, "notification-service-alerts",
		func(ctx context.Context, r *kafka.Reader) error {
			msg, err := r.FetchMessage(ctx)
			if err != nil {
				return err
			}
			var event message.AlertEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				log.Printf("⚠️  [%s] unmarshal error: %v", message.TopicAlerts, err)
				_ = r.CommitMessages(ctx, msg)
				return nil
			}
			alert, err := event.ToAlert()
			if err != nil {
				log.Printf("⚠️  [%s] invalid alert event: %v", message.TopicAlerts, err)
				_ = r.CommitMessages(ctx, msg)
				return nil
			}
			if err := pipeline.Schedule(ctx, alert); err != nil {
				log.Printf("❌ [%s] failed to schedule alert %s: %v", message.TopicAlerts, alert.ID, err)
			} else {
				log.Printf("✅ [%s] routed alert %s for user %s", message.TopicAlerts, alert.ID, alert.UserID)
			}
			_ = r.CommitMessages(ctx, msg)
			return nil
		},
	)
}

// consumeEngagement reads from engagement.events and updates delivery status
// and per-user engagement aggregates.
func consumeEngagement(ctx context.Context, brokers []string, pipeline *notify.Pipeline) {
	consumeWithBackoff(ctx, brokers, message.TopicEngagement, "notification-service-engagement",
		func(ctx context.Context, r *kafka.Reader) error {
			msg, err := r.FetchMessage(ctx)
			if err != nil {
				return err
			}
			var event message.EngagementEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				log.Printf("⚠️  [%s] unmarshal error: %v", message.TopicEngagement, err)
				_ = r.CommitMessages(ctx, msg)
				return nil
			}
			ev := event.ToEngagement()
			if err := pipeline.RecordEngagement(ctx, ev); err != nil {
				log.Printf("❌ [%s] failed to record engagement for delivery %s: %v", message.TopicEngagement, ev.DeliveryID, err)
				_ = r.CommitMessages(ctx, msg)
				return nil
			}
			if _, err := pipeline.UpdateUserMetrics(ctx, ev.UserID); err != nil {
				log.Printf("⚠️  [%s] metrics update failed for user %s: %v", message.TopicEngagement, ev.UserID, err)
			}
			_ = r.CommitMessages(ctx, msg)
			return nil
		},
	)
}

// sweepLoop periodically processes due digest batches and retries failed
// deliveries.
func sweepLoop(ctx context.Context, pipeline *notify.Pipeline) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := pipeline.SweepPendingBatches(ctx, 100); err != nil {
				log.Printf("❌ Batch sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("📦 Processed %d due notification batches", n)
			}
			if n, err := pipeline.RetryDeliveries(ctx, 100); err != nil {
				log.Printf("❌ Delivery retry sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("🔄 Retried %d failed deliveries", n)
			}
		}
	}
}

// consumeWithBackoff runs the consume loop for a topic/group, recreating the reader with
// exponential backoff whenever FetchMessage returns a persistent error. This handles transient
// broker errors (e.g. "Group Coordinator Not Available") without spinning the CPU.
func consumeWithBackoff(
	ctx context.Context,
	brokers []string,
	topic, groupID string,
	handle func(context.Context, *kafka.Reader) error,
) {
	log.Printf("🔄 [%s] consumer goroutine started, waiting for messages...", topic)

	const (
		backoffMin = 2 * time.Second
		backoffMax = 60 * time.Second
	)
	backoff := backoffMin

	for {
		if ctx.Err() != nil {
			return
		}

		r := newReader(brokers, topic, groupID)
		for {
			if err := handle(ctx, r); err != nil {
				if ctx.Err() != nil {
					r.Close()
					return
				}
				log.Printf("⚠️  [%s] read error (retrying in %v): %v", topic, backoff, err)
				r.Close()
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				// Exponential backoff, capped at backoffMax
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				break // recreate the reader
			}
			backoff = backoffMin // reset on successful message
		}
	}
}

type consumerSpec struct {
	groupID string
	topic   string
}

// initConsumerGroupOffsets ensures every consumer group starts from the earliest
// available message when no committed offset exists. On normal restarts the group
// already has a committed offset, so this function is a no-op and duplicate
// notifications are never sent.
func initConsumerGroupOffsets(ctx context.Context, brokers []string, specs []consumerSpec) {
	if len(brokers) == 0 {
		return
	}
	client := &kafka.Client{
		Addr:    kafka.TCP(brokers[0]),
		Timeout: 10 * time.Second,
	}
	for _, spec := range specs {
		// Check whether the group already has a committed offset for partition 0.
		fetchResp, err := client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
			GroupID: spec.groupID,
			Topics:  map[string][]int{spec.topic: {0}},
		})
		if err != nil {
			log.Printf("⚠️  [%s] offset check failed: %v", spec.groupID, err)
			continue
		}
		partitions := fetchResp.Topics[spec.topic]
		if len(partitions) == 0 {
			continue
		}
		p := partitions[0]
		if p.Error != nil || p.CommittedOffset >= 0 {
			// Already has a valid committed offset — leave it alone.
			if p.CommittedOffset >= 0 {
				log.Printf("📌 [%s/%s] committed offset=%d, resuming from there", spec.groupID, spec.topic, p.CommittedOffset)
			}
			continue
		}

		// No committed offset: dial the partition leader and read the earliest offset.
		conn, err := kafka.DialLeader(ctx, "tcp", brokers[0], spec.topic, 0)
		if err != nil {
			log.Printf("⚠️  [%s] dial leader error: %v", spec.groupID, err)
			continue
		}
		first, _, err := conn.ReadOffsets()
		conn.Close()
		if err != nil {
			log.Printf("⚠️  [%s] read offsets error: %v", spec.groupID, err)
			continue
		}

		// Commit the earliest offset so kafka-go starts consuming from there.
		if _, err = client.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
			GroupID:      spec.groupID,
			GenerationID: -1, // -1 = standalone commit outside an active group session
			Topics: map[string][]kafka.OffsetCommit{
				spec.topic: {{Partition: 0, Offset: first}},
			},
		}); err != nil {
			log.Printf("⚠️  [%s] offset init failed: %v", spec.groupID, err)
			continue
		}
		log.Printf("📌 [%s/%s] no prior offset found, initialized to %d (earliest)", spec.groupID, spec.topic, first)
	}
}

// waitForGroupCoordinator polls the Kafka group coordinator API with exponential backoff
// until it responds successfully. Using kafka.Client.FindCoordinator directly avoids
// creating a full Reader (which would itself trigger the noisy background join goroutine).
func waitForGroupCoordinator(ctx context.Context, brokers []string) {
	if len(brokers) == 0 || ctx.Err() != nil {
		return
	}
	client := &kafka.Client{
		Addr:    kafka.TCP(brokers[0]),
		Timeout: 5 * time.Second,
	}
	backoff := 1 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		resp, err := client.FindCoordinator(ctx, &kafka.FindCoordinatorRequest{
			Addr:    kafka.TCP(brokers[0]),
			Key:     "__notification_healthcheck__",
			KeyType: kafka.CoordinatorKeyTypeConsumer,
		})
		if err == nil && resp.Error == nil {
			log.Printf("✅ Kafka group coordinator is ready")
			return
		}
		reason := "unknown"
		if err != nil {
			reason = err.Error()
		} else if resp.Error != nil {
			reason = resp.Error.Error()
		}
		log.Printf("⏳ Waiting for Kafka group coordinator (%s), retrying in %v...", reason, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func newReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       1e6,
		StartOffset:    kafka.FirstOffset,
		SessionTimeout: 30 * time.Second,
		MaxWait:        10 * time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Printf("[kafka-go][%s] ERROR: "+msg, append([]interface{}{topic}, args...)...)
		}),
	})
}
