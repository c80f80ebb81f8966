package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/publicbridge/alertcore/config"
	"github.com/publicbridge/alertcore/internal/api/reports_api"
	"github.com/publicbridge/alertcore/internal/broker/kafka"
	"github.com/publicbridge/alertcore/internal/cache/rediscache"
	"github.com/publicbridge/alertcore/internal/hub"
	"github.com/publicbridge/alertcore/internal/integrations/geocoder"
	geocoderfake "github.com/publicbridge/alertcore/internal/integrations/geocoder/fake"
	"github.com/publicbridge/alertcore/internal/integrations/geocoder/nominatimhttp"
	"github.com/publicbridge/alertcore/internal/models"
	"github.com/publicbridge/alertcore/internal/services/detector"
	"github.com/publicbridge/alertcore/internal/services/dispatch"
	"github.com/publicbridge/alertcore/internal/services/ingest"
	"github.com/publicbridge/alertcore/internal/services/lifecycle"
	"github.com/publicbridge/alertcore/internal/storage/pgreports"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("config parse failed: %v", err))
	}

	httpAddr := cfg.Alert.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.Alert.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "alert-api"
	}
	topic := cfg.Kafka.ReportEventsTopicName
	if topic == "" {
		topic = "report.events"
	}
	cacheTTL := time.Duration(cfg.Alert.StatusCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	st := mustOpenPostgresWithRetry(connString(cfg), 60*time.Second)
	defer st.Close()

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)
	defer func() { _ = consumer.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	machine := lifecycle.New(st, producer, topic)

	det := detector.New(detector.Config{
		RadiusMeters:    cfg.Alert.DetectorRadiusMeters,
		Window:          time.Duration(cfg.Alert.DetectorWindowSeconds) * time.Second,
		ScoreThreshold:  cfg.Alert.DetectorScoreThreshold,
		DecisionTimeout: time.Duration(cfg.Alert.DetectorDecisionTimeoutSeconds) * time.Second,
	}, st, machine)
	if err := det.WarmUp(ctx); err != nil {
		panic(fmt.Sprintf("duplicate index warm-up failed: %v", err))
	}

	engine := dispatch.New(st, machine, producer, topic,
		time.Duration(cfg.Alert.DispatchDecisionTimeoutSeconds)*time.Second)

	var gc geocoder.Client
	if cfg.Alert.GeocoderBaseURL != "" {
		gc = nominatimhttp.New(cfg.Alert.GeocoderBaseURL, "alertcore/1.0")
	} else {
		gc = geocoderfake.New()
	}

	svc := ingest.New(st, det, engine, machine, producer, topic, cfg.Alert.TrackingCodePrefix).
		WithGeocoder(gc)

	h := hub.New(hub.Config{
		QueueSize:        cfg.Alert.HubQueueSize,
		HeartbeatTimeout: time.Duration(cfg.Alert.HubHeartbeatTimeoutSeconds) * time.Second,
	}).WithPositionLookup(func(code string) (float64, float64, models.Category, bool) {
		// After a restart the position index is cold; filtered subscribers
		// still need follow-up events for reports created before it.
		lctx, lcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer lcancel()
		r, err := st.GetReportByTrackingCode(lctx, code)
		if err != nil {
			return 0, 0, "", false
		}
		return r.Latitude, r.Longitude, r.Category, true
	})

	api := reports_api.New(svc, st, machine, h).
		WithCache(rc, cacheTTL).
		WithRateLimiter(rl, int64(cfg.Alert.SubmitRateLimitPerMinute))

	if err := runAlertAPI(ctx, alertAPIOpts{
		httpAddr:      httpAddr,
		topic:         topic,
		consumerGroup: consumerGroup,
		sweeper:       det,
	}, api, h, consumer); err != nil && err != context.Canceled {
		panic(err)
	}
}

func connString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func mustOpenPostgresWithRetry(conn string, wait time.Duration) *pgreports.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgreports.New(conn)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}
