package main

import (
	"context"
	"fmt"
	"time"

	"github.com/publicbridge/alertcore/config"
	"github.com/publicbridge/alertcore/internal/broker/kafka"
	"github.com/publicbridge/alertcore/internal/services/dispatch"
	"github.com/publicbridge/alertcore/internal/services/lifecycle"
	"github.com/publicbridge/alertcore/internal/services/rescan"
	"github.com/publicbridge/alertcore/internal/storage/pgreports"
)

// workerStorage is the slice of the postgres layer the worker needs:
// claiming due reports, committing assignments and applying transitions.
type workerStorage interface {
	rescan.Repository
	dispatch.Store
	lifecycle.Store
}

type workerFactories struct {
	newStorage  func(cfg *config.Config) (st workerStorage, closeFn func(), err error)
	newProducer func(cfg *config.Config) lifecycle.Publisher
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStorage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			conn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgreports.New(conn)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) lifecycle.Publisher {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
	}
}

func buildRescanner(cfg *config.Config, f workerFactories) (*rescan.Rescanner, func(), error) {
	topic := cfg.Kafka.ReportEventsTopicName
	if topic == "" {
		topic = "report.events"
	}

	pollInterval := time.Duration(cfg.Alert.WorkerPollIntervalSeconds) * time.Second
	batchSize := cfg.Alert.WorkerBatchSize
	concurrency := cfg.Alert.WorkerConcurrency
	lease := time.Duration(cfg.Alert.WorkerLeaseSeconds) * time.Second

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	producer := f.newProducer(cfg)
	machine := lifecycle.New(st, producer, topic)
	engine := dispatch.New(st, machine, producer, topic,
		time.Duration(cfg.Alert.DispatchDecisionTimeoutSeconds)*time.Second)

	w := rescan.New(st, engine).
		WithSettings(pollInterval, batchSize, concurrency, lease)
	return w, closeFn, nil
}

func runAlertWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	w, closeFn, err := buildRescanner(cfg, f)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:  cfg.Alert.WorkerHTTPAddr,
			rescanner: w,
			cfg:       cfg,
		})
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-runErr:
		return err
	case err := <-httpErr:
		return err
	}
}
