package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/publicbridge/alertcore/internal/api/reports_api"
	"github.com/publicbridge/alertcore/internal/broker/messages"
	"github.com/publicbridge/alertcore/internal/hub"
)

type alertAPIOpts struct {
	httpAddr      string
	topic         string
	consumerGroup string

	sweeper       indexSweeper
	sweepInterval time.Duration

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

// indexSweeper expires stale duplicate-index entries; access-time pruning
// only touches shards that keep receiving reports.
type indexSweeper interface {
	Sweep()
}

func runAlertAPI(ctx context.Context, opts alertAPIOpts, api *reports_api.ReportsAPI, h *hub.Hub, consumer kafkaConsumer) error {
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	go func() {
		if err := h.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("hub stopped", "error", err.Error())
		}
	}()

	if opts.sweeper != nil {
		interval := opts.sweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					opts.sweeper.Sweep()
				}
			}
		}()
	}

	go func() {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		err := consumer.Consume(ctx, func(_key, value []byte) error {
			var ev messages.ReportEvent
			if err := json.Unmarshal(value, &ev); err != nil {
				// Poison messages are logged and committed, not replayed.
				slog.Error("malformed report event", "error", err.Error())
				return nil
			}
			h.Publish(&ev)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("kafka consumer stopped", "error", err.Error())
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	api.Routes(r)

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
