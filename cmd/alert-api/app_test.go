package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/publicbridge/alertcore/internal/api/reports_api"
	"github.com/publicbridge/alertcore/internal/broker/messages"
	"github.com/publicbridge/alertcore/internal/hub"
	"github.com/publicbridge/alertcore/internal/models"
	"github.com/publicbridge/alertcore/internal/services/ingest"
	"github.com/publicbridge/alertcore/internal/storage/pgreports"
)

type stubIngestor struct{}

func (stubIngestor) Submit(ctx context.Context, in ingest.Submission) (*models.Report, error) {
	return &models.Report{TrackingCode: "PB-20260829-STUB01", Status: models.StatusSubmitted}, nil
}

type stubStore struct{}

func (stubStore) GetReportByTrackingCode(ctx context.Context, code string) (*models.Report, error) {
	return nil, pgreports.ErrNotFound
}

func (stubStore) StatusHistory(ctx context.Context, reportID uint64) ([]*models.StatusEvent, error) {
	return nil, nil
}

func (stubStore) ListAssignments(ctx context.Context, reportID uint64) ([]*models.DispatchAssignment, error) {
	return nil, nil
}

func (stubStore) ArchiveReport(ctx context.Context, reportID uint64) error { return nil }

func (stubStore) ListAgencies(ctx context.Context) ([]*models.Agency, error) { return nil, nil }

func (stubStore) TouchAgency(ctx context.Context, id uint64) error { return nil }

type stubMachine struct{}

func (stubMachine) Transition(ctx context.Context, reportID uint64, to models.Status, actor, note *string) (*models.StatusEvent, error) {
	return nil, nil
}

type countingSweeper struct {
	sweeps atomic.Int64
}

func (s *countingSweeper) Sweep() { s.sweeps.Add(1) }

// feedConsumer plays back canned kafka messages, then blocks until ctx is done.
type feedConsumer struct {
	values [][]byte
}

func (c *feedConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for _, v := range c.values {
		if err := handler(nil, v); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunAlertAPI_ServesAndBridgesKafkaToHub(t *testing.T) {
	h := hub.New(hub.DefaultConfig())
	sub := h.Subscribe(hub.Filter{})
	defer sub.Close()

	ev := messages.ReportEvent{
		Type:         messages.TypeReportCreated,
		TrackingCode: "PB-20260829-KAFKA1",
		OccurredAt:   time.Now().UTC(),
		ReportCreated: &messages.ReportCreated{
			ReportID: 1, Category: models.CategoryFlood, Severity: models.SeverityHigh,
			Latitude: -1.29, Longitude: 36.82, Status: models.StatusSubmitted,
		},
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	api := reports_api.New(stubIngestor{}, stubStore{}, stubMachine{}, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first payload is malformed and must be swallowed, not kill the
	// consumer loop.
	consumer := &feedConsumer{values: [][]byte{[]byte("not json"), b}}

	sw := &countingSweeper{}
	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runAlertAPI(ctx, alertAPIOpts{
			httpAddr:      "127.0.0.1:0",
			topic:         "report.events",
			consumerGroup: "alert-api",
			sweeper:       sw,
			sweepInterval: 10 * time.Millisecond,
			onListen:      func(addr string) { addrCh <- addr },
		}, api, h, consumer)
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(3 * time.Second):
		t.Fatal("api server did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(body))

	gotCtx, gcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer gcancel()
	got, err := sub.Next(gotCtx)
	require.NoError(t, err)
	require.Equal(t, "PB-20260829-KAFKA1", got.TrackingCode)

	require.Eventually(t, func() bool { return sw.sweeps.Load() > 0 },
		2*time.Second, 10*time.Millisecond, "sweep ticker never fired")

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}
