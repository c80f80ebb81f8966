package reports_api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/publicbridge/alertcore/internal/broker/messages"
	"github.com/publicbridge/alertcore/internal/hub"
	"github.com/publicbridge/alertcore/internal/models"
	"github.com/publicbridge/alertcore/internal/services/ingest"
	"github.com/publicbridge/alertcore/internal/services/lifecycle"
	"github.com/publicbridge/alertcore/internal/storage/pgreports"
)

type fakeIngestor struct {
	report *models.Report
	err    error
}

func (f *fakeIngestor) Submit(ctx context.Context, in ingest.Submission) (*models.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

type fakeStore struct {
	reports     map[string]*models.Report
	history     []*models.StatusEvent
	assignments []*models.DispatchAssignment
	agencies    []*models.Agency
	archived    []uint64
	touched     []uint64
}

func (f *fakeStore) GetReportByTrackingCode(ctx context.Context, code string) (*models.Report, error) {
	r, ok := f.reports[code]
	if !ok {
		return nil, pgreports.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) StatusHistory(ctx context.Context, reportID uint64) ([]*models.StatusEvent, error) {
	return f.history, nil
}

func (f *fakeStore) ListAssignments(ctx context.Context, reportID uint64) ([]*models.DispatchAssignment, error) {
	return f.assignments, nil
}

func (f *fakeStore) ArchiveReport(ctx context.Context, reportID uint64) error {
	f.archived = append(f.archived, reportID)
	return nil
}

func (f *fakeStore) ListAgencies(ctx context.Context) ([]*models.Agency, error) {
	return f.agencies, nil
}

func (f *fakeStore) TouchAgency(ctx context.Context, id uint64) error {
	for _, a := range f.agencies {
		if a.ID == id {
			f.touched = append(f.touched, id)
			return nil
		}
	}
	return pgreports.ErrNotFound
}

type fakeMachine struct {
	ev  *models.StatusEvent
	err error
}

func (f *fakeMachine) Transition(ctx context.Context, reportID uint64, to models.Status, actor, note *string) (*models.StatusEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ev, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

type fakeLimiter struct {
	allowed bool
	keys    []string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	f.keys = append(f.keys, key)
	return f.allowed, 1, nil
}

func sampleReport() *models.Report {
	return &models.Report{
		ID: 1, TrackingCode: "PB-20260829-AB12CD",
		Category: models.CategoryFire, Severity: models.SeverityHigh,
		Latitude: -1.2833, Longitude: 36.8167,
		Description: "warehouse fire near the depot",
		Status:      models.StatusDispatched,
		CreatedAt:   time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
}

func newServer(api *ReportsAPI) *httptest.Server {
	r := chi.NewRouter()
	api.Routes(r)
	return httptest.NewServer(r)
}

func TestSubmitReport_Accepted(t *testing.T) {
	api := New(&fakeIngestor{report: sampleReport()}, &fakeStore{}, &fakeMachine{}, hub.New(hub.DefaultConfig()))
	srv := newServer(api)
	defer srv.Close()

	body := `{"category":"fire","severity":"high","description":"warehouse fire","latitude":-1.2833,"longitude":36.8167}`
	resp, err := http.Post(srv.URL+"/api/v1/reports", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out reportResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "PB-20260829-AB12CD", out.TrackingCode)
	require.Equal(t, models.StatusDispatched, out.Status)
}

func TestSubmitReport_ValidationIs400(t *testing.T) {
	ing := &fakeIngestor{err: &ingest.ValidationError{Field: "category", Msg: "is not a known category"}}
	api := New(ing, &fakeStore{}, &fakeMachine{}, hub.New(hub.DefaultConfig()))
	srv := newServer(api)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/reports", "application/json", strings.NewReader(`{"category":"volcano"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitReport_RateLimited(t *testing.T) {
	rl := &fakeLimiter{allowed: false}
	api := New(&fakeIngestor{report: sampleReport()}, &fakeStore{}, &fakeMachine{}, hub.New(hub.DefaultConfig())).
		WithRateLimiter(rl, 10)
	srv := newServer(api)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/reports", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Len(t, rl.keys, 1)
	require.True(t, strings.HasPrefix(rl.keys[0], "submit:"))
}

func TestGetReport_FoundAndCached(t *testing.T) {
	rep := sampleReport()
	cache := newMemCache()
	st := &fakeStore{
		reports: map[string]*models.Report{rep.TrackingCode: rep},
		history: []*models.StatusEvent{
			{ReportID: 1, NewStatus: models.StatusSubmitted, CreatedAt: rep.CreatedAt},
			{ReportID: 1, PrevStatus: models.StatusSubmitted, NewStatus: models.StatusDispatched, CreatedAt: rep.UpdatedAt},
		},
		assignments: []*models.DispatchAssignment{
			{ReportID: 1, AgencyID: 3, DistanceKM: 1.2, Active: true, AssignedAt: rep.UpdatedAt},
		},
	}
	api := New(&fakeIngestor{}, st, &fakeMachine{}, hub.New(hub.DefaultConfig())).
		WithCache(cache, 30*time.Second)
	srv := newServer(api)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/reports/" + rep.TrackingCode)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out reportResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.History, 2)
	require.Equal(t, models.StatusSubmitted, out.History[0].NewStatus)
	require.Len(t, out.Assignments, 1)
	require.Equal(t, uint64(3), out.Assignments[0].AgencyID)
	require.True(t, out.Assignments[0].Active)

	// Second read is served from cache even if the store forgets the report.
	st.reports = nil
	resp2, err := http.Get(srv.URL + "/api/v1/reports/" + rep.TrackingCode)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestGetReport_Unknown404(t *testing.T) {
	api := New(&fakeIngestor{}, &fakeStore{}, &fakeMachine{}, hub.New(hub.DefaultConfig()))
	srv := newServer(api)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/reports/PB-20260829-NOPE01")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChangeStatus_OKInvalidatesCache(t *testing.T) {
	rep := sampleReport()
	cache := newMemCache()
	cache.data["status:"+rep.TrackingCode] = []byte(`{}`)

	m := &fakeMachine{ev: &models.StatusEvent{
		ReportID: rep.ID, PrevStatus: models.StatusDispatched,
		NewStatus: models.StatusInProgress, CreatedAt: time.Now().UTC(),
	}}
	api := New(&fakeIngestor{}, &fakeStore{reports: map[string]*models.Report{rep.TrackingCode: rep}}, m, hub.New(hub.DefaultConfig())).
		WithCache(cache, 30*time.Second)
	srv := newServer(api)
	defer srv.Close()

	body := `{"status":"in_progress","actor":"agency:1"}`
	resp, err := http.Post(srv.URL+"/api/v1/reports/"+rep.TrackingCode+"/status", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok, _ := cache.Get(context.Background(), "status:"+rep.TrackingCode)
	require.False(t, ok)
}

func TestChangeStatus_InvalidTransitionIs409(t *testing.T) {
	rep := sampleReport()
	m := &fakeMachine{err: lifecycle.ErrInvalidTransition}
	api := New(&fakeIngestor{}, &fakeStore{reports: map[string]*models.Report{rep.TrackingCode: rep}}, m, hub.New(hub.DefaultConfig()))
	srv := newServer(api)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/reports/"+rep.TrackingCode+"/status", "application/json", strings.NewReader(`{"status":"resolved"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestChangeStatus_UnknownStatusIs400(t *testing.T) {
	api := New(&fakeIngestor{}, &fakeStore{}, &fakeMachine{}, hub.New(hub.DefaultConfig()))
	srv := newServer(api)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/reports/PB-1/status", "application/json", strings.NewReader(`{"status":"finished"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAgencies(t *testing.T) {
	st := &fakeStore{agencies: []*models.Agency{{
		ID: 1, Name: "Nairobi Fire Brigade",
		Capabilities: []models.Category{models.CategoryFire},
		Latitude:     -1.2864, Longitude: 36.8172, Active: true,
	}}}
	api := New(&fakeIngestor{}, st, &fakeMachine{}, hub.New(hub.DefaultConfig()))
	srv := newServer(api)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/agencies")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []agencyEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	require.Equal(t, "Nairobi Fire Brigade", out[0].Name)
}

func TestArchiveReport_TerminalOnly(t *testing.T) {
	resolved := sampleReport()
	resolved.Status = models.StatusResolved
	open := sampleReport()
	open.ID = 2
	open.TrackingCode = "PB-20260829-OPEN01"

	cache := newMemCache()
	cache.data["status:"+resolved.TrackingCode] = []byte(`{}`)
	st := &fakeStore{reports: map[string]*models.Report{
		resolved.TrackingCode: resolved,
		open.TrackingCode:     open,
	}}
	api := New(&fakeIngestor{}, st, &fakeMachine{}, hub.New(hub.DefaultConfig())).
		WithCache(cache, 30*time.Second)
	srv := newServer(api)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/reports/"+resolved.TrackingCode+"/archive", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []uint64{resolved.ID}, st.archived)

	// The cached status snapshot is dropped with the archive flag flip.
	_, ok, _ := cache.Get(context.Background(), "status:"+resolved.TrackingCode)
	require.False(t, ok)

	// A dispatched report is still live and cannot be archived.
	resp, err = http.Post(srv.URL+"/api/v1/reports/"+open.TrackingCode+"/archive", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Len(t, st.archived, 1)
}

func TestAgencyHeartbeat(t *testing.T) {
	st := &fakeStore{agencies: []*models.Agency{{ID: 7, Name: "Nairobi Fire Brigade"}}}
	api := New(&fakeIngestor{}, st, &fakeMachine{}, hub.New(hub.DefaultConfig()))
	srv := newServer(api)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/agencies/7/heartbeat", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []uint64{7}, st.touched)

	resp, err = http.Post(srv.URL+"/api/v1/agencies/99/heartbeat", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/agencies/nope/heartbeat", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter("-1.40,36.60,-1.10,37.00", "fire,flood")
	require.NoError(t, err)
	require.NotNil(t, f.BBox)
	require.Equal(t, []models.Category{models.CategoryFire, models.CategoryFlood}, f.Categories)

	_, err = parseFilter("1,2,3", "")
	require.Error(t, err)
	_, err = parseFilter("", "volcano")
	require.Error(t, err)
}

func TestLiveFeed_StreamsMatchingEvents(t *testing.T) {
	h := hub.New(hub.DefaultConfig())
	api := New(&fakeIngestor{}, &fakeStore{}, &fakeMachine{}, h)
	srv := newServer(api)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/live?categories=fire", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscriber registers before the connected comment is written,
	// so after reading it the publish below cannot be lost.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, ": connected"))

	h.Publish(&messages.ReportEvent{
		Type:         messages.TypeReportCreated,
		TrackingCode: "PB-LIVE-1",
		OccurredAt:   time.Now().UTC(),
		ReportCreated: &messages.ReportCreated{
			ReportID: 9, Category: models.CategoryFire, Severity: models.SeverityHigh,
			Latitude: -1.28, Longitude: 36.81, Status: models.StatusSubmitted,
		},
	})

	var buf bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		buf.WriteString(line)
		if strings.Contains(buf.String(), "data: ") && line == "\n" {
			break
		}
	}
	require.Contains(t, buf.String(), "event: ReportCreated")
	require.Contains(t, buf.String(), "PB-LIVE-1")
}
