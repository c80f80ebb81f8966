package reports_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/hub"
	"github.com/publicbridge/alertcore/internal/models"
	"github.com/publicbridge/alertcore/internal/services/ingest"
	"github.com/publicbridge/alertcore/internal/services/lifecycle"
	"github.com/publicbridge/alertcore/internal/storage/pgreports"
)

type Ingestor interface {
	Submit(ctx context.Context, in ingest.Submission) (*models.Report, error)
}

type Store interface {
	GetReportByTrackingCode(ctx context.Context, code string) (*models.Report, error)
	StatusHistory(ctx context.Context, reportID uint64) ([]*models.StatusEvent, error)
	ListAssignments(ctx context.Context, reportID uint64) ([]*models.DispatchAssignment, error)
	ArchiveReport(ctx context.Context, reportID uint64) error
	ListAgencies(ctx context.Context) ([]*models.Agency, error)
	TouchAgency(ctx context.Context, id uint64) error
}

type Transitioner interface {
	Transition(ctx context.Context, reportID uint64, to models.Status, actor, note *string) (*models.StatusEvent, error)
}

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// ReportsAPI is the public JSON surface: submission, status lookup by
// tracking code, agency listing and the SSE live feed.
type ReportsAPI struct {
	ingestor Ingestor
	store    Store
	machine  Transitioner
	hub      *hub.Hub
	cache    Cache
	limiter  RateLimiter

	statusTTL    time.Duration
	submitPerMin int64
	sseHeartbeat time.Duration
}

func New(ingestor Ingestor, store Store, machine Transitioner, h *hub.Hub) *ReportsAPI {
	return &ReportsAPI{
		ingestor:     ingestor,
		store:        store,
		machine:      machine,
		hub:          h,
		statusTTL:    30 * time.Second,
		submitPerMin: 10,
		sseHeartbeat: 15 * time.Second,
	}
}

// WithCache enables redis-backed status response caching.
func (a *ReportsAPI) WithCache(c Cache, ttl time.Duration) *ReportsAPI {
	a.cache = c
	if ttl > 0 {
		a.statusTTL = ttl
	}
	return a
}

// WithRateLimiter enables per-IP submission throttling.
func (a *ReportsAPI) WithRateLimiter(rl RateLimiter, perMinute int64) *ReportsAPI {
	a.limiter = rl
	if perMinute > 0 {
		a.submitPerMin = perMinute
	}
	return a
}

func (a *ReportsAPI) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/reports", a.submitReport)
		r.Get("/reports/{trackingCode}", a.getReport)
		r.Post("/reports/{trackingCode}/status", a.changeStatus)
		r.Post("/reports/{trackingCode}/archive", a.archiveReport)
		r.Get("/agencies", a.listAgencies)
		r.Post("/agencies/{agencyID}/heartbeat", a.agencyHeartbeat)
		r.Get("/live", a.liveFeed)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

type reportResponse struct {
	TrackingCode string             `json:"tracking_code"`
	Category     models.Category    `json:"category"`
	Severity     models.Severity    `json:"severity"`
	Latitude     float64            `json:"latitude"`
	Longitude    float64            `json:"longitude"`
	Description  string             `json:"description"`
	Address      string             `json:"address,omitempty"`
	Status       models.Status      `json:"status"`
	ClusterID    string             `json:"cluster_id,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	History      []statusEventEntry `json:"history,omitempty"`
	Assignments  []assignmentEntry  `json:"assignments,omitempty"`
}

type assignmentEntry struct {
	AgencyID   uint64    `json:"agency_id"`
	DistanceKM float64   `json:"distance_km"`
	Reason     string    `json:"reason,omitempty"`
	Active     bool      `json:"active"`
	AssignedAt time.Time `json:"assigned_at"`
}

type statusEventEntry struct {
	PrevStatus models.Status `json:"prev_status,omitempty"`
	NewStatus  models.Status `json:"new_status"`
	Actor      string        `json:"actor,omitempty"`
	Note       string        `json:"note,omitempty"`
	At         time.Time     `json:"at"`
}

func toReportResponse(r *models.Report, history []*models.StatusEvent, assignments []*models.DispatchAssignment) reportResponse {
	resp := reportResponse{
		TrackingCode: r.TrackingCode,
		Category:     r.Category,
		Severity:     r.Severity,
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		Description:  r.Description,
		Address:      r.Address,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.ClusterID != nil {
		resp.ClusterID = r.ClusterID.String()
	}
	for _, e := range history {
		entry := statusEventEntry{
			PrevStatus: e.PrevStatus,
			NewStatus:  e.NewStatus,
			At:         e.CreatedAt,
		}
		if e.ActorRef != nil {
			entry.Actor = *e.ActorRef
		}
		if e.Note != nil {
			entry.Note = *e.Note
		}
		resp.History = append(resp.History, entry)
	}
	for _, asg := range assignments {
		resp.Assignments = append(resp.Assignments, assignmentEntry{
			AgencyID:   asg.AgencyID,
			DistanceKM: asg.DistanceKM,
			Reason:     asg.Reason,
			Active:     asg.Active,
			AssignedAt: asg.AssignedAt,
		})
	}
	return resp
}

func (a *ReportsAPI) submitReport(w http.ResponseWriter, r *http.Request) {
	if a.limiter != nil {
		key := "submit:" + clientIP(r)
		allowed, _, err := a.limiter.Allow(r.Context(), key, a.submitPerMin, time.Minute)
		if err != nil {
			// Rate limiting is advisory; a redis outage must not block intake.
			slog.Warn("rate limiter unavailable", "error", err.Error())
		} else if !allowed {
			writeError(w, http.StatusTooManyRequests, "too many submissions, slow down")
			return
		}
	}

	var in ingest.Submission
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	rep, err := a.ingestor.Submit(r.Context(), in)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		slog.Error("submit report", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not accept report")
		return
	}

	writeJSON(w, http.StatusAccepted, toReportResponse(rep, nil, nil))
}

func (a *ReportsAPI) getReport(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "trackingCode")

	cacheKey := "status:" + code
	if a.cache != nil {
		if b, ok, err := a.cache.Get(r.Context(), cacheKey); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(b)
			return
		}
	}

	rep, err := a.store.GetReportByTrackingCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, pgreports.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown tracking code")
			return
		}
		slog.Error("get report", "tracking_code", code, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	history, err := a.store.StatusHistory(r.Context(), rep.ID)
	if err != nil {
		slog.Error("status history", "tracking_code", code, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	assignments, err := a.store.ListAssignments(r.Context(), rep.ID)
	if err != nil {
		slog.Error("list assignments", "tracking_code", code, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	resp := toReportResponse(rep, history, assignments)
	if a.cache != nil {
		if b, err := json.Marshal(resp); err == nil {
			_ = a.cache.Set(r.Context(), cacheKey, b, a.statusTTL)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type changeStatusRequest struct {
	Status models.Status `json:"status"`
	Actor  string        `json:"actor,omitempty"`
	Note   string        `json:"note,omitempty"`
}

func (a *ReportsAPI) changeStatus(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "trackingCode")

	var req changeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(req.Status))
		return
	}

	rep, err := a.store.GetReportByTrackingCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, pgreports.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown tracking code")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	var actor, note *string
	if req.Actor != "" {
		actor = &req.Actor
	}
	if req.Note != "" {
		note = &req.Note
	}

	ev, err := a.machine.Transition(r.Context(), rep.ID, req.Status, actor, note)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "transition not allowed from "+string(rep.Status))
		case errors.Is(err, lifecycle.ErrNoteRequired):
			writeError(w, http.StatusBadRequest, "resolution requires a note")
		case errors.Is(err, pgreports.ErrStaleStatus):
			writeError(w, http.StatusConflict, "report status changed concurrently, retry")
		default:
			slog.Error("change status", "tracking_code", code, "error", err.Error())
			writeError(w, http.StatusInternalServerError, "transition failed")
		}
		return
	}

	if a.cache != nil {
		_ = a.cache.Del(r.Context(), "status:"+code)
	}

	writeJSON(w, http.StatusOK, statusEventEntry{
		PrevStatus: ev.PrevStatus,
		NewStatus:  ev.NewStatus,
		Actor:      req.Actor,
		Note:       req.Note,
		At:         ev.CreatedAt,
	})
}

// archiveReport flags a closed report so list views can hide it. The row
// and its audit trail stay forever.
func (a *ReportsAPI) archiveReport(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "trackingCode")

	rep, err := a.store.GetReportByTrackingCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, pgreports.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown tracking code")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !rep.Status.Terminal() {
		writeError(w, http.StatusConflict, "only closed reports can be archived")
		return
	}

	if err := a.store.ArchiveReport(r.Context(), rep.ID); err != nil {
		slog.Error("archive report", "tracking_code", code, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "archive failed")
		return
	}
	if a.cache != nil {
		_ = a.cache.Del(r.Context(), "status:"+code)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archived": true})
}

// agencyHeartbeat marks the agency alive and active; responder consoles
// call it on an interval.
func (a *ReportsAPI) agencyHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "agencyID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed agency id")
		return
	}

	if err := a.store.TouchAgency(r.Context(), id); err != nil {
		if errors.Is(err, pgreports.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown agency")
			return
		}
		slog.Error("agency heartbeat", "agency_id", id, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type agencyEntry struct {
	ID           uint64            `json:"id"`
	Name         string            `json:"name"`
	Capabilities []models.Category `json:"capabilities"`
	Latitude     float64           `json:"latitude"`
	Longitude    float64           `json:"longitude"`
	ContactEmail string            `json:"contact_email,omitempty"`
	PhoneNumber  string            `json:"phone_number,omitempty"`
	Active       bool              `json:"active"`
	Load         int32             `json:"load"`
}

func (a *ReportsAPI) listAgencies(w http.ResponseWriter, r *http.Request) {
	agencies, err := a.store.ListAgencies(r.Context())
	if err != nil {
		slog.Error("list agencies", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	out := make([]agencyEntry, 0, len(agencies))
	for _, ag := range agencies {
		out = append(out, agencyEntry{
			ID:           ag.ID,
			Name:         ag.Name,
			Capabilities: ag.Capabilities,
			Latitude:     ag.Latitude,
			Longitude:    ag.Longitude,
			ContactEmail: ag.ContactEmail,
			PhoneNumber:  ag.PhoneNumber,
			Active:       ag.Active,
			Load:         ag.Load,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
