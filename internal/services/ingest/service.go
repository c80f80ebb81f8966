package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/broker/messages"
	"github.com/publicbridge/alertcore/internal/models"
	"github.com/publicbridge/alertcore/internal/services/detector"
	"github.com/publicbridge/alertcore/internal/services/dispatch"
	"github.com/publicbridge/alertcore/internal/storage/pgreports"
)

const (
	maxAttachments     = 5
	maxAttachmentBytes = 10 << 20
	codeRetryAttempts  = 5
)

var allowedMimeTypes = map[string]struct{}{
	"image/jpeg": {}, "image/png": {}, "image/webp": {},
	"video/mp4": {}, "audio/mpeg": {},
}

var (
	// ErrTrackingCollision means every random-suffix retry hit an existing
	// code. This is effectively impossible with a healthy RNG and is
	// treated as fatal by the caller.
	ErrTrackingCollision = errors.New("tracking code collisions exhausted retries")
)

// ValidationError rejects a submission synchronously, before anything is
// persisted.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + e.Field + " " + e.Msg
}

// Submission is the raw citizen input.
type Submission struct {
	Category     models.Category     `json:"category" validate:"required"`
	Severity     models.Severity     `json:"severity" validate:"required"`
	Description  string              `json:"description" validate:"required,min=3,max=4000"`
	Latitude     float64             `json:"latitude" validate:"latitude"`
	Longitude    float64             `json:"longitude" validate:"longitude"`
	Anonymous    bool                `json:"anonymous"`
	SubmitterRef *string             `json:"submitter_ref,omitempty"`
	Attachments  []models.Attachment `json:"attachments,omitempty"`
}

type Store interface {
	CreateReport(ctx context.Context, r *models.Report) error
}

type DuplicateChecker interface {
	Evaluate(ctx context.Context, r *models.Report) (*detector.Decision, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, r *models.Report) (*models.DispatchAssignment, error)
}

// Transitioner parks reports for the rescan worker when the pipeline
// breaks after the row is committed.
type Transitioner interface {
	Transition(ctx context.Context, reportID uint64, to models.Status, actor, note *string) (*models.StatusEvent, error)
}

type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Service validates submissions, allocates tracking codes and drives each
// accepted report through duplicate detection and dispatch. The submitter
// only ever sees validation failures synchronously; downstream outcomes
// surface through the status query and the live feed.
type Service struct {
	store      Store
	detector   DuplicateChecker
	dispatcher Dispatcher
	machine    Transitioner
	geocoder   Geocoder
	producer   Publisher
	topic      string
	codePrefix string
	validate   *validator.Validate
	now        func() time.Time
}

func New(store Store, det DuplicateChecker, disp Dispatcher, machine Transitioner, producer Publisher, topic, codePrefix string) *Service {
	if codePrefix == "" {
		codePrefix = "PB"
	}
	return &Service{
		store:      store,
		detector:   det,
		dispatcher: disp,
		machine:    machine,
		producer:   producer,
		topic:      topic,
		codePrefix: codePrefix,
		validate:   validator.New(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithGeocoder enables best-effort reverse geocoding of submissions.
func (s *Service) WithGeocoder(g Geocoder) *Service {
	s.geocoder = g
	return s
}

// Submit accepts a citizen report. On success the report row and its
// initial audit event exist before any downstream processing begins;
// on validation failure nothing is written.
func (s *Service) Submit(ctx context.Context, in Submission) (*models.Report, error) {
	if err := s.validateSubmission(in); err != nil {
		return nil, err
	}

	r := &models.Report{
		Category:    in.Category,
		Severity:    in.Severity,
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		Description: in.Description,
		Attachments: in.Attachments,
		Anonymous:   in.Anonymous,
		Status:      models.StatusSubmitted,
	}
	if !in.Anonymous {
		r.SubmitterRef = in.SubmitterRef
	}

	if s.geocoder != nil {
		gctx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
		if addr, err := s.geocoder.ReverseGeocode(gctx, in.Latitude, in.Longitude); err == nil {
			r.Address = addr
		}
		cancel()
	}

	if err := s.persistWithFreshCode(ctx, r); err != nil {
		return nil, err
	}

	s.publishCreated(ctx, r)

	dec, err := s.detector.Evaluate(ctx, r)
	if err != nil {
		// The report is durably accepted; correlation failure must not
		// surface to the submitter. Park it so the rescan worker still
		// gets it to an agency.
		slog.Error("duplicate detection failed", "report_id", r.ID, "error", err.Error())
		s.parkUnassigned(ctx, r, "duplicate detection unavailable")
		return r, nil
	}
	if dec.Duplicate {
		r.Status = models.StatusClosedDuplicate
		cid := dec.ClusterID
		r.ClusterID = &cid
		return r, nil
	}
	cid := dec.ClusterID
	r.ClusterID = &cid

	if _, err := s.dispatcher.Dispatch(ctx, r); err != nil {
		if errors.Is(err, dispatch.ErrNoEligibleAgency) {
			r.Status = models.StatusUnassigned
			return r, nil
		}
		slog.Error("dispatch failed", "report_id", r.ID, "error", err.Error())
		s.parkUnassigned(ctx, r, "dispatch error, queued for retry")
		return r, nil
	}
	r.Status = models.StatusDispatched
	return r, nil
}

// parkUnassigned moves a report whose pipeline broke mid-flight into
// unassigned, the only status the rescan worker claims. Without it the
// report would sit in submitted with nothing ever retrying it.
func (s *Service) parkUnassigned(ctx context.Context, r *models.Report, reason string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.machine.Transition(pctx, r.ID, models.StatusUnassigned, nil, &reason); err != nil {
		slog.Error("park report for rescan", "report_id", r.ID, "error", err.Error())
		return
	}
	r.Status = models.StatusUnassigned
}

func (s *Service) validateSubmission(in Submission) error {
	if !in.Category.Valid() {
		return &ValidationError{Field: "category", Msg: "is not a known category"}
	}
	if !in.Severity.Valid() {
		return &ValidationError{Field: "severity", Msg: "is not a known severity"}
	}
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: verrs[0].Field(), Msg: "failed " + verrs[0].Tag() + " validation"}
		}
		return &ValidationError{Field: "submission", Msg: err.Error()}
	}
	if len(in.Attachments) > maxAttachments {
		return &ValidationError{Field: "attachments", Msg: "too many attachments"}
	}
	for _, a := range in.Attachments {
		if a.Ref == "" {
			return &ValidationError{Field: "attachments", Msg: "attachment ref is empty"}
		}
		if _, ok := allowedMimeTypes[a.MimeType]; !ok {
			return &ValidationError{Field: "attachments", Msg: "unsupported attachment type " + a.MimeType}
		}
		if a.SizeBytes <= 0 || a.SizeBytes > maxAttachmentBytes {
			return &ValidationError{Field: "attachments", Msg: "attachment size out of bounds"}
		}
	}
	return nil
}

func (s *Service) persistWithFreshCode(ctx context.Context, r *models.Report) error {
	for attempt := 0; attempt < codeRetryAttempts; attempt++ {
		r.TrackingCode = NewTrackingCode(s.codePrefix, s.now())
		err := s.store.CreateReport(ctx, r)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgreports.ErrTrackingCodeTaken) {
			return errors.Wrap(err, "persist report")
		}
		slog.Warn("tracking code collision", "attempt", attempt+1, "code", r.TrackingCode)
	}
	return ErrTrackingCollision
}

func (s *Service) publishCreated(ctx context.Context, r *models.Report) {
	if s.producer == nil {
		return
	}
	ev := messages.ReportEvent{
		Type:         messages.TypeReportCreated,
		TrackingCode: r.TrackingCode,
		OccurredAt:   r.CreatedAt,
		ReportCreated: &messages.ReportCreated{
			ReportID:  r.ID,
			Category:  r.Category,
			Severity:  r.Severity,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			Status:    r.Status,
		},
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal created event", "error", err.Error())
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.producer.Publish(pubCtx, s.topic, []byte(r.TrackingCode), b); err != nil {
		slog.Error("publish created event", "tracking_code", r.TrackingCode, "error", err.Error())
	}
}
