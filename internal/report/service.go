package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/endharassment/surveillance-reports/internal/geo"
	"github.com/endharassment/surveillance-reports/internal/jurisdiction"
	"github.com/endharassment/surveillance-reports/internal/model"
	"github.com/endharassment/surveillance-reports/internal/store"
	"github.com/google/uuid"
)

// AuthorityResolver maps a postal code to the responsible authority.
type AuthorityResolver interface {
	Resolve(ctx context.Context, postalCode string) (*model.AuthorityRecord, error)
}

// LocationNormalizer enriches coordinates with an address.
type LocationNormalizer interface {
	Normalize(ctx context.Context, lat, lng float64) *geo.Location
}

// ProximityDetector finds existing reports near a point.
type ProximityDetector interface {
	FindNearby(ctx context.Context, lat, lng float64, radiusMeters int, excludeID string) ([]geo.Nearby, error)
}

// Config holds report service settings.
type Config struct {
	EvidenceDir string
	CasePrefix  string
	Mail        MailConfig
	// SendTimeout bounds a single mail dispatch.
	SendTimeout time.Duration
	// ClaimTTL is how long an unsent submission claim blocks edits and
	// other submits before it counts as abandoned.
	ClaimTTL time.Duration
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store      store.Store
	Resolver   AuthorityResolver
	Normalizer LocationNormalizer
	Detector   ProximityDetector
	Sender     SendGridSender
	Logger     *slog.Logger
	Metrics    *Metrics
}

// Service implements the report lifecycle: drafting, evidence, location
// enrichment, submission and administrative status changes.
type Service struct {
	store      store.Store
	resolver   AuthorityResolver
	normalizer LocationNormalizer
	detector   ProximityDetector
	sender     SendGridSender
	logger     *slog.Logger
	metrics    *Metrics
	cfg        Config
	validate   *inputValidator
	now        func() time.Time
}

// NewService creates a report service.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	if cfg.CasePrefix == "" {
		cfg.CasePrefix = DefaultCasePrefix
	}
	return &Service{
		store:      deps.Store,
		resolver:   deps.Resolver,
		normalizer: deps.Normalizer,
		detector:   deps.Detector,
		sender:     deps.Sender,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		cfg:        cfg,
		validate:   newInputValidator(),
		now:        time.Now,
	}
}

// Detail is a report together with its evidence and audit trails.
type Detail struct {
	Report    *model.Report
	Evidence  []*model.Evidence
	History   []*model.StatusHistoryEntry
	EmailLog  []*model.EmailLogEntry
	Authority *model.AuthorityRecord
}

// timestamp returns the current time at storage precision.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// claimCutoff is the claimed-at time before which an unsent submission
// claim is abandoned.
func (s *Service) claimCutoff() time.Time {
	return s.timestamp().Add(-s.cfg.ClaimTTL)
}

// draftConflict explains why a draft-only write to reportID matched no row.
func (s *Service) draftConflict(ctx context.Context, reportID string) error {
	current, err := s.load(ctx, reportID)
	if err != nil {
		return err
	}
	if current.Status != model.StatusDraft {
		return validationErr(ReasonNotDraft)
	}
	return validationErr(ReasonSubmitInProgress)
}

// Create stores a new draft owned by userID. When coordinates are given the
// report is enriched like SetLocation and nearby reports are returned.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*model.Report, []geo.Nearby, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, nil, err
	}

	now := s.timestamp()
	r := &model.Report{
		ID:        uuid.New().String(),
		UserID:    userID,
		Status:    model.StatusDraft,
		Category:  in.Category,
		Notes:     in.Notes,
		Public:    in.Public,
		Anonymous: in.Anonymous,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Latitude != nil && in.Longitude != nil {
		if err := s.applyLocation(ctx, r, *in.Latitude, *in.Longitude); err != nil {
			return nil, nil, err
		}
	}

	var err error
	for attempt := 0; attempt < maxCaseNumberAttempts; attempt++ {
		r.CaseNumber = NewCaseNumber(s.cfg.CasePrefix, now)
		err = s.store.CreateReport(ctx, r)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		s.logger.Warn("case number collision, retrying", "case_number", r.CaseNumber, "attempt", attempt+1)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("creating report: %w", err)
	}
	s.metrics.reportCreated()
	s.logger.Info("report created", "report_id", r.ID, "case_number", r.CaseNumber)

	nearby, err := s.nearby(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	return r, nearby, nil
}

// Get returns a report owned by userID with its evidence and audit trails.
func (s *Service) Get(ctx context.Context, userID, reportID string) (*Detail, error) {
	r, err := s.loadOwned(ctx, userID, reportID)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, r)
}

// GetAny returns any report regardless of owner, for administrators.
func (s *Service) GetAny(ctx context.Context, reportID string) (*Detail, error) {
	r, err := s.load(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, r)
}

func (s *Service) detail(ctx context.Context, r *model.Report) (*Detail, error) {
	d := &Detail{Report: r}
	var err error
	if d.Evidence, err = s.store.ListEvidenceByReport(ctx, r.ID); err != nil {
		return nil, fmt.Errorf("listing evidence for %s: %w", r.ID, err)
	}
	if d.History, err = s.store.ListStatusHistory(ctx, r.ID); err != nil {
		return nil, fmt.Errorf("listing history for %s: %w", r.ID, err)
	}
	if d.EmailLog, err = s.store.ListEmailLog(ctx, r.ID); err != nil {
		return nil, fmt.Errorf("listing email log for %s: %w", r.ID, err)
	}
	if r.AuthorityPostalCode != "" {
		d.Authority, err = s.store.GetAuthority(ctx, r.AuthorityPostalCode)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("getting authority for %s: %w", r.ID, err)
		}
	}
	return d, nil
}

// List returns the reports owned by userID, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]*model.Report, error) {
	reports, err := s.store.ListReportsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing reports for %s: %w", userID, err)
	}
	return reports, nil
}

// UpdateDetails changes category, notes or visibility of a draft.
func (s *Service) UpdateDetails(ctx context.Context, userID, reportID string, in UpdateInput) (*model.Report, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}
	r, err := s.loadDraft(ctx, userID, reportID)
	if err != nil {
		return nil, err
	}
	if in.Category != nil {
		r.Category = *in.Category
	}
	if in.Notes != nil {
		r.Notes = *in.Notes
	}
	if in.Public != nil {
		r.Public = *in.Public
	}
	if in.Anonymous != nil {
		r.Anonymous = *in.Anonymous
	}
	if err := s.saveDraft(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SetLocation places a draft at lat/lng, enriches it with address and
// authority, and returns existing reports nearby.
func (s *Service) SetLocation(ctx context.Context, userID, reportID string, in LocationInput) (*model.Report, []geo.Nearby, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, nil, err
	}
	r, err := s.loadDraft(ctx, userID, reportID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.applyLocation(ctx, r, *in.Latitude, *in.Longitude); err != nil {
		return nil, nil, err
	}
	if err := s.saveDraft(ctx, r); err != nil {
		return nil, nil, err
	}
	nearby, err := s.nearby(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	return r, nearby, nil
}

// SetPostalCode overrides the postal code of a draft, for when geocoding
// found none or found the wrong one, and resolves the authority again.
func (s *Service) SetPostalCode(ctx context.Context, userID, reportID string, in PostalCodeInput) (*model.Report, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}
	r, err := s.loadDraft(ctx, userID, reportID)
	if err != nil {
		return nil, err
	}
	r.PostalCode, _ = jurisdiction.NormalizePostalCode(in.PostalCode)
	if err := s.assignAuthority(ctx, r); err != nil {
		return nil, err
	}
	if err := s.saveDraft(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Nearby lists existing reports within radiusMeters of a located report.
func (s *Service) Nearby(ctx context.Context, userID, reportID string, radiusMeters int) ([]geo.Nearby, error) {
	r, err := s.loadOwned(ctx, userID, reportID)
	if err != nil {
		return nil, err
	}
	if !r.HasLocation() {
		return nil, nil
	}
	nearby, err := s.detector.FindNearby(ctx, *r.Latitude, *r.Longitude, radiusMeters, r.ID)
	if err != nil {
		return nil, fmt.Errorf("finding reports near %s: %w", r.ID, err)
	}
	return nearby, nil
}

// AddEvidence stores an uploaded photo or video for a draft. Image
// coordinates locate the report when it has no location yet.
func (s *Service) AddEvidence(ctx context.Context, userID, reportID, filename string, body io.Reader, meta EvidenceMeta) (*model.Evidence, error) {
	r, err := s.loadDraft(ctx, userID, reportID)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.ListEvidenceByReport(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("listing evidence for %s: %w", r.ID, err)
	}
	if err := checkEvidenceQuota(existing, 1); err != nil {
		return nil, validationErr(err.Error())
	}

	ev, err := saveEvidence(ctx, s.cfg.EvidenceDir, r.ID, filename, body)
	if err != nil {
		switch {
		case errors.Is(err, ErrDisallowedType), errors.Is(err, ErrFileTooLarge),
			errors.Is(err, ErrEmptyFile), errors.Is(err, ErrFilenameEmpty):
			return nil, validationErr(err.Error())
		}
		return nil, fmt.Errorf("saving evidence for %s: %w", r.ID, err)
	}
	if err := checkEvidenceQuota(existing, ev.SizeBytes); err != nil {
		s.removeFile(ev.StoragePath)
		return nil, validationErr(err.Error())
	}
	if meta.Latitude != nil && meta.Longitude != nil && geo.ValidCoordinates(*meta.Latitude, *meta.Longitude) {
		ev.Latitude = meta.Latitude
		ev.Longitude = meta.Longitude
	}
	ev.CapturedAt = meta.CapturedAt

	if err := s.store.CreateEvidence(ctx, ev, s.claimCutoff()); err != nil {
		s.removeFile(ev.StoragePath)
		if errors.Is(err, store.ErrConflict) {
			return nil, s.draftConflict(ctx, r.ID)
		}
		return nil, fmt.Errorf("recording evidence for %s: %w", r.ID, err)
	}
	s.logger.Info("evidence added",
		"report_id", r.ID,
		"evidence_id", ev.ID,
		"media_kind", ev.MediaKind,
		"size_bytes", ev.SizeBytes,
	)

	if ev.MediaKind == model.MediaImage && ev.Latitude != nil && !r.HasLocation() {
		if err := s.applyLocation(ctx, r, *ev.Latitude, *ev.Longitude); err == nil {
			err = s.saveDraft(ctx, r)
		}
		if err != nil {
			s.logger.Warn("locating report from evidence", "report_id", r.ID, "error", err)
		}
	}
	return ev, nil
}

// Delete removes a draft with its evidence. Evidence files are removed
// best-effort after the rows are gone.
func (s *Service) Delete(ctx context.Context, userID, reportID string) error {
	r, err := s.loadDraft(ctx, userID, reportID)
	if err != nil {
		return err
	}
	evidence, err := s.store.ListEvidenceByReport(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("listing evidence for %s: %w", r.ID, err)
	}

	if err := s.store.DeleteDraftReport(ctx, r.ID, s.claimCutoff()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.draftConflict(ctx, r.ID)
		}
		return fmt.Errorf("deleting report %s: %w", r.ID, err)
	}

	for _, ev := range evidence {
		s.removeFile(ev.StoragePath)
	}
	if s.cfg.EvidenceDir != "" {
		os.Remove(filepath.Join(s.cfg.EvidenceDir, r.ID))
	}
	s.logger.Info("report deleted", "report_id", r.ID, "evidence", len(evidence))
	return nil
}

// Transition applies an administrative status change. Moving a draft to
// submitted is reserved for Submit.
func (s *Service) Transition(ctx context.Context, actorID, reportID string, in TransitionInput) (*model.Report, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}
	r, err := s.load(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.Status == model.StatusDraft || !model.CanTransition(r.Status, in.Status) {
		return nil, validationErr(fmt.Sprintf("%s: %s to %s", ReasonInvalidTransition, r.Status, in.Status))
	}

	entry := &model.StatusHistoryEntry{
		ID:        uuid.New().String(),
		ReportID:  r.ID,
		OldStatus: r.Status,
		NewStatus: in.Status,
		ActorID:   actorID,
		Note:      in.Note,
		CreatedAt: s.timestamp(),
	}
	if err := s.store.TransitionStatus(ctx, r.ID, r.Status, entry); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, validationErr(ReasonInvalidTransition + ": status changed concurrently")
		}
		return nil, fmt.Errorf("transitioning report %s: %w", r.ID, err)
	}
	s.logger.Info("report status changed",
		"report_id", r.ID,
		"from", r.Status,
		"to", in.Status,
		"actor_id", actorID,
	)
	r.Status = in.Status
	r.UpdatedAt = entry.CreatedAt
	return r, nil
}

// applyLocation sets coordinates on r and replaces the address fields with
// whatever the normalizer finds. Geocoding failures leave them empty.
func (s *Service) applyLocation(ctx context.Context, r *model.Report, lat, lng float64) error {
	r.Latitude = &lat
	r.Longitude = &lng
	r.Address, r.PostalCode, r.Locality = "", "", ""

	if loc := s.normalizer.Normalize(ctx, lat, lng); loc != nil {
		r.Address = loc.Address
		r.PostalCode = loc.PostalCode
		r.Locality = loc.Locality
	}
	return s.assignAuthority(ctx, r)
}

// assignAuthority resolves the authority for r's postal code. A missing
// authority is not an error here; Submit refuses such reports.
func (s *Service) assignAuthority(ctx context.Context, r *model.Report) error {
	r.AuthorityPostalCode = ""
	if r.PostalCode == "" {
		return nil
	}
	rec, err := s.resolver.Resolve(ctx, r.PostalCode)
	if err != nil {
		return fmt.Errorf("resolving authority for %s: %w", r.ID, err)
	}
	if rec != nil {
		r.AuthorityPostalCode = rec.PostalCode
	}
	return nil
}

func (s *Service) nearby(ctx context.Context, r *model.Report) ([]geo.Nearby, error) {
	if !r.HasLocation() {
		return nil, nil
	}
	nearby, err := s.detector.FindNearby(ctx, *r.Latitude, *r.Longitude, geo.DefaultRadiusMeters, r.ID)
	if err != nil {
		return nil, fmt.Errorf("finding reports near %s: %w", r.ID, err)
	}
	return nearby, nil
}

func (s *Service) load(ctx context.Context, reportID string) (*model.Report, error) {
	r, err := s.store.GetReport(ctx, reportID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reportNotFound(reportID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting report %s: %w", reportID, err)
	}
	return r, nil
}

// loadOwned returns the report if userID owns it. Reports of other users
// are reported as missing.
func (s *Service) loadOwned(ctx context.Context, userID, reportID string) (*model.Report, error) {
	r, err := s.load(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, reportNotFound(reportID)
	}
	return r, nil
}

func (s *Service) loadDraft(ctx context.Context, userID, reportID string) (*model.Report, error) {
	r, err := s.loadOwned(ctx, userID, reportID)
	if err != nil {
		return nil, err
	}
	if r.Status != model.StatusDraft {
		return nil, validationErr(ReasonNotDraft)
	}
	return r, nil
}

func (s *Service) saveDraft(ctx context.Context, r *model.Report) error {
	r.UpdatedAt = s.timestamp()
	if err := s.store.UpdateDraftReport(ctx, r, s.claimCutoff()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.draftConflict(ctx, r.ID)
		}
		return fmt.Errorf("updating report %s: %w", r.ID, err)
	}
	return nil
}

func (s *Service) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing evidence file", "path", path, "error", err)
	}
}
