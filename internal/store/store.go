package store

import (
	"context"
	"errors"
	"time"

	"github.com/endharassment/surveillance-reports/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write matched no row or a
	// uniqueness constraint rejected the write.
	ErrConflict = errors.New("conflict")
)

// BoundingBox is an inclusive latitude/longitude rectangle.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// Store defines the persistence interface for the complaint service.
type Store interface {
	// Users and sessions (provisioned by the login service).
	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context) error

	// Reports
	CreateReport(ctx context.Context, report *model.Report) error
	GetReport(ctx context.Context, id string) (*model.Report, error)
	UpdateDraftReport(ctx context.Context, report *model.Report, staleBefore time.Time) error
	ListReportsByUser(ctx context.Context, userID string) ([]*model.Report, error)
	ListLocatedReportsInBox(ctx context.Context, box BoundingBox) ([]*model.Report, error)
	DeleteDraftReport(ctx context.Context, id string, staleBefore time.Time) error

	// Submission
	ClaimSubmission(ctx context.Context, reportID, token string, now, staleBefore time.Time) error
	MarkSubmissionSent(ctx context.Context, reportID, token string, sentAt time.Time) error
	ReleaseSubmission(ctx context.Context, reportID, token string) error
	CommitSubmission(ctx context.Context, reportID, token string, submittedAt time.Time, logEntry *model.EmailLogEntry, history *model.StatusHistoryEntry) error
	TransitionStatus(ctx context.Context, reportID string, from model.ReportStatus, history *model.StatusHistoryEntry) error

	// Evidence
	CreateEvidence(ctx context.Context, evidence *model.Evidence, staleBefore time.Time) error
	ListEvidenceByReport(ctx context.Context, reportID string) ([]*model.Evidence, error)

	// Audit trails
	ListStatusHistory(ctx context.Context, reportID string) ([]*model.StatusHistoryEntry, error)
	ListEmailLog(ctx context.Context, reportID string) ([]*model.EmailLogEntry, error)

	// Authorities
	GetAuthority(ctx context.Context, postalCode string) (*model.AuthorityRecord, error)
	UpsertAuthority(ctx context.Context, rec *model.AuthorityRecord) error
	ListStaleAuthorities(ctx context.Context, fetchedBefore time.Time, limit int) ([]*model.AuthorityRecord, error)
}
