package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/endharassment/surveillance-reports/internal/model"
	"github.com/endharassment/surveillance-reports/internal/store"
	"github.com/google/uuid"
)

// commitTimeout bounds the bookkeeping after a successful dispatch.
const commitTimeout = 10 * time.Second

// Submit sends the complaint for a draft to the responsible authority and
// marks the report submitted. The email is the irreversible step: every
// precondition is checked before it, and nothing is written when it fails.
func (s *Service) Submit(ctx context.Context, userID, reportID string) (*model.Report, error) {
	r, err := s.loadOwned(ctx, userID, reportID)
	if err != nil {
		return nil, err
	}
	if r.Status != model.StatusDraft {
		return nil, s.reject(r, ReasonAlreadySubmitted)
	}

	evidence, err := s.store.ListEvidenceByReport(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("listing evidence for %s: %w", r.ID, err)
	}
	if len(evidence) == 0 {
		return nil, s.reject(r, ReasonNoEvidence)
	}

	authority, err := s.authorityFor(ctx, r)
	if err != nil {
		return nil, err
	}
	if authority == nil || authority.Email == "" {
		return nil, s.reject(r, ReasonNoAuthority)
	}

	token := uuid.New().String()
	claimedAt := s.timestamp()
	if err := s.store.ClaimSubmission(ctx, r.ID, token, claimedAt, s.claimCutoff()); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("claiming report %s: %w", r.ID, err)
		}
		// Either someone else finished first or is dispatching right now.
		if current, gerr := s.store.GetReport(ctx, r.ID); gerr == nil && current.Status != model.StatusDraft {
			return nil, s.reject(r, ReasonAlreadySubmitted)
		}
		return nil, s.reject(r, ReasonSubmitInProgress)
	}

	release := true
	defer func() {
		if !release {
			return
		}
		if err := s.store.ReleaseSubmission(context.WithoutCancel(ctx), r.ID, token); err != nil {
			s.logger.Error("releasing submission claim", "report_id", r.ID, "error", err)
		}
	}()

	attachments, err := loadAttachments(ctx, evidence)
	if err != nil {
		return nil, fmt.Errorf("loading attachments for %s: %w", r.ID, err)
	}
	complaint := composeComplaint(s.cfg.Mail, r, authority, evidence)
	complaint.Attachments = attachments

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	result, err := s.sender.Send(sendCtx, buildMessage(s.cfg.Mail, complaint))
	cancel()
	if err != nil {
		s.metrics.submission(submitDispatchFailed)
		s.logger.Error("dispatching complaint",
			"report_id", r.ID,
			"case_number", r.CaseNumber,
			"recipient", complaint.To,
			"error", err,
		)
		return nil, &ExternalServiceError{Service: "mail", Err: err}
	}

	// The mail is out. Keep the claim even if the bookkeeping fails so
	// a retry cannot send it twice, and finish regardless of the caller
	// hanging up.
	release = false
	submittedAt := s.timestamp()
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := s.store.MarkSubmissionSent(commitCtx, r.ID, token, submittedAt); err != nil {
		s.logger.Error("marking submission claim as sent",
			"report_id", r.ID,
			"message_id", result.MessageID,
			"error", err,
		)
	}
	logEntry := &model.EmailLogEntry{
		ID:                uuid.New().String(),
		ReportID:          r.ID,
		Direction:         model.EmailOutbound,
		Sender:            complaint.From,
		Recipient:         complaint.To,
		Subject:           complaint.Subject,
		ProviderMessageID: result.MessageID,
		CreatedAt:         submittedAt,
	}
	history := &model.StatusHistoryEntry{
		ID:        uuid.New().String(),
		ReportID:  r.ID,
		OldStatus: model.StatusDraft,
		NewStatus: model.StatusSubmitted,
		ActorID:   userID,
		CreatedAt: submittedAt,
	}

	if err := s.store.CommitSubmission(commitCtx, r.ID, token, submittedAt, logEntry, history); err != nil {
		s.logger.Error("complaint sent but submission not recorded",
			"report_id", r.ID,
			"case_number", r.CaseNumber,
			"message_id", result.MessageID,
			"error", err,
		)
		return nil, fmt.Errorf("recording submission of %s: %w", r.ID, err)
	}

	s.metrics.submission(submitSent)
	s.logger.Info("complaint submitted",
		"report_id", r.ID,
		"case_number", r.CaseNumber,
		"authority", authority.Name,
		"attachments", len(attachments),
		"message_id", result.MessageID,
	)

	r.Status = model.StatusSubmitted
	r.SubmittedAt = &submittedAt
	r.UpdatedAt = submittedAt
	return r, nil
}

func (s *Service) reject(r *model.Report, reason string) error {
	s.metrics.submission(submitRejected)
	s.logger.Info("submission rejected", "report_id", r.ID, "reason", reason)
	return validationErr(reason)
}

// authorityFor returns the authority a draft will be sent to. A draft
// with a postal code but no resolved authority gets one more resolution
// attempt, which is persisted when it succeeds.
func (s *Service) authorityFor(ctx context.Context, r *model.Report) (*model.AuthorityRecord, error) {
	if r.AuthorityPostalCode != "" {
		rec, err := s.store.GetAuthority(ctx, r.AuthorityPostalCode)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("getting authority for %s: %w", r.ID, err)
		}
		return rec, nil
	}
	if r.PostalCode == "" {
		return nil, nil
	}

	if err := s.assignAuthority(ctx, r); err != nil {
		return nil, err
	}
	if r.AuthorityPostalCode == "" {
		return nil, nil
	}
	if err := s.saveDraft(ctx, r); err != nil {
		return nil, err
	}
	rec, err := s.store.GetAuthority(ctx, r.AuthorityPostalCode)
	if err != nil {
		return nil, fmt.Errorf("getting authority for %s: %w", r.ID, err)
	}
	return rec, nil
}
