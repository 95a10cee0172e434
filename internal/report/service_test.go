package report

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/endharassment/surveillance-reports/internal/model"
	"github.com/endharassment/surveillance-reports/internal/store"
)

var caseNumberRe = regexp.MustCompile(`^CAM-\d{4}-\d{4}$`)

func TestNewCaseNumber(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		cn := NewCaseNumber("", now)
		if !caseNumberRe.MatchString(cn) || cn[4:8] != "2610" {
			t.Fatalf("case number %q has wrong shape", cn)
		}
	}
	if cn := NewCaseNumber("vid", now); cn[:4] != "VID-" {
		t.Errorf("custom prefix not applied: %q", cn)
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, nearby, err := f.svc.Create(ctx, ownerID, CreateInput{
		Category:  model.CategoryShop,
		Notes:     "Kamera im Eingangsbereich ohne Hinweisschild.",
		Public:    true,
		Latitude:  floatPtr(52.5321),
		Longitude: floatPtr(13.3849),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !caseNumberRe.MatchString(r.CaseNumber) {
		t.Errorf("CaseNumber = %q", r.CaseNumber)
	}
	if r.Status != model.StatusDraft || r.UserID != ownerID {
		t.Errorf("unexpected report: %+v", r)
	}
	if r.PostalCode != "10115" || r.Locality != "Berlin" || r.AuthorityPostalCode != "10115" {
		t.Errorf("report not enriched: postal=%q locality=%q authority=%q", r.PostalCode, r.Locality, r.AuthorityPostalCode)
	}
	if len(nearby) != 0 {
		t.Errorf("first report should have no neighbours, got %+v", nearby)
	}

	stored, err := f.store.GetReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if stored.CaseNumber != r.CaseNumber || stored.Address != r.Address {
		t.Errorf("stored report differs: %+v", stored)
	}

	_, nearby, err = f.svc.Create(ctx, otherID, CreateInput{
		Category:  model.CategoryShop,
		Latitude:  floatPtr(52.5322),
		Longitude: floatPtr(13.3850),
	})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if len(nearby) != 1 || nearby[0].ReportID != r.ID {
		t.Errorf("expected the first report as neighbour, got %+v", nearby)
	}
}

func TestCreate_InvalidInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		in   CreateInput
	}{
		{"missing category", CreateInput{}},
		{"unknown category", CreateInput{Category: "drone"}},
		{"latitude without longitude", CreateInput{Category: model.CategoryOther, Latitude: floatPtr(52.5)}},
		{"latitude out of range", CreateInput{Category: model.CategoryOther, Latitude: floatPtr(91), Longitude: floatPtr(13.4)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.Create(context.Background(), ownerID, tt.in)
			asValidation(t, err)
		})
	}
}

func TestUpdateDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.draft(t)

	cat := model.CategoryDoorbell
	notes := "Türklingelkamera erfasst den Hausflur."
	updated, err := f.svc.UpdateDetails(ctx, ownerID, r.ID, UpdateInput{Category: &cat, Notes: &notes})
	if err != nil {
		t.Fatalf("UpdateDetails: %v", err)
	}
	if updated.Category != cat || updated.Notes != notes {
		t.Errorf("unexpected report: %+v", updated)
	}

	if _, err := f.svc.UpdateDetails(ctx, otherID, r.ID, UpdateInput{Notes: &notes}); err == nil {
		t.Error("expected error updating someone else's report")
	}

	f.addPhoto(t, r.ID)
	if _, err := f.svc.Submit(ctx, ownerID, r.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err = f.svc.UpdateDetails(ctx, ownerID, r.ID, UpdateInput{Notes: &notes})
	if verr := asValidation(t, err); verr.Reason != ReasonNotDraft {
		t.Errorf("Reason = %q, want %q", verr.Reason, ReasonNotDraft)
	}
}

func TestSetLocation_GeocoderDown(t *testing.T) {
	f := newFixture(t)
	r := f.draft(t)

	f.normalizer.loc = nil
	got, _, err := f.svc.SetLocation(context.Background(), ownerID, r.ID, LocationInput{
		Latitude:  floatPtr(48.1372),
		Longitude: floatPtr(11.5756),
	})
	if err != nil {
		t.Fatalf("SetLocation: %v", err)
	}
	if *got.Latitude != 48.1372 || got.Address != "" || got.PostalCode != "" || got.AuthorityPostalCode != "" {
		t.Errorf("stale enrichment kept after move: %+v", got)
	}
}

func TestSetPostalCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.normalizer.loc = nil
	r := f.draft(t)
	if r.AuthorityPostalCode != "" {
		t.Fatalf("authority = %q, want none", r.AuthorityPostalCode)
	}

	got, err := f.svc.SetPostalCode(ctx, ownerID, r.ID, PostalCodeInput{PostalCode: " 10115 "})
	if err != nil {
		t.Fatalf("SetPostalCode: %v", err)
	}
	if got.PostalCode != "10115" || got.AuthorityPostalCode != "10115" {
		t.Errorf("postal=%q authority=%q", got.PostalCode, got.AuthorityPostalCode)
	}

	_, err = f.svc.SetPostalCode(ctx, ownerID, r.ID, PostalCodeInput{PostalCode: "1!"})
	asValidation(t, err)
}

func TestAddEvidence_LocatesReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, _, err := f.svc.Create(ctx, ownerID, CreateInput{Category: model.CategoryPublicSpace})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	captured := time.Date(2026, 9, 30, 18, 0, 0, 0, time.UTC)
	ev, err := f.svc.AddEvidence(ctx, ownerID, r.ID, "mast.jpg", bytes.NewReader(jpegBytes), EvidenceMeta{
		Latitude:   floatPtr(52.5321),
		Longitude:  floatPtr(13.3849),
		CapturedAt: &captured,
	})
	if err != nil {
		t.Fatalf("AddEvidence: %v", err)
	}
	if ev.Latitude == nil || ev.CapturedAt == nil {
		t.Errorf("evidence metadata dropped: %+v", ev)
	}

	stored, _ := f.store.GetReport(ctx, r.ID)
	if !stored.HasLocation() || stored.AuthorityPostalCode != "10115" {
		t.Errorf("report not located from evidence: %+v", stored)
	}
}

func TestAddEvidence_Rejected(t *testing.T) {
	f := newFixture(t)
	r := f.draft(t)

	_, err := f.svc.AddEvidence(context.Background(), ownerID, r.ID, "notes.txt", bytes.NewReader([]byte("hello")), EvidenceMeta{})
	asValidation(t, err)

	_, err = f.svc.AddEvidence(context.Background(), otherID, r.ID, "kamera.jpg", bytes.NewReader(jpegBytes), EvidenceMeta{})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError for foreign report, got %v", err)
	}
}

func TestAddEvidence_ReportQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.draft(t)

	// A recorded file that leaves less room than the next upload needs.
	if err := f.store.CreateEvidence(ctx, &model.Evidence{
		ID:          "ev-large",
		ReportID:    r.ID,
		Filename:    "lang.mp4",
		ContentType: "video/mp4",
		MediaKind:   model.MediaVideo,
		StoragePath: "/nonexistent/ev-large",
		SHA256:      "00",
		SizeBytes:   maxEvidenceBytesPerReport - 10,
		CreatedAt:   time.Now().UTC(),
	}, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("CreateEvidence: %v", err)
	}

	_, err := f.svc.AddEvidence(ctx, ownerID, r.ID, "kamera.jpg", bytes.NewReader(jpegBytes), EvidenceMeta{})
	asValidation(t, err)

	evidence, _ := f.store.ListEvidenceByReport(ctx, r.ID)
	if len(evidence) != 1 {
		t.Errorf("got %d evidence rows, want only the existing one", len(evidence))
	}
	entries, _ := os.ReadDir(filepath.Join(f.evidence, r.ID))
	if len(entries) != 0 {
		t.Errorf("rejected upload left %d files behind", len(entries))
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.draft(t)
	ev := f.addPhoto(t, r.ID)

	if err := f.svc.Delete(ctx, ownerID, r.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.store.GetReport(ctx, r.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("report still present: %v", err)
	}
	if _, err := os.Stat(ev.StoragePath); !os.IsNotExist(err) {
		t.Errorf("evidence file still present: %v", err)
	}
}

func TestDelete_SubmittedReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.draft(t)
	f.addPhoto(t, r.ID)
	if _, err := f.svc.Submit(ctx, ownerID, r.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	err := f.svc.Delete(ctx, ownerID, r.ID)
	if verr := asValidation(t, err); verr.Reason != ReasonNotDraft {
		t.Errorf("Reason = %q, want %q", verr.Reason, ReasonNotDraft)
	}
}

func TestTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.draft(t)

	_, err := f.svc.Transition(ctx, adminID, r.ID, TransitionInput{Status: model.StatusSubmitted})
	asValidation(t, err)

	f.addPhoto(t, r.ID)
	if _, err := f.svc.Submit(ctx, ownerID, r.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	steps := []struct {
		to      model.ReportStatus
		wantErr bool
	}{
		{model.StatusCompleted, true},
		{model.StatusInProgress, false},
		{model.StatusSubmitted, true},
		{model.StatusRejected, false},
		{model.StatusInProgress, true},
	}
	for _, step := range steps {
		_, err := f.svc.Transition(ctx, adminID, r.ID, TransitionInput{Status: step.to, Note: "Prüfung"})
		if step.wantErr {
			asValidation(t, err)
			continue
		}
		if err != nil {
			t.Fatalf("Transition to %s: %v", step.to, err)
		}
	}

	history, _ := f.store.ListStatusHistory(ctx, r.ID)
	if len(history) != 3 {
		t.Fatalf("history rows = %d, want 3", len(history))
	}
	if last := history[2]; last.NewStatus != model.StatusRejected || last.ActorID != adminID || last.Note != "Prüfung" {
		t.Errorf("unexpected last history entry: %+v", last)
	}
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.draft(t)
	f.addPhoto(t, r.ID)

	d, err := f.svc.Get(ctx, ownerID, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(d.Evidence) != 1 || d.Authority == nil || d.Authority.Name != "Bezirksamt Mitte" {
		t.Errorf("unexpected detail: %+v", d)
	}

	if _, err := f.svc.Get(ctx, otherID, r.ID); err == nil {
		t.Error("other users must not see the report")
	}
	if _, err := f.svc.GetAny(ctx, r.ID); err != nil {
		t.Errorf("GetAny: %v", err)
	}
}
