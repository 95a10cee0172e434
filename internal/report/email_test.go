package report

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/endharassment/surveillance-reports/internal/model"
)

var testMailConfig = MailConfig{
	Domain:      "reports.example.org",
	FromName:    "Meldestelle Videoüberwachung",
	SandboxMode: true,
}

func testReport() *model.Report {
	lat, lng := 52.5321, 13.3849
	return &model.Report{
		ID:         "rpt-001",
		CaseNumber: "CAM-2610-4711",
		UserID:     "usr-001",
		Status:     model.StatusDraft,
		Category:   model.CategoryNeighbour,
		Notes:      "Die Kamera ist auf meinen Garten gerichtet.",
		Latitude:   &lat,
		Longitude:  &lng,
		Address:    "Invalidenstraße 1, 10115 Berlin",
		PostalCode: "10115",
		CreatedAt:  time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testAuthority() *model.AuthorityRecord {
	return &model.AuthorityRecord{
		PostalCode: "10115",
		Name:       "Bezirksamt Mitte",
		Email:      "datenschutz@ba-mitte.berlin.de",
	}
}

func testEvidence() []*model.Evidence {
	return []*model.Evidence{
		{ID: "ev-001", Filename: "garten.jpg", ContentType: "image/jpeg", SHA256: "abc123", MediaKind: model.MediaImage},
		{ID: "ev-002", Filename: "nacht.mp4", ContentType: "video/mp4", SHA256: "def456", MediaKind: model.MediaVideo},
	}
}

func TestComposeComplaint(t *testing.T) {
	c := composeComplaint(testMailConfig, testReport(), testAuthority(), testEvidence())

	if c.From != "cam-2610-4711@reports.example.org" {
		t.Errorf("From = %q", c.From)
	}
	if c.To != "datenschutz@ba-mitte.berlin.de" || c.ToName != "Bezirksamt Mitte" {
		t.Errorf("To = %s <%s>", c.ToName, c.To)
	}
	if !strings.Contains(c.Subject, "CAM-2610-4711") {
		t.Errorf("Subject %q missing case number", c.Subject)
	}

	for _, want := range []string{
		"Sehr geehrte Damen und Herren",
		"Art. 77 DSGVO",
		"Aktenzeichen: CAM-2610-4711",
		"Ort: Invalidenstraße 1, 10115 Berlin",
		"Koordinaten: 52.532100, 13.384900",
		"Art der Überwachung: Kamera mit Blick auf Nachbargrundstück",
		"Die Kamera ist auf meinen Garten gerichtet.",
		"Beweismittel (2, im Anhang)",
		"garten.jpg (SHA-256: abc123)",
		"Meldestelle Videoüberwachung",
	} {
		if !strings.Contains(c.Body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if strings.Contains(c.Body, "anonym") {
		t.Error("non-anonymous report should not mention anonymity")
	}
}

func TestComposeComplaint_Anonymous(t *testing.T) {
	r := testReport()
	r.Anonymous = true
	r.Notes = ""
	r.Address = ""

	c := composeComplaint(testMailConfig, r, testAuthority(), testEvidence())
	if !strings.Contains(c.Body, "anonym") {
		t.Error("anonymous report should ask for anonymity")
	}
	if strings.Contains(c.Body, "Beschreibung:") || strings.Contains(c.Body, "Ort:") {
		t.Error("empty notes and address should be omitted")
	}
}

func TestCategoryLabel(t *testing.T) {
	for _, c := range []model.Category{
		model.CategoryPublicSpace, model.CategoryNeighbour, model.CategoryWorkplace,
		model.CategoryShop, model.CategoryDashcam, model.CategoryDoorbell, model.CategoryOther,
	} {
		if label := categoryLabel(c); label == "" || label == string(c) {
			t.Errorf("category %s has no label", c)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	c := composeComplaint(testMailConfig, testReport(), testAuthority(), nil)
	c.Attachments = []Attachment{{Filename: "garten.jpg", ContentType: "image/jpeg", Content: []byte("jpeg")}}

	msg := buildMessage(testMailConfig, c)
	if msg.From.Address != c.From || msg.From.Name != testMailConfig.FromName {
		t.Errorf("From = %+v", msg.From)
	}
	if msg.ReplyTo == nil || msg.ReplyTo.Address != c.From {
		t.Errorf("ReplyTo = %+v, want %s", msg.ReplyTo, c.From)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Disposition != "attachment" {
		t.Errorf("unexpected attachments: %+v", msg.Attachments)
	}
	if msg.MailSettings == nil || msg.MailSettings.SandboxMode == nil || !*msg.MailSettings.SandboxMode.Enable {
		t.Error("sandbox mode should be enabled")
	}

	cfg := testMailConfig
	cfg.SandboxMode = false
	if msg := buildMessage(cfg, c); msg.MailSettings != nil {
		t.Error("mail settings should be unset without sandbox mode")
	}
}

func TestLoadAttachments(t *testing.T) {
	dir := t.TempDir()
	evidence := testEvidence()
	for i, ev := range evidence {
		ev.StoragePath = filepath.Join(dir, ev.ID)
		if err := os.WriteFile(ev.StoragePath, []byte{byte('a' + i)}, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	atts, err := loadAttachments(context.Background(), evidence)
	if err != nil {
		t.Fatalf("loadAttachments: %v", err)
	}
	if len(atts) != 2 {
		t.Fatalf("got %d attachments, want 2", len(atts))
	}
	for i, a := range atts {
		if a.Filename != evidence[i].Filename || a.ContentType != evidence[i].ContentType {
			t.Errorf("attachment %d = %s (%s)", i, a.Filename, a.ContentType)
		}
		if string(a.Content) != string(rune('a'+i)) {
			t.Errorf("attachment %d content = %q", i, a.Content)
		}
	}

	evidence[1].StoragePath = filepath.Join(dir, "missing")
	if _, err := loadAttachments(context.Background(), evidence); err == nil {
		t.Error("expected error for missing evidence file")
	}
}
