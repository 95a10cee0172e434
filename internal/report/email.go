package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/endharassment/surveillance-reports/internal/model"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"golang.org/x/sync/errgroup"
)

// MailConfig holds settings for composing and sending complaint emails.
type MailConfig struct {
	// Domain hosts the per-case mailboxes used as sender and reply-to.
	Domain   string
	FromName string
	// SandboxMode when true prevents actual email delivery via SendGrid.
	SandboxMode bool
}

// Complaint is a composed complaint email, ready to dispatch.
type Complaint struct {
	From        string
	To          string
	ToName      string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Attachment is one evidence file attached to a complaint.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// composeComplaint builds the complaint for report addressed to authority.
// Attachments are loaded separately.
func composeComplaint(cfg MailConfig, report *model.Report, authority *model.AuthorityRecord, evidence []*model.Evidence) *Complaint {
	return &Complaint{
		From:    mailLocalPart(report.CaseNumber) + "@" + cfg.Domain,
		To:      authority.Email,
		ToName:  authority.Name,
		Subject: fmt.Sprintf("Anzeige unzulässiger Videoüberwachung (Az. %s)", report.CaseNumber),
		Body:    composeBody(cfg, report, evidence),
	}
}

func composeBody(cfg MailConfig, report *model.Report, evidence []*model.Evidence) string {
	var b strings.Builder

	b.WriteString("Sehr geehrte Damen und Herren,\n\n")
	b.WriteString("hiermit zeige ich eine mutmaßlich unzulässige Videoüberwachung an und bitte um aufsichtsbehördliche Prüfung nach Art. 77 DSGVO.\n\n")

	fmt.Fprintf(&b, "Aktenzeichen: %s\n", report.CaseNumber)
	if report.Address != "" {
		fmt.Fprintf(&b, "Ort: %s\n", report.Address)
	}
	if report.HasLocation() {
		fmt.Fprintf(&b, "Koordinaten: %s, %s\n",
			strconv.FormatFloat(*report.Latitude, 'f', 6, 64),
			strconv.FormatFloat(*report.Longitude, 'f', 6, 64))
	}
	fmt.Fprintf(&b, "Art der Überwachung: %s\n\n", categoryLabel(report.Category))

	if notes := strings.TrimSpace(report.Notes); notes != "" {
		b.WriteString("Beschreibung:\n")
		b.WriteString(notes)
		b.WriteString("\n\n")
	}

	if len(evidence) > 0 {
		fmt.Fprintf(&b, "Beweismittel (%d, im Anhang):\n", len(evidence))
		for _, e := range evidence {
			fmt.Fprintf(&b, "  - %s (SHA-256: %s)\n", e.Filename, e.SHA256)
		}
		b.WriteString("\n")
	}

	if report.Anonymous {
		b.WriteString("Die anzeigende Person wünscht, gegenüber dem Betreiber der Anlage anonym zu bleiben.\n\n")
	}
	b.WriteString("Bitte geben Sie bei Rückfragen das Aktenzeichen an. Antworten an diese Absenderadresse erreichen die anzeigende Person.\n\n")
	b.WriteString("Mit freundlichen Grüßen\n")
	b.WriteString(cfg.FromName)
	b.WriteString("\n")

	return b.String()
}

func categoryLabel(c model.Category) string {
	switch c {
	case model.CategoryPublicSpace:
		return "Überwachung öffentlichen Raums"
	case model.CategoryNeighbour:
		return "Kamera mit Blick auf Nachbargrundstück"
	case model.CategoryWorkplace:
		return "Überwachung am Arbeitsplatz"
	case model.CategoryShop:
		return "Videoüberwachung in Geschäftsräumen"
	case model.CategoryDashcam:
		return "Dashcam"
	case model.CategoryDoorbell:
		return "Türklingelkamera"
	case model.CategoryOther:
		return "Sonstige Videoüberwachung"
	default:
		return string(c)
	}
}

// maxConcurrentReads bounds parallel evidence reads when attaching files.
const maxConcurrentReads = 4

// loadAttachments reads the stored evidence files in parallel, preserving
// the order of evidence.
func loadAttachments(ctx context.Context, evidence []*model.Evidence) ([]Attachment, error) {
	out := make([]Attachment, len(evidence))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReads)
	for i, e := range evidence {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(e.StoragePath)
			if err != nil {
				return fmt.Errorf("reading evidence %s: %w", e.ID, err)
			}
			out[i] = Attachment{Filename: e.Filename, ContentType: e.ContentType, Content: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SendGridSender is the interface for sending emails via SendGrid.
// This abstraction allows for easy mocking in tests.
type SendGridSender interface {
	Send(ctx context.Context, email *mail.SGMailV3) (*SendResult, error)
}

// SendResult contains the result of sending an email.
type SendResult struct {
	StatusCode int
	MessageID  string
}

// RealSendGridSender sends emails via the SendGrid API.
type RealSendGridSender struct {
	APIKey string
}

// Send dispatches an email through the SendGrid API.
func (s *RealSendGridSender) Send(ctx context.Context, email *mail.SGMailV3) (*SendResult, error) {
	client := sendgrid.NewSendClient(s.APIKey)
	resp, err := client.SendWithContext(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, resp.Body)
	}
	messageID := ""
	if ids, ok := resp.Headers["X-Message-Id"]; ok && len(ids) > 0 {
		messageID = ids[0]
	}
	return &SendResult{
		StatusCode: resp.StatusCode,
		MessageID:  messageID,
	}, nil
}

// buildMessage converts a complaint into a SendGrid message. When
// SandboxMode is set, SendGrid validates the request without delivering it.
func buildMessage(cfg MailConfig, c *Complaint) *mail.SGMailV3 {
	from := mail.NewEmail(cfg.FromName, c.From)
	to := mail.NewEmail(c.ToName, c.To)

	message := mail.NewSingleEmail(from, c.Subject, to, c.Body, "")
	message.SetReplyTo(mail.NewEmail(cfg.FromName, c.From))

	for _, a := range c.Attachments {
		attachment := mail.NewAttachment()
		attachment.SetContent(base64.StdEncoding.EncodeToString(a.Content))
		attachment.SetType(a.ContentType)
		attachment.SetFilename(a.Filename)
		attachment.SetDisposition("attachment")
		message.AddAttachment(attachment)
	}

	if cfg.SandboxMode {
		settings := mail.NewMailSettings()
		settings.SetSandboxMode(mail.NewSetting(true))
		message.SetMailSettings(settings)
	}
	return message
}
