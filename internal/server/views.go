package server

import (
	"time"

	"github.com/endharassment/surveillance-reports/internal/geo"
	"github.com/endharassment/surveillance-reports/internal/model"
	"github.com/endharassment/surveillance-reports/internal/report"
)

type reportView struct {
	ID                  string     `json:"id"`
	CaseNumber          string     `json:"case_number"`
	Status              string     `json:"status"`
	Category            string     `json:"category"`
	Notes               string     `json:"notes"`
	Latitude            *float64   `json:"latitude"`
	Longitude           *float64   `json:"longitude"`
	Address             string     `json:"address,omitempty"`
	PostalCode          string     `json:"postal_code,omitempty"`
	Locality            string     `json:"locality,omitempty"`
	AuthorityPostalCode string     `json:"authority_postal_code,omitempty"`
	Public              bool       `json:"public"`
	Anonymous           bool       `json:"anonymous"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	SubmittedAt         *time.Time `json:"submitted_at,omitempty"`
}

func newReportView(r *model.Report) reportView {
	return reportView{
		ID:                  r.ID,
		CaseNumber:          r.CaseNumber,
		Status:              string(r.Status),
		Category:            string(r.Category),
		Notes:               r.Notes,
		Latitude:            r.Latitude,
		Longitude:           r.Longitude,
		Address:             r.Address,
		PostalCode:          r.PostalCode,
		Locality:            r.Locality,
		AuthorityPostalCode: r.AuthorityPostalCode,
		Public:              r.Public,
		Anonymous:           r.Anonymous,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		SubmittedAt:         r.SubmittedAt,
	}
}

type authorityView struct {
	PostalCode      string    `json:"postal_code"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	PersonalContact bool      `json:"personal_contact"`
	FetchedAt       time.Time `json:"fetched_at"`
}

func newAuthorityView(a *model.AuthorityRecord) *authorityView {
	if a == nil {
		return nil
	}
	return &authorityView{
		PostalCode:      a.PostalCode,
		Name:            a.Name,
		Email:           a.Email,
		Latitude:        a.Latitude,
		Longitude:       a.Longitude,
		PersonalContact: a.PersonalContact,
		FetchedAt:       a.FetchedAt,
	}
}

// evidenceView omits the storage path, which is internal.
type evidenceView struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	ContentType string     `json:"content_type"`
	MediaKind   string     `json:"media_kind"`
	SHA256      string     `json:"sha256"`
	SizeBytes   int64      `json:"size_bytes"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newEvidenceView(e *model.Evidence) evidenceView {
	return evidenceView{
		ID:          e.ID,
		Filename:    e.Filename,
		ContentType: e.ContentType,
		MediaKind:   string(e.MediaKind),
		SHA256:      e.SHA256,
		SizeBytes:   e.SizeBytes,
		Latitude:    e.Latitude,
		Longitude:   e.Longitude,
		CapturedAt:  e.CapturedAt,
		CreatedAt:   e.CreatedAt,
	}
}

type historyView struct {
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	ActorID   string    `json:"actor_id"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type emailView struct {
	Direction         string    `json:"direction"`
	Sender            string    `json:"sender"`
	Recipient         string    `json:"recipient"`
	Subject           string    `json:"subject"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type detailView struct {
	Report    reportView     `json:"report"`
	Authority *authorityView `json:"authority,omitempty"`
	Evidence  []evidenceView `json:"evidence"`
	History   []historyView  `json:"history"`
	EmailLog  []emailView    `json:"email_log"`
}

func newDetailView(d *report.Detail) detailView {
	v := detailView{
		Report:    newReportView(d.Report),
		Authority: newAuthorityView(d.Authority),
		Evidence:  make([]evidenceView, 0, len(d.Evidence)),
		History:   make([]historyView, 0, len(d.History)),
		EmailLog:  make([]emailView, 0, len(d.EmailLog)),
	}
	for _, e := range d.Evidence {
		v.Evidence = append(v.Evidence, newEvidenceView(e))
	}
	for _, h := range d.History {
		v.History = append(v.History, historyView{
			OldStatus: string(h.OldStatus),
			NewStatus: string(h.NewStatus),
			ActorID:   h.ActorID,
			Note:      h.Note,
			CreatedAt: h.CreatedAt,
		})
	}
	for _, m := range d.EmailLog {
		v.EmailLog = append(v.EmailLog, emailView{
			Direction:         string(m.Direction),
			Sender:            m.Sender,
			Recipient:         m.Recipient,
			Subject:           m.Subject,
			ProviderMessageID: m.ProviderMessageID,
			CreatedAt:         m.CreatedAt,
		})
	}
	return v
}

// reportWithNearby is returned when a report gains a location, so the
// client can warn about complaints already filed nearby.
type reportWithNearby struct {
	Report reportView   `json:"report"`
	Nearby []geo.Nearby `json:"nearby"`
}

func newReportWithNearby(r *model.Report, nearby []geo.Nearby) reportWithNearby {
	if nearby == nil {
		nearby = []geo.Nearby{}
	}
	return reportWithNearby{Report: newReportView(r), Nearby: nearby}
}
