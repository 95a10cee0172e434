package model

import "time"

// ReportStatus tracks a report through its lifecycle.
type ReportStatus string

const (
	StatusDraft      ReportStatus = "draft"
	StatusSubmitted  ReportStatus = "submitted"
	StatusInProgress ReportStatus = "in_progress"
	StatusCompleted  ReportStatus = "completed"
	StatusRejected   ReportStatus = "rejected"
)

// statusTransitions lists the allowed forward moves out of each status.
var statusTransitions = map[ReportStatus][]ReportStatus{
	StatusDraft:      {StatusSubmitted},
	StatusSubmitted:  {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusRejected},
}

// CanTransition reports whether a report may move from one status to another.
func CanTransition(from, to ReportStatus) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s ReportStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusInProgress, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

// Category classifies the kind of surveillance being reported.
type Category string

const (
	CategoryPublicSpace Category = "public_space"
	CategoryNeighbour   Category = "neighbour_property"
	CategoryWorkplace   Category = "workplace"
	CategoryShop        Category = "shop"
	CategoryDashcam     Category = "dashcam"
	CategoryDoorbell    Category = "doorbell"
	CategoryOther       Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryPublicSpace, CategoryNeighbour, CategoryWorkplace, CategoryShop,
		CategoryDashcam, CategoryDoorbell, CategoryOther:
		return true
	}
	return false
}

// MediaKind distinguishes photo from video evidence.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// EmailDirection marks whether an email log entry was sent or received.
type EmailDirection string

const (
	EmailOutbound EmailDirection = "outbound"
	EmailInbound  EmailDirection = "inbound"
)

// User represents a reporter or admin. Users are provisioned by the
// login service; this service only reads them.
type User struct {
	ID        string
	Email     string
	Name      string
	IsAdmin   bool
	CreatedAt time.Time
}

// Session represents an authenticated session.
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Report is a complaint about a single surveillance installation.
type Report struct {
	ID         string
	CaseNumber string
	UserID     string
	Status     ReportStatus
	Category   Category
	Notes      string

	// Location. Latitude and Longitude are either both set or both nil.
	Latitude   *float64
	Longitude  *float64
	Address    string
	PostalCode string
	Locality   string

	// AuthorityPostalCode references the resolved AuthorityRecord.
	AuthorityPostalCode string

	Public    bool
	Anonymous bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
}

// HasLocation reports whether both coordinates are set.
func (r *Report) HasLocation() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// AuthorityRecord maps a postal code to the authority responsible for it.
type AuthorityRecord struct {
	PostalCode      string
	Name            string
	Email           string // empty when the directory has no contact address
	Latitude        float64
	Longitude       float64
	PersonalContact bool
	FetchedAt       time.Time
}

// Evidence represents an uploaded photo or video.
type Evidence struct {
	ID          string
	ReportID    string
	Filename    string
	ContentType string
	MediaKind   MediaKind
	StoragePath string
	SHA256      string
	SizeBytes   int64
	Latitude    *float64
	Longitude   *float64
	CapturedAt  *time.Time
	CreatedAt   time.Time
}

// StatusHistoryEntry records a single status change.
type StatusHistoryEntry struct {
	ID        string
	ReportID  string
	OldStatus ReportStatus
	NewStatus ReportStatus
	ActorID   string
	Note      string
	CreatedAt time.Time
}

// EmailLogEntry audits an email sent to or received from an authority.
type EmailLogEntry struct {
	ID                string
	ReportID          string
	Direction         EmailDirection
	Sender            string
	Recipient         string
	Subject           string
	ProviderMessageID string
	CreatedAt         time.Time
}
