package report

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/endharassment/surveillance-reports/internal/geo"
	"github.com/endharassment/surveillance-reports/internal/jurisdiction"
	"github.com/endharassment/surveillance-reports/internal/model"
	"github.com/endharassment/surveillance-reports/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	ownerID = "usr-owner"
	otherID = "usr-other"
	adminID = "usr-admin"
)

// jpegBytes is enough of a JPEG for content sniffing.
var jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, bytes.Repeat([]byte{0x42}, 512)...)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDirectory is an in-memory authority directory.
type fakeDirectory struct {
	mu      sync.Mutex
	entries map[string]*jurisdiction.Authority
	err     error
	calls   int
}

func (d *fakeDirectory) LookupAuthority(_ context.Context, code string) (*jurisdiction.Authority, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	a, ok := d.entries[code]
	if !ok {
		return nil, jurisdiction.ErrNoCoverage
	}
	return a, nil
}

// stubNormalizer answers every coordinate with the same location.
type stubNormalizer struct {
	loc *geo.Location
}

func (n *stubNormalizer) Normalize(_ context.Context, _, _ float64) *geo.Location {
	if n.loc == nil {
		return nil
	}
	cp := *n.loc
	return &cp
}

// mockSendGridSender records messages. When gate is set, Send blocks until
// it is closed and signals entered first.
type mockSendGridSender struct {
	mu       sync.Mutex
	messages []*mail.SGMailV3
	err      error
	entered  chan struct{}
	gate     chan struct{}
	onSend   func()
}

func (m *mockSendGridSender) Send(ctx context.Context, email *mail.SGMailV3) (*SendResult, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.messages = append(m.messages, email)
	if m.onSend != nil {
		m.onSend()
	}
	return &SendResult{StatusCode: 202, MessageID: "sg-msg-1"}, nil
}

func (m *mockSendGridSender) sent() []*mail.SGMailV3 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mail.SGMailV3(nil), m.messages...)
}

type fixture struct {
	svc        *Service
	store      *store.SQLiteStore
	dir        *fakeDirectory
	normalizer *stubNormalizer
	sender     *mockSendGridSender
	metrics    *Metrics
	evidence   string
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	tmp := t.TempDir()

	st, err := store.NewSQLiteStore(ctx, filepath.Join(tmp, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	for _, u := range []*model.User{
		{ID: ownerID, Email: "owner@example.com", CreatedAt: time.Now().UTC()},
		{ID: otherID, Email: "other@example.com", CreatedAt: time.Now().UTC()},
		{ID: adminID, Email: "admin@example.com", IsAdmin: true, CreatedAt: time.Now().UTC()},
	} {
		if err := st.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}

	dir := &fakeDirectory{entries: map[string]*jurisdiction.Authority{
		"10115": {
			PostalCode: "10115",
			Name:       "Bezirksamt Mitte",
			Email:      strPtr("datenschutz@ba-mitte.berlin.de"),
			Latitude:   52.53,
			Longitude:  13.38,
		},
		"20095": {
			PostalCode: "20095",
			Name:       "Bezirksamt Hamburg-Mitte",
			Latitude:   53.55,
			Longitude:  10.0,
		},
	}}
	normalizer := &stubNormalizer{loc: &geo.Location{
		Address:    "Invalidenstraße 1, 10115 Berlin",
		PostalCode: "10115",
		Locality:   "Berlin",
	}}
	sender := &mockSendGridSender{}
	metrics := NewMetrics(prometheus.NewRegistry())

	evidenceDir := filepath.Join(tmp, "evidence")
	if err := os.MkdirAll(evidenceDir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	svc := NewService(Deps{
		Store:      st,
		Resolver:   jurisdiction.NewResolver(st, dir, discardLogger()),
		Normalizer: normalizer,
		Detector:   geo.NewDetector(st),
		Sender:     sender,
		Logger:     discardLogger(),
		Metrics:    metrics,
	}, Config{
		EvidenceDir: evidenceDir,
		Mail: MailConfig{
			Domain:      "reports.example.org",
			FromName:    "Meldestelle Videoüberwachung",
			SandboxMode: true,
		},
		SendTimeout: 2 * time.Second,
	})

	return &fixture{
		svc:        svc,
		store:      st,
		dir:        dir,
		normalizer: normalizer,
		sender:     sender,
		metrics:    metrics,
		evidence:   evidenceDir,
	}
}

func floatPtr(f float64) *float64 { return &f }

// draft creates a located draft owned by ownerID.
func (f *fixture) draft(t *testing.T) *model.Report {
	t.Helper()
	r, _, err := f.svc.Create(context.Background(), ownerID, CreateInput{
		Category:  model.CategoryPublicSpace,
		Notes:     "Kamera am Laternenmast filmt den Gehweg.",
		Latitude:  floatPtr(52.5321),
		Longitude: floatPtr(13.3849),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func (f *fixture) addPhoto(t *testing.T, reportID string) *model.Evidence {
	t.Helper()
	ev, err := f.svc.AddEvidence(context.Background(), ownerID, reportID, "kamera.jpg", bytes.NewReader(jpegBytes), EvidenceMeta{})
	if err != nil {
		t.Fatalf("AddEvidence: %v", err)
	}
	return ev
}

func asValidation(t *testing.T, err error) *ValidationError {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	return verr
}
